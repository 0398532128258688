// =============================================================================
// mockserver_test.go - Mock Lock Target for CLI Tests
// =============================================================================
//
// A minimal lock target on a unix socket. It answers HELLO, grants every
// LOCK and LOCKW, and closes the connection after QUIT. Tests that need
// lock conflicts live in the harness package; here we only care that the
// CLI wires a script through to a real socket.
//
// =============================================================================

package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/multilock/multilock/mlprotocol"
)

type mockServer struct {
	listener net.Listener

	socketPath string

	mu          sync.Mutex
	connections []net.Conn
	requests    []string

	wg sync.WaitGroup
}

// startMockServer listens on a fresh socket under /tmp. Socket paths are
// length-limited, so t.TempDir is often too deep.
func startMockServer(t *testing.T) *mockServer {
	t.Helper()

	tmpDir, err := os.MkdirTemp("/tmp", "multilock-test-")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "s.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to create mock server socket: %v", err)
	}

	ms := &mockServer{listener: listener, socketPath: socketPath}
	ms.wg.Add(1)
	go ms.acceptLoop()
	t.Cleanup(ms.stop)
	return ms
}

// target is the CLIENT target naming this server.
func (ms *mockServer) target() string {
	return "unix:" + ms.socketPath
}

func (ms *mockServer) received() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.requests...)
}

func (ms *mockServer) acceptLoop() {
	defer ms.wg.Done()
	for {
		conn, err := ms.listener.Accept()
		if err != nil {
			return
		}
		ms.mu.Lock()
		ms.connections = append(ms.connections, conn)
		ms.mu.Unlock()

		ms.wg.Add(1)
		go ms.handleConnection(conn)
	}
}

func (ms *mockServer) handleConnection(conn net.Conn) {
	defer ms.wg.Done()
	defer conn.Close()

	parser := mlprotocol.NewParser(mlprotocol.NewTags(false))
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		ms.mu.Lock()
		ms.requests = append(ms.requests, line)
		ms.mu.Unlock()

		req, err := parser.ParseRequest(line)
		if err != nil {
			fmt.Fprintf(conn, "%d UNKNOWN PARSE_ERROR %s\n", req.Tag, err)
			continue
		}
		fmt.Fprintln(conn, mockReply(req))
		if req.Command == mlprotocol.CmdQuit {
			return
		}
	}
}

func mockReply(req *mlprotocol.Record) string {
	switch req.Command {
	case mlprotocol.CmdHello, mlprotocol.CmdComment:
		return fmt.Sprintf("%d %s OK %q", req.Tag, req.Command, req.Data)
	case mlprotocol.CmdLock, mlprotocol.CmdLockW:
		return fmt.Sprintf("%d %s GRANTED %d %s %d %d", req.Tag, req.Command, req.Fpos, req.LockType, req.Start, req.Length)
	case mlprotocol.CmdUnlock:
		return fmt.Sprintf("%d UNLOCK GRANTED %d unlock %d %d", req.Tag, req.Fpos, req.Start, req.Length)
	case mlprotocol.CmdQuit:
		return fmt.Sprintf("%d QUIT OK", req.Tag)
	default:
		return fmt.Sprintf("%d %s ERRNO 38 \"Function not implemented\"", req.Tag, req.Command)
	}
}

func (ms *mockServer) stop() {
	ms.listener.Close()

	ms.mu.Lock()
	for _, conn := range ms.connections {
		conn.Close()
	}
	ms.connections = nil
	ms.mu.Unlock()

	ms.wg.Wait()
	os.Remove(ms.socketPath)
}
