package mlprotocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Transport carries protocol lines to and from one lock target.
type Transport interface {
	// WriteLine sends line followed by a newline.
	WriteLine(line string) error

	// ReadLine blocks until a line arrives, the transport closes, or ctx is
	// done. The returned line has no trailing newline.
	ReadLine(ctx context.Context) (string, error)

	// Close releases the transport. Pending and later reads fail.
	Close() error
}

// lineResult wraps a line or error from the reader goroutine.
type lineResult struct {
	line string
	err  error
}

// LineConn is a Transport over any byte stream.
//
// Reads happen on a dedicated goroutine that feeds a channel, so that a
// blocked ReadLine can be abandoned when its context expires without
// losing the line that eventually arrives.
//
// Thread Safety:
// WriteLine and Close may be called from any goroutine. ReadLine is meant
// for a single consumer.
type LineConn struct {
	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	closed bool

	lines     chan lineResult
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// readErr is the error that ended the reader; valid once lines is closed.
	readErr error
}

// NewLineConn wraps rwc and starts its reader goroutine.
func NewLineConn(rwc io.ReadWriteCloser) *LineConn {
	c := &LineConn{
		rwc:   rwc,
		lines: make(chan lineResult, 16),
		done:  make(chan struct{}),
	}
	go c.readerLoop()
	return c
}

// readerLoop reads lines until the stream fails or the conn is closed.
func (c *LineConn) readerLoop() {
	defer close(c.lines)

	reader := bufio.NewReaderSize(c.rwc, MaxLineLength+2)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && (err == nil || errors.Is(err, io.EOF)) {
			select {
			case c.lines <- lineResult{line: strings.TrimRight(line, "\r\n")}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if c.isClosed() {
				err = ErrNotConnected
			} else if !errors.Is(err, io.EOF) {
				err = NewConnectionError("read failed", err)
			}
			c.readErr = err
			return
		}
	}
}

func (c *LineConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WriteLine sends line followed by a newline.
func (c *LineConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if _, err := io.WriteString(c.rwc, line+"\n"); err != nil {
		return NewConnectionError("failed to send line", err)
	}
	return nil
}

// ReadLine returns the next line read from the stream. io.EOF means the
// peer closed the stream.
func (c *LineConn) ReadLine(ctx context.Context) (string, error) {
	select {
	case res, ok := <-c.lines:
		if !ok {
			return "", c.readErr
		}
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close closes the stream. Only the first call has an effect.
func (c *LineConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Dial connects to a lock target. The target is one of
//
//	unix:<socket path>
//	tcp:<host:port>
//	exec:<program> [args...]
//
// A target without a scheme is taken as a unix socket path.
func Dial(ctx context.Context, target string) (*LineConn, error) {
	scheme, addr := splitTarget(target)

	switch scheme {
	case SchemeUnix, SchemeTCP:
		network := strings.TrimSuffix(scheme, ":")
		dialCtx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(dialCtx, network, addr)
		if err != nil {
			return nil, NewConnectionError("failed to connect to "+target, err)
		}
		return NewLineConn(conn), nil

	case SchemeExec:
		return spawn(addr)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, target)
}

func splitTarget(target string) (scheme, addr string) {
	for _, s := range []string{SchemeUnix, SchemeTCP, SchemeExec} {
		if strings.HasPrefix(target, s) {
			return s, strings.TrimSpace(target[len(s):])
		}
	}
	if strings.Contains(target, ":") {
		return "", target
	}
	return SchemeUnix, target
}

// processConn talks to a child process over its stdin and stdout.
type processConn struct {
	io.Reader
	stdin io.WriteCloser
	cmd   *exec.Cmd
}

// processWaitTimeout bounds how long Close waits for a child to exit after
// its stdin is closed before killing it.
const processWaitTimeout = 2 * time.Second

func (p *processConn) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

func (p *processConn) Close() error {
	p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()

	select {
	case err := <-exited:
		return err
	case <-time.After(processWaitTimeout):
		p.cmd.Process.Kill()
		return <-exited
	}
}

// spawn starts a local lock target and connects to its standard streams.
// The target's stderr is passed through.
func spawn(commandLine string) (*LineConn, error) {
	args := strings.Fields(commandLine)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty exec target", ErrUnknownScheme)
	}

	exePath, err := FindExecutable(args[0])
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exePath, args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewConnectionError("failed to open stdin of "+args[0], err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewConnectionError("failed to open stdout of "+args[0], err)
	}
	if err := cmd.Start(); err != nil {
		return nil, NewConnectionError("failed to launch "+args[0], err)
	}
	return NewLineConn(&processConn{Reader: stdout, stdin: stdin, cmd: cmd}), nil
}

// FindExecutable resolves a target program. A name containing a path
// separator is used as given. Otherwise the search order is:
//  1. Same directory as the running binary
//  2. PATH
//  3. /usr/local/bin, /opt/homebrew/bin, ~/.local/bin
func FindExecutable(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if IsExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%s is not an executable file", name)
	}

	if selfPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(selfPath), name)
		if IsExecutable(candidate) {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	dirs := []string{"/usr/local/bin", "/opt/homebrew/bin"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "bin"))
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if IsExecutable(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// IsExecutable reports whether path is a regular file with an execute bit.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Mode().Perm()&0o111 != 0
}
