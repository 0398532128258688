package mlprotocol

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineConnReadWrite(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewLineConn(local)
	defer conn.Close()
	defer remote.Close()

	go func() {
		io.WriteString(remote, "1 HELLO OK \"c1\"\r\n2 LOCK GRANTED 1 read 0 1\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	line, err := conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, `1 HELLO OK "c1"`, line)

	line, err = conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2 LOCK GRANTED 1 read 0 1", line)

	got := make(chan string, 1)
	go func() {
		s, _ := bufio.NewReader(remote).ReadString('\n')
		got <- s
	}()
	require.NoError(t, conn.WriteLine("3 CLOSE 1"))
	assert.Equal(t, "3 CLOSE 1\n", <-got)
}

func TestLineConnReadDeadline(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewLineConn(local)
	defer conn.Close()
	defer remote.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := conn.ReadLine(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The line that arrives after the deadline is not lost.
	go io.WriteString(remote, "9 LOCKW GRANTED 1 write 0 0\n")
	line, err := conn.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9 LOCKW GRANTED 1 write 0 0", line)
}

func TestLineConnPeerClose(t *testing.T) {
	local, remote := net.Pipe()
	conn := NewLineConn(local)
	defer conn.Close()

	remote.Close()
	_, err := conn.ReadLine(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineConnClose(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	conn := NewLineConn(local)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.WriteLine("1 QUIT"), ErrNotConnected)

	_, err := conn.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDialUnix(t *testing.T) {
	dir, err := os.MkdirTemp("", "ml")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "t.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		line, _ := bufio.NewReader(c).ReadString('\n')
		io.WriteString(c, line)
	}()

	ctx := context.Background()
	conn, err := Dial(ctx, "unix:"+path)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteLine("1 ALARM 0"))
	line, err := conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1 ALARM 0", line)
}

func TestDialErrors(t *testing.T) {
	_, err := Dial(context.Background(), "ftp:host")
	assert.ErrorIs(t, err, ErrUnknownScheme)

	_, err = Dial(context.Background(), "unix:/nonexistent/ml.sock")
	var ce *ConnectionError
	assert.True(t, errors.As(err, &ce))

	_, err = Dial(context.Background(), "exec:")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestDialExec(t *testing.T) {
	if !IsExecutable("/bin/cat") {
		t.Skip("/bin/cat not available")
	}

	conn, err := Dial(context.Background(), "exec:/bin/cat")
	require.NoError(t, err)

	require.NoError(t, conn.WriteLine(`1 HELLO "echo"`))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	line, err := conn.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, `1 HELLO "echo"`, line)

	assert.NoError(t, conn.Close())
}

func TestFindExecutable(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "locktarget")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	plain := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	got, err := FindExecutable(exe)
	require.NoError(t, err)
	assert.Equal(t, exe, got)

	_, err = FindExecutable(plain)
	assert.Error(t, err)

	assert.False(t, IsExecutable(dir))

	t.Setenv("PATH", dir)
	got, err = FindExecutable("locktarget")
	require.NoError(t, err)
	assert.Equal(t, exe, got)

	_, err = FindExecutable("no-such-target-binary")
	assert.Error(t, err)
}
