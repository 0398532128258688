package harness

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/multilock/multilock/mlprotocol"
)

// mockTarget is an in-memory lock target. Every client sees the same file
// at every fpos; locks conflict when their ranges overlap and at least one
// is a write lock. LOCKW requests that conflict wait until an UNLOCK or a
// disconnect frees their range.
//
// Two requests have canned behavior for tests: CLOSE always fails with
// EBADF, and COMMENT "spurious" sends an unsolicited line before its reply.
type mockTarget struct {
	t *testing.T

	mu      sync.Mutex
	locks   []mockLock
	waiters []mockWaiter
	dials   int
}

type mockLock struct {
	owner  *mockConn
	fpos   int64
	typ    mlprotocol.LockType
	start  int64
	length int64
}

type mockWaiter struct {
	mockLock
	tag int64
}

type mockConn struct {
	name string
	mu   sync.Mutex
	conn net.Conn
}

func (c *mockConn) send(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.conn, line)
}

func newMockTarget(t *testing.T) *mockTarget {
	return &mockTarget{t: t}
}

// Dial is a harness Dialer.
func (m *mockTarget) Dial(ctx context.Context, target string) (mlprotocol.Transport, error) {
	local, remote := net.Pipe()
	m.mu.Lock()
	m.dials++
	m.mu.Unlock()
	go m.serve(&mockConn{name: target, conn: remote})
	return mlprotocol.NewLineConn(local), nil
}

func (m *mockTarget) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func overlaps(a, b mockLock) bool {
	if a.fpos != b.fpos {
		return false
	}
	aEnd, bEnd := a.start+a.length, b.start+b.length
	if a.length == 0 {
		aEnd = 1 << 62
	}
	if b.length == 0 {
		bEnd = 1 << 62
	}
	return a.start < bEnd && b.start < aEnd
}

// conflictLocked returns whether l conflicts with a lock held by another
// connection.
func (m *mockTarget) conflictLocked(l mockLock) bool {
	for _, held := range m.locks {
		if held.owner == l.owner || !overlaps(held, l) {
			continue
		}
		if held.typ == unix.F_WRLCK || l.typ == unix.F_WRLCK {
			return true
		}
	}
	return false
}

// releaseLocked drops owner's locks overlapping l and grants any waiter
// that no longer conflicts.
func (m *mockTarget) releaseLocked(owner *mockConn, l *mockLock) {
	kept := m.locks[:0]
	for _, held := range m.locks {
		if held.owner == owner && (l == nil || overlaps(held, *l)) {
			continue
		}
		kept = append(kept, held)
	}
	m.locks = kept

	waiting := m.waiters[:0]
	for _, w := range m.waiters {
		switch {
		case w.owner == owner && l == nil:
		case m.conflictLocked(w.mockLock):
			waiting = append(waiting, w)
		default:
			m.locks = append(m.locks, w.mockLock)
			go w.owner.send(fmt.Sprintf("%d LOCKW GRANTED %d %s %d %d", w.tag, w.fpos, w.typ, w.start, w.length))
		}
	}
	m.waiters = waiting
}

func (m *mockTarget) serve(c *mockConn) {
	defer func() {
		c.conn.Close()
		m.mu.Lock()
		m.releaseLocked(c, nil)
		m.mu.Unlock()
	}()

	parser := mlprotocol.NewParser(mlprotocol.NewTags(false))
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		req, err := parser.ParseRequest(scanner.Text())
		if err != nil {
			c.send(fmt.Sprintf("%d UNKNOWN PARSE_ERROR %s", req.Tag, err))
			continue
		}
		if !m.handle(c, req) {
			return
		}
	}
}

func (m *mockTarget) handle(c *mockConn, req *mlprotocol.Record) bool {
	tag := req.Tag
	lock := mockLock{owner: c, fpos: req.Fpos, typ: req.LockType, start: req.Start, length: req.Length}

	switch req.Command {
	case mlprotocol.CmdHello:
		c.send(fmt.Sprintf("%d HELLO OK %q", tag, req.Data))

	case mlprotocol.CmdComment:
		if req.Data == "spurious" {
			c.send("999 LOCK GRANTED 9 write 0 1")
		}
		c.send(fmt.Sprintf("%d COMMENT OK %q", tag, req.Data))

	case mlprotocol.CmdOpen:
		c.send(fmt.Sprintf("%d OPEN OK %d %d", tag, req.Fpos, req.Fpos+3))

	case mlprotocol.CmdClose:
		c.send(fmt.Sprintf("%d CLOSE ERRNO %d %q", tag, int(unix.EBADF), unix.EBADF.Error()))

	case mlprotocol.CmdAlarm:
		c.send(fmt.Sprintf("%d ALARM OK %d", tag, req.Secs))

	case mlprotocol.CmdLock, mlprotocol.CmdLockW:
		m.mu.Lock()
		conflict := m.conflictLocked(lock)
		switch {
		case !conflict:
			m.locks = append(m.locks, lock)
		case req.Command == mlprotocol.CmdLockW:
			m.waiters = append(m.waiters, mockWaiter{lock, tag})
		}
		m.mu.Unlock()

		switch {
		case !conflict:
			c.send(fmt.Sprintf("%d %s GRANTED %d %s %d %d", tag, req.Command, req.Fpos, req.LockType, req.Start, req.Length))
		case req.Command == mlprotocol.CmdLock:
			c.send(fmt.Sprintf("%d LOCK DENIED %d %s %d %d", tag, req.Fpos, req.LockType, req.Start, req.Length))
		}

	case mlprotocol.CmdUnlock:
		m.mu.Lock()
		m.releaseLocked(c, &lock)
		m.mu.Unlock()
		c.send(fmt.Sprintf("%d UNLOCK GRANTED %d unlock %d %d", tag, req.Fpos, req.Start, req.Length))

	case mlprotocol.CmdQuit:
		c.send(fmt.Sprintf("%d QUIT OK", tag))
		return false

	default:
		c.send(fmt.Sprintf("%d %s ERRNO %d %q", tag, req.Command, int(unix.ENOSYS), unix.ENOSYS.Error()))
	}
	return true
}
