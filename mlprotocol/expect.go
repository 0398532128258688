package mlprotocol

import "sync"

func numEqual(expected, actual int64) bool {
	return expected == Wildcard || expected == actual
}

func strEqual(expected, actual string) bool {
	return expected == WildcardString || expected == actual
}

// Compare checks actual against the expectation expected and returns a
// *MismatchError naming the first field that differs. Fields are checked in
// order: client, command, tag, status, then the fields the status and
// command carry. Wildcard fields always match.
func Compare(expected, actual *Record) error {
	if err := compareHeader(expected, actual); err != nil {
		return err
	}
	if expected.Status != actual.Status {
		return mismatch("status", actual.Status)
	}

	switch actual.Status {
	case StatusOK:
		return compareOK(expected, actual)

	case StatusAvailable, StatusGranted, StatusDenied, StatusDeadlock:
		return compareRange(expected, actual, actual.Command != CmdList)

	case StatusConflict:
		if !numEqual(expected.Fpos, actual.Fpos) {
			return mismatch("fpos", actual.Fpos)
		}
		if !numEqual(expected.Pid, actual.Pid) {
			return mismatch("pid", actual.Pid)
		}
		return compareRange(expected, actual, true)

	case StatusCanceled:
		if actual.Command == CmdAlarm {
			if !numEqual(expected.Secs, actual.Secs) {
				return mismatch("secs", actual.Secs)
			}
			return nil
		}
		return compareRange(expected, actual, true)

	case StatusErrno:
		// The detail text is platform dependent.
		if !numEqual(expected.Errno, actual.Errno) {
			return mismatch("errno", actual.Errno)
		}
	}
	return nil
}

func compareHeader(expected, actual *Record) error {
	if expected.Client != nil && expected.ClientName() != actual.ClientName() {
		return mismatch("client", actual.ClientName())
	}
	if expected.Command != actual.Command {
		return mismatch("command", actual.Command)
	}
	if !numEqual(expected.Tag, actual.Tag) {
		return mismatch("tag", actual.Tag)
	}
	return nil
}

func compareOK(expected, actual *Record) error {
	switch actual.Command {
	case CmdComment, CmdHello, CmdFork:
		if !strEqual(expected.Data, actual.Data) {
			return mismatch("data", actual.Data)
		}
	case CmdAlarm:
		if !numEqual(expected.Secs, actual.Secs) {
			return mismatch("secs", actual.Secs)
		}
	case CmdOpen:
		if !numEqual(expected.Fpos, actual.Fpos) {
			return mismatch("fpos", actual.Fpos)
		}
		if !numEqual(expected.Fno, actual.Fno) {
			return mismatch("fno", actual.Fno)
		}
	case CmdClose, CmdSeek:
		if !numEqual(expected.Fpos, actual.Fpos) {
			return mismatch("fpos", actual.Fpos)
		}
	case CmdWrite, CmdRead:
		if !numEqual(expected.Fpos, actual.Fpos) {
			return mismatch("fpos", actual.Fpos)
		}
		if !numEqual(expected.Length, actual.Length) {
			return mismatch("length", actual.Length)
		}
		if actual.Command == CmdRead && !strEqual(expected.Data, actual.Data) {
			return mismatch("data", actual.Data)
		}
	}
	return nil
}

func compareRange(expected, actual *Record, withType bool) error {
	if !numEqual(expected.Fpos, actual.Fpos) {
		return mismatch("fpos", actual.Fpos)
	}
	if withType && !numEqual(int64(expected.LockType), int64(actual.LockType)) {
		return mismatch("lock type", actual.LockType)
	}
	if !numEqual(expected.Start, actual.Start) {
		return mismatch("lock start", actual.Start)
	}
	if !numEqual(expected.Length, actual.Length) {
		return mismatch("lock length", actual.Length)
	}
	return nil
}

// Relaxed is the check applied to a reply nobody declared an expectation
// for: the client, command and tag of request must match, and the status
// must not be an error. A LOCKW reply must also be a completion.
func Relaxed(request, actual *Record) error {
	if err := compareHeader(request, actual); err != nil {
		return err
	}
	if actual.Status.IsError() {
		return mismatch("status", actual.Status)
	}
	if actual.Command == CmdLockW && !actual.Status.IsCompletion() {
		return mismatch("status", actual.Status)
	}
	return nil
}

// Expectation is an entry in the pending list.
type Expectation struct {
	// Record is the expected response, or the request when Relaxed is set.
	Record *Record

	// Relaxed selects the Relaxed check instead of Compare.
	Relaxed bool

	// Line is the script line that declared the expectation.
	Line int64
}

// Check applies the expectation's check to actual.
func (e *Expectation) Check(actual *Record) error {
	if e.Relaxed {
		return Relaxed(e.Record, actual)
	}
	return Compare(e.Record, actual)
}

// sameCall reports whether actual answers the same client, command and tag.
func (e *Expectation) sameCall(actual *Record) bool {
	return e.Record.ClientName() == actual.ClientName() &&
		e.Record.Command == actual.Command &&
		numEqual(e.Record.Tag, actual.Tag)
}

// ExpectationID is a handle to a pending entry. Handles are never reused,
// so removing through a stale handle is a no-op.
type ExpectationID uint64

type pendingEntry struct {
	id  ExpectationID
	exp *Expectation
}

// Pending is the ordered list of outstanding expectations. It is safe for
// concurrent use.
type Pending struct {
	mu      sync.Mutex
	entries []pendingEntry
	nextID  ExpectationID
}

// NewPending creates an empty list.
func NewPending() *Pending {
	return &Pending{}
}

// Add appends e and returns its handle.
func (p *Pending) Add(e *Expectation) ExpectationID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.entries = append(p.entries, pendingEntry{id: p.nextID, exp: e})
	return p.nextID
}

// Upsert replaces the first entry for the same client, command and tag as
// e, or appends e when there is none. The replaced expectation is returned
// so the caller can release it.
func (p *Pending) Upsert(e *Expectation) (ExpectationID, *Expectation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ent := range p.entries {
		if ent.exp.sameCall(e.Record) {
			old := ent.exp
			p.entries[i].exp = e
			return ent.id, old
		}
	}
	p.nextID++
	p.entries = append(p.entries, pendingEntry{id: p.nextID, exp: e})
	return p.nextID, nil
}

// Remove takes the entry id off the list. It reports false when the entry
// was already removed.
func (p *Pending) Remove(id ExpectationID) (*Expectation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(id)
}

func (p *Pending) removeLocked(id ExpectationID) (*Expectation, bool) {
	for i, ent := range p.entries {
		if ent.id == id {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return ent.exp, true
		}
	}
	return nil, false
}

// Contains reports whether id is still pending.
func (p *Pending) Contains(id ExpectationID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range p.entries {
		if ent.id == id {
			return true
		}
	}
	return false
}

// FindMatch returns the first entry, in insertion order, whose check
// accepts actual.
func (p *Pending) FindMatch(actual *Record) (ExpectationID, *Expectation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range p.entries {
		if ent.exp.Check(actual) == nil {
			return ent.id, ent.exp, true
		}
	}
	return 0, nil, false
}

// TakeMatch is FindMatch followed by Remove in one step.
func (p *Pending) TakeMatch(actual *Record) (ExpectationID, *Expectation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range p.entries {
		if ent.exp.Check(actual) == nil {
			p.removeLocked(ent.id)
			return ent.id, ent.exp, true
		}
	}
	return 0, nil, false
}

// Candidate returns the first entry for the same client, command and tag as
// actual, regardless of whether it matches.
func (p *Pending) Candidate(actual *Record) (ExpectationID, *Expectation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range p.entries {
		if ent.exp.sameCall(actual) {
			return ent.id, ent.exp, true
		}
	}
	return 0, nil, false
}

// TakeCandidate is Candidate followed by Remove in one step.
func (p *Pending) TakeCandidate(actual *Record) (ExpectationID, *Expectation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range p.entries {
		if ent.exp.sameCall(actual) {
			p.removeLocked(ent.id)
			return ent.id, ent.exp, true
		}
	}
	return 0, nil, false
}

// ForClient returns the handles of the entries for the named client whose
// command is cmd, in insertion order. CmdUnknown selects every command.
func (p *Pending) ForClient(name string, cmd Command) []ExpectationID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []ExpectationID
	for _, ent := range p.entries {
		if ent.exp.Record.ClientName() != name {
			continue
		}
		if cmd != CmdUnknown && ent.exp.Record.Command != cmd {
			continue
		}
		ids = append(ids, ent.id)
	}
	return ids
}

// Oldest returns the first entry in insertion order.
func (p *Pending) Oldest() (ExpectationID, *Expectation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return 0, nil, false
	}
	return p.entries[0].id, p.entries[0].exp, true
}

// Len returns the number of pending entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns the pending expectations in order without removing them.
func (p *Pending) Snapshot() []*Expectation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Expectation, len(p.entries))
	for i, ent := range p.entries {
		out[i] = ent.exp
	}
	return out
}

// Drain removes and returns every pending expectation.
func (p *Pending) Drain() []*Expectation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Expectation, len(p.entries))
	for i, ent := range p.entries {
		out[i] = ent.exp
	}
	p.entries = nil
	return out
}
