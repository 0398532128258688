package mlprotocol

// Record is one protocol message, request or response. Only the fields the
// (Command, Status) pair calls for are meaningful; numeric fields use
// Wildcard and Data uses WildcardString when a record is an expectation.
type Record struct {
	// Client is the client the message was sent to or read from. It holds a
	// reference taken by Attach.
	Client *Client

	Tag     int64
	Command Command
	Status  Status

	Fpos     int64
	Fno      int64    // OPEN response
	Flags    int      // OPEN access mode and flags
	Mode     int64    // OPEN creation mode
	LockMode LockMode // OPEN
	LockType LockType
	Start    int64 // lock start, SEEK target
	Length   int64 // lock length, byte count
	Data     string
	Secs     int64 // ALARM
	Pid      int64 // CONFLICT
	Errno    int64 // ERRNO

	// Original is the unparsed input line.
	Original string
}

// NewRecord returns a record with the tag set to Wildcard and no client.
func NewRecord() *Record {
	return &Record{Tag: Wildcard, Command: CmdUnknown, Mode: DefaultOpenMode}
}

// Attach binds the record to c, taking a reference. Any previously attached
// client is released first.
func (r *Record) Attach(c *Client) {
	if r.Client == c {
		return
	}
	r.Release()
	if c != nil {
		c.Retain()
	}
	r.Client = c
}

// Release drops the record's client reference. It is safe to call more than
// once.
func (r *Record) Release() {
	if r.Client == nil {
		return
	}
	c := r.Client
	r.Client = nil
	c.Release()
}

// ClientName returns the attached client's name or "<NULL>".
func (r *Record) ClientName() string {
	if r.Client == nil {
		return "<NULL>"
	}
	return r.Client.Name()
}

// Clone returns a copy of r that holds its own client reference.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Client = nil
	cp.Attach(r.Client)
	return &cp
}
