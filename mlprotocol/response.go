package mlprotocol

// Status is the outcome carried by a response.
type Status int

const (
	StatusOK Status = iota
	StatusAvailable
	StatusGranted
	StatusDenied
	StatusDeadlock
	StatusConflict
	StatusCanceled
	StatusCompleted
	StatusErrno
	StatusParseError
	StatusError
)

var statusNames = [...]string{
	StatusOK:         "OK",
	StatusAvailable:  "AVAILABLE",
	StatusGranted:    "GRANTED",
	StatusDenied:     "DENIED",
	StatusDeadlock:   "DEADLOCK",
	StatusConflict:   "CONFLICT",
	StatusCanceled:   "CANCELED",
	StatusCompleted:  "COMPLETED",
	StatusErrno:      "ERRNO",
	StatusParseError: "PARSE_ERROR",
	StatusError:      "ERROR",
}

// Statuses is the keyword table for statuses.
var Statuses = func() []Token {
	table := make([]Token, 0, len(statusNames)+1)
	for st := StatusOK; st <= StatusError; st++ {
		table = append(table, Token{statusNames[st], int(st)})
	}
	return append(table, Token{"", int(StatusError)})
}()

// String returns the protocol keyword for the status.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus resolves a keyword to a Status.
func ParseStatus(word string) (Status, bool) {
	v, ok := lookup(Statuses, word)
	return Status(v), ok
}

// IsError reports whether the status belongs to the error class that is
// reported on the error stream.
func (s Status) IsError() bool {
	return s >= StatusErrno
}

// IsCompletion reports whether the status can finish a blocking lock.
func (s Status) IsCompletion() bool {
	switch s {
	case StatusGranted, StatusDenied, StatusCanceled, StatusDeadlock:
		return true
	}
	return false
}
