package mlprotocol

import (
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Protocol limits and sentinels.
const (
	// MaxLineLength is the maximum length of a formatted protocol line in bytes.
	MaxLineLength = 4096

	// MaxString is the longest quoted string accepted for COMMENT, HELLO,
	// FORK, READ and WRITE payloads.
	MaxString = 1024

	// MaxPath is the longest path accepted by OPEN.
	MaxPath = 4095

	// MaxFpos is the highest file slot a target exposes.
	MaxFpos = 255

	// DefaultOpenMode is the creation mode OPEN uses when no "mode" is given.
	DefaultOpenMode = 0o600

	// Wildcard is the numeric "don't care" value in expectations.
	Wildcard = -1

	// WildcardString is the textual "don't care" value in expectations.
	WildcardString = "*"

	// ConnectionTimeout is the timeout for establishing a transport.
	ConnectionTimeout = 5 * time.Second
)

// Target address schemes understood by Dial.
const (
	SchemeUnix = "unix:"
	SchemeTCP  = "tcp:"
	SchemeExec = "exec:"
)

// Token maps a keyword to its semantic value. A table is an ordered slice
// whose last entry has an empty Name and carries the default value used when
// an optional field is absent.
type Token struct {
	Name  string
	Value int
}

// lookup finds word in table by exact length, case-insensitive match.
func lookup(table []Token, word string) (int, bool) {
	for _, tok := range table {
		if tok.Name == "" {
			break
		}
		if len(tok.Name) == len(word) && strings.EqualFold(tok.Name, word) {
			return tok.Value, true
		}
	}
	return 0, false
}

// defaultValue returns the value of the table's sentinel entry.
func defaultValue(table []Token) int {
	return table[len(table)-1].Value
}

// OnOff is the table for on/off toggles. A bare toggle means on.
var OnOff = []Token{
	{"on", 1},
	{"off", 0},
	{"", 1},
}

// LockTypes lists every spelling of a lock type. The first spelling of each
// value is canonical.
var LockTypes = []Token{
	{"read", unix.F_RDLCK},
	{"write", unix.F_WRLCK},
	{"shared", unix.F_RDLCK},
	{"exclusive", unix.F_WRLCK},
	{"F_RDLCK", unix.F_RDLCK},
	{"F_WRLCK", unix.F_WRLCK},
	{"unlock", unix.F_UNLCK},
	{"F_UNLCK", unix.F_UNLCK},
	{"*", Wildcard},
	{"", 0},
}

// ReadWriteModes lists the access modes OPEN accepts.
var ReadWriteModes = []Token{
	{"rw", unix.O_RDWR},
	{"ro", unix.O_RDONLY},
	{"wo", unix.O_WRONLY},
	{"O_RDWR", unix.O_RDWR},
	{"O_RDONLY", unix.O_RDONLY},
	{"O_WRONLY", unix.O_WRONLY},
	{"", 0},
}

// OpenFlags lists the optional OPEN flags.
var OpenFlags = []Token{
	{"create", unix.O_CREAT},
	{"creat", unix.O_CREAT},
	{"O_CREAT", unix.O_CREAT},
	{"exclusive", unix.O_EXCL},
	{"excl", unix.O_EXCL},
	{"O_EXCL", unix.O_EXCL},
	{"truncate", unix.O_TRUNC},
	{"trunc", unix.O_TRUNC},
	{"O_TRUNC", unix.O_TRUNC},
	{"", 0},
}

// LockModes lists the lock flavours a target may use for a file.
var LockModes = []Token{
	{"POSIX", int(LockModePOSIX)},
	{"OFD", int(LockModeOFD)},
	{"", int(LockModePOSIX)},
}

// canonicalName returns the first name in table carrying value.
func canonicalName(table []Token, value int) (string, bool) {
	for _, tok := range table {
		if tok.Name == "" {
			break
		}
		if tok.Value == value {
			return tok.Name, true
		}
	}
	return "", false
}
