package mlprotocol

import "golang.org/x/sys/unix"

// Command identifies the operation carried by a Record.
type Command int

// The ordinal of each command is stable for the life of the process.
const (
	CmdOpen Command = iota
	CmdClose
	CmdLockW
	CmdLock
	CmdUnlock
	CmdTest
	CmdList
	CmdHop
	CmdUnhop
	CmdSeek
	CmdRead
	CmdWrite
	CmdComment
	CmdAlarm
	CmdHello
	CmdFork
	CmdQuit

	// CmdUnknown marks a record whose command could not be determined.
	CmdUnknown
)

var commandNames = [...]string{
	CmdOpen:    "OPEN",
	CmdClose:   "CLOSE",
	CmdLockW:   "LOCKW",
	CmdLock:    "LOCK",
	CmdUnlock:  "UNLOCK",
	CmdTest:    "TEST",
	CmdList:    "LIST",
	CmdHop:     "HOP",
	CmdUnhop:   "UNHOP",
	CmdSeek:    "SEEK",
	CmdRead:    "READ",
	CmdWrite:   "WRITE",
	CmdComment: "COMMENT",
	CmdAlarm:   "ALARM",
	CmdHello:   "HELLO",
	CmdFork:    "FORK",
	CmdQuit:    "QUIT",
	CmdUnknown: "UNKNOWN",
}

// Commands is the keyword table for commands, in ordinal order.
var Commands = func() []Token {
	table := make([]Token, 0, len(commandNames))
	for cmd := CmdOpen; cmd < CmdUnknown; cmd++ {
		table = append(table, Token{commandNames[cmd], int(cmd)})
	}
	return append(table, Token{"", int(CmdUnknown)})
}()

// String returns the protocol keyword for the command.
func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return commandNames[CmdUnknown]
	}
	return commandNames[c]
}

// ParseCommand resolves a keyword to a Command.
func ParseCommand(word string) (Command, bool) {
	v, ok := lookup(Commands, word)
	return Command(v), ok
}

// IsLockFamily reports whether the command manipulates a byte range.
func (c Command) IsLockFamily() bool {
	switch c {
	case CmdLockW, CmdLock, CmdUnlock, CmdTest, CmdList, CmdHop, CmdUnhop:
		return true
	}
	return false
}

// IsText reports whether the command's payload is a single quoted string.
func (c Command) IsText() bool {
	switch c {
	case CmdComment, CmdHello, CmdFork:
		return true
	}
	return false
}

// IsBlocking reports whether the command completes asynchronously.
func (c Command) IsBlocking() bool {
	return c == CmdLockW
}

// LockType is an fcntl lock type, or Wildcard.
type LockType int

// String returns the canonical spelling.
func (t LockType) String() string {
	if name, ok := canonicalName(LockTypes, int(t)); ok {
		return name
	}
	return "unknown"
}

// ParseLockType resolves any accepted spelling of a lock type.
func ParseLockType(word string) (LockType, bool) {
	v, ok := lookup(LockTypes, word)
	return LockType(v), ok
}

// LockMode selects between process-associated and open-file-description locks.
type LockMode int

const (
	LockModePOSIX LockMode = iota
	LockModeOFD
)

// String returns the canonical spelling.
func (m LockMode) String() string {
	if name, ok := canonicalName(LockModes, int(m)); ok {
		return name
	}
	return "unknown"
}

// accessModeName returns the canonical name of the access mode in flags.
func accessModeName(flags int) string {
	name, ok := canonicalName(ReadWriteModes, flags&unix.O_ACCMODE)
	if !ok {
		return "unknown"
	}
	return name
}

// openFlagNames lists the canonical names of the optional flags set in
// flags, one per distinct value, in table order.
func openFlagNames(flags int) []string {
	var names []string
	seen := 0
	for _, tok := range OpenFlags {
		if tok.Name == "" {
			break
		}
		if seen&tok.Value == 0 && flags&tok.Value == tok.Value {
			names = append(names, tok.Name)
		}
		seen |= tok.Value
	}
	return names
}
