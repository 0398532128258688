package mlprotocol

import (
	"strconv"
	"strings"
)

// lineBuilder accumulates a protocol line and silently drops whatever would
// take it past MaxLineLength.
type lineBuilder struct {
	b    strings.Builder
	full bool
}

func (lb *lineBuilder) raw(s string) {
	if lb.full {
		return
	}
	if room := MaxLineLength - lb.b.Len(); len(s) > room {
		s = s[:room]
		lb.full = true
	}
	lb.b.WriteString(s)
}

// field writes s preceded by a separator unless the line is empty.
func (lb *lineBuilder) field(s string) {
	if lb.b.Len() > 0 {
		lb.raw(" ")
	}
	lb.raw(s)
}

func (lb *lineBuilder) num(v int64) {
	lb.field(formatNumber(v))
}

func (lb *lineBuilder) quoted(s string) {
	lb.field(`"` + s + `"`)
}

func (lb *lineBuilder) String() string {
	return lb.b.String()
}

func formatNumber(v int64) string {
	if v == Wildcard {
		return WildcardString
	}
	return strconv.FormatInt(v, 10)
}

// FormatRequest renders r as a request line without the trailing newline.
func FormatRequest(r *Record) string {
	var lb lineBuilder
	lb.num(r.Tag)
	lb.field(r.Command.String())
	writeRequestPayload(&lb, r)
	return lb.String()
}

// FormatResponse renders r as a response line without the trailing newline.
func FormatResponse(r *Record) string {
	var lb lineBuilder
	writeResponse(&lb, r)
	return lb.String()
}

// FormatWithLead renders r as a response prefixed by lead and the client
// name, the form used in reports: "<lead> <client> <response>".
func FormatWithLead(lead string, r *Record) string {
	var lb lineBuilder
	if lead != "" {
		lb.field(lead)
	}
	lb.field(r.ClientName())
	writeResponse(&lb, r)
	return lb.String()
}

func writeRequestPayload(lb *lineBuilder, r *Record) {
	switch r.Command {
	case CmdOpen:
		lb.num(r.Fpos)
		lb.field(accessModeName(r.Flags))
		for _, name := range openFlagNames(r.Flags) {
			lb.field(name)
		}
		if r.Mode != DefaultOpenMode {
			lb.field("mode")
			lb.field("0" + strconv.FormatInt(r.Mode, 8))
		}
		if r.LockMode != LockModePOSIX {
			lb.field(r.LockMode.String())
		}
		lb.quoted(r.Data)

	case CmdLockW, CmdLock, CmdTest, CmdHop:
		lb.num(r.Fpos)
		lb.field(r.LockType.String())
		lb.num(r.Start)
		lb.num(r.Length)

	case CmdUnlock, CmdUnhop, CmdList:
		lb.num(r.Fpos)
		lb.num(r.Start)
		lb.num(r.Length)

	case CmdSeek:
		lb.num(r.Fpos)
		lb.num(r.Start)

	case CmdRead:
		lb.num(r.Fpos)
		if r.Data != "" {
			lb.quoted(r.Data)
		} else {
			lb.num(r.Length)
		}

	case CmdWrite:
		lb.num(r.Fpos)
		lb.quoted(r.Data)

	case CmdClose:
		lb.num(r.Fpos)

	case CmdAlarm:
		lb.num(r.Secs)

	case CmdComment, CmdHello, CmdFork:
		lb.quoted(r.Data)
	}
}

func writeResponse(lb *lineBuilder, r *Record) {
	lb.num(r.Tag)
	lb.field(r.Command.String())
	lb.field(r.Status.String())

	switch r.Status {
	case StatusOK:
		switch r.Command {
		case CmdComment, CmdHello, CmdFork:
			lb.quoted(r.Data)
		case CmdAlarm:
			lb.num(r.Secs)
		case CmdOpen:
			lb.num(r.Fpos)
			lb.num(r.Fno)
		case CmdClose, CmdSeek:
			lb.num(r.Fpos)
		case CmdWrite:
			lb.num(r.Fpos)
			lb.num(r.Length)
		case CmdRead:
			lb.num(r.Fpos)
			lb.num(r.Length)
			lb.quoted(r.Data)
		}

	case StatusAvailable, StatusGranted, StatusDenied, StatusDeadlock:
		lb.num(r.Fpos)
		if r.Command != CmdList {
			lb.field(r.LockType.String())
		}
		lb.num(r.Start)
		lb.num(r.Length)

	case StatusConflict:
		lb.num(r.Fpos)
		lb.num(r.Pid)
		lb.field(r.LockType.String())
		lb.num(r.Start)
		lb.num(r.Length)

	case StatusCanceled:
		if r.Command == CmdAlarm {
			lb.num(r.Secs)
			break
		}
		lb.num(r.Fpos)
		lb.field(r.LockType.String())
		lb.num(r.Start)
		lb.num(r.Length)

	case StatusErrno:
		lb.num(r.Errno)
		if strings.Contains(r.Data, `"`) {
			lb.field(r.Data)
		} else {
			lb.quoted(r.Data)
		}

	case StatusParseError, StatusError:
		if r.Data != "" {
			lb.field(r.Data)
		}
	}
}
