package mlprotocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Parser turns protocol lines into Records.
//
// A Parser is cheap; give each actor its own and share the Tags between
// them.
type Parser struct {
	// Tags resolves "$" tag references.
	Tags *Tags

	// Line is the number of the input line being parsed. Replay-mode tags
	// are taken from it.
	Line int64

	// AutoTag lets a request start directly with its command, in which
	// case a fresh tag is minted. Used for interactive input.
	AutoTag bool

	// last is the tag most recently minted through this parser. A bare "$"
	// in a response refers to it, so concurrent actors sharing Tags each
	// see their own requests.
	last   int64
	minted bool
}

// NewParser creates a parser bound to tags.
func NewParser(tags *Tags) *Parser {
	return &Parser{Tags: tags}
}

// Mint issues a new tag the way a "$" request tag does and makes it the
// parser's current tag.
func (p *Parser) Mint(line int64) int64 {
	v, _ := p.Tags.Mint(0, line)
	p.last, p.minted = v, true
	return v
}

// Current returns the tag a bare "$" in a response resolves to: the last
// tag minted through p, or the shared counter when p has minted none.
func (p *Parser) Current() int64 {
	if p.minted {
		return p.last
	}
	return p.Tags.Next(false, p.Line)
}

type tagKind int

const (
	tagLiteral tagKind = iota
	tagMint
	tagLoad
	tagCurrent
)

// tagRef is a parsed but not yet applied tag token. Minting has a side
// effect on the correlator, so it is deferred until the whole line parsed.
type tagRef struct {
	kind  tagKind
	value int64
	slot  byte
}

func (p *Parser) tagToken(c *cursor, request bool) (tagRef, error) {
	if err := c.skipWhite(requiresMore, "get_tag"); err != nil {
		return tagRef{}, err
	}
	tok := c.peek()
	if request && p.AutoTag {
		if _, ok := ParseCommand(tok); ok {
			return tagRef{kind: tagMint}, nil
		}
	}
	if strings.HasPrefix(tok, "$") {
		ref := tagRef{kind: tagCurrent}
		if request {
			ref.kind = tagMint
		}
		switch len(tok) {
		case 1:
		case 2:
			if _, err := slotIndex(tok[1]); err != nil {
				return tagRef{}, newSyntaxError("Invalid tag", tok)
			}
			ref.slot = tok[1]
			if !request {
				ref.kind = tagLoad
			}
		default:
			return tagRef{}, newSyntaxError("Invalid tag", tok)
		}
		_, _ = c.next("get_tag")
		return ref, c.skipWhite(requiresMore, "get_tag")
	}
	v, err := c.number(requiresMore, "Invalid tag")
	if err != nil {
		return tagRef{}, err
	}
	return tagRef{kind: tagLiteral, value: v}, nil
}

func (p *Parser) resolveTag(ref tagRef) (int64, error) {
	switch ref.kind {
	case tagMint:
		if p.Tags == nil {
			return 0, newSyntaxError("Invalid tag", "$")
		}
		v, err := p.Tags.Mint(ref.slot, p.Line)
		if err != nil {
			return 0, err
		}
		p.last, p.minted = v, true
		return v, nil
	case tagLoad:
		if p.Tags == nil {
			return 0, newSyntaxError("Invalid tag", "$"+string(ref.slot))
		}
		return p.Tags.Load(ref.slot)
	case tagCurrent:
		if p.Tags == nil {
			return 0, newSyntaxError("Invalid tag", "$")
		}
		return p.Current(), nil
	}
	return ref.value, nil
}

// command consumes the command keyword. UNKNOWN is only legal in responses.
func (p *Parser) command(c *cursor, rec *Record, request bool) error {
	tok, err := c.next("Invalid command 1")
	if err != nil {
		return err
	}
	cmd, ok := ParseCommand(tok)
	if !ok {
		if request || !strings.EqualFold(tok, CmdUnknown.String()) {
			return newSyntaxError("Invalid command", tok)
		}
		cmd = CmdUnknown
	}
	rec.Command = cmd
	if request && cmd == CmdQuit {
		return c.skipWhite(requiresEither, "")
	}
	return c.skipWhite(requiresMore, "Invalid command 2")
}

// ParseRequest parses a request line. On failure the returned record has
// status PARSE_ERROR and a diagnostic payload, and the error is a
// *ParseError; the tag correlator is left untouched.
func (p *Parser) ParseRequest(line string) (*Record, error) {
	rec := NewRecord()
	rec.Original = line
	c := newCursor(line)
	if len(c.line) > MaxLineLength {
		return p.fail(rec, newSyntaxError("Line too long", c.line[:32]))
	}

	ref, err := p.tagToken(c, true)
	if err != nil {
		return p.fail(rec, err)
	}
	if ref.kind == tagLiteral {
		rec.Tag = ref.value
	}
	if err := p.command(c, rec, true); err != nil {
		return p.fail(rec, err)
	}
	if err := parseRequestPayload(c, rec); err != nil {
		return p.fail(rec, err)
	}
	tag, err := p.resolveTag(ref)
	if err != nil {
		return p.fail(rec, err)
	}
	rec.Tag = tag
	return rec, nil
}

func parseRequestPayload(c *cursor, rec *Record) (err error) {
	switch rec.Command {
	case CmdOpen:
		return parseOpen(c, rec)

	case CmdClose:
		rec.Fpos, err = c.fpos(requiresNoMore)
		return err

	case CmdLockW, CmdLock, CmdTest, CmdHop:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		tok, err := c.next("Invalid lock type")
		if err != nil {
			return err
		}
		lt, ok := ParseLockType(tok)
		if !ok || (lt != unix.F_RDLCK && lt != unix.F_WRLCK) {
			return newSyntaxError("Invalid lock type", tok)
		}
		rec.LockType = lt
		if err := c.skipWhite(requiresMore, "Invalid lock type"); err != nil {
			return err
		}
		return parseRange(c, rec, "Invalid lock len")

	case CmdUnlock, CmdUnhop, CmdList:
		rec.LockType = unix.F_UNLCK
		if rec.Command == CmdList {
			rec.LockType = unix.F_WRLCK
		}
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		return parseRange(c, rec, "Invalid lock len")

	case CmdSeek:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		rec.Start, err = c.number(requiresNoMore, "Invalid pos")
		return err

	case CmdRead:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		if c.line[c.pos] == '"' {
			if rec.Data, err = c.quoted(MaxString, requiresNoMore); err != nil {
				return err
			}
			rec.Length = int64(len(rec.Data))
			return nil
		}
		rec.Length, err = c.number(requiresNoMore, "Invalid len")
		return err

	case CmdWrite:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		if rec.Data, err = c.quoted(MaxString, requiresNoMore); err != nil {
			return err
		}
		rec.Length = int64(len(rec.Data))
		return nil

	case CmdComment, CmdHello, CmdFork:
		rec.Data, err = c.quoted(MaxString, requiresNoMore)
		return err

	case CmdAlarm:
		rec.Secs, err = c.number(requiresNoMore, "Invalid secs")
		return err

	case CmdQuit:
		return c.skipWhite(requiresNoMore, "QUIT")
	}
	return newSyntaxError("Invalid command", rec.Command.String())
}

// parseRange reads "<start> <len>" as the last two fields.
func parseRange(c *cursor, rec *Record, invalidLen string) (err error) {
	if rec.Start, err = c.number(requiresMore, "Invalid lock start"); err != nil {
		return err
	}
	rec.Length, err = c.number(requiresNoMore, invalidLen)
	return err
}

func parseOpen(c *cursor, rec *Record) (err error) {
	if rec.Fpos, err = c.fpos(requiresMore); err != nil {
		return err
	}
	if rec.Flags, err = c.keyword(ReadWriteModes, requiresMore, "Invalid open flags"); err != nil {
		return err
	}
	for {
		flag, found, err := c.optionalKeyword(OpenFlags, requiresMore, "Invalid optional open flag")
		if err != nil {
			return err
		}
		if !found {
			break
		}
		rec.Flags |= flag
	}

	rec.Mode = DefaultOpenMode
	hasMode, err := c.literal("mode", requiresMore, "Invalid optional open flag")
	if err != nil {
		return err
	}
	if hasMode {
		if rec.Mode, err = c.number(requiresMore, "Invalid mode"); err != nil {
			return err
		}
		if rec.Mode < 0 {
			return newSyntaxError("Invalid mode", formatNumber(rec.Mode))
		}
	}

	mode, _, err := c.optionalKeyword(LockModes, requiresMore, "Invalid optional lock mode")
	if err != nil {
		return err
	}
	rec.LockMode = LockMode(mode)

	rec.Data, err = c.quoted(MaxPath, requiresNoMore)
	return err
}

// ParseResponse parses a response line. Failures are reported the same way
// as for ParseRequest.
func (p *Parser) ParseResponse(line string) (*Record, error) {
	rec := NewRecord()
	rec.Original = line
	c := newCursor(line)
	if len(c.line) > MaxLineLength {
		return p.fail(rec, newSyntaxError("Line too long", c.line[:32]))
	}

	ref, err := p.tagToken(c, false)
	if err != nil {
		return p.fail(rec, err)
	}
	if rec.Tag, err = p.resolveTag(ref); err != nil {
		return p.fail(rec, err)
	}
	if err := p.command(c, rec, false); err != nil {
		return p.fail(rec, err)
	}
	if err := parseStatus(c, rec); err != nil {
		return p.fail(rec, err)
	}
	if err := parseResponsePayload(c, rec); err != nil {
		return p.fail(rec, err)
	}
	return rec, nil
}

func parseStatus(c *cursor, rec *Record) error {
	tok, err := c.next("Invalid status")
	if err != nil {
		return err
	}
	st, ok := ParseStatus(tok)
	if !ok {
		return newSyntaxError("Invalid status", tok)
	}
	rec.Status = st

	if rec.Command == CmdUnknown && st != StatusParseError && st != StatusError {
		return newSyntaxError("Unexpected Status", st.String())
	}

	req := requiresMore
	switch {
	case st == StatusCompleted, rec.Command == CmdQuit && st == StatusOK:
		req = requiresNoMore
	case st == StatusParseError, st == StatusError:
		req = requiresEither
	}
	return c.skipWhite(req, "get_status")
}

func parseResponsePayload(c *cursor, rec *Record) (err error) {
	switch rec.Status {
	case StatusOK:
		return parseOK(c, rec)

	case StatusAvailable, StatusGranted, StatusDenied, StatusDeadlock:
		if !rec.Command.IsLockFamily() {
			return newSyntaxError("Unexpected Status", rec.Status.String())
		}
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		if rec.Command != CmdList {
			if err := readLockType(c, rec); err != nil {
				return err
			}
		}
		return parseRange(c, rec, "Invalid lock length")

	case StatusConflict:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		if rec.Pid, err = c.number(requiresMore, "Invalid conflict pid"); err != nil {
			return err
		}
		if err := readLockType(c, rec); err != nil {
			return err
		}
		return parseRange(c, rec, "Invalid lock length")

	case StatusCanceled:
		switch rec.Command {
		case CmdLockW:
			if rec.Fpos, err = c.fpos(requiresMore); err != nil {
				return err
			}
			if err := readLockType(c, rec); err != nil {
				return err
			}
			return parseRange(c, rec, "Invalid lock length")
		case CmdAlarm:
			rec.Secs, err = c.number(requiresNoMore, "Invalid alarm time")
			return err
		}
		return newSyntaxError("Unexpected Status", rec.Status.String())

	case StatusCompleted:
		return nil

	case StatusErrno:
		if rec.Errno, err = c.number(requiresMore, "Invalid errno"); err != nil {
			return err
		}
		rec.Data = errnoDetail(c.rest())
		c.pos = len(c.line)
		return nil

	case StatusParseError, StatusError:
		rec.Data = strings.TrimSpace(c.rest())
		c.pos = len(c.line)
		return nil
	}
	return newSyntaxError("Invalid status", rec.Status.String())
}

func parseOK(c *cursor, rec *Record) (err error) {
	switch rec.Command {
	case CmdComment, CmdHello, CmdFork:
		rec.Data, err = c.quoted(MaxString, requiresNoMore)
		return err

	case CmdAlarm:
		rec.Secs, err = c.number(requiresNoMore, "Invalid alarm time")
		return err

	case CmdQuit:
		return nil

	case CmdOpen:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		rec.Fno, err = c.number(requiresNoMore, "Invalid file number")
		return err

	case CmdClose, CmdSeek:
		rec.Fpos, err = c.fpos(requiresNoMore)
		return err

	case CmdWrite:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		rec.Length, err = c.number(requiresNoMore, "Invalid length")
		return err

	case CmdRead:
		if rec.Fpos, err = c.fpos(requiresMore); err != nil {
			return err
		}
		if rec.Length, err = c.number(requiresMore, "Invalid length"); err != nil {
			return err
		}
		if rec.Data, err = c.quoted(MaxString, requiresNoMore); err != nil {
			return err
		}
		if rec.Length != Wildcard && rec.Data != WildcardString && int64(len(rec.Data)) != rec.Length {
			return newSyntaxError("Read length doesn't match",
				fmt.Sprintf("%d != %d", rec.Length, len(rec.Data)))
		}
		return nil
	}
	return newSyntaxError("Unexpected Status", rec.Status.String())
}

func readLockType(c *cursor, rec *Record) error {
	v, err := c.keyword(LockTypes, requiresMore, "Invalid lock type")
	if err != nil {
		return err
	}
	rec.LockType = LockType(v)
	return nil
}

// errnoDetail extracts the text of an ERRNO reply. A quoted detail may be
// followed by a comment; an unquoted one runs up to the first '#'. Anything
// else is kept raw.
func errnoDetail(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return s
		}
		tail := strings.TrimSpace(s[end+2:])
		if tail == "" || tail[0] == '#' {
			return s[1 : end+1]
		}
		return s
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// fail converts err into a PARSE_ERROR record.
func (p *Parser) fail(rec *Record, err error) (*Record, error) {
	pe := &ParseError{Command: rec.Command, Tag: rec.Tag, Errno: unix.EINVAL, Detail: err.Error()}
	var se *syntaxError
	if errors.As(err, &se) {
		pe.Errno = se.errno
		pe.Detail = se.detail
		pe.BadToken = se.bad
	}
	rec.Status = StatusParseError
	rec.Data = pe.Error()
	rec.Command = CmdUnknown
	return rec, pe
}

// ParseOnOff parses an optional on/off argument; absent means on.
func ParseOnOff(arg string) (bool, error) {
	c := newCursor(arg)
	v, found, err := c.optionalKeyword(OnOff, requiresNoMore, "Invalid on/off")
	if err != nil {
		return false, err
	}
	if !found && !c.atEnd() {
		return false, newSyntaxError("Invalid on/off", strconv.Quote(c.peek()))
	}
	return v != 0, nil
}
