package mlprotocol

import (
	"fmt"
	"strconv"
	"strings"
)

// requires states what may follow a field.
type requires int

const (
	requiresEither requires = iota
	requiresMore
	requiresNoMore
)

// cursor walks one protocol line.
type cursor struct {
	line string
	pos  int
}

func newCursor(line string) *cursor {
	return &cursor{line: strings.TrimRight(line, "\r\n")}
}

func isBlank(b byte) bool { return b == ' ' || b == '\t' }

// atEnd reports whether only a comment or nothing is left.
func (c *cursor) atEnd() bool {
	return c.pos >= len(c.line) || c.line[c.pos] == '#'
}

func (c *cursor) rest() string {
	return c.line[c.pos:]
}

// skipWhite skips blanks and enforces req.
func (c *cursor) skipWhite(req requires, who string) error {
	for c.pos < len(c.line) && isBlank(c.line[c.pos]) {
		c.pos++
	}
	switch req {
	case requiresMore:
		if c.atEnd() {
			bad := "<NULL>"
			if c.pos < len(c.line) {
				bad = c.rest()
			}
			return newSyntaxError("Expected more characters on command "+who, bad)
		}
	case requiresNoMore:
		if !c.atEnd() {
			return newSyntaxError("Extra characters on command "+who, c.rest())
		}
	}
	return nil
}

// scan returns the token at the cursor without consuming it, or "" when the
// line is exhausted.
func (c *cursor) scan() (tok string, end int) {
	i := c.pos
	for i < len(c.line) && isBlank(c.line[i]) {
		i++
	}
	start := i
	for i < len(c.line) && !isBlank(c.line[i]) && c.line[i] != '#' {
		i++
	}
	return c.line[start:i], i
}

// peek returns the next token without moving the cursor.
func (c *cursor) peek() string {
	tok, _ := c.scan()
	return tok
}

// next consumes a required token.
func (c *cursor) next(who string) (string, error) {
	if err := c.skipWhite(requiresMore, who); err != nil {
		return "", err
	}
	tok, end := c.scan()
	c.pos = end
	return tok, nil
}

// keyword consumes a required token and resolves it in table.
func (c *cursor) keyword(table []Token, req requires, invalid string) (int, error) {
	tok, err := c.next(invalid)
	if err != nil {
		return 0, err
	}
	v, ok := lookup(table, tok)
	if !ok {
		return 0, newSyntaxError(invalid, tok)
	}
	return v, c.skipWhite(req, invalid)
}

// optionalKeyword consumes the next token only when it is a full match in
// table; otherwise the cursor is left untouched and the table default is
// returned.
func (c *cursor) optionalKeyword(table []Token, req requires, invalid string) (int, bool, error) {
	tok, end := c.scan()
	if tok == "" {
		return defaultValue(table), false, nil
	}
	v, ok := lookup(table, tok)
	if !ok {
		return defaultValue(table), false, nil
	}
	c.pos = end
	return v, true, c.skipWhite(req, invalid)
}

// literal consumes the next token when it equals word, case-insensitively.
func (c *cursor) literal(word string, req requires, invalid string) (bool, error) {
	tok, end := c.scan()
	if len(tok) != len(word) || !strings.EqualFold(tok, word) {
		return false, nil
	}
	c.pos = end
	return true, c.skipWhite(req, invalid)
}

// number consumes a decimal, octal (leading 0) or hex (0x) integer, or "*"
// meaning Wildcard.
func (c *cursor) number(req requires, invalid string) (int64, error) {
	tok, err := c.next(invalid)
	if err != nil {
		return 0, err
	}
	v, err := parseNumber(tok)
	if err != nil {
		return 0, newSyntaxError(invalid, tok)
	}
	return v, c.skipWhite(req, invalid)
}

func parseNumber(tok string) (int64, error) {
	if tok == WildcardString {
		return Wildcard, nil
	}
	digits := strings.TrimLeft(tok, "+-")
	if strings.ContainsRune(digits, '_') || hasBasePrefix(digits, 'b') || hasBasePrefix(digits, 'o') {
		return 0, &strconv.NumError{Func: "ParseInt", Num: tok, Err: strconv.ErrSyntax}
	}
	return strconv.ParseInt(tok, 0, 64)
}

// hasBasePrefix reports whether s starts with "0" and the letter base in
// either case. strconv takes 0b and 0o prefixes the protocol does not.
func hasBasePrefix(s string, base byte) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == base || s[1] == base-'a'+'A')
}

// fpos consumes a file slot number. Wildcard is allowed so that
// expectations can ignore the slot.
func (c *cursor) fpos(req requires) (int64, error) {
	v, err := c.number(req, "Invalid fpos")
	if err != nil {
		return 0, err
	}
	if v != Wildcard && (v < 0 || v > MaxFpos) {
		return 0, newSyntaxError("Invalid fpos", strconv.FormatInt(v, 10))
	}
	return v, nil
}

// quoted consumes a string between double quotes. When req is
// requiresNoMore an unquoted remainder of the line is accepted as-is, as
// long as it holds no quote.
func (c *cursor) quoted(max int, req requires) (string, error) {
	if err := c.skipWhite(requiresMore, "get rdata 1"); err != nil {
		return "", err
	}
	if c.line[c.pos] != '"' {
		if req != requiresNoMore {
			return "", newSyntaxError("Expected string", c.rest())
		}
		s := strings.TrimRight(c.rest(), " \t")
		if strings.IndexByte(s, '"') >= 0 {
			return "", newSyntaxError("Invalid string", s)
		}
		if len(s) > max {
			return "", newSyntaxError(fmt.Sprintf("String length %d longer than %d", len(s), max), s)
		}
		c.pos = len(c.line)
		return s, nil
	}
	start := c.pos + 1
	end := strings.IndexByte(c.line[start:], '"')
	if end < 0 {
		return "", newSyntaxError("Unterminated string", c.rest())
	}
	s := c.line[start : start+end]
	if len(s) > max {
		return "", newSyntaxError(fmt.Sprintf("String length %d longer than %d", len(s), max), c.rest())
	}
	c.pos = start + end + 1
	return s, c.skipWhite(req, "get rdata 2")
}
