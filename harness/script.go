package harness

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/multilock/multilock/mlprotocol"
)

// StepKind identifies a script directive.
type StepKind int

const (
	StepRequest StepKind = iota
	StepExpect
	StepClient
	StepGroup
	StepFork
	StepWait
	StepSleep
	StepToggle
	StepQuit
)

var stepNames = [...]string{
	StepRequest: "request",
	StepExpect:  "EXPECT",
	StepClient:  "CLIENT",
	StepGroup:   "group",
	StepFork:    "FORK",
	StepWait:    "WAIT",
	StepSleep:   "SLEEP",
	StepToggle:  "toggle",
	StepQuit:    "QUIT",
}

func (k StepKind) String() string {
	if k < 0 || int(k) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[k]
}

// Toggle names a run-time switch a script can flip.
type Toggle int

const (
	ToggleQuiet Toggle = iota
	ToggleStrict
	ToggleErrorIsFatal
	ToggleDupErrors
)

var toggleTable = []mlprotocol.Token{
	{Name: "QUIET", Value: int(ToggleQuiet)},
	{Name: "STRICT", Value: int(ToggleStrict)},
	{Name: "ERROR_IS_FATAL", Value: int(ToggleErrorIsFatal)},
	{Name: "DUPERRORS", Value: int(ToggleDupErrors)},
}

// Step is one directive of a script.
type Step struct {
	Kind StepKind
	Line int64

	// Client is the client a request or expectation is for, or the client
	// CLIENT creates.
	Client string

	// Text is the protocol line of a request or expectation, or the target
	// address of CLIENT.
	Text string

	// Steps holds the body of a group or FORK block.
	Steps []Step

	Toggle Toggle
	On     bool
	Sleep  time.Duration // in script seconds, scaled by Config.AlarmUnit
}

// Script is a parsed test script.
type Script struct {
	Name  string
	Steps []Step
}

// ScriptError reports a malformed directive.
type ScriptError struct {
	Name string
	Line int64
	Msg  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Name, e.Line, e.Msg)
}

type frame struct {
	kind  StepKind
	line  int64
	steps []Step
}

// Load reads a script. Requests and expectations are kept as text; they
// are parsed when they run, because tag references depend on what ran
// before them.
func Load(name string, r io.Reader) (*Script, error) {
	stack := []*frame{{kind: StepQuit}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, mlprotocol.MaxLineLength), 4*mlprotocol.MaxLineLength)

	var lineNo int64
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		top := stack[len(stack)-1]
		word, rest := splitWord(line)

		switch {
		case word == "}":
			if len(stack) == 1 {
				return nil, &ScriptError{name, lineNo, "unmatched }"}
			}
			stack = stack[:len(stack)-1]
			parent := stack[len(stack)-1]
			parent.steps = append(parent.steps, Step{Kind: top.kind, Line: top.line, Steps: top.steps})
			continue

		case word == "{":
			if top.kind == StepGroup {
				return nil, &ScriptError{name, lineNo, "groups cannot nest"}
			}
			stack = append(stack, &frame{kind: StepGroup, line: lineNo})
			continue

		case strings.EqualFold(word, "FORK"):
			if rest != "{" {
				return nil, &ScriptError{name, lineNo, "FORK must be followed by {"}
			}
			if top.kind == StepGroup {
				return nil, &ScriptError{name, lineNo, "FORK inside a group"}
			}
			stack = append(stack, &frame{kind: StepFork, line: lineNo})
			continue
		}

		step, err := parseDirective(word, rest, lineNo)
		if err != nil {
			return nil, &ScriptError{name, lineNo, err.Error()}
		}
		if top.kind == StepGroup && step.Kind != StepExpect {
			return nil, &ScriptError{name, lineNo, "only EXPECT is allowed in a group"}
		}
		top.steps = append(top.steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if len(stack) > 1 {
		open := stack[len(stack)-1]
		return nil, &ScriptError{name, open.line, "unterminated " + open.kind.String() + " block"}
	}
	return &Script{Name: name, Steps: stack[0].steps}, nil
}

func parseDirective(word, rest string, lineNo int64) (Step, error) {
	step := Step{Line: lineNo}

	if v, ok := lookupToggle(word); ok {
		on, err := mlprotocol.ParseOnOff(rest)
		if err != nil {
			return step, fmt.Errorf("%s takes on or off", word)
		}
		step.Kind, step.Toggle, step.On = StepToggle, v, on
		return step, nil
	}

	switch strings.ToUpper(word) {
	case "CLIENT":
		name, target := splitWord(rest)
		if name == "" || target == "" {
			return step, fmt.Errorf("CLIENT needs a name and a target")
		}
		step.Kind, step.Client, step.Text = StepClient, name, target
		return step, nil

	case "EXPECT":
		name, text := splitWord(rest)
		if name == "" || text == "" {
			return step, fmt.Errorf("EXPECT needs a client and a response")
		}
		step.Kind, step.Client, step.Text = StepExpect, name, text
		return step, nil

	case "WAIT":
		step.Kind = StepWait
		return step, nil

	case "QUIT":
		step.Kind = StepQuit
		return step, nil

	case "SLEEP":
		secs, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil || secs < 0 {
			return step, fmt.Errorf("invalid SLEEP time %q", rest)
		}
		step.Kind = StepSleep
		step.Sleep = time.Duration(secs * float64(time.Second))
		return step, nil
	}

	if rest == "" {
		return step, fmt.Errorf("unknown directive %q", word)
	}
	step.Kind, step.Client, step.Text = StepRequest, word, rest
	return step, nil
}

func lookupToggle(word string) (Toggle, bool) {
	for _, tok := range toggleTable {
		if strings.EqualFold(tok.Name, word) {
			return Toggle(tok.Value), true
		}
	}
	return 0, false
}

// splitWord splits off the first blank separated word.
func splitWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
