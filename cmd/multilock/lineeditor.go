// =============================================================================
// lineeditor.go - Line Editor for the Interactive Prompt
// =============================================================================
//
// LineEditor wraps ergochat/readline to give the interactive prompt history
// and line editing. When stdin is not a terminal (a pipe, a file, or Emacs
// comint) it falls back to a plain bufio.Scanner so that a session can be
// scripted: `multilock -i < session.txt`.
//
// History is kept in ~/.multilock_history. Only non-blank lines are saved.
//
// =============================================================================

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"

	"github.com/multilock/multilock/mlprotocol"
)

const (
	historyFileName = ".multilock_history"

	historySize = 500
)

// LineEditor reads one line at a time from the user.
type LineEditor struct {
	// interactive is true when readline drives a terminal.
	interactive bool

	rl *readline.Instance

	// scanner reads piped input when not interactive.
	scanner *bufio.Scanner

	// out receives the prompt in non-interactive mode.
	out io.Writer
}

// NewLineEditor returns a readline editor when in is a terminal, and a
// plain line reader otherwise.
func NewLineEditor(in io.Reader, out io.Writer) *LineEditor {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) || os.Getenv("INSIDE_EMACS") != "" {
		return newPipedEditor(in, out)
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            filepath.Join(homeDir(), historyFileName),
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
		Prompt:                 "",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: readline init failed (%v), using basic input\n", err)
		return newPipedEditor(in, out)
	}
	return &LineEditor{interactive: true, rl: rl, out: out}
}

func newPipedEditor(in io.Reader, out io.Writer) *LineEditor {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, mlprotocol.MaxLineLength), 4*mlprotocol.MaxLineLength)
	return &LineEditor{scanner: scanner, out: out}
}

// GetLine shows prompt and returns the next line without its newline. It
// returns io.EOF at end of input or on Ctrl-C.
func (le *LineEditor) GetLine(prompt string) (string, error) {
	if le.interactive {
		return le.getInteractiveLine(prompt)
	}
	return le.getNonInteractiveLine(prompt)
}

func (le *LineEditor) getInteractiveLine(prompt string) (string, error) {
	le.rl.SetPrompt(prompt)

	line, err := le.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		return "", err
	}

	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *LineEditor) getNonInteractiveLine(prompt string) (string, error) {
	if le.out != nil {
		fmt.Fprint(le.out, prompt)
	}

	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

// Close releases the terminal. It is safe to call more than once.
func (le *LineEditor) Close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}

// IsInteractive reports whether readline is in use.
func (le *LineEditor) IsInteractive() bool {
	return le.interactive
}

// homeDir returns the user's home directory, or "." if unknown.
func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
