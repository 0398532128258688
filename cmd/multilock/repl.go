// =============================================================================
// repl.go - Interactive Prompt
// =============================================================================
//
// The prompt accepts the same directives as a script, one line at a time,
// and runs each as soon as it is entered. Request tags are optional here.
// Lines starting with a dot are local commands that never reach a client.
//
// =============================================================================

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/multilock/multilock/harness"
)

const prompt = "multilock> "

// runREPL reads lines from editor until EOF, .quit or QUIT. It returns an
// error only when the session cannot go on: a fatal failure or a canceled
// context.
func runREPL(ctx context.Context, h *harness.Harness, editor *LineEditor, out, errOut io.Writer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := editor.GetLine(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, ".") {
			if quit := dotCommand(h, line, out, errOut); quit {
				return nil
			}
			continue
		}

		err = h.Exec(ctx, line)
		switch {
		case err == nil:
		case errors.Is(err, harness.ErrQuit):
			return nil
		case errors.Is(err, harness.ErrFatal), ctx.Err() != nil:
			return err
		default:
			fmt.Fprintf(errOut, "Error: %v\n", err)
		}
	}
}

// dotCommand runs a local command and reports whether the session should
// end.
func dotCommand(h *harness.Harness, line string, out, errOut io.Writer) bool {
	name, arg, _ := strings.Cut(line, " ")
	switch strings.ToLower(name) {
	case ".quit", ".exit":
		return true

	case ".help":
		printHelp(out, errOut, strings.TrimSpace(arg))

	case ".clients":
		clients := h.Clients()
		if len(clients) == 0 {
			fmt.Fprintln(out, "No clients")
			break
		}
		for _, name := range clients {
			fmt.Fprintln(out, "  "+name)
		}

	case ".pending":
		pending := h.Pending()
		if len(pending) == 0 {
			fmt.Fprintln(out, "Nothing pending")
			break
		}
		for _, desc := range pending {
			fmt.Fprintln(out, "  "+desc)
		}

	case ".results":
		fmt.Fprintln(out, h.Report().String())

	default:
		fmt.Fprintf(errOut, "Error: Unknown command '%s'. Type .help for a list.\n", name)
	}
	return false
}
