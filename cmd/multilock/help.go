// =============================================================================
// help.go - Help Text for the Interactive Prompt
// =============================================================================
//
// ".help" prints an overview of the directives and dot-commands.
// ".help <topic>" prints detailed help for one of them.
//
// Help text lives in two dictionaries:
//   - dotHelp:       prompt-only dot-commands (.help, .quit, .clients, ...)
//   - directiveHelp: script directives and requests, shared with scripts
//
// =============================================================================

package main

import (
	"fmt"
	"io"
	"strings"
)

// printHelp writes the overview when topic is empty, or the detailed text
// for topic. Topics are case-insensitive and may carry a leading dot.
func printHelp(out, errOut io.Writer, topic string) {
	if topic == "" {
		fmt.Fprint(out, helpOverview)
		return
	}

	key := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(topic), "."))
	if text, ok := dotHelp[key]; ok {
		fmt.Fprintln(out, text)
		return
	}
	if text, ok := directiveHelp[key]; ok {
		fmt.Fprintln(out, text)
		return
	}
	fmt.Fprintf(errOut, "Error: No help for '%s'. Type .help to see available topics.\n", topic)
}

const helpOverview = `Directives:
  CLIENT <name> <target>    Connect a client (unix:<path>, tcp:<host:port>, exec:<cmd>)
  <name> <tag> <request>    Send a request; tag may be $, $x or omitted
  EXPECT <name> <response>  Wait for a response
  { EXPECT... }             Wait for several responses in any order
  FORK { ... }              Run a block concurrently (scripts only)
  WAIT                      Join forked blocks
  SLEEP <secs>              Pause
  QUIET|STRICT|ERROR_IS_FATAL|DUPERRORS [on|off]
  QUIT                      End the session

Requests:
  OPEN CLOSE SEEK READ WRITE LOCK LOCKW UNLOCK TEST LIST HOP UNHOP
  COMMENT ALARM HELLO FORK QUIT

Prompt Commands:
  .help [topic]     Show help (or help for a specific topic)
  .clients          List connected clients
  .pending          List outstanding expectations
  .results          Show pass/fail counts
  .quit             Exit
`

// dotHelp holds detailed help for the prompt's dot-commands. Keys have no
// leading dot.
var dotHelp = map[string]string{
	"help": `  .help [topic]
    Show the overview, or detailed help for a directive, request or
    dot-command.
    Examples:
      .help             Show the overview
      .help lockw       Show help for blocking locks
      .help tags        Show how request tags work`,

	"clients": `  .clients
    List the clients that are still registered. A client that sent QUIT
    stays listed while an outstanding expectation refers to it.`,

	"pending": `  .pending
    List expectations that no response has resolved yet, oldest first.
    Replies to LOCKW requests stay pending until the lock is granted or
    an ALARM cancels the wait.`,

	"results": `  .results
    Show the number of passed, failed and warned checks so far, with
    request and response totals.`,

	"quit": `  .quit
    Close every client and exit. QUIT without a dot does the same.`,
}

// directiveHelp holds detailed help for script directives and requests.
var directiveHelp = map[string]string{
	"client": `  CLIENT <name> <target>
    Create a client, connect it and exchange HELLO. Targets:
      unix:/path/to/socket    Unix domain socket (also a bare path)
      tcp:host:port           TCP connection
      exec:agent [args]       Spawn an agent and talk over its stdin/stdout
    Example:
      CLIENT c1 unix:/tmp/lockd.sock`,

	"expect": `  EXPECT <name> <tag> <command> <status> [fields]
    Wait until the client sends a matching response. Numeric fields may be
    * to match anything; a quoted "*" matches any text.
    When EXPECT directly follows a request to the same client, it states
    that request's reply instead of waiting separately.
    Examples:
      EXPECT c1 $ LOCK GRANTED 1 write 0 10
      EXPECT c2 $a LOCKW CANCELED 1 write * *`,

	"tags": `  Tags
    Every request carries a numeric tag that its reply repeats.
      $       use the next tag (in scripts, the line number)
      $x      same, and remember it as x (a-z, A-Z)
    In an EXPECT, $x recalls the tag saved as x and $ the last tag used.
    At the prompt the tag may be left out entirely.`,

	"fork": `  FORK {
    ...
  }
    Run the enclosed lines on their own actor, so that one client can
    block while another continues. WAIT joins forked blocks. Not available
    at the prompt.`,

	"wait": `  WAIT
    Wait for every block forked so far by this script or block.`,

	"sleep": `  SLEEP <secs>
    Pause for secs script seconds. Fractions are allowed.`,

	"quiet": `  QUIET [on|off]
    Stop echoing responses.`,

	"strict": `  STRICT [on|off]
    Count a response nobody expected as a failure instead of a warning.`,

	"error_is_fatal": `  ERROR_IS_FATAL [on|off]
    Stop at the first failure.`,

	"duperrors": `  DUPERRORS [on|off]
    Copy failures and warnings to standard output.`,

	"lock": `  <name> <tag> LOCK <fpos> read|write <start> <length>
    Try to take a byte range lock without waiting.
    Replies: GRANTED, DENIED, DEADLOCK.`,

	"lockw": `  <name> <tag> LOCKW <fpos> read|write <start> <length>
    Take a byte range lock, waiting if needed. The script continues right
    away; the reply is matched whenever it arrives. Use ALARM to bound the
    wait.
    Example:
      c2 $a LOCKW 1 write 0 10
      c1 $ UNLOCK 1 0 10
      EXPECT c2 $a LOCKW GRANTED 1 write 0 10`,

	"unlock": `  <name> <tag> UNLOCK <fpos> <start> <length>
    Release a byte range. A length of 0 means to the end of the file.`,

	"alarm": `  <name> <tag> ALARM <secs>
    Cancel any LOCKW still waiting after secs seconds; 0 disarms. A
    canceled wait is answered with LOCKW CANCELED.`,

	"open": `  <name> <tag> OPEN <fpos> rw|ro|wo [create] [exclusive] [truncate] [mode <n>] [POSIX|OFD] "<path>"
    Open a file into slot fpos. Replies OPEN OK <fpos> <fd>.`,
}
