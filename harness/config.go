package harness

import (
	"context"
	"io"
	"os"
	"time"

	"pkt.systems/pslog"

	"github.com/multilock/multilock/mlprotocol"
)

// Dialer opens a transport to a lock target.
type Dialer func(ctx context.Context, target string) (mlprotocol.Transport, error)

// Config configures a Harness. The zero value is usable.
type Config struct {
	// Logger receives diagnostic events. Defaults to a no-op logger.
	Logger pslog.Logger

	// Out receives echoed responses and, with DupErrors, failures.
	// Defaults to os.Stdout.
	Out io.Writer

	// ErrOut receives failures and warnings. Defaults to os.Stderr.
	ErrOut io.Writer

	Quiet        bool // do not echo responses
	Strict       bool // unexpected responses are failures
	ErrorIsFatal bool // stop at the first failure
	DupErrors    bool // copy failures to Out

	// Syntax parses every request and expectation without opening any
	// transport.
	Syntax bool

	// Interactive enables optional request tags and disables look-ahead.
	Interactive bool

	// AlarmUnit is the length of one script second, used for ALARM
	// deadlines and SLEEP. Defaults to time.Second.
	AlarmUnit time.Duration

	// ResponseTimeout bounds the wait for any single response. Zero waits
	// forever.
	ResponseTimeout time.Duration

	// Dialer opens transports for CLIENT. Defaults to mlprotocol.Dial.
	Dialer Dialer

	// Metrics is optional.
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	if c.ErrOut == nil {
		c.ErrOut = os.Stderr
	}
	if c.AlarmUnit <= 0 {
		c.AlarmUnit = time.Second
	}
	if c.Dialer == nil {
		c.Dialer = func(ctx context.Context, target string) (mlprotocol.Transport, error) {
			return mlprotocol.Dial(ctx, target)
		}
	}
	return c
}
