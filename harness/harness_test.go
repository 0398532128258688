package harness

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multilock/multilock/mlprotocol"
)

type testRun struct {
	h      *Harness
	target *mockTarget
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newTestRun(t *testing.T, cfg Config) *testRun {
	t.Helper()
	r := &testRun{target: newMockTarget(t), out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	cfg.Out = r.out
	cfg.ErrOut = r.errOut
	if cfg.Dialer == nil {
		cfg.Dialer = r.target.Dial
	}
	if cfg.AlarmUnit == 0 {
		cfg.AlarmUnit = 20 * time.Millisecond
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	r.h = New(cfg)
	return r
}

func (r *testRun) run(t *testing.T, text string) error {
	t.Helper()
	script, err := Load(t.Name(), strings.NewReader(text))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.h.Run(ctx, script)
}

func TestRunSynchronous(t *testing.T) {
	r := newTestRun(t, Config{})
	err := r.run(t, `CLIENT c1 mock
c1 $ LOCK 1 write 0 10
EXPECT c1 $ LOCK GRANTED 1 write 0 10
c1 $ UNLOCK 1 0 10
c1 $ QUIT
`)
	require.NoError(t, err, r.errOut.String())

	sum := r.h.Results()
	assert.Equal(t, 4, sum.Passed)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 4, sum.Requests)
	assert.Contains(t, r.out.String(), `c1 1 HELLO OK "c1"`)
	assert.Contains(t, r.out.String(), "c1 2 LOCK GRANTED 1 write 0 10")
	assert.Empty(t, r.h.Clients())
}

func TestRunOutOfOrderGrant(t *testing.T) {
	r := newTestRun(t, Config{})
	err := r.run(t, `CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 10
c2 $a LOCKW 1 write 0 10
c2 $ LOCK 2 write 0 10
EXPECT c2 $ LOCK GRANTED 2 write 0 10
c1 $ UNLOCK 1 0 10
EXPECT c2 $a LOCKW GRANTED 1 write 0 10
`)
	require.NoError(t, err, r.errOut.String())

	sum := r.h.Results()
	assert.Equal(t, 6, sum.Passed)
	assert.Equal(t, 0, sum.Warned)
	assert.Contains(t, r.out.String(), "c2 4 LOCKW GRANTED 1 write 0 10")
}

func TestRunMismatch(t *testing.T) {
	r := newTestRun(t, Config{})
	err := r.run(t, `CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 10
c2 $ LOCK 1 write 0 10
EXPECT c2 $ LOCK GRANTED 1 write 0 10
`)
	require.ErrorIs(t, err, ErrTestFailed)

	sum := r.h.Results()
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "Unexpected status DENIED", sum.Failures[0].Reason)
	assert.Equal(t, int64(5), sum.Failures[0].Line)
	assert.Contains(t, r.errOut.String(), "FAIL line 5: Unexpected status DENIED")
	assert.NotContains(t, r.out.String(), "FAIL")
}

func TestRunErrnoExpectation(t *testing.T) {
	r := newTestRun(t, Config{DupErrors: true})
	err := r.run(t, `CLIENT c1 mock
c1 $ CLOSE 1
EXPECT c1 $ CLOSE ERRNO 9 "*"
c1 $ CLOSE 1
`)
	require.ErrorIs(t, err, ErrTestFailed)

	sum := r.h.Results()
	assert.Equal(t, 2, sum.Passed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "Unexpected status ERRNO", sum.Failures[0].Reason)
	assert.Contains(t, r.out.String(), "FAIL line 4")
}

func TestRunAlarmCancelsBlockedLock(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r := newTestRun(t, Config{Metrics: metrics})
	err := r.run(t, `CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 10
c2 $ ALARM 1
c2 $a LOCKW 1 write 0 10
QUIET off
EXPECT c2 $a LOCKW CANCELED 1 write 0 10
c1 $ UNLOCK 1 0 10
c2 $ QUIT
`)
	require.NoError(t, err, r.errOut.String())

	sum := r.h.Results()
	assert.Equal(t, 7, sum.Passed)
	assert.Equal(t, 0, sum.Warned)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AlarmsFired))
	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.ExpectationsTotal.WithLabelValues("pass")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ClientsActive))
}

func TestRunAlarmCancelsOldestLockW(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r := newTestRun(t, Config{Metrics: metrics})
	err := r.run(t, `CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 100
c2 $ ALARM 1
c2 $a LOCKW 1 write 0 10
c2 $b LOCKW 1 write 50 10
QUIET off
EXPECT c2 $a LOCKW CANCELED 1 write 0 10
c1 $ UNLOCK 1 0 100
EXPECT c2 $b LOCKW GRANTED 1 write 50 10
`)
	require.NoError(t, err, r.errOut.String())

	sum := r.h.Results()
	assert.Equal(t, 7, sum.Passed)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Warned)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AlarmsFired))
}

func TestRunAlarmWithDeclaredGrantFails(t *testing.T) {
	r := newTestRun(t, Config{})
	err := r.run(t, `CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 10
c2 $ ALARM 1
c2 $a LOCKW 1 write 0 10
EXPECT c2 $a LOCKW GRANTED 1 write 0 10
`)
	require.ErrorIs(t, err, ErrTestFailed)

	sum := r.h.Results()
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "Unexpected status CANCELED", sum.Failures[0].Reason)
}

func TestRunFork(t *testing.T) {
	r := newTestRun(t, Config{})
	err := r.run(t, `CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 10
FORK {
	c2 $a LOCKW 1 write 0 10
	QUIET off
	EXPECT c2 $a LOCKW GRANTED 1 write 0 10
}
SLEEP 1
c1 $ UNLOCK 1 0 10
WAIT
`)
	require.NoError(t, err, r.errOut.String())
	assert.Equal(t, 5, r.h.Results().Passed)
}

func TestRunUnexpectedResponse(t *testing.T) {
	script := `CLIENT c1 mock
c1 $ COMMENT "spurious"
`
	r := newTestRun(t, Config{})
	require.NoError(t, r.run(t, script))
	assert.Equal(t, 1, r.h.Results().Warned)
	assert.Contains(t, r.errOut.String(), "WARN: Unexpected response")

	r = newTestRun(t, Config{Strict: true})
	require.ErrorIs(t, r.run(t, script), ErrTestFailed)
	assert.Contains(t, r.errOut.String(), "FAIL: Unexpected response")
}

func TestRunErrorIsFatal(t *testing.T) {
	r := newTestRun(t, Config{})
	err := r.run(t, `ERROR_IS_FATAL
CLIENT c1 mock
c1 $ CLOSE 1
c1 $ LOCK 1 write 0 10
`)
	require.ErrorIs(t, err, ErrFatal)

	sum := r.h.Results()
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Requests)
}

func TestRunUnresolvedCountedOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r := newTestRun(t, Config{Metrics: metrics})
	err := r.run(t, `ERROR_IS_FATAL
CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 10
c2 $ LOCKW 1 write 0 10
c1 $ CLOSE 1
`)
	require.ErrorIs(t, err, ErrFatal)

	assert.Equal(t, 2, r.h.Results().Failed)
	assert.Contains(t, r.errOut.String(), "Unresolved expectation")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ExpectationsTotal.WithLabelValues("fail")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ExpectationsTotal.WithLabelValues("unresolved")))
}

func TestRunUnknownClient(t *testing.T) {
	r := newTestRun(t, Config{})
	err := r.run(t, "c9 $ LOCK 1 write 0 10\n")
	require.ErrorIs(t, err, ErrTestFailed)
	assert.Contains(t, r.errOut.String(), "could not find client c9")
}

// A request that cannot be sent takes the EXPECT that follows it along, so
// one mistake is reported once.
func TestRunFailedRequestConsumesExpect(t *testing.T) {
	tests := []struct {
		name   string
		script string
		reason string
	}{
		{
			name: "unknown client",
			script: `c9 $ LOCK 1 write 0 10
EXPECT c9 $ LOCK GRANTED 1 write 0 10
`,
			reason: "could not find client c9",
		},
		{
			name: "bad request",
			script: `CLIENT c1 mock
c1 $ LOCK 1 sideways 0 10
EXPECT c1 $ LOCK GRANTED 1 write 0 10
`,
			reason: `bad token "sideways"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRun(t, Config{})
			require.ErrorIs(t, r.run(t, tt.script), ErrTestFailed)

			sum := r.h.Results()
			require.Len(t, sum.Failures, 1)
			assert.Contains(t, sum.Failures[0].Reason, tt.reason)
			assert.Equal(t, 0, r.h.pending.Len())
		})
	}
}

// Concurrent actors share one tag counter; a bare "$" in an EXPECT still
// names the actor's own request.
func TestRunForkCurrentTags(t *testing.T) {
	const actors, rounds = 8, 40

	var script strings.Builder
	for i := 1; i <= actors; i++ {
		fmt.Fprintf(&script, "CLIENT c%d mock\n", i)
	}
	for i := 1; i <= actors; i++ {
		script.WriteString("FORK {\n")
		for j := 0; j < rounds; j++ {
			fmt.Fprintf(&script, "c%d $ COMMENT \"r%d\"\n", i, j)
			fmt.Fprintf(&script, "EXPECT c%d $ COMMENT OK \"r%d\"\n", i, j)
		}
		script.WriteString("}\n")
	}
	script.WriteString("WAIT\n")

	r := newTestRun(t, Config{Strict: true})
	require.NoError(t, r.run(t, script.String()), r.errOut.String())

	sum := r.h.Results()
	assert.Equal(t, actors*(rounds+1), sum.Passed)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Warned)
}

func TestRunSyntaxMode(t *testing.T) {
	r := newTestRun(t, Config{Syntax: true})
	err := r.run(t, `CLIENT c1 mock
c1 $ LOCK 1 write 0 10
EXPECT c1 $ LOCK GRANTED 1 write 0 10
c1 1 LOCK 1 sideways 0 10
`)
	require.ErrorIs(t, err, ErrTestFailed)

	assert.Equal(t, 0, r.target.dialCount())
	assert.Contains(t, r.out.String(), "CLIENT c1 mock")
	assert.Contains(t, r.out.String(), "c1 2 LOCK 1 write 0 10")
	assert.Contains(t, r.out.String(), "EXPECT c1 2 LOCK GRANTED 1 write 0 10")
	assert.Contains(t, r.errOut.String(), `bad token "sideways"`)
	assert.Equal(t, 1, r.h.Results().Failed)
}

func TestQuitKeepsReferencedClient(t *testing.T) {
	r := newTestRun(t, Config{Metrics: NewMetrics(prometheus.NewRegistry())})
	script, err := Load("quit", strings.NewReader(`CLIENT c1 mock
CLIENT c2 mock
c1 $ LOCK 1 write 0 10
c2 $a LOCKW 1 write 0 10
c2 $ QUIT
`))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.h.newActor("main").run(ctx, script.Steps))

	// The pending LOCKW still references c2 after its QUIT.
	assert.Nil(t, r.h.session("c2"))
	assert.Equal(t, 1, r.h.pending.Len())
	assert.Equal(t, []string{"c1", "c2"}, r.h.Clients())

	require.NoError(t, r.h.settle(ctx))
	assert.Equal(t, []string{"c1"}, r.h.Clients())
	assert.Equal(t, 1, r.h.Results().Failed)
	assert.Contains(t, r.errOut.String(), "Unresolved expectation")
	assert.Equal(t, float64(1), testutil.ToFloat64(r.h.cfg.Metrics.ExpectationsTotal.WithLabelValues("unresolved")))
	assert.Zero(t, testutil.ToFloat64(r.h.cfg.Metrics.ExpectationsTotal.WithLabelValues("fail")))

	require.NoError(t, r.h.Close())
	assert.Empty(t, r.h.Clients())
}

func TestExecInteractive(t *testing.T) {
	r := newTestRun(t, Config{Interactive: true})
	ctx := context.Background()
	defer r.h.Close()

	require.NoError(t, r.h.Exec(ctx, "CLIENT c1 mock"))
	require.NoError(t, r.h.Exec(ctx, "c1 LOCK 1 write 0 10"))
	assert.Contains(t, r.out.String(), "c1 2 LOCK GRANTED 1 write 0 10")

	require.NoError(t, r.h.Exec(ctx, "c1 LOCKW 2 write 0 10"))
	assert.Len(t, r.h.Pending(), 1)
	require.NoError(t, r.h.Exec(ctx, "EXPECT c1 3 LOCKW GRANTED 2 write 0 10"))
	assert.Empty(t, r.h.Pending())

	assert.Error(t, r.h.Exec(ctx, "FORK {"))
	assert.ErrorIs(t, r.h.Exec(ctx, "QUIT"), ErrQuit)
	assert.Equal(t, 0, r.h.Results().Failed)
}

func TestReport(t *testing.T) {
	r := newTestRun(t, Config{})
	require.NoError(t, r.run(t, "CLIENT c1 mock\nc1 $ QUIT\n"))

	rep := r.h.Report()
	assert.Equal(t, "pass", rep.Result)
	assert.Equal(t, r.h.RunID(), rep.RunID)
	assert.True(t, strings.HasPrefix(rep.String(), "PASS: 2 passed, 0 failed, 0 warnings; 2 requests"), rep.String())

	var buf bytes.Buffer
	require.NoError(t, rep.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "result: pass")
	assert.Contains(t, buf.String(), "run_id: "+rep.RunID)
	assert.Contains(t, buf.String(), "passed: 2")
}

func TestDescribe(t *testing.T) {
	p := mlprotocol.NewParser(mlprotocol.NewTags(false))
	req, err := p.ParseRequest("3 LOCKW 1 write 0 10")
	require.NoError(t, err)
	c := mlprotocol.NewClient("c1", nil)
	req.Attach(c)

	assert.Equal(t, "reply to c1 3 LOCKW 1 write 0 10", describe(&mlprotocol.Expectation{Record: req, Relaxed: true}))
}
