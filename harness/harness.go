// Package harness runs multilock test scripts against lock targets.
//
// A script names clients, sends them requests, and states what they must
// answer. Blocking locks (LOCKW) are answered asynchronously, so their
// expectations wait in a shared pending list until a matching reply shows
// up on the client's stream or a local ALARM deadline cancels them. FORK
// blocks run on their own actors so that several clients can block at
// once.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/multilock/multilock/mlprotocol"
)

var (
	// ErrTestFailed is returned by Run when at least one check failed.
	ErrTestFailed = errors.New("test failed")

	// ErrFatal is returned when a failure happens with ERROR_IS_FATAL on.
	ErrFatal = errors.New("fatal test failure")

	// ErrQuit is returned by Exec for a bare QUIT.
	ErrQuit = errors.New("quit")

	errResponseTimeout = errors.New("timed out waiting for response")
)

type toggles struct {
	quiet  atomic.Bool
	strict atomic.Bool
	fatal  atomic.Bool
	dup    atomic.Bool
}

// session is the harness side of one connected client.
type session struct {
	name string

	// readMu serializes reads from the client's transport.
	readMu sync.Mutex

	mu       sync.Mutex
	client   *mlprotocol.Client // bootstrap reference, nil once released
	alarmAt  time.Time
	canceled map[int64]struct{}
}

func (s *session) transport() mlprotocol.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.client.Closed() {
		return nil
	}
	return s.client.Transport()
}

func (s *session) arm(at time.Time) {
	s.mu.Lock()
	s.alarmAt = at
	s.mu.Unlock()
}

func (s *session) deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarmAt
}

func (s *session) markCanceled(tag int64) {
	s.mu.Lock()
	if s.canceled == nil {
		s.canceled = make(map[int64]struct{})
	}
	s.canceled[tag] = struct{}{}
	s.mu.Unlock()
}

// wasCanceled reports, once, whether a LOCKW reply belongs to a request
// an ALARM already canceled.
func (s *session) wasCanceled(rec *mlprotocol.Record) bool {
	if rec.Command != mlprotocol.CmdLockW {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.canceled[rec.Tag]; ok {
		delete(s.canceled, rec.Tag)
		return true
	}
	return false
}

// release closes the transport and drops the bootstrap reference. It
// reports whether this call did it.
func (s *session) release() bool {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return false
	}
	c.Close()
	c.Release()
	return true
}

// Harness executes scripts. It is safe for concurrent use by the actors it
// starts; Run and Exec must not be called concurrently.
type Harness struct {
	cfg     Config
	log     pslog.Logger
	runID   xid.ID
	started time.Time
	script  string

	registry *mlprotocol.Registry
	tags     *mlprotocol.Tags
	pending  *mlprotocol.Pending
	results  Results
	toggles  toggles

	mu       sync.Mutex
	sessions map[string]*session
	outMu    sync.Mutex

	interactive *actor
	execLine    int64
}

// New creates a harness.
func New(cfg Config) *Harness {
	cfg = cfg.withDefaults()
	id := xid.New()
	h := &Harness{
		cfg:      cfg,
		log:      cfg.Logger.With("run", id.String()),
		runID:    id,
		started:  time.Now(),
		registry: mlprotocol.NewRegistry(),
		tags:     mlprotocol.NewTags(!cfg.Interactive),
		pending:  mlprotocol.NewPending(),
		sessions: make(map[string]*session),
	}
	h.toggles.quiet.Store(cfg.Quiet)
	h.toggles.strict.Store(cfg.Strict)
	h.toggles.fatal.Store(cfg.ErrorIsFatal)
	h.toggles.dup.Store(cfg.DupErrors)
	return h
}

// RunID identifies this harness in logs and reports.
func (h *Harness) RunID() string {
	return h.runID.String()
}

// Results returns a snapshot of the results so far.
func (h *Harness) Results() Summary {
	return h.results.Snapshot()
}

// Clients lists the registered client names.
func (h *Harness) Clients() []string {
	return h.registry.Names()
}

// Pending describes the outstanding expectations.
func (h *Harness) Pending() []string {
	var out []string
	for _, exp := range h.pending.Snapshot() {
		out = append(out, describe(exp))
	}
	return out
}

// Run executes script to completion. It returns ErrFatal when a failure
// stopped the run, ErrTestFailed when any check failed, or the context
// error when ctx ended first.
func (h *Harness) Run(ctx context.Context, script *Script) error {
	h.script = script.Name
	h.log.Info("harness.run.start", "script", script.Name, "syntax", h.cfg.Syntax)

	root := h.newActor("main")
	err := root.run(ctx, script.Steps)
	if err == nil {
		err = h.settle(ctx)
	}
	h.teardown(true)

	sum := h.results.Snapshot()
	h.log.Info("harness.run.complete", "passed", sum.Passed, "failed", sum.Failed,
		"warnings", sum.Warned, "elapsed", time.Since(h.started).String())

	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		return ErrTestFailed
	}
	return nil
}

// settle waits for the expectations still pending when the script ends,
// oldest first. Entries whose client is gone fail.
func (h *Harness) settle(ctx context.Context) error {
	a := h.newActor("settle")
	for {
		id, exp, ok := h.pending.Oldest()
		if !ok {
			return nil
		}
		sess := h.session(exp.Record.ClientName())
		if sess == nil {
			if exp, ok := h.pending.Remove(id); ok {
				err := h.failAs("unresolved", Failure{
					Line:     exp.Line,
					Client:   exp.Record.ClientName(),
					Reason:   "Unresolved expectation",
					Expected: describe(exp),
				})
				exp.Record.Release()
				if err != nil {
					return err
				}
			}
			continue
		}
		if err := a.await(ctx, sess, id); err != nil {
			return err
		}
	}
}

// Exec executes one interactive line. Requests may omit their tag. A bare
// QUIT returns ErrQuit.
func (h *Harness) Exec(ctx context.Context, line string) error {
	if h.interactive == nil {
		h.interactive = h.newActor("interactive")
		h.interactive.parser.AutoTag = true
	}
	h.execLine++

	script, err := Load("input", strings.NewReader(line))
	if err != nil {
		return err
	}
	for i := range script.Steps {
		script.Steps[i].Line = h.execLine
		if script.Steps[i].Kind == StepQuit {
			return ErrQuit
		}
	}
	return h.interactive.run(ctx, script.Steps)
}

// Close tears down every client. Outstanding expectations are dropped.
func (h *Harness) Close() error {
	h.teardown(false)
	return nil
}

func (h *Harness) teardown(reportUnresolved bool) {
	for _, exp := range h.pending.Drain() {
		if reportUnresolved {
			h.failAs("unresolved", Failure{
				Line:     exp.Line,
				Client:   exp.Record.ClientName(),
				Reason:   "Unresolved expectation",
				Expected: describe(exp),
			})
		}
		exp.Record.Release()
	}
	h.cfg.Metrics.SetPending(0)

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for name, sess := range sessions {
		if sess.release() {
			h.cfg.Metrics.ClientClosed()
			h.log.Debug("harness.client.closed", "client", name)
		}
	}
}

func (h *Harness) session(name string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[name]
}

func (h *Harness) addSession(s *session) {
	h.mu.Lock()
	h.sessions[s.name] = s
	h.mu.Unlock()
}

// quit ends a client after QUIT OK. Records that still reference the
// client keep it registered until they are released.
func (h *Harness) quit(name string) {
	h.mu.Lock()
	sess := h.sessions[name]
	delete(h.sessions, name)
	h.mu.Unlock()
	if sess != nil && sess.release() {
		h.cfg.Metrics.ClientClosed()
		h.log.Info("harness.client.quit", "client", name)
	}
}

func (h *Harness) setToggle(t Toggle, on bool) {
	switch t {
	case ToggleQuiet:
		h.toggles.quiet.Store(on)
	case ToggleStrict:
		h.toggles.strict.Store(on)
	case ToggleErrorIsFatal:
		h.toggles.fatal.Store(on)
	case ToggleDupErrors:
		h.toggles.dup.Store(on)
	}
	h.log.Debug("harness.toggle", "toggle", toggleTable[t].Name, "on", on)
}

func (h *Harness) addPending(exp *mlprotocol.Expectation) mlprotocol.ExpectationID {
	id := h.pending.Add(exp)
	h.cfg.Metrics.SetPending(h.pending.Len())
	return id
}

func (h *Harness) println(w io.Writer, s string) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintln(w, s)
}

func (h *Harness) echo(s string) {
	if h.toggles.quiet.Load() {
		return
	}
	h.println(h.cfg.Out, s)
}

func (h *Harness) pass(exp *mlprotocol.Expectation) {
	h.results.pass()
	h.cfg.Metrics.RecordExpectation("pass")
	h.log.Debug("harness.expect.passed", "line", exp.Line, "client", exp.Record.ClientName())
}

// fail records a failure. It returns ErrFatal when ERROR_IS_FATAL is on.
func (h *Harness) fail(f Failure) error {
	return h.failAs("fail", f)
}

// failAs is fail with the expectation metric labelled result.
func (h *Harness) failAs(result string, f Failure) error {
	h.results.fail(f)
	h.cfg.Metrics.RecordExpectation(result)
	h.log.Warn("harness.expect.failed", "line", f.Line, "client", f.Client, "reason", f.Reason)

	msg := f.format("FAIL")
	h.println(h.cfg.ErrOut, msg)
	if h.toggles.dup.Load() {
		h.println(h.cfg.Out, msg)
	}
	if h.toggles.fatal.Load() {
		return fmt.Errorf("%w: line %d: %s", ErrFatal, f.Line, f.Reason)
	}
	return nil
}

func (h *Harness) warn(f Failure) {
	h.results.warn(f)
	h.log.Info("harness.response.unexpected", "client", f.Client, "received", f.Received)

	msg := f.format("WARN")
	h.println(h.cfg.ErrOut, msg)
	if h.toggles.dup.Load() {
		h.println(h.cfg.Out, msg)
	}
}

// describe renders an expectation for reports.
func describe(exp *mlprotocol.Expectation) string {
	if exp.Relaxed {
		return "reply to " + exp.Record.ClientName() + " " + mlprotocol.FormatRequest(exp.Record)
	}
	return mlprotocol.FormatWithLead("", exp.Record)
}

// dispatch routes one received response: first to the pending list, then
// to a same-call candidate, and otherwise reports it as unexpected.
func (h *Harness) dispatch(sess *session, rec *mlprotocol.Record) error {
	defer rec.Release()

	h.results.received(len(rec.Original))
	h.cfg.Metrics.RecordResponse(rec.Command.String(), rec.Status.String())
	h.echo(mlprotocol.FormatWithLead("", rec))

	if rec.Command == mlprotocol.CmdAlarm && rec.Status == mlprotocol.StatusOK {
		if rec.Secs > 0 {
			sess.arm(time.Now().Add(time.Duration(rec.Secs) * h.cfg.AlarmUnit))
		} else {
			sess.arm(time.Time{})
		}
	}
	if rec.Command == mlprotocol.CmdQuit && rec.Status == mlprotocol.StatusOK {
		defer h.quit(sess.name)
	}

	defer func() { h.cfg.Metrics.SetPending(h.pending.Len()) }()

	if _, exp, ok := h.pending.TakeMatch(rec); ok {
		h.pass(exp)
		exp.Record.Release()
		return nil
	}

	if _, exp, ok := h.pending.TakeCandidate(rec); ok {
		defer exp.Record.Release()
		return h.fail(Failure{
			Line:     exp.Line,
			Client:   rec.ClientName(),
			Reason:   exp.Check(rec).Error(),
			Expected: describe(exp),
			Received: mlprotocol.FormatWithLead("", rec),
		})
	}

	if sess.wasCanceled(rec) ||
		(rec.Command == mlprotocol.CmdAlarm && rec.Status == mlprotocol.StatusCanceled) {
		h.log.Debug("harness.response.after_alarm", "client", sess.name, "tag", rec.Tag)
		return nil
	}

	f := Failure{
		Client:   rec.ClientName(),
		Reason:   "Unexpected response",
		Received: mlprotocol.FormatWithLead("", rec),
	}
	if h.toggles.strict.Load() {
		return h.fail(f)
	}
	h.warn(f)
	return nil
}

// fireAlarm cancels the oldest pending LOCKW of the session's client and
// checks a synthesized CANCELED reply against it. The alarm interrupts one
// blocked call; later LOCKWs stay pending.
func (h *Harness) fireAlarm(sess *session) error {
	sess.arm(time.Time{})
	h.log.Info("harness.alarm.fired", "client", sess.name)

	var exp *mlprotocol.Expectation
	for _, id := range h.pending.ForClient(sess.name, mlprotocol.CmdLockW) {
		if e, ok := h.pending.Remove(id); ok {
			exp = e
			break
		}
	}
	if exp == nil {
		return nil
	}
	defer h.cfg.Metrics.SetPending(h.pending.Len())
	defer exp.Record.Release()

	synth := exp.Record.Clone()
	defer synth.Release()
	synth.Status = mlprotocol.StatusCanceled
	sess.markCanceled(synth.Tag)
	h.cfg.Metrics.RecordAlarm()

	if err := exp.Check(synth); err != nil {
		return h.fail(Failure{
			Line:     exp.Line,
			Client:   sess.name,
			Reason:   err.Error(),
			Expected: describe(exp),
			Received: mlprotocol.FormatWithLead("", synth),
		})
	}
	h.pass(exp)
	return nil
}
