package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multilock/multilock/mlprotocol"
)

// actor executes a list of steps. The root script and every FORK block
// run on their own actor.
type actor struct {
	h      *Harness
	name   string
	parser *mlprotocol.Parser

	children *errgroup.Group
	childCtx context.Context
	forks    int
}

func (h *Harness) newActor(name string) *actor {
	return &actor{h: h, name: name, parser: mlprotocol.NewParser(h.tags)}
}

// run executes steps and then waits for any actors they forked.
func (a *actor) run(ctx context.Context, steps []Step) error {
	if a.children == nil {
		a.children, a.childCtx = errgroup.WithContext(ctx)
	}
	err := a.runSteps(ctx, steps)
	if werr := a.wait(ctx); err == nil {
		err = werr
	}
	return err
}

func (a *actor) runSteps(ctx context.Context, steps []Step) error {
	for i := 0; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := steps[i]

		var err error
		switch step.Kind {
		case StepRequest:
			var next *Step
			if !a.h.cfg.Interactive && i+1 < len(steps) &&
				steps[i+1].Kind == StepExpect && steps[i+1].Client == step.Client {
				next = &steps[i+1]
			}
			var consumed bool
			consumed, err = a.request(ctx, step, next)
			if consumed {
				i++
			}
		case StepExpect:
			err = a.expect(ctx, []Step{step})
		case StepGroup:
			err = a.expect(ctx, step.Steps)
		case StepClient:
			err = a.bootstrap(ctx, step)
		case StepFork:
			a.fork(step)
		case StepWait:
			err = a.wait(ctx)
		case StepSleep:
			err = a.sleep(ctx, step.Sleep)
		case StepToggle:
			a.h.setToggle(step.Toggle, step.On)
		case StepQuit:
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *actor) fork(step Step) {
	a.forks++
	child := a.h.newActor(fmt.Sprintf("%s.%d", a.name, a.forks))
	ctx := a.childCtx
	a.h.log.Debug("harness.fork", "actor", child.name, "line", step.Line)
	a.children.Go(func() error {
		return child.run(ctx, step.Steps)
	})
}

// wait joins the actors forked so far.
func (a *actor) wait(ctx context.Context) error {
	if a.children == nil {
		return nil
	}
	err := a.children.Wait()
	a.children, a.childCtx = errgroup.WithContext(ctx)
	return err
}

func (a *actor) sleep(ctx context.Context, d time.Duration) error {
	d = time.Duration(float64(d) / float64(time.Second) * float64(a.h.cfg.AlarmUnit))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookup resolves a client by name, reporting a miss as a failure. The
// returned client carries a reference the caller must release.
func (a *actor) lookup(step Step) (*mlprotocol.Client, error) {
	c, err := a.h.registry.Lookup(step.Client)
	if err != nil {
		return nil, a.h.fail(Failure{
			Line:   step.Line,
			Client: step.Client,
			Reason: fmt.Sprintf("%v %s", err, step.Client),
		})
	}
	return c, nil
}

func (a *actor) parseFailure(step Step, err error) error {
	return a.h.fail(Failure{
		Line:     step.Line,
		Client:   step.Client,
		Reason:   err.Error(),
		Received: step.Client + " " + step.Text,
	})
}

// bootstrap creates a client, connects it and exchanges HELLO.
func (a *actor) bootstrap(ctx context.Context, step Step) error {
	h := a.h
	c, created, err := h.registry.Resolve(step.Client, true)
	if err != nil {
		return a.parseFailure(step, err)
	}
	if !created {
		c.Release()
		return h.fail(Failure{Line: step.Line, Client: step.Client, Reason: "client " + step.Client + " already exists"})
	}
	sess := &session{name: step.Client, client: c}

	if h.cfg.Syntax {
		h.addSession(sess)
		h.echo("CLIENT " + step.Client + " " + step.Text)
		return nil
	}

	t, err := h.cfg.Dialer(ctx, step.Text)
	if err != nil {
		c.Release()
		return h.fail(Failure{Line: step.Line, Client: step.Client, Reason: err.Error()})
	}
	c.SetTransport(t)
	h.addSession(sess)
	h.cfg.Metrics.ClientConnected()
	h.log.Info("harness.client.connected", "client", step.Client, "target", step.Text)

	hello := mlprotocol.NewRecord()
	hello.Tag = a.parser.Mint(step.Line)
	hello.Command = mlprotocol.CmdHello
	hello.Data = step.Client
	hello.Attach(c)
	defer hello.Release()

	want := hello.Clone()
	want.Status = mlprotocol.StatusOK
	exp := &mlprotocol.Expectation{Record: want, Line: step.Line}
	return a.send(ctx, sess, step, hello, exp)
}

// request sends a scripted request. When next is an EXPECT for the same
// client it becomes the request's declared expectation and consumed is
// true, even when the request itself cannot be sent.
func (a *actor) request(ctx context.Context, step Step, next *Step) (consumed bool, err error) {
	h := a.h
	c, err := a.lookup(step)
	if c == nil {
		return next != nil, err
	}

	a.parser.Line = step.Line
	req, perr := a.parser.ParseRequest(step.Text)
	if perr != nil {
		c.Release()
		return next != nil, a.parseFailure(step, perr)
	}
	req.Attach(c)
	c.Release()
	defer req.Release()

	var exp *mlprotocol.Expectation
	if next != nil {
		consumed = true
		a.parser.Line = next.Line
		want, perr := a.parser.ParseResponse(next.Text)
		if perr != nil {
			return consumed, a.parseFailure(*next, perr)
		}
		want.Attach(req.Client)
		exp = &mlprotocol.Expectation{Record: want, Line: next.Line}
	} else {
		exp = &mlprotocol.Expectation{Record: req.Clone(), Relaxed: true, Line: step.Line}
	}

	if h.cfg.Syntax {
		h.echo(step.Client + " " + mlprotocol.FormatRequest(req))
		if !exp.Relaxed {
			h.echo("EXPECT " + mlprotocol.FormatWithLead("", exp.Record))
		}
		exp.Record.Release()
		return consumed, nil
	}

	sess := h.session(step.Client)
	if sess == nil {
		exp.Record.Release()
		return consumed, h.fail(Failure{Line: step.Line, Client: step.Client, Reason: "client " + step.Client + " is not connected"})
	}
	return consumed, a.send(ctx, sess, step, req, exp)
}

// send writes req and registers exp. Unless req is a LOCKW, it then waits
// for exp to be resolved.
func (a *actor) send(ctx context.Context, sess *session, step Step, req *mlprotocol.Record, exp *mlprotocol.Expectation) error {
	h := a.h
	t := sess.transport()
	if t == nil {
		exp.Record.Release()
		return h.fail(Failure{Line: step.Line, Client: sess.name, Reason: mlprotocol.ErrNotConnected.Error()})
	}

	line := mlprotocol.FormatRequest(req)
	if err := t.WriteLine(line); err != nil {
		exp.Record.Release()
		return h.fail(Failure{Line: step.Line, Client: sess.name, Reason: err.Error(), Expected: describe(exp)})
	}
	h.results.sent(len(line) + 1)
	h.cfg.Metrics.RecordRequest(req.Command.String())
	h.log.Debug("harness.request.sent", "actor", a.name, "client", sess.name, "line", line)

	id := h.addPending(exp)
	if req.Command.IsBlocking() {
		return nil
	}

	start := time.Now()
	err := a.await(ctx, sess, id)
	h.cfg.Metrics.ObserveResponse(req.Command.String(), time.Since(start).Seconds())
	return err
}

// expect registers standalone expectations, replacing pending entries for
// the same call, and waits until all of them are resolved.
func (a *actor) expect(ctx context.Context, steps []Step) error {
	h := a.h
	type waiter struct {
		id   mlprotocol.ExpectationID
		sess *session
	}
	var waiters []waiter

	for _, step := range steps {
		c, err := a.lookup(step)
		if c == nil {
			if err != nil {
				return err
			}
			continue
		}
		a.parser.Line = step.Line
		want, perr := a.parser.ParseResponse(step.Text)
		if perr != nil {
			c.Release()
			if err := a.parseFailure(step, perr); err != nil {
				return err
			}
			continue
		}
		want.Attach(c)
		c.Release()

		if h.cfg.Syntax {
			h.echo("EXPECT " + mlprotocol.FormatWithLead("", want))
			want.Release()
			continue
		}

		sess := h.session(step.Client)
		if sess == nil {
			want.Release()
			if err := h.fail(Failure{Line: step.Line, Client: step.Client, Reason: "client " + step.Client + " is not connected"}); err != nil {
				return err
			}
			continue
		}

		id, old := h.pending.Upsert(&mlprotocol.Expectation{Record: want, Line: step.Line})
		if old != nil {
			old.Record.Release()
		}
		h.cfg.Metrics.SetPending(h.pending.Len())
		waiters = append(waiters, waiter{id, sess})
	}

	for _, w := range waiters {
		if err := a.await(ctx, w.sess, w.id); err != nil {
			return err
		}
	}
	return nil
}

// await reads the session's stream until the pending entry id is gone.
func (a *actor) await(ctx context.Context, sess *session, id mlprotocol.ExpectationID) error {
	h := a.h
	resolved := func() bool { return !h.pending.Contains(id) }

	for {
		rec, err := a.readResponse(ctx, sess, resolved)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, ErrFatal) {
				return err
			}
			exp, ok := h.pending.Remove(id)
			if !ok {
				return nil
			}
			defer exp.Record.Release()
			h.cfg.Metrics.SetPending(h.pending.Len())
			return h.fail(Failure{
				Line:     exp.Line,
				Client:   sess.name,
				Reason:   readFailure(sess.name, err),
				Expected: describe(exp),
			})
		}
		if rec == nil {
			return nil
		}
		if err := h.dispatch(sess, rec); err != nil {
			return err
		}
	}
}

func readFailure(client string, err error) string {
	switch {
	case errors.Is(err, errResponseTimeout):
		return err.Error()
	case errors.Is(err, mlprotocol.ErrNotConnected):
		return "client " + client + " is not connected"
	}
	return "client " + client + " disconnected: " + err.Error()
}

// readResponse reads and parses the next response from the session's
// stream. It returns nil, nil when done reports true before a read starts.
// Once the session's ALARM deadline has passed, before or during a read,
// the alarm fires and reading goes on.
func (a *actor) readResponse(ctx context.Context, sess *session, done func() bool) (*mlprotocol.Record, error) {
	h := a.h
	sess.readMu.Lock()
	defer sess.readMu.Unlock()

	for {
		if done() {
			return nil, nil
		}
		t := sess.transport()
		if t == nil {
			return nil, mlprotocol.ErrNotConnected
		}

		alarmAt := sess.deadline()
		if !alarmAt.IsZero() && !time.Now().Before(alarmAt) {
			if err := h.fireAlarm(sess); err != nil {
				return nil, err
			}
			continue
		}
		deadline := alarmAt
		if h.cfg.ResponseTimeout > 0 {
			timeoutAt := time.Now().Add(h.cfg.ResponseTimeout)
			if deadline.IsZero() || timeoutAt.Before(deadline) {
				deadline = timeoutAt
			}
		}

		rctx, cancel := ctx, context.CancelFunc(func() {})
		if !deadline.IsZero() {
			rctx, cancel = context.WithDeadline(ctx, deadline)
		}
		line, err := t.ReadLine(rctx)
		cancel()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !alarmAt.IsZero() && !time.Now().Before(alarmAt) {
				if err := h.fireAlarm(sess); err != nil {
					return nil, err
				}
				continue
			}
			return nil, errResponseTimeout
		}

		rec, perr := a.parser.ParseResponse(line)
		if perr != nil {
			rec.Release()
			h.results.received(len(line))
			if err := h.fail(Failure{
				Client:   sess.name,
				Reason:   "Unparsable response: " + perr.Error(),
				Received: sess.name + " " + line,
			}); err != nil {
				return nil, err
			}
			continue
		}

		sess.mu.Lock()
		c := sess.client
		sess.mu.Unlock()
		rec.Attach(c)
		return rec, nil
	}
}
