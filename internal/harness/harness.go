package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillsync/internal/optimistic"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/session"
	"github.com/roach88/tillsync/internal/syncerr"
	"github.com/roach88/tillsync/internal/testutil"
)

// waitTimeout bounds every harness wait so a broken scenario fails instead
// of hanging.
const waitTimeout = 5 * time.Second

// Harness executes one scenario against a FakeStore.
type Harness struct {
	scenario *Scenario
	store    *testutil.FakeStore
	manager  *session.Manager
	lists    map[string]*optimistic.Engine[remote.Entity]
	tempKeys *testutil.SequentialIDs
	position optimistic.Position
	logger   *slog.Logger
	result   *Result

	mutCtx    context.Context
	cancelMut context.CancelFunc
	async     []*asyncMutation
}

type asyncMutation struct {
	step     int
	op       string
	expect   string
	done     chan struct{}
	err      error
	reported bool
}

// Run executes a scenario with a background context.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext executes a scenario and returns the result.
//
// Each run gets a fresh FakeStore, session Manager and list engines, and
// temporary keys come from a sequential generator (tmp-1, tmp-2, ...), so
// identical scenarios produce identical traces.
//
// Execution flow:
//  1. Seed the store from scenario.Remote
//  2. Start the Manager and wait for its event subscription
//  3. Execute steps in order, checking expect clauses
//  4. Record the final state and evaluate assertions
//  5. Abort leftover async mutations and stop the Manager
//
// The returned error reports a scenario that could not be executed, such
// as an await that timed out. Failed expectations land in Result.Errors.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := newHarness(scenario)
	h.seed()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- h.manager.Run(runCtx) }()
	defer func() {
		h.manager.Close()
		<-runErr
	}()
	defer h.abortAsync()

	// The barrier is processed by Run, so the subscription is in place.
	if err := h.flush(ctx); err != nil {
		return nil, fmt.Errorf("start session manager: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i+1, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}

	if err := h.flush(ctx); err != nil {
		return nil, fmt.Errorf("final flush: %w", err)
	}
	final := h.manager.Snapshot()
	h.result.Record(TraceEvent{
		Step:    len(scenario.Steps) + 1,
		Op:      "final",
		Session: sessionView(final),
		Lists:   h.allListViews(),
	})

	actx := &AssertionContext{
		Session:  final,
		Lists:    h.listStates(),
		Store:    h.store,
		Outcomes: h.result.Outcomes,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(scenario *Scenario) *Harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.NewFakeStore()
	position, _ := optimistic.ParsePosition(scenario.Options.Rollback)
	mutCtx, cancelMut := context.WithCancel(context.Background())

	opts := []session.Option{session.WithLogger(logger), session.WithFetchTimeout(scenario.Options.FetchTimeout)}
	return &Harness{
		scenario:  scenario,
		store:     store,
		manager:   session.New(store, opts...),
		lists:     make(map[string]*optimistic.Engine[remote.Entity]),
		tempKeys:  testutil.NewSequentialIDs("tmp"),
		position:  position,
		logger:    logger,
		result:    NewResult(),
		mutCtx:    mutCtx,
		cancelMut: cancelMut,
	}
}

// seed installs scenario.Remote into the store.
func (h *Harness) seed() {
	r := h.scenario.Remote
	if r.Session != nil {
		h.store.SetSession(&remote.SessionInfo{Token: r.Session.Token, UserID: r.Session.User})
	}
	for _, u := range r.Users {
		h.store.PutUser(u.ID, u.Role, u.Profile)
	}
	for _, e := range r.Entities {
		h.store.PutEntity(remote.Entity{Kind: e.Kind, ID: e.ID, Fields: cloneFields(e.Fields)})
	}
	for _, gate := range r.Hold {
		h.store.Hold(gate)
	}
	for _, f := range r.Failures {
		h.setFailure(f.Target, f.Kind, f.ID, f.Message, true)
	}
	for _, rj := range r.Rejections {
		h.store.Reject(rj.Kind, rj.ID, rj.Code, rj.Message)
	}
}

func (h *Harness) setFailure(target, kind, id, message string, on bool) {
	var err error
	if on {
		if message == "" {
			message = "unavailable"
		}
		err = errors.New(message)
	}
	switch target {
	case "session":
		h.store.FailSession(err)
	case "entity":
		h.store.FailEntity(kind, id, err)
	case "mutate":
		h.store.FailMutate(kind, id, err)
	}
}

// execute runs one step and records its trace event.
func (h *Harness) execute(ctx context.Context, n int, step Step) error {
	h.logger.Debug("step", "n", n, "op", step.Op)

	switch step.Op {
	case OpInit, OpRetry, OpEvent:
		err := h.trigger(step)
		if ferr := h.flush(ctx); ferr != nil {
			return ferr
		}
		h.settle(n, step, TraceEvent{Step: n, Op: step.Op}, err)

	case OpParallel:
		var g errgroup.Group
		for _, child := range step.Steps {
			child := child
			g.Go(func() error { return h.trigger(child) })
		}
		err := g.Wait()
		if ferr := h.flush(ctx); ferr != nil {
			return ferr
		}
		h.settle(n, step, TraceEvent{Step: n, Op: step.Op}, err)

	case OpHold:
		h.store.Hold(step.Gate)
		h.settle(n, step, TraceEvent{Step: n, Op: step.Op}, nil)

	case OpRelease:
		h.store.Release(step.Gate)
		h.settle(n, step, TraceEvent{Step: n, Op: step.Op}, nil)

	case OpFail, OpHeal:
		h.setFailure(step.Target, step.Kind, step.ID, step.Message, step.Op == OpFail)
		h.settle(n, step, TraceEvent{Step: n, Op: step.Op}, nil)

	case OpAwait:
		return h.await(ctx, n, step)

	case OpLoad:
		eng := h.list(step.Kind)
		eng.Load(h.store.Entities(step.Kind))
		h.settle(n, step, TraceEvent{Step: n, Op: step.Op, Lists: []any{h.listView(step.Kind)}}, nil)

	case OpAdd, OpUpdate, OpRemove:
		if step.Async {
			return h.startAsync(n, step)
		}
		err := h.mutate(ctx, h.list(step.Kind), step)
		h.settle(n, step, TraceEvent{Step: n, Op: step.Op, Lists: []any{h.listView(step.Kind)}}, err)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// settle records ev with err's outcome and checks the expect clause.
func (h *Harness) settle(n int, step Step, ev TraceEvent, err error) {
	ev.Outcome = outcome(err)
	h.result.Outcomes[n] = ev.Outcome
	h.result.Record(ev)
	h.checkExpect(n, step.Op, step.Expect, ev.Outcome)
}

func (h *Harness) checkExpect(n int, op, expect, got string) {
	if expect != "" && expect != got {
		h.result.AddError(fmt.Sprintf("step %d (%s): expected outcome %s, got %s", n, op, expect, got))
	}
}

// trigger fires a session trigger without waiting for it to be applied.
func (h *Harness) trigger(step Step) error {
	switch step.Op {
	case OpInit:
		return h.manager.Init()
	case OpRetry:
		return h.manager.Retry()
	case OpEvent:
		ev := remote.AuthEvent{Kind: remote.EventKind(step.Event)}
		if ev.Kind != remote.EventSignedOut {
			ev.Session = &remote.SessionInfo{Token: step.Token, UserID: step.User}
		}
		h.store.Emit(ev)
		return nil
	default:
		return fmt.Errorf("op %q is not a session trigger", step.Op)
	}
}

func (h *Harness) flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	return h.manager.Flush(ctx)
}

func (h *Harness) await(ctx context.Context, n int, step Step) error {
	ev := TraceEvent{Step: n, Op: step.Op + " " + step.For, Outcome: "ok"}

	switch step.For {
	case AwaitSettled:
		if err := h.flush(ctx); err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, waitTimeout)
		defer cancel()
		if _, err := h.manager.AwaitSettled(wctx); err != nil {
			return fmt.Errorf("session did not settle: %w", err)
		}

	case AwaitGate:
		want := max(step.Count, 1)
		if err := waitFor(ctx, func() bool { return h.store.Waiting(step.Gate) >= want }); err != nil {
			return fmt.Errorf("gate %s never reached %d waiters: %w", step.Gate, want, err)
		}
		if err := h.flush(ctx); err != nil {
			return err
		}

	case AwaitMutations:
		for _, m := range h.async {
			if m.reported {
				continue
			}
			select {
			case <-m.done:
			case <-time.After(waitTimeout):
				return fmt.Errorf("mutation from step %d did not settle", m.step)
			case <-ctx.Done():
				return ctx.Err()
			}
			m.reported = true
			got := outcome(m.err)
			h.result.Outcomes[m.step] = got
			h.result.Record(TraceEvent{Step: m.step, Op: m.op, Outcome: got})
			h.checkExpect(m.step, m.op, m.expect, got)
		}
	}

	ev.Session = sessionView(h.manager.Snapshot())
	ev.Lists = h.allListViews()
	h.result.Outcomes[n] = ev.Outcome
	h.result.Record(ev)
	return nil
}

func (h *Harness) mutate(ctx context.Context, eng *optimistic.Engine[remote.Entity], step Step) error {
	switch step.Op {
	case OpAdd:
		_, err := optimistic.AddEntity(ctx, eng, h.store, remote.Entity{
			Kind:   step.Kind,
			ID:     step.ID,
			Fields: cloneFields(step.Fields),
		})
		return err
	case OpUpdate:
		_, err := optimistic.UpdateEntity(ctx, eng, h.store, step.Kind, step.ID, cloneFields(step.Fields))
		return err
	default:
		return optimistic.RemoveEntity(ctx, eng, h.store, step.Kind, step.ID)
	}
}

// startAsync launches a mutation and returns once it is parked on its
// store gate or has already settled.
func (h *Harness) startAsync(n int, step Step) error {
	gate := testutil.MutateGate(step.Kind, step.ID)
	before := h.store.Waiting(gate)

	eng := h.list(step.Kind)

	m := &asyncMutation{step: n, op: step.Op, expect: step.Expect, done: make(chan struct{})}
	h.async = append(h.async, m)
	go func() {
		defer close(m.done)
		m.err = h.mutate(h.mutCtx, eng, step)
	}()

	parked := func() bool {
		select {
		case <-m.done:
			return true
		default:
			return h.store.Waiting(gate) > before
		}
	}
	if err := waitFor(context.Background(), parked); err != nil {
		return fmt.Errorf("async %s never reached gate %s: %w", step.Op, gate, err)
	}

	ev := TraceEvent{Step: n, Op: step.Op, Lists: []any{h.listView(step.Kind)}}
	select {
	case <-m.done:
		m.reported = true
		ev.Outcome = outcome(m.err)
		h.checkExpect(n, step.Op, step.Expect, ev.Outcome)
	default:
		ev.Outcome = "pending"
	}
	h.result.Outcomes[n] = ev.Outcome
	h.result.Record(ev)
	return nil
}

// abortAsync cancels mutations still parked at the end of a run and waits
// for them to roll back.
func (h *Harness) abortAsync() {
	h.cancelMut()
	for _, m := range h.async {
		<-m.done
	}
}

// list returns the engine for kind, creating it on first use.
func (h *Harness) list(kind string) *optimistic.Engine[remote.Entity] {
	if eng, ok := h.lists[kind]; ok {
		return eng
	}
	eng := optimistic.NewEntityEngine(
		optimistic.WithTempKeys(h.tempKeys.Next),
		optimistic.WithRestorePosition(h.position),
		optimistic.WithTimeout(h.scenario.Options.MutationTimeout),
		optimistic.WithLogger(h.logger),
	)
	h.lists[kind] = eng
	return eng
}

func (h *Harness) kinds() []string {
	kinds := make([]string, 0, len(h.lists))
	for k := range h.lists {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (h *Harness) listStates() map[string]optimistic.ListState[remote.Entity] {
	out := make(map[string]optimistic.ListState[remote.Entity], len(h.lists))
	for kind, eng := range h.lists {
		out[kind] = eng.Snapshot()
	}
	return out
}

func (h *Harness) listView(kind string) any {
	return listView(kind, h.list(kind).Snapshot())
}

func (h *Harness) allListViews() []any {
	kinds := h.kinds()
	if len(kinds) == 0 {
		return nil
	}
	views := make([]any, 0, len(kinds))
	for _, kind := range kinds {
		views = append(views, h.listView(kind))
	}
	return views
}

// sessionView is the trace form of a Session.
func sessionView(s session.Session) map[string]any {
	view := map[string]any{"status": s.Status.String()}
	if s.User != nil {
		view["user"] = s.User.ID
		if s.User.Role != "" {
			view["role"] = s.User.Role
		}
	}
	if s.Token != "" {
		view["token"] = s.Token
	}
	if s.Err != nil {
		view["error"] = outcome(s.Err)
	}
	return view
}

// listView is the trace form of a list snapshot.
func listView(kind string, st optimistic.ListState[remote.Entity]) map[string]any {
	items := make([]any, len(st.Items))
	for i, it := range st.Items {
		item := map[string]any{"key": it.Key}
		if it.Pending {
			item["pending"] = true
		}
		if len(it.Value.Fields) > 0 {
			item["fields"] = cloneFields(it.Value.Fields)
		}
		items[i] = item
	}
	view := map[string]any{"kind": kind, "items": items}
	if len(st.InFlight) > 0 {
		view["in_flight"] = append([]string(nil), st.InFlight...)
	}
	return view
}

// outcome names err for traces and expect clauses: "ok", an error code, or
// ERROR for anything uncoded.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, optimistic.ErrKeyExists):
		return "KEY_EXISTS"
	case errors.Is(err, optimistic.ErrUnknownKey):
		return "UNKNOWN_KEY"
	case errors.Is(err, session.ErrClosed):
		return "CLOSED"
	}
	if code := syncerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// waitFor polls cond until it holds or waitTimeout passes.
func waitFor(ctx context.Context, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
