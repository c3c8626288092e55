package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/archive"
	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

func newEngineStore(t *testing.T) *store.SQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeProvider records every send and rejects recipients listed in fail.
type fakeProvider struct {
	mu    sync.Mutex
	seq   int
	sends []dispatch.SendRequest
	fail  map[string]string // recipient -> rejection detail
}

func (p *fakeProvider) Send(ctx context.Context, req dispatch.SendRequest) (dispatch.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, req)
	if detail, ok := p.fail[req.Recipient]; ok {
		return dispatch.SendResult{Err: true, Detail: detail},
			schema.NewErrorf(schema.ErrCodeDispatch, "send rejected: %s", detail)
	}
	p.seq++
	return dispatch.SendResult{MessageID: fmt.Sprintf("prov-%d", p.seq)}, nil
}

func (p *fakeProvider) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

func (p *fakeProvider) sentRequests() []dispatch.SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dispatch.SendRequest(nil), p.sends...)
}

type failingMetrics struct{}

func (failingMetrics) Fetch(ctx context.Context, param schema.CheckParam, messageID string) (int, error) {
	return 0, errors.New("metrics api down")
}

// testClock is a warpable clock shared by an executor and its test.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UTC().Add(c.offset)
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

type fixtureOptions struct {
	guard   dispatch.GuardConfig
	metrics metrics.Provider
}

type engineFixture struct {
	t        *testing.T
	store    *store.SQLStore
	queue    *queue.Queue
	provider *fakeProvider
	metrics  *metrics.StaticProvider
	clock    *testClock
	exec     *Executor
}

func newFixture(t *testing.T) *engineFixture {
	return newFixtureWith(t, fixtureOptions{})
}

func newFixtureWith(t *testing.T, opts fixtureOptions) *engineFixture {
	t.Helper()
	s := newEngineStore(t)

	// Caps high enough to stay out of the way unless a test lowers them.
	if opts.guard.PerSecond == 0 {
		opts.guard.PerSecond = 1000
	}
	if opts.guard.PerMinute == 0 {
		opts.guard.PerMinute = 100000
	}

	provider := &fakeProvider{fail: map[string]string{}}
	stat := metrics.NewStaticProvider()
	var m metrics.Provider = stat
	if opts.metrics != nil {
		m = opts.metrics
	}
	guard := dispatch.NewGuard(dispatch.NewMemoryCounters(), opts.guard, nil, nil)
	q := queue.NewQueue(s, nil)
	clock := &testClock{}

	exec := NewExecutor(s, s, guard, provider, q, m, ExecutorConfig{}, nil)
	exec.now = clock.now
	t.Cleanup(exec.Shutdown)

	return &engineFixture{
		t:        t,
		store:    s,
		queue:    q,
		provider: provider,
		metrics:  stat,
		clock:    clock,
		exec:     exec,
	}
}

func (f *engineFixture) createFlow(id string, def schema.FlowDefinition) {
	f.t.Helper()
	require.NoError(f.t, f.store.CreateFlow(context.Background(), &store.FlowRecord{
		ID:         id,
		Name:       id,
		Version:    1,
		Definition: def,
	}))
}

// popJob returns the oldest job of the given kind, including ones parked
// behind a backoff delay.
func (f *engineFixture) popJob(kind string) *store.Job {
	f.t.Helper()
	jobs, err := f.store.ListDueJobs(context.Background(), kind, time.Now().UTC().Add(24*time.Hour), 10)
	require.NoError(f.t, err)
	require.NotEmpty(f.t, jobs, "expected a %s job", kind)
	return jobs[0]
}

func (f *engineFixture) getExecution(id string) *store.Execution {
	f.t.Helper()
	exec, err := f.store.GetExecution(context.Background(), id)
	require.NoError(f.t, err)
	return exec
}

func errorCode(err error) string {
	var oerr *schema.OutflowError
	if errors.As(err, &oerr) {
		return oerr.Code
	}
	return ""
}

// outreachFlow is a three-step campaign: intro mail, then a Views > 2
// check one hour later, branching to an engaged follow-up or a cold
// nudge.
func outreachFlow() schema.FlowDefinition {
	return schema.FlowDefinition{
		Stages: []schema.StageNode{
			{ID: "stage-1", Name: "Intro", TemplateRef: "tpl-intro", Subject: "Hello"},
			{ID: "stage-2", Name: "Engaged follow-up", WaitDays: 2, TemplateRef: "tpl-engaged"},
			{ID: "stage-3", Name: "Cold nudge", WaitDays: 1, TemplateRef: "tpl-cold"},
		},
		Conditions: []schema.ConditionNode{{
			ID:              "conditional-1",
			CheckParam:      schema.ParamViews,
			CheckOperator:   ">",
			CheckValue:      json.RawMessage(`2`),
			EvaluationDelay: 60,
		}},
		Branches: []schema.Branch{
			{SourceNodeID: "stage-1", TargetNodeID: "conditional-1"},
			{SourceNodeID: "conditional-1", TargetNodeID: "stage-2", SourceHandle: "yes"},
			{SourceNodeID: "conditional-1", TargetNodeID: "stage-3", SourceHandle: "no"},
		},
	}
}

func singleStageFlow() schema.FlowDefinition {
	return schema.FlowDefinition{
		Stages: []schema.StageNode{{ID: "stage-1", TemplateRef: "tpl-solo"}},
	}
}

func TestStart(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice", "bob"})
	require.NoError(t, err)

	got := f.getExecution(exec.ID)
	assert.Equal(t, schema.ExecutionInProgress, got.State)
	assert.Equal(t, "stage-1", got.NextNodeID)
	require.NotNil(t, got.NextNodeScheduledAt)
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, []string{"alice", "bob"}, got.ContactIDs)

	events, err := f.store.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	_, err := f.exec.Start(ctx, "", []string{"alice"})
	assert.Equal(t, schema.ErrCodeValidation, errorCode(err))

	_, err = f.exec.Start(ctx, "flow-1", nil)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(err))

	_, err = f.exec.Start(ctx, "missing", []string{"alice"})
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(err))
}

func TestSweep_NothingDue(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{}, res)
}

func TestSweep_DispatchesDueStage(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice", "bob"})
	require.NoError(t, err)

	res, err := f.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Due: 1, Advanced: 1}, res)

	// One message per contact, built from the stage definition.
	reqs := f.provider.sentRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "alice", reqs[0].Recipient)
	assert.Equal(t, "bob", reqs[1].Recipient)
	assert.Equal(t, "email", reqs[0].Channel)
	assert.Equal(t, "tpl-intro", reqs[0].TemplateRef)
	assert.Equal(t, "Hello", reqs[0].Subject)
	assert.Equal(t, exec.ID, reqs[0].Metadata["execution_id"])
	assert.Equal(t, "stage-1", reqs[0].Metadata["node_id"])

	rec, err := f.store.GetStageRecord(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordCompleted, rec.State)
	assert.Equal(t, "prov-1", rec.ProviderMessageID)
	assert.JSONEq(t, `{"total":2,"sent":2,"failed":0}`, string(rec.ProviderResponse))
	assert.NotNil(t, rec.CompletedAt)

	msgs, err := f.store.ListMessageRecords(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, schema.MessageSent, m.State)
		assert.NotEmpty(t, m.ProviderMessageID)
	}

	// The walk moved on to the condition, due after its evaluation delay.
	got := f.getExecution(exec.ID)
	assert.Equal(t, schema.ExecutionInProgress, got.State)
	assert.Equal(t, "stage-1", got.CurrentNodeID)
	assert.Equal(t, "conditional-1", got.NextNodeID)
	require.NotNil(t, got.NextNodeScheduledAt)
	assert.WithinDuration(t, f.clock.now().Add(60*time.Minute), *got.NextNodeScheduledAt, 5*time.Second)
}

func TestSweep_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice", "bob"})
	require.NoError(t, err)

	// Sweep 1: intro mail goes out, walk parks on the condition.
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, "conditional-1", f.getExecution(exec.ID).NextNodeID)

	// Sweep 2: the condition comes due and schedules its verification.
	f.clock.advance(61 * time.Minute)
	res, err := f.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Due: 1, Advanced: 1}, res)

	cond, err := f.store.GetConditionRecord(ctx, exec.ID, "conditional-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordExecuting, cond.State)
	assert.Equal(t, "prov-1", cond.SourceMessageID)

	// The walk does not move until the verdict is in.
	assert.Equal(t, "conditional-1", f.getExecution(exec.ID).NextNodeID)

	// The contact viewed the mail three times; the check passes.
	f.metrics.Set("prov-1", schema.ParamViews, 3)
	job := f.popJob(schema.JobKindVerify)
	require.NoError(t, f.exec.HandleVerify(ctx, job))

	cond, err = f.store.GetConditionRecord(ctx, exec.ID, "conditional-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordCompleted, cond.State)
	require.NotNil(t, cond.Result)
	assert.True(t, *cond.Result)
	require.NotNil(t, cond.MetricValue)
	assert.Equal(t, 3, *cond.MetricValue)
	assert.Equal(t, []string{"alice", "bob"}, cond.BranchYes)
	assert.Empty(t, cond.BranchNo)

	got := f.getExecution(exec.ID)
	assert.Equal(t, "conditional-1", got.CurrentNodeID)
	assert.Equal(t, "stage-2", got.NextNodeID)
	require.NotNil(t, got.NextNodeScheduledAt)
	assert.WithinDuration(t, f.clock.now().Add(48*time.Hour), *got.NextNodeScheduledAt, 5*time.Second)

	// Sweep 3: the follow-up dispatches and the flow runs out of edges.
	f.clock.advance(49 * time.Hour)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, f.provider.sendCount())
	got = f.getExecution(exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.State)
	assert.Equal(t, "stage-2", got.CurrentNodeID)
	assert.Empty(t, got.NextNodeID)
	assert.Nil(t, got.NextNodeScheduledAt)
	assert.NotNil(t, got.CompletedAt)

	// The event log replays to the same per-node picture.
	replay, err := store.NewEventLog(f.store).ReplayEvents(ctx, exec.ID)
	require.NoError(t, err)
	require.Contains(t, replay, "stage-1")
	assert.Equal(t, schema.RecordCompleted, replay["stage-1"].State)
	assert.Equal(t, 2, replay["stage-1"].MessagesSent)
	require.Contains(t, replay, "conditional-1")
	require.NotNil(t, replay["conditional-1"].Result)
	assert.True(t, *replay["conditional-1"].Result)
	require.Contains(t, replay, "stage-2")
	assert.Equal(t, 2, replay["stage-2"].MessagesSent)
}

func TestSweep_SkipsSettledRecord(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.sendCount())

	// Rewind the pointer to simulate an overlapping wake-up of a node
	// whose dispatch already settled.
	stage1 := "stage-1"
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, f.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		NextNodeID:          &stage1,
		NextNodeScheduledAt: &past,
	}))

	res, err := f.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advanced)
	assert.Equal(t, 1, f.provider.sendCount(), "re-entry must not dispatch twice")
}

func TestSweep_PartialFailureCompletesStage(t *testing.T) {
	f := newFixture(t)
	f.provider.fail["bob"] = "mailbox full"
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice", "bob"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)

	rec, err := f.store.GetStageRecord(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordCompleted, rec.State)
	assert.Equal(t, "prov-1", rec.ProviderMessageID)
	assert.JSONEq(t, `{"total":2,"sent":1,"failed":1}`, string(rec.ProviderResponse))

	msgs, err := f.store.ListMessageRecords(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	states := map[string]schema.MessageState{}
	for _, m := range msgs {
		states[m.ContactID] = m.State
	}
	assert.Equal(t, schema.MessageSent, states["alice"])
	assert.Equal(t, schema.MessageFailed, states["bob"])
}

func TestSweep_AllSendsFailedStillAdvances(t *testing.T) {
	f := newFixture(t)
	f.provider.fail["alice"] = "mailbox full"
	f.provider.fail["bob"] = "hard bounce"
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice", "bob"})
	require.NoError(t, err)
	res, err := f.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Due: 1, Advanced: 1}, res, "send failures are not execution failures")

	rec, err := f.store.GetStageRecord(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordFailed, rec.State)
	assert.Contains(t, rec.ErrorMessage, "all 2 sends failed")
	assert.Empty(t, rec.ProviderMessageID)

	// The walk still reaches the condition, which has nothing to measure
	// and falls through to the no branch.
	require.Equal(t, "conditional-1", f.getExecution(exec.ID).NextNodeID)
	f.clock.advance(61 * time.Minute)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)

	cond, err := f.store.GetConditionRecord(ctx, exec.ID, "conditional-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordFailed, cond.State)
	assert.Contains(t, cond.ErrorMessage, "no provider message id")
	assert.Equal(t, "stage-3", f.getExecution(exec.ID).NextNodeID)
}

func TestSweep_FailsExecutionOnBrokenGraph(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice"})
	require.NoError(t, err)

	// Replace the flow under the execution's feet with one that no longer
	// contains its next node.
	require.NoError(t, f.store.UpdateFlow(ctx, &store.FlowRecord{
		ID:      "flow-1",
		Name:    "flow-1",
		Version: 2,
		Definition: schema.FlowDefinition{
			Stages: []schema.StageNode{{ID: "other", TemplateRef: "tpl-x"}},
		},
	}))

	res, err := f.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Due: 1, Failed: 1}, res)

	got := f.getExecution(exec.ID)
	assert.Equal(t, schema.ExecutionFailed, got.State)
	assert.Contains(t, got.ErrorMessage, "not in flow")

	events, err := f.store.GetEventsByType(ctx, schema.EventExecutionFailed, store.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDispatch_ThrottleParksAndContinuationResumes(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{
		guard: dispatch.GuardConfig{PerSecond: 2, BackoffBase: time.Second},
	})
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"a", "b", "c"})
	require.NoError(t, err)
	res, err := f.exec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advanced, "a deferral is not a failure")

	// Two sends went through before the cap; the third is parked.
	assert.Equal(t, 2, f.provider.sendCount())
	rec, err := f.store.GetStageRecord(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordExecuting, rec.State)
	assert.Equal(t, 1, rec.Attempt)

	msgs, err := f.store.ListMessageRecords(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	pending := 0
	for _, m := range msgs {
		if m.State == schema.MessagePending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)

	// The branch is unresolved until the continuation lands.
	assert.Equal(t, "stage-1", f.getExecution(exec.ID).NextNodeID)

	job := f.popJob(schema.JobKindDispatch)
	assert.JSONEq(t,
		fmt.Sprintf(`{"execution_id":%q,"node_id":"stage-1","attempt":1}`, exec.ID),
		string(job.Payload))

	deferredEvents, err := f.store.GetEventsByType(ctx, schema.EventDispatchDeferred, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, deferredEvents, 1)

	// Fresh counters stand in for the rate window expiring.
	g2 := dispatch.NewGuard(dispatch.NewMemoryCounters(), dispatch.GuardConfig{PerSecond: 10}, nil, nil)
	exec2 := NewExecutor(f.store, f.store, g2, f.provider, f.queue, f.metrics, ExecutorConfig{}, nil)
	exec2.now = f.clock.now
	t.Cleanup(exec2.Shutdown)

	require.NoError(t, exec2.HandleDispatch(ctx, job))

	assert.Equal(t, 3, f.provider.sendCount())
	rec, err = f.store.GetStageRecord(ctx, exec.ID, "stage-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordCompleted, rec.State)
	assert.JSONEq(t, `{"total":3,"sent":3,"failed":0}`, string(rec.ProviderResponse))
	assert.Equal(t, "conditional-1", f.getExecution(exec.ID).NextNodeID)
}

func TestHandleDispatch_DropsSettledRecord(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.sendCount())

	// A late continuation for a record that already completed.
	payload, _ := json.Marshal(dispatchJob{ExecutionID: exec.ID, NodeID: "stage-1", Attempt: 1})
	require.NoError(t, f.exec.HandleDispatch(ctx, &store.Job{Payload: payload}))
	assert.Equal(t, 1, f.provider.sendCount())
}

func TestHandleDispatch_DropsTerminalExecution(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", singleStageFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, f.getExecution(exec.ID).State)

	payload, _ := json.Marshal(dispatchJob{ExecutionID: exec.ID, NodeID: "stage-1", Attempt: 1})
	require.NoError(t, f.exec.HandleDispatch(ctx, &store.Job{Payload: payload}))
	assert.Equal(t, 1, f.provider.sendCount())
}

func TestHandleVerify_FalseResultTakesNoBranch(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)
	f.clock.advance(61 * time.Minute)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)

	// One view does not clear the Views > 2 bar.
	f.metrics.Set("prov-1", schema.ParamViews, 1)
	require.NoError(t, f.exec.HandleVerify(ctx, f.popJob(schema.JobKindVerify)))

	cond, err := f.store.GetConditionRecord(ctx, exec.ID, "conditional-1")
	require.NoError(t, err)
	require.NotNil(t, cond.Result)
	assert.False(t, *cond.Result)
	assert.Equal(t, []string{"alice"}, cond.BranchNo)
	assert.Empty(t, cond.BranchYes)

	got := f.getExecution(exec.ID)
	assert.Equal(t, "stage-3", got.NextNodeID)
	require.NotNil(t, got.NextNodeScheduledAt)
	assert.WithinDuration(t, f.clock.now().Add(24*time.Hour), *got.NextNodeScheduledAt, 5*time.Second)
}

func TestHandleVerify_MetricFailureTakesNoBranch(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{metrics: failingMetrics{}})
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)
	f.clock.advance(61 * time.Minute)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, f.exec.HandleVerify(ctx, f.popJob(schema.JobKindVerify)))

	cond, err := f.store.GetConditionRecord(ctx, exec.ID, "conditional-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RecordFailed, cond.State)
	assert.Contains(t, cond.ErrorMessage, "metric fetch failed")
	assert.Equal(t, "stage-3", f.getExecution(exec.ID).NextNodeID)
}

func TestHandleVerify_DropsSettledRecord(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)
	f.clock.advance(61 * time.Minute)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)

	f.metrics.Set("prov-1", schema.ParamViews, 5)
	job := f.popJob(schema.JobKindVerify)
	require.NoError(t, f.exec.HandleVerify(ctx, job))
	require.Equal(t, "stage-2", f.getExecution(exec.ID).NextNodeID)

	// A duplicate delivery of the same job is a no-op.
	require.NoError(t, f.exec.HandleVerify(ctx, job))
	assert.Equal(t, "stage-2", f.getExecution(exec.ID).NextNodeID)
}

// recordingArchiver captures archived dispatch records.
type recordingArchiver struct {
	mu      sync.Mutex
	records []archive.Record
}

func (a *recordingArchiver) Archive(ctx context.Context, rec archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func TestDispatch_ArchivesEachSend(t *testing.T) {
	s := newEngineStore(t)
	provider := &fakeProvider{fail: map[string]string{"bob": "hard bounce"}}
	guard := dispatch.NewGuard(dispatch.NewMemoryCounters(), dispatch.GuardConfig{PerSecond: 100}, nil, nil)
	arch := &recordingArchiver{}
	exec := NewExecutor(s, s, guard, provider, queue.NewQueue(s, nil), metrics.NewStaticProvider(), ExecutorConfig{}, nil, arch)
	t.Cleanup(exec.Shutdown)
	ctx := context.Background()

	require.NoError(t, s.CreateFlow(ctx, &store.FlowRecord{ID: "flow-1", Version: 1, Definition: singleStageFlow()}))
	started, err := exec.Start(ctx, "flow-1", []string{"alice", "bob"})
	require.NoError(t, err)
	_, err = exec.Sweep(ctx)
	require.NoError(t, err)

	require.Len(t, arch.records, 2)
	byContact := map[string]archive.Record{}
	for _, r := range arch.records {
		byContact[r.ContactID] = r
	}
	assert.Equal(t, started.ID, byContact["alice"].ExecutionID)
	assert.NotEmpty(t, byContact["alice"].MessageID)
	assert.Empty(t, byContact["alice"].Error)
	assert.Contains(t, byContact["bob"].Error, "hard bounce")
	assert.Empty(t, byContact["bob"].MessageID)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.createFlow("flow-1", outreachFlow())
	ctx := context.Background()

	exec, err := f.exec.Start(ctx, "flow-1", []string{"alice", "bob"})
	require.NoError(t, err)
	_, err = f.exec.Sweep(ctx)
	require.NoError(t, err)

	status, err := f.exec.Status(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, status.Execution.ID)
	require.Len(t, status.Stages, 1)
	assert.Empty(t, status.Conditions)
	assert.Len(t, status.Messages, 2)
	assert.NotEmpty(t, status.Events)

	_, err = f.exec.Status(ctx, "missing")
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(err))
}
