package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/dispatch"
	"github.com/no-man-is-an-island/toshtogo/internal/store"
	"github.com/no-man-is-an-island/toshtogo/internal/store/memory"
	"github.com/no-man-is-an-island/toshtogo/shared/logger"
)

// testClock hands out strictly increasing timestamps so job creation
// order is deterministic, and supports explicit jumps for due-time tests.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) Rewind(d time.Duration) {
	c.Advance(-d)
}

func newService(t *testing.T) (*dispatch.Service, *memory.Store, *testClock) {
	t.Helper()
	st := memory.New()
	clock := newTestClock()
	svc := dispatch.New(st, logger.NewDefault().Logger, dispatch.WithClock(clock.Now))
	return svc, st, clock
}

func putJob(t *testing.T, svc *dispatch.Service, jobID uuid.UUID, jobType, body string, deps ...core.JobRequest) {
	t.Helper()
	err := svc.PutJob(context.Background(), jobID, core.JobRequest{
		JobType:      jobType,
		RequestBody:  json.RawMessage(body),
		Dependencies: deps,
	})
	require.NoError(t, err)
}

func claim(t *testing.T, svc *dispatch.Service, jobType string) *core.ContractView {
	t.Helper()
	view, err := svc.RequestWork(context.Background(), uuid.New(), core.WorkFilter{JobType: jobType}, testAgent())
	require.NoError(t, err)
	return view
}

func testAgent() core.AgentDetails {
	return core.AgentDetails{Hostname: "worker-1", SystemName: "crawler", SystemVersion: "0.3.0"}
}

func TestFIFOClaim(t *testing.T) {
	svc, _, _ := newService(t)

	a, b := uuid.New(), uuid.New()
	putJob(t, svc, a, "transcode", `{"n":1}`)
	putJob(t, svc, b, "transcode", `{"n":2}`)

	first := claim(t, svc, "transcode")
	require.NotNil(t, first)
	assert.Equal(t, a, first.JobID)

	second := claim(t, svc, "transcode")
	require.NotNil(t, second)
	assert.Equal(t, b, second.JobID)

	assert.Nil(t, claim(t, svc, "transcode"))
}

func TestSingleClaim(t *testing.T) {
	svc, _, _ := newService(t)

	a := uuid.New()
	putJob(t, svc, a, "transcode", `{}`)

	var wg sync.WaitGroup
	views := make([]*core.ContractView, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = svc.RequestWork(context.Background(), uuid.New(), core.WorkFilter{JobType: "transcode"}, testAgent())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	got := 0
	for _, v := range views {
		if v != nil {
			got++
			assert.Equal(t, a, v.JobID)
		}
	}
	assert.Equal(t, 1, got, "exactly one claimant should win")
}

func TestClaimIsIdempotentOnCommitmentID(t *testing.T) {
	svc, _, _ := newService(t)

	putJob(t, svc, uuid.New(), "transcode", `{}`)

	commitmentID := uuid.New()
	first, err := svc.RequestWork(context.Background(), commitmentID, core.WorkFilter{JobType: "transcode"}, testAgent())
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := svc.RequestWork(context.Background(), commitmentID, core.WorkFilter{JobType: "transcode"}, testAgent())
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ContractID, again.ContractID)
	assert.Equal(t, first.CommitmentID, again.CommitmentID)
}

func TestDependencyRelease(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	parent := uuid.New()
	putJob(t, svc, parent, "merge", `{"out":"all"}`,
		core.JobRequest{JobType: "fetch", RequestBody: json.RawMessage(`{"part":1}`)},
		core.JobRequest{JobType: "fetch", RequestBody: json.RawMessage(`{"part":2}`)},
	)

	// The parent is blocked until both children succeed.
	assert.Nil(t, claim(t, svc, "merge"))

	for _, body := range []string{`{"v":1}`, `{"v":2}`} {
		child := claim(t, svc, "fetch")
		require.NotNil(t, child)
		err := svc.CompleteWork(ctx, child.CommitmentID, core.Success{Body: json.RawMessage(body)})
		require.NoError(t, err)
	}

	released := claim(t, svc, "merge")
	require.NotNil(t, released)
	assert.Equal(t, parent, released.JobID)
	require.Len(t, released.Dependencies, 2)

	results := map[string]bool{}
	for _, dep := range released.Dependencies {
		assert.Equal(t, "fetch", dep.JobType)
		results[string(dep.ResultBody)] = true
	}
	assert.True(t, results[`{"v":1}`])
	assert.True(t, results[`{"v":2}`])
}

func TestAddDependenciesMidExecution(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	parent := uuid.New()
	putJob(t, svc, parent, "plan", `{}`)

	view := claim(t, svc, "plan")
	require.NotNil(t, view)

	err := svc.CompleteWork(ctx, view.CommitmentID, core.AddDependencies{Requests: []core.JobRequest{
		{JobType: "step", RequestBody: json.RawMessage(`{"n":1}`)},
		{JobType: "step", RequestBody: json.RawMessage(`{"n":2}`)},
	}})
	require.NoError(t, err)

	// Parent is blocked again until both new dependencies complete.
	assert.Nil(t, claim(t, svc, "plan"))

	first := claim(t, svc, "step")
	require.NotNil(t, first)
	require.NoError(t, svc.CompleteWork(ctx, first.CommitmentID, core.Success{Body: json.RawMessage(`{"ok":1}`)}))

	assert.Nil(t, claim(t, svc, "plan"), "one dependency still outstanding")

	second := claim(t, svc, "step")
	require.NotNil(t, second)
	require.NoError(t, svc.CompleteWork(ctx, second.CommitmentID, core.Success{Body: json.RawMessage(`{"ok":2}`)}))

	released := claim(t, svc, "plan")
	require.NotNil(t, released)
	assert.Equal(t, parent, released.JobID)
	assert.Len(t, released.Dependencies, 2)
}

func TestPauseCascades(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	parent := uuid.New()
	grandchild := uuid.New()
	putJob(t, svc, parent, "report", `{}`,
		core.JobRequest{JobType: "aggregate", RequestBody: json.RawMessage(`{}`),
			Dependencies: []core.JobRequest{
				{JobID: &grandchild, JobType: "extract", RequestBody: json.RawMessage(`{}`)},
			}},
	)

	require.NoError(t, svc.PauseJob(ctx, parent))

	view, err := svc.GetJob(ctx, grandchild)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeCancelled, view.Outcome)

	for _, jobType := range []string{"report", "aggregate", "extract"} {
		assert.Nil(t, claim(t, svc, jobType), "no work in a paused subtree for %s", jobType)
	}
}

func TestPauseMidRunSignalsCancelThroughHeartbeat(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	jobID := uuid.New()
	putJob(t, svc, jobID, "transcode", `{}`)

	view := claim(t, svc, "transcode")
	require.NotNil(t, view)

	instruction, err := svc.Heartbeat(ctx, view.CommitmentID)
	require.NoError(t, err)
	assert.Equal(t, core.InstructionContinue, instruction)

	require.NoError(t, svc.PauseJob(ctx, jobID))

	instruction, err = svc.Heartbeat(ctx, view.CommitmentID)
	require.NoError(t, err)
	assert.Equal(t, core.InstructionCancel, instruction)

	err = svc.CompleteWork(ctx, view.CommitmentID, core.Success{Body: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, core.ErrStaleCommitment)

	// Acknowledging the pause is fine.
	require.NoError(t, svc.CompleteWork(ctx, view.CommitmentID, core.Cancelled{}))

	got, err := svc.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeCancelled, got.Outcome)
}

func TestTryLaterDefersUntilDue(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()

	putJob(t, svc, uuid.New(), "poll", `{}`)

	view := claim(t, svc, "poll")
	require.NotNil(t, view)

	due := clock.Now().Add(time.Minute)
	err := svc.CompleteWork(ctx, view.CommitmentID, core.TryLater{Due: due, Reason: "upstream rate limited"})
	require.NoError(t, err)

	assert.Nil(t, claim(t, svc, "poll"), "contract not due yet")

	clock.Advance(time.Minute)

	deferred := claim(t, svc, "poll")
	require.NotNil(t, deferred)
	assert.Equal(t, view.JobID, deferred.JobID)
	assert.NotEqual(t, view.ContractID, deferred.ContractID)
}

func TestRetryAfterPause(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	jobID := uuid.New()
	putJob(t, svc, jobID, "transcode", `{}`)

	require.NoError(t, svc.PauseJob(ctx, jobID))
	require.NoError(t, svc.RetryJob(ctx, jobID))

	view, err := svc.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeWaiting, view.Outcome)
	assert.Equal(t, 2, view.ContractNumber)

	work := claim(t, svc, "transcode")
	require.NotNil(t, work)
	require.NoError(t, svc.CompleteWork(ctx, work.CommitmentID, core.Success{Body: json.RawMessage(`{"done":true}`)}))

	view, err = svc.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSuccess, view.Outcome)
	assert.JSONEq(t, `{"done":true}`, string(view.ResultBody))
}

func TestRetrySkipsSuccessfulDescendants(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	parent := uuid.New()
	putJob(t, svc, parent, "merge", `{}`,
		core.JobRequest{JobType: "fetch", RequestBody: json.RawMessage(`{"part":1}`)},
		core.JobRequest{JobType: "fetch", RequestBody: json.RawMessage(`{"part":2}`)},
	)

	// One child succeeds, then the tree is paused.
	done := claim(t, svc, "fetch")
	require.NotNil(t, done)
	require.NoError(t, svc.CompleteWork(ctx, done.CommitmentID, core.Success{Body: json.RawMessage(`{"v":1}`)}))

	require.NoError(t, svc.PauseJob(ctx, parent))
	require.NoError(t, svc.RetryJob(ctx, parent))

	// Only the unfinished child is re-issued.
	second := claim(t, svc, "fetch")
	require.NotNil(t, second)
	assert.NotEqual(t, done.JobID, second.JobID)
	assert.Nil(t, claim(t, svc, "fetch"))

	require.NoError(t, svc.CompleteWork(ctx, second.CommitmentID, core.Success{Body: json.RawMessage(`{"v":2}`)}))

	released := claim(t, svc, "merge")
	require.NotNil(t, released)
	assert.Equal(t, parent, released.JobID)
}

func TestPutJobIdempotency(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	jobID := uuid.New()
	putJob(t, svc, jobID, "transcode", `{"src":"a.mp4","bitrate":320}`)

	// Identical body, different key order: no-op success.
	err := svc.PutJob(ctx, jobID, core.JobRequest{
		JobType:     "transcode",
		RequestBody: json.RawMessage(`{"bitrate":320,"src":"a.mp4"}`),
	})
	require.NoError(t, err)

	// Divergent body: conflict.
	err = svc.PutJob(ctx, jobID, core.JobRequest{
		JobType:     "transcode",
		RequestBody: json.RawMessage(`{"src":"b.mp4","bitrate":320}`),
	})
	assert.ErrorIs(t, err, core.ErrConflict)

	// Still exactly one claimable contract.
	require.NotNil(t, claim(t, svc, "transcode"))
	assert.Nil(t, claim(t, svc, "transcode"))
}

func TestPutJobValidation(t *testing.T) {
	svc, _, _ := newService(t)

	err := svc.PutJob(context.Background(), uuid.New(), core.JobRequest{RequestBody: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, core.ErrInvalidJobRequest)
}

func TestDependencyOnExistingJob(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	shared := uuid.New()
	putJob(t, svc, shared, "fetch", `{"url":"http://example.com"}`)

	done := claim(t, svc, "fetch")
	require.NotNil(t, done)
	require.NoError(t, svc.CompleteWork(ctx, done.CommitmentID, core.Success{Body: json.RawMessage(`{"bytes":42}`)}))

	// A new parent referencing the already-successful job is immediately
	// claimable, with the dependency result resolved in its view.
	parent := uuid.New()
	putJob(t, svc, parent, "merge", `{}`, core.JobRequest{JobID: &shared})

	view := claim(t, svc, "merge")
	require.NotNil(t, view)
	assert.Equal(t, parent, view.JobID)
	require.Len(t, view.Dependencies, 1)
	assert.JSONEq(t, `{"bytes":42}`, string(view.Dependencies[0].ResultBody))
}

func TestHeartbeatIsMonotone(t *testing.T) {
	svc, st, clock := newService(t)
	ctx := context.Background()

	putJob(t, svc, uuid.New(), "transcode", `{}`)
	view := claim(t, svc, "transcode")
	require.NotNil(t, view)

	clock.Advance(10 * time.Second)
	_, err := svc.Heartbeat(ctx, view.CommitmentID)
	require.NoError(t, err)
	first := lastHeartbeat(t, st, view.CommitmentID)

	// A clock that stepped backwards must not regress the stored value.
	clock.Rewind(30 * time.Second)
	_, err = svc.Heartbeat(ctx, view.CommitmentID)
	require.NoError(t, err)
	assert.Equal(t, first, lastHeartbeat(t, st, view.CommitmentID))

	clock.Advance(time.Minute)
	_, err = svc.Heartbeat(ctx, view.CommitmentID)
	require.NoError(t, err)
	assert.True(t, lastHeartbeat(t, st, view.CommitmentID).After(first))
}

func lastHeartbeat(t *testing.T, st store.Store, commitmentID uuid.UUID) time.Time {
	t.Helper()
	var ts time.Time
	err := st.Atomic(context.Background(), func(tx store.Tx) error {
		cm, err := tx.GetCommitment(context.Background(), commitmentID)
		if err != nil {
			return err
		}
		ts = cm.LastHeartbeat
		return nil
	})
	require.NoError(t, err)
	return ts
}

func TestHeartbeatUnknownCommitment(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Heartbeat(context.Background(), uuid.New())
	assert.ErrorIs(t, err, core.ErrCommitmentNotFound)
}

func TestCompleteWorkOnFinishedContractIsStale(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	putJob(t, svc, uuid.New(), "transcode", `{}`)
	view := claim(t, svc, "transcode")
	require.NotNil(t, view)

	require.NoError(t, svc.CompleteWork(ctx, view.CommitmentID, core.Success{Body: json.RawMessage(`{}`)}))

	err := svc.CompleteWork(ctx, view.CommitmentID, core.Errored{Message: "too late"})
	assert.ErrorIs(t, err, core.ErrStaleCommitment)

	_, err = svc.Heartbeat(ctx, view.CommitmentID)
	assert.ErrorIs(t, err, core.ErrStaleCommitment)
}

func TestTagFiltering(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	tagged := uuid.New()
	err := svc.PutJob(ctx, tagged, core.JobRequest{
		JobType:     "render",
		RequestBody: json.RawMessage(`{}`),
		Tags:        []string{"gpu", "eu-west"},
	})
	require.NoError(t, err)

	view, err := svc.RequestWork(ctx, uuid.New(), core.WorkFilter{JobType: "render", Tags: []string{"gpu", "us-east"}}, testAgent())
	require.NoError(t, err)
	assert.Nil(t, view, "job does not carry us-east")

	view, err = svc.RequestWork(ctx, uuid.New(), core.WorkFilter{JobType: "render", Tags: []string{"gpu"}}, testAgent())
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, tagged, view.JobID)
}

func TestAgentUpsertIsIdempotent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	putJob(t, svc, uuid.New(), "a", `{}`)
	putJob(t, svc, uuid.New(), "b", `{}`)

	_, err := svc.RequestWork(ctx, uuid.New(), core.WorkFilter{JobType: "a"}, testAgent())
	require.NoError(t, err)
	_, err = svc.RequestWork(ctx, uuid.New(), core.WorkFilter{JobType: "b"}, testAgent())
	require.NoError(t, err)

	agents, err := svc.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "worker-1", agents[0].Hostname)
}

func TestReapSilentCommitments(t *testing.T) {
	svc, _, clock := newService(t)
	ctx := context.Background()

	jobID := uuid.New()
	putJob(t, svc, jobID, "transcode", `{}`)
	view := claim(t, svc, "transcode")
	require.NotNil(t, view)

	// Within the threshold nothing is reaped.
	reaped, err := svc.ReapSilentCommitments(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	clock.Advance(2 * time.Hour)
	reaped, err = svc.ReapSilentCommitments(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := svc.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeError, got.Outcome)
	assert.Contains(t, got.Error, "no heartbeat since")
}

func TestListJobs(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id := uuid.New()
		ids = append(ids, id)
		putJob(t, svc, id, "transcode", `{"n":`+string(rune('0'+i))+`}`)
	}

	page, err := svc.ListJobs(ctx, store.JobFilter{JobType: "transcode", PageSize: 3})
	require.NoError(t, err)
	// One extra row signals a further page.
	require.Len(t, page, 4)
	assert.Equal(t, ids[4], page[0].JobID, "newest first")

	rest, err := svc.ListJobs(ctx, store.JobFilter{
		JobType:  "transcode",
		PageSize: 3,
		Cursor:   &store.JobCursor{CreatedAt: page[2].CreatedAt, JobID: page[2].JobID},
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[1], rest[0].JobID)

	none, err := svc.ListJobs(ctx, store.JobFilter{Outcome: core.OutcomeSuccess, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetJobUnknown(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	st := memory.New()
	clock := newTestClock()
	pub := &capturePublisher{}
	svc := dispatch.New(st, logger.NewDefault().Logger, dispatch.WithClock(clock.Now), dispatch.WithPublisher(pub))
	ctx := context.Background()

	jobID := uuid.New()
	require.NoError(t, svc.PutJob(ctx, jobID, core.JobRequest{JobType: "transcode", RequestBody: json.RawMessage(`{}`)}))

	view, err := svc.RequestWork(ctx, uuid.New(), core.WorkFilter{JobType: "transcode"}, testAgent())
	require.NoError(t, err)
	require.NotNil(t, view)
	require.NoError(t, svc.CompleteWork(ctx, view.CommitmentID, core.Success{Body: json.RawMessage(`{}`)}))

	kinds := pub.kinds()
	assert.Equal(t, []string{
		dispatch.EventJobCreated,
		dispatch.EventContractClaimed,
		dispatch.EventContractCompleted,
	}, kinds)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (p *capturePublisher) Publish(_ context.Context, event dispatch.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]string, len(p.events))
	for i, ev := range p.events {
		kinds[i] = ev.Kind
	}
	return kinds
}
