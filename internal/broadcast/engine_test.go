package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"megaphone/internal/transport"
	"megaphone/pkg/logx"
)

type testEnv struct {
	engine   *Engine
	jobs     *memJobs
	logbook  *memLog
	audience *memAudience
	sender   *fakeSender
}

func newTestEnv(t *testing.T, recipients ...int64) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:     newMemJobs(),
		logbook:  &memLog{},
		audience: newMemAudience(recipients...),
		sender:   newFakeSender(),
	}
	settings := Settings{PaceDelay: 0, SendTimeout: time.Second, FlushEvery: 2}
	env.engine = NewEngine(env.jobs, env.logbook, env.audience, env.sender, settings, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		env.engine.Stop(stopCtx)
	})
	return env
}

func (env *testEnv) create(t *testing.T, req CreateRequest) *Job {
	t.Helper()
	if req.Title == "" {
		req.Title = "release notes"
	}
	if req.Body == "" {
		req.Body = "hello"
	}
	if req.Audience == "" {
		req.Audience = AudienceAll
	}
	j, err := env.engine.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return j
}

func (env *testEnv) waitStatus(t *testing.T, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := env.jobs.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := env.jobs.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s (now %s)", id, want, j.Status)
	return nil
}

func sendErr(f transport.Fault) error {
	return &transport.SendError{Fault: f, Err: errors.New("provider says no")}
}

func TestDispatchMixedOutcomes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1, 2, 3)
	env.sender.errs[2] = sendErr(transport.FaultChatNotFound)
	env.sender.errs[3] = sendErr(transport.FaultTimeout)

	j := env.create(t, CreateRequest{})
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := env.waitStatus(t, j.ID, StatusCompleted)

	if done.SentCount != 1 || done.FailedCount != 1 || done.BlockedCount != 1 {
		t.Fatalf("counters = %d/%d/%d, want 1/1/1", done.SentCount, done.FailedCount, done.BlockedCount)
	}
	if done.TotalRecipients != 3 {
		t.Fatalf("total = %d, want 3", done.TotalRecipients)
	}
	if got := done.SentCount + done.FailedCount + done.BlockedCount; got > done.TotalRecipients {
		t.Fatalf("counter invariant violated: %d > %d", got, done.TotalRecipients)
	}
	if !env.audience.isDisqualified(2) {
		t.Fatal("recipient 2 should be disqualified after chat-not-found")
	}
	if env.audience.isDisqualified(3) {
		t.Fatal("recipient 3 (transient failure) must stay eligible")
	}

	// Disqualification must be visible to the very next resolution.
	ids, err := env.audience.Resolve(context.Background(), AudienceAll, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, id := range ids {
		if id == 2 {
			t.Fatal("disqualified recipient still resolves")
		}
	}

	entries := env.logbook.byJob(j.ID)
	if len(entries) != 3 {
		t.Fatalf("log entries = %d, want 3", len(entries))
	}
	outcomes := map[int64]Outcome{}
	for _, e := range entries {
		outcomes[e.RecipientID] = e.Outcome
	}
	if outcomes[1] != OutcomeDelivered || outcomes[2] != OutcomeBlocked || outcomes[3] != OutcomeFailed {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
}

func TestDispatchEmptyAudience(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t) // nobody registered

	j := env.create(t, CreateRequest{})
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := env.waitStatus(t, j.ID, StatusCompleted)

	if done.SentCount+done.FailedCount+done.BlockedCount != 0 {
		t.Fatalf("expected zero counters, got %d/%d/%d", done.SentCount, done.FailedCount, done.BlockedCount)
	}
	if env.sender.totalCalls() != 0 {
		t.Fatalf("sender was called %d times for an empty audience", env.sender.totalCalls())
	}
	if len(env.logbook.byJob(j.ID)) != 0 {
		t.Fatal("expected zero log entries")
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatal("run timestamps missing")
	}
}

func TestPauseResumeNeverResends(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10, 20, 30, 40)

	j := env.create(t, CreateRequest{})

	// Request pause from inside the first send; the worker sees the flag at
	// the checkpoint before the second one.
	env.sender.onSend = func(to int64) {
		if to == 10 {
			_ = env.engine.PauseDispatch(context.Background(), j.ID)
		}
	}
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	paused := env.waitStatus(t, j.ID, StatusPaused)
	if got := len(env.logbook.byJob(j.ID)); got != 1 {
		t.Fatalf("logged %d entries before pause, want 1", got)
	}
	if paused.SentCount != 1 {
		t.Fatalf("flushed sent = %d, want 1 (pause must flush counters)", paused.SentCount)
	}

	env.sender.onSend = nil
	if err := env.engine.ResumeDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	done := env.waitStatus(t, j.ID, StatusCompleted)

	for _, id := range []int64{10, 20, 30, 40} {
		if n := env.sender.callCount(id); n != 1 {
			t.Fatalf("recipient %d got %d sends, want exactly 1", id, n)
		}
	}
	if done.SentCount != 4 {
		t.Fatalf("sent = %d, want 4", done.SentCount)
	}
	if done.StartedAt == nil || !done.StartedAt.Equal(*paused.StartedAt) {
		t.Fatal("resume must keep the original started_at")
	}
}

func TestResolutionFailureFailsRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	env.audience.resolveErr = errors.New("recipient store down")

	j := env.create(t, CreateRequest{})
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := env.waitStatus(t, j.ID, StatusFailed)
	if done.ErrorMessage == "" {
		t.Fatal("failed job must carry an error message")
	}
	if env.sender.totalCalls() != 0 {
		t.Fatal("no sends expected when resolution fails")
	}
}

func TestSingleRecipientErrorNeverAbortsRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1, 2, 3, 4, 5)
	env.sender.errs[1] = errors.New("raw provider error")
	env.sender.errs[3] = sendErr(transport.FaultFlood)

	j := env.create(t, CreateRequest{})
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := env.waitStatus(t, j.ID, StatusCompleted)
	if done.SentCount != 3 || done.FailedCount != 2 || done.BlockedCount != 0 {
		t.Fatalf("counters = %d/%d/%d, want 3/2/0", done.SentCount, done.FailedCount, done.BlockedCount)
	}
}

func TestCounterFlushFailureIsTolerated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1, 2, 3)
	env.jobs.failFlushes = true

	j := env.create(t, CreateRequest{})
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := env.waitStatus(t, j.ID, StatusCompleted)

	// Stale counters are the accepted degradation; the run itself finishes
	// and the log is complete.
	if done.SentCount != 0 {
		t.Fatalf("persisted sent = %d, want 0 when every flush fails", done.SentCount)
	}
	if got := len(env.logbook.byJob(j.ID)); got != 3 {
		t.Fatalf("log entries = %d, want 3", got)
	}
}

func TestOrphanedSendingJobResumesOnStart(t *testing.T) {
	t.Parallel()
	jobs := newMemJobs()
	logbook := &memLog{}
	aud := newMemAudience(7, 8)
	sender := newFakeSender()

	// A job left in sending by a previous process, with recipient 7 already
	// logged.
	started := time.Now().UTC().Add(-time.Minute)
	seed := &Job{
		ID:        "orphan",
		Title:     "t",
		Body:      "b",
		Audience:  AudienceAll,
		Status:    StatusSending,
		CreatedAt: started,
		StartedAt: &started,
	}
	if err := jobs.Create(context.Background(), seed); err != nil {
		t.Fatal(err)
	}
	if err := logbook.Append(context.Background(), LogEntry{
		BroadcastID: "orphan", RecipientID: 7, Outcome: OutcomeDelivered, CreatedAt: started,
	}); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(jobs, logbook, aud, sender, Settings{SendTimeout: time.Second, FlushEvery: 1}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	env := &testEnv{engine: engine, jobs: jobs, logbook: logbook, audience: aud, sender: sender}
	done := env.waitStatus(t, "orphan", StatusCompleted)

	if n := sender.callCount(7); n != 0 {
		t.Fatalf("already-logged recipient re-sent %d times", n)
	}
	if n := sender.callCount(8); n != 1 {
		t.Fatalf("recipient 8 got %d sends, want 1", n)
	}
	if done.TotalRecipients != 2 {
		t.Fatalf("total = %d, want 2", done.TotalRecipients)
	}
}

func TestStartDispatchGuards(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)

	if err := env.engine.StartDispatch(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	j := env.create(t, CreateRequest{})
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.waitStatus(t, j.ID, StatusCompleted)

	if err := env.engine.StartDispatch(context.Background(), j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("restarting a completed job: err = %v, want ErrInvalidTransition", err)
	}
	if err := env.engine.PauseDispatch(context.Background(), j.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("pausing an idle job: err = %v, want ErrNotRunning", err)
	}
	if err := env.engine.ResumeDispatch(context.Background(), j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resuming a completed job: err = %v, want ErrInvalidTransition", err)
	}
}

func TestDraftPromotion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)

	j := env.create(t, CreateRequest{Draft: true})
	if j.Status != StatusDraft {
		t.Fatalf("status = %s, want draft", j.Status)
	}
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start draft: %v", err)
	}
	env.waitStatus(t, j.ID, StatusCompleted)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing title", CreateRequest{Body: "b", Audience: AudienceAll}},
		{"missing body", CreateRequest{Title: "t", Audience: AudienceAll}},
		{"bad audience", CreateRequest{Title: "t", Body: "b", Audience: "everyone"}},
		{"custom without ids", CreateRequest{Title: "t", Body: "b", Audience: AudienceCustom}},
		{"ids without custom", CreateRequest{Title: "t", Body: "b", Audience: AudienceAll, CustomIDs: []int64{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Create(context.Background(), tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestCustomAudienceDispatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1, 2, 3, 4)

	j := env.create(t, CreateRequest{Audience: AudienceCustom, CustomIDs: []int64{2, 4}})
	if err := env.engine.StartDispatch(context.Background(), j.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := env.waitStatus(t, j.ID, StatusCompleted)
	if done.SentCount != 2 || done.TotalRecipients != 2 {
		t.Fatalf("sent/total = %d/%d, want 2/2", done.SentCount, done.TotalRecipients)
	}
	if env.sender.callCount(1) != 0 || env.sender.callCount(3) != 0 {
		t.Fatal("custom audience must only hit the listed recipients")
	}
}
