package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"megaphone/internal/transport"
	"megaphone/pkg/logx"
)

// Settings tunes the dispatch loop. All fields can be retuned at runtime via
// Apply; running workers pick the new values up before their next send.
type Settings struct {
	// PaceDelay is the fixed wait between consecutive sends.
	PaceDelay time.Duration
	// SendTimeout bounds a single send call.
	SendTimeout time.Duration
	// FlushEvery is the counter-flush batch size.
	FlushEvery int
}

func (s Settings) withDefaults() Settings {
	if s.PaceDelay < 0 {
		s.PaceDelay = 0
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = 30 * time.Second
	}
	if s.FlushEvery <= 0 {
		s.FlushEvery = 10
	}
	return s
}

// CreateRequest carries the operator input for a new broadcast.
type CreateRequest struct {
	Title     string
	Body      string
	MediaRef  string
	ParseMode string
	Audience  AudienceSpec
	CustomIDs []int64
	// ScheduleAt defers the dispatch start; nil means start manually.
	ScheduleAt *time.Time
	CreatedBy  int64
	// Draft keeps the job in draft until it is started.
	Draft bool
}

// Engine owns every dispatch worker, keyed by job ID. One cooperative worker
// runs per sending job; jobs own disjoint state, so workers need no mutual
// exclusion between each other.
type Engine struct {
	jobs     JobStore
	logbook  DeliveryLog
	audience AudienceStore
	sender   transport.Sender
	clock    clockwork.Clock
	log      logx.Logger

	mu       sync.Mutex
	settings Settings

	runMu   sync.Mutex
	running map[string]*runner
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewEngine(jobs JobStore, logbook DeliveryLog, audience AudienceStore, sender transport.Sender, settings Settings, clock clockwork.Clock, log logx.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		jobs:     jobs,
		logbook:  logbook,
		audience: audience,
		sender:   sender,
		clock:    clock,
		log:      log,
		settings: settings.withDefaults(),
		running:  map[string]*runner{},
	}
}

// Apply retunes the dispatch settings at runtime.
func (e *Engine) Apply(settings Settings) {
	e.mu.Lock()
	e.settings = settings.withDefaults()
	e.mu.Unlock()
	e.log.Debug("dispatch settings applied",
		logx.Duration("pace_delay", settings.PaceDelay),
		logx.Int("flush_every", settings.FlushEvery))
}

func (e *Engine) currentSettings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Start makes the engine accept dispatches and resumes jobs that were left
// in sending with no worker (e.g. after a process restart).
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	if e.started {
		e.runMu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.runMu.Unlock()

	orphans, err := e.jobs.ListByStatus(ctx, StatusSending)
	if err != nil {
		return fmt.Errorf("scan for orphaned broadcasts: %w", err)
	}
	for _, j := range orphans {
		e.log.Info("resuming orphaned broadcast", logx.String("broadcast", j.ID))
		if err := e.spawn(j.ID, []Status{StatusSending}); err != nil {
			e.log.Warn("orphan resume failed", logx.String("broadcast", j.ID), logx.Err(err))
		}
	}
	e.log.Info("engine started", logx.Int("resumed", len(orphans)))
	return nil
}

// Stop cancels all workers and waits for them up to ctx's deadline. Workers
// flush their counters and leave their jobs in sending, so the next Start
// resumes them.
func (e *Engine) Stop(ctx context.Context) {
	e.runMu.Lock()
	if !e.started {
		e.runMu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.runMu.Unlock()

	start := time.Now()
	cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		e.log.Warn("engine stop timed out; workers still draining")
	}
}

// Create persists a new broadcast in draft or pending.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if req.Title == "" {
		return nil, &ValidationError{Reason: "title is required"}
	}
	if req.Body == "" {
		return nil, &ValidationError{Reason: "body is required"}
	}
	spec, err := ParseAudienceSpec(string(req.Audience))
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if spec == AudienceCustom && len(req.CustomIDs) == 0 {
		return nil, &ValidationError{Reason: "custom audience requires recipient ids"}
	}
	if spec != AudienceCustom && len(req.CustomIDs) > 0 {
		return nil, &ValidationError{Reason: "recipient ids are only valid with the custom audience"}
	}

	status := StatusPending
	if req.Draft {
		status = StatusDraft
	}
	j := &Job{
		ID:         uuid.NewString(),
		Title:      req.Title,
		Body:       req.Body,
		MediaRef:   req.MediaRef,
		ParseMode:  req.ParseMode,
		Audience:   spec,
		CustomIDs:  req.CustomIDs,
		Status:     status,
		ScheduleAt: req.ScheduleAt,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  e.clock.Now().UTC(),
	}
	if err := e.jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("persist broadcast: %w", err)
	}
	e.log.Info("broadcast created",
		logx.String("broadcast", j.ID),
		logx.String("audience", string(j.Audience)),
		logx.String("status", string(j.Status)))
	return j, nil
}

// StartDispatch begins (or schedules the worker for) a draft or pending job.
func (e *Engine) StartDispatch(ctx context.Context, id string) error {
	j, err := e.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	switch j.Status {
	case StatusDraft:
		if err := e.jobs.SetStatus(ctx, id, StatusDraft, StatusPending); err != nil {
			return err
		}
	case StatusPending:
	case StatusPaused:
		return fmt.Errorf("%w: paused broadcast must be resumed", ErrInvalidTransition)
	case StatusSending:
		return ErrAlreadyRunning
	default:
		return fmt.Errorf("%w: cannot start a %s broadcast", ErrInvalidTransition, j.Status)
	}
	return e.spawn(id, []Status{StatusPending})
}

// PauseDispatch asks the job's worker to stop at its next checkpoint. The
// status flips to paused once the worker actually parks.
func (e *Engine) PauseDispatch(ctx context.Context, id string) error {
	if _, err := e.jobs.Get(ctx, id); err != nil {
		return err
	}
	e.runMu.Lock()
	r := e.running[id]
	e.runMu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	r.requestPause()
	e.log.Info("pause requested", logx.String("broadcast", id))
	return nil
}

// ResumeDispatch re-enters the dispatch loop from the first not-yet-logged
// recipient of a fresh audience resolution.
func (e *Engine) ResumeDispatch(ctx context.Context, id string) error {
	j, err := e.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != StatusPaused {
		return fmt.Errorf("%w: cannot resume a %s broadcast", ErrInvalidTransition, j.Status)
	}
	return e.spawn(id, []Status{StatusPaused})
}

// Get returns the persisted job.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.jobs.Get(ctx, id)
}

// List returns a page of jobs, newest first, plus the total count.
func (e *Engine) List(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	return e.jobs.List(ctx, limit, offset)
}

// Log returns a page of delivery-log entries, optionally filtered by outcome
// (empty outcome means all).
func (e *Engine) Log(ctx context.Context, id string, outcome Outcome, limit, offset int) ([]LogEntry, int, error) {
	if _, err := e.jobs.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return e.logbook.List(ctx, id, outcome, limit, offset)
}

// Stats derives the live progress view for a job.
func (e *Engine) Stats(ctx context.Context, id string) (Stats, error) {
	j, err := e.jobs.Get(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(j, e.clock.Now()), nil
}

// CountAudience previews the current size of an audience spec.
func (e *Engine) CountAudience(ctx context.Context, spec AudienceSpec, custom []int64) (int, error) {
	return e.audience.Count(ctx, spec, custom)
}

// spawn registers and launches the dispatch worker for a job. from lists the
// states the guarded sending transition may come from.
func (e *Engine) spawn(id string, from []Status) error {
	e.runMu.Lock()
	if !e.started {
		e.runMu.Unlock()
		return fmt.Errorf("engine not started")
	}
	if _, dup := e.running[id]; dup {
		e.runMu.Unlock()
		return ErrAlreadyRunning
	}
	r := &runner{
		e:     e,
		jobID: id,
		from:  from,
		log:   e.log.With(logx.String("broadcast", id)),
	}
	e.running[id] = r
	ctx := e.ctx
	e.runMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.runMu.Lock()
			delete(e.running, id)
			e.runMu.Unlock()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in dispatch worker",
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())))
				r.fail(fmt.Sprintf("dispatch worker panic: %v", rec))
			}
		}()
		r.run(ctx)
	}()
	return nil
}
