package broadcast

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"megaphone/internal/transport"
	"megaphone/pkg/logx"
)

// runner is the cooperative dispatch worker for one broadcast job. It is the
// job's single writer while the job is sending.
type runner struct {
	e     *Engine
	jobID string
	from  []Status
	log   logx.Logger

	pause atomic.Bool

	// counters accumulated since the last successful flush
	pendSent, pendFailed, pendBlocked int
}

func (r *runner) requestPause() { r.pause.Store(true) }

// persistCtx returns a short-lived background context for status/counter
// writes, so a cancelled run context cannot lose the final flush.
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (r *runner) run(ctx context.Context) {
	e := r.e
	start := time.Now()

	job, err := e.jobs.Get(ctx, r.jobID)
	if err != nil {
		r.log.Error("load broadcast", logx.Err(err))
		return
	}

	// Resolution happens now, not at creation time, so disqualifications and
	// audience churn since then are reflected.
	resolved, err := e.audience.Resolve(ctx, job.Audience, job.CustomIDs)
	if err != nil {
		r.log.Error("audience resolution failed", logx.Err(err))
		r.fail("resolve audience: " + err.Error())
		return
	}

	// Already-logged recipients are the resume cursor: they are skipped on
	// this pass so a pause/resume or restart never re-sends.
	logged, err := e.logbook.LoggedRecipients(ctx, r.jobID)
	if err != nil {
		r.log.Error("load delivery log", logx.Err(err))
		r.fail("load delivery log: " + err.Error())
		return
	}

	total := runTotal(resolved, logged)
	now := e.clock.Now().UTC()
	if err := e.jobs.MarkSending(ctx, r.jobID, r.from, now, total); err != nil {
		r.log.Error("enter sending", logx.Err(err))
		return
	}
	r.log.Info("dispatch started",
		logx.String("audience", string(job.Audience)),
		logx.Int("resolved", len(resolved)),
		logx.Int("already_logged", len(logged)))

	settings := e.currentSettings()
	limiter := paceLimiter(settings.PaceDelay)
	lastPace := settings.PaceDelay

	for _, rid := range resolved {
		if _, done := logged[rid]; done {
			continue
		}

		// Checkpoint: the pause/cancel flag is only consulted here, never
		// mid-send.
		if ctx.Err() != nil {
			r.flush()
			r.log.Info("dispatch interrupted; will resume on next start")
			return
		}
		if r.pause.Load() {
			r.park()
			return
		}

		settings = e.currentSettings()
		if settings.PaceDelay != lastPace {
			limiter = paceLimiter(settings.PaceDelay)
			lastPace = settings.PaceDelay
		}
		if err := limiter.Wait(ctx); err != nil {
			r.flush()
			return
		}

		outcome, detail, aborted := r.sendOne(ctx, job, rid, settings.SendTimeout)
		if aborted {
			r.flush()
			return
		}

		if outcome == OutcomeBlocked {
			// Permanently unreachable: exclude from every future resolution.
			if err := e.audience.Disqualify(ctx, rid); err != nil {
				r.log.Warn("disqualify failed", logx.Int64("recipient", rid), logx.Err(err))
			}
		}

		// Log writes are best-effort; a dropped entry must not abort the run.
		entry := LogEntry{
			BroadcastID: r.jobID,
			RecipientID: rid,
			Outcome:     outcome,
			Message:     job.Title,
			ErrorDetail: detail,
			CreatedAt:   e.clock.Now().UTC(),
		}
		if err := e.logbook.Append(ctx, entry); err != nil {
			r.log.Warn("delivery log append failed", logx.Int64("recipient", rid), logx.Err(err))
		}

		switch outcome {
		case OutcomeDelivered:
			r.pendSent++
		case OutcomeBlocked:
			r.pendBlocked++
		default:
			r.pendFailed++
		}
		if r.pendSent+r.pendFailed+r.pendBlocked >= settings.FlushEvery {
			r.flush()
		}
	}

	r.flush()
	pctx, cancel := persistCtx()
	defer cancel()
	if err := e.jobs.MarkCompleted(pctx, r.jobID, e.clock.Now().UTC()); err != nil {
		r.log.Error("mark completed", logx.Err(err))
		return
	}
	r.log.Info("dispatch finished", logx.Int("total", total), logx.Duration("dur", time.Since(start)))
}

// sendOne performs a single bounded send and classifies the result. aborted
// is true when the run context was cancelled mid-send; that attempt is not
// recorded and the recipient stays unlogged for the resume pass.
func (r *runner) sendOne(ctx context.Context, job *Job, rid int64, timeout time.Duration) (out Outcome, detail string, aborted bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opt := &transport.SendOptions{ParseMode: job.ParseMode}
	var err error
	if job.MediaRef != "" {
		_, err = r.e.sender.SendMedia(cctx, rid, job.MediaRef, job.Body, opt)
	} else {
		_, err = r.e.sender.SendText(cctx, rid, job.Body, opt)
	}

	if err != nil && ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return "", "", true
	}
	if err != nil {
		detail = err.Error()
		if se, ok := transport.AsSendError(err); ok && se.Fault == transport.FaultFlood {
			r.log.Warn("platform flood pushback",
				logx.Int64("recipient", rid),
				logx.Duration("retry_after", se.RetryAfter))
		}
	}
	return Classify(err), detail, false
}

// flush persists the accumulated counters. On failure the pending values are
// kept so the next flush (or the final one) retries them; stale persisted
// counters are the accepted degradation.
func (r *runner) flush() {
	if r.pendSent+r.pendFailed+r.pendBlocked == 0 {
		return
	}
	pctx, cancel := persistCtx()
	defer cancel()
	if err := r.e.jobs.AddCounters(pctx, r.jobID, r.pendSent, r.pendFailed, r.pendBlocked); err != nil {
		r.log.Warn("counter flush failed; will retry", logx.Err(err))
		return
	}
	r.pendSent, r.pendFailed, r.pendBlocked = 0, 0, 0
}

// park flushes and moves the job to paused after a pause request.
func (r *runner) park() {
	r.flush()
	pctx, cancel := persistCtx()
	defer cancel()
	if err := r.e.jobs.SetStatus(pctx, r.jobID, StatusSending, StatusPaused); err != nil {
		r.log.Error("mark paused", logx.Err(err))
		return
	}
	r.log.Info("dispatch paused")
}

// fail flushes and moves the job to failed with an operator-visible message.
func (r *runner) fail(msg string) {
	r.flush()
	pctx, cancel := persistCtx()
	defer cancel()
	if err := r.e.jobs.MarkFailed(pctx, r.jobID, msg, r.e.clock.Now().UTC()); err != nil {
		r.log.Error("mark failed", logx.Err(err))
	}
}

// runTotal is the resolved audience size recorded at run start. Recipients
// logged on an earlier pass but absent from the current resolution still
// count, which keeps sent+failed+blocked <= total across pause/resume.
func runTotal(resolved []int64, logged map[int64]struct{}) int {
	total := len(resolved)
	if len(logged) == 0 {
		return total
	}
	seen := make(map[int64]struct{}, len(resolved))
	for _, id := range resolved {
		seen[id] = struct{}{}
	}
	for id := range logged {
		if _, ok := seen[id]; !ok {
			total++
		}
	}
	return total
}

// paceLimiter converts the fixed inter-send delay into a limiter. Zero delay
// disables pacing.
func paceLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}
