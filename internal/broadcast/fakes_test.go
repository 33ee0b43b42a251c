package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"megaphone/internal/transport"
)

// memJobs is an in-memory JobStore with the same guarded-transition
// semantics as the sqlite repository.
type memJobs struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	failFlushes bool
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*Job{}} }

func (m *memJobs) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) List(_ context.Context, limit, offset int) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *memJobs) ListByStatus(_ context.Context, st Status) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.Status == st {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memJobs) SetStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != from {
		return ErrInvalidTransition
	}
	j.Status = to
	return nil
}

func (m *memJobs) MarkSending(_ context.Context, id string, from []Status, startedAt time.Time, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if j.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}
	j.Status = StatusSending
	if j.StartedAt == nil {
		t := startedAt
		j.StartedAt = &t
	}
	j.TotalRecipients = total
	return nil
}

func (m *memJobs) MarkCompleted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusSending {
		return ErrInvalidTransition
	}
	j.Status = StatusCompleted
	t := at
	j.CompletedAt = &t
	return nil
}

func (m *memJobs) MarkFailed(_ context.Context, id string, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrInvalidTransition
	}
	j.Status = StatusFailed
	j.ErrorMessage = errMsg
	t := at
	j.CompletedAt = &t
	return nil
}

func (m *memJobs) AddCounters(_ context.Context, id string, sent, failed, blocked int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFlushes {
		return errContext("simulated flush failure")
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.SentCount += sent
	j.FailedCount += failed
	j.BlockedCount += blocked
	return nil
}

type errContext string

func (e errContext) Error() string { return string(e) }

// memLog is an in-memory DeliveryLog.
type memLog struct {
	mu      sync.Mutex
	entries []LogEntry
	failing bool
}

func (m *memLog) Append(_ context.Context, e LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errContext("simulated log failure")
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLog) LoggedRecipients(_ context.Context, broadcastID string) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]struct{}{}
	for _, e := range m.entries {
		if e.BroadcastID == broadcastID {
			out[e.RecipientID] = struct{}{}
		}
	}
	return out, nil
}

func (m *memLog) List(_ context.Context, broadcastID string, outcome Outcome, limit, offset int) ([]LogEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var match []LogEntry
	for _, e := range m.entries {
		if e.BroadcastID != broadcastID {
			continue
		}
		if outcome != "" && e.Outcome != outcome {
			continue
		}
		match = append(match, e)
	}
	total := len(match)
	if offset >= len(match) {
		return nil, total, nil
	}
	match = match[offset:]
	if limit < len(match) {
		match = match[:limit]
	}
	return match, total, nil
}

func (m *memLog) byJob(broadcastID string) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, e := range m.entries {
		if e.BroadcastID == broadcastID {
			out = append(out, e)
		}
	}
	return out
}

// memAudience is an in-memory AudienceStore honoring disqualification.
type memAudience struct {
	mu           sync.Mutex
	ids          []int64
	disqualified map[int64]struct{}
	resolveErr   error
}

func newMemAudience(ids ...int64) *memAudience {
	return &memAudience{ids: ids, disqualified: map[int64]struct{}{}}
}

func (m *memAudience) Resolve(_ context.Context, spec AudienceSpec, custom []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	src := m.ids
	if spec == AudienceCustom {
		src = custom
	}
	var out []int64
	for _, id := range src {
		if _, bad := m.disqualified[id]; !bad {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memAudience) Count(ctx context.Context, spec AudienceSpec, custom []int64) (int, error) {
	ids, err := m.Resolve(ctx, spec, custom)
	return len(ids), err
}

func (m *memAudience) Disqualify(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disqualified[id] = struct{}{}
	return nil
}

func (m *memAudience) isDisqualified(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.disqualified[id]
	return ok
}

// fakeSender scripts per-recipient send results.
type fakeSender struct {
	mu     sync.Mutex
	errs   map[int64]error
	calls  map[int64]int
	onSend func(to int64)
}

func newFakeSender() *fakeSender {
	return &fakeSender{errs: map[int64]error{}, calls: map[int64]int{}}
}

func (f *fakeSender) send(to int64) error {
	f.mu.Lock()
	f.calls[to]++
	err := f.errs[to]
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(to)
	}
	return err
}

func (f *fakeSender) SendText(_ context.Context, to int64, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	if err := f.send(to); err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to, MessageID: 1}, nil
}

func (f *fakeSender) SendMedia(_ context.Context, to int64, _ string, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.SendText(context.Background(), to, "", nil)
}

func (f *fakeSender) callCount(to int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[to]
}

func (f *fakeSender) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}
