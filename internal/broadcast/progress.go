package broadcast

import "time"

// Stats is the read-side progress view, derived entirely from the job row.
// Concurrent with a running worker it is eventually consistent.
type Stats struct {
	BroadcastID string  `json:"broadcast_id"`
	Status      Status  `json:"status"`
	Total       int     `json:"total_recipients"`
	Delivered   int     `json:"delivered"`
	Failed      int     `json:"failed"`
	Blocked     int     `json:"blocked"`
	Remaining   int     `json:"remaining"`
	ElapsedSec  float64 `json:"elapsed_seconds,omitempty"`
	// PerMinute is delivered messages per elapsed minute since started_at.
	PerMinute float64 `json:"throughput_per_minute,omitempty"`
	// ETASeconds is only set while status == sending and throughput > 0.
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
}

// ComputeStats derives progress for a job at the given instant.
func ComputeStats(j *Job, now time.Time) Stats {
	st := Stats{
		BroadcastID: j.ID,
		Status:      j.Status,
		Total:       j.TotalRecipients,
		Delivered:   j.SentCount,
		Failed:      j.FailedCount,
		Blocked:     j.BlockedCount,
	}
	st.Remaining = j.TotalRecipients - j.SentCount - j.FailedCount - j.BlockedCount
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if j.StartedAt == nil {
		return st
	}

	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	elapsed := end.Sub(*j.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	st.ElapsedSec = elapsed.Seconds()

	if mins := elapsed.Minutes(); mins > 0 {
		st.PerMinute = float64(j.SentCount) / mins
	}
	if j.Status == StatusSending && st.PerMinute > 0 {
		eta := float64(st.Remaining) / st.PerMinute * 60
		st.ETASeconds = &eta
	}
	return st
}
