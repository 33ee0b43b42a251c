package api

import (
	"time"

	"megaphone/internal/broadcast"
)

type createBroadcastRequest struct {
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	MediaRef   string     `json:"media_ref,omitempty"`
	ParseMode  string     `json:"parse_mode,omitempty"`
	Audience   string     `json:"audience"`
	CustomIDs  []int64    `json:"custom_ids,omitempty"`
	ScheduleAt *time.Time `json:"schedule_at,omitempty"`
	CreatedBy  int64      `json:"created_by,omitempty"`
	Draft      bool       `json:"draft,omitempty"`
}

type jobResponse struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	MediaRef        string     `json:"media_ref,omitempty"`
	ParseMode       string     `json:"parse_mode,omitempty"`
	Audience        string     `json:"audience"`
	CustomIDs       []int64    `json:"custom_ids,omitempty"`
	Status          string     `json:"status"`
	ScheduleAt      *time.Time `json:"schedule_at,omitempty"`
	CreatedBy       int64      `json:"created_by,omitempty"`
	TotalRecipients int        `json:"total_recipients"`
	SentCount       int        `json:"sent_count"`
	FailedCount     int        `json:"failed_count"`
	BlockedCount    int        `json:"blocked_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(j *broadcast.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		Title:           j.Title,
		Body:            j.Body,
		MediaRef:        j.MediaRef,
		ParseMode:       j.ParseMode,
		Audience:        string(j.Audience),
		CustomIDs:       j.CustomIDs,
		Status:          string(j.Status),
		ScheduleAt:      j.ScheduleAt,
		CreatedBy:       j.CreatedBy,
		TotalRecipients: j.TotalRecipients,
		SentCount:       j.SentCount,
		FailedCount:     j.FailedCount,
		BlockedCount:    j.BlockedCount,
		ErrorMessage:    j.ErrorMessage,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

type logEntryResponse struct {
	RecipientID int64     `json:"recipient_id"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type pageResponse[T any] struct {
	Items   []T `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

type errorResponse struct {
	Error string `json:"error"`
}
