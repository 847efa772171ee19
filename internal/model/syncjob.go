package model

import (
	"time"
)

// SyncJobStatus is the lifecycle state of a background sync run.
type SyncJobStatus string

const (
	SyncJobPending   SyncJobStatus = "pending"
	SyncJobRunning   SyncJobStatus = "running"
	SyncJobCompleted SyncJobStatus = "completed"
	SyncJobFailed    SyncJobStatus = "failed"
)

// SyncJob tracks a historical sync run's progress counters and terminal
// result. The pipeline treats it as a write-once/append-progress record;
// scheduling lives elsewhere.
type SyncJob struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	Status    SyncJobStatus `json:"status"`

	ThreadsSeen     int `json:"threads_seen"`
	MessagesSeen    int `json:"messages_seen"`
	MessagesStored  int `json:"messages_stored"`
	MessagesSkipped int `json:"messages_skipped"`
	MessagesFailed  int `json:"messages_failed"`

	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
