package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further processing happens without recovery.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one batch run over an item-key list. Counters and the checkpoint log
// are owned by the store; a driver holds a transient working copy only.
type Job struct {
	ID                 string          `json:"job_id" db:"job_id"`
	Status             JobStatus       `json:"status" db:"status"`
	ItemSource         string          `json:"item_source" db:"item_source"`
	PublishDrafts      bool            `json:"publish_drafts" db:"publish_drafts"`
	TotalItems         int             `json:"total_items" db:"total_items"`
	ProcessedItems     int             `json:"processed_items" db:"processed_items"`
	SuccessfulItems    int             `json:"successful_items" db:"successful_items"`
	FailedItems        int             `json:"failed_items" db:"failed_items"`
	LastProcessedIndex int             `json:"last_processed_index" db:"last_processed_index"`
	RecoveryAttempts   int             `json:"recovery_attempts" db:"recovery_attempts"`
	LastHeartbeat      *time.Time      `json:"last_heartbeat" db:"last_heartbeat"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt          *time.Time      `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at" db:"completed_at"`
	Error              *string         `json:"error" db:"error"`
	Summary            json.RawMessage `json:"summary,omitempty" db:"summary"`
	RecoveryHistory    []RecoveryEntry `json:"recovery_history,omitempty" db:"recovery_history"`
}

// Checkpoint is the immutable record of one item's outcome.
type Checkpoint struct {
	JobID     string          `json:"job_id" db:"job_id"`
	ItemIndex int             `json:"item_index" db:"item_index"`
	ItemKey   string          `json:"item_key" db:"item_key"`
	Success   bool            `json:"success" db:"success"`
	Result    json.RawMessage `json:"result" db:"result"`
	CreatedAt time.Time       `json:"timestamp" db:"created_at"`
}

// FailedItem is the failed-checkpoint projection used for inspection and
// targeted retry.
type FailedItem struct {
	ItemIndex int       `json:"item_index"`
	ItemKey   string    `json:"item_key"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type RecoveryEntry struct {
	Attempt        int       `json:"attempt"`
	Timestamp      time.Time `json:"timestamp"`
	PreviousStatus JobStatus `json:"previous_status"`
	PreviousError  string    `json:"previous_error,omitempty"`
}

// RunSummary is persisted on the job when a run completes.
type RunSummary struct {
	ItemSource     string    `json:"item_source"`
	TotalItems     int       `json:"total_items"`
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	SuccessRate    float64   `json:"success_rate"`
	ProcessingSecs float64   `json:"processing_time_seconds"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}
