package domain

import (
	"time"
)

// SchemaVersion is bumped whenever JobState gains fields that older
// snapshots lack.
const SchemaVersion = 2

type Stage string

const (
	StageIntake            Stage = "intake"
	StagePlanning          Stage = "planning"
	StageStructuring       Stage = "structuring"
	StageUnitSpawning      Stage = "unit_spawning"
	StageUnitGeneration    Stage = "unit_generation"
	StageConsistencyReview Stage = "consistency_review"
	StageQualityReview     Stage = "quality_review"
	StageAssembly          Stage = "assembly"
	StageUserReview        Stage = "user_review"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type Progress struct {
	StageProgress   int `json:"stage_progress"`
	OverallProgress int `json:"overall_progress"`
	UnitsCompleted  int `json:"units_completed"`
	UnitsTotal      int `json:"units_total"`
}

// ErrorInfo is the persisted description of the failure that ended a run.
type ErrorInfo struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Stage     Stage     `json:"stage"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// JobState is the single authoritative record of one job.
type JobState struct {
	SessionID     string     `json:"session_id"`
	CurrentStage  Stage      `json:"current_stage"`
	FailedStage   Stage      `json:"failed_stage,omitempty"`
	Status        JobStatus  `json:"status"`
	Progress      Progress   `json:"progress"`
	RetryCount    int        `json:"retry_count"`
	NeedsRetry    bool       `json:"needs_retry"`
	LastError     *ErrorInfo `json:"last_error,omitempty"`
	Payload       Payload    `json:"payload"`
	SchemaVersion int        `json:"schema_version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func NewJobState(sessionID string, now time.Time) JobState {
	now = now.UTC()
	return JobState{
		SessionID:     sessionID,
		CurrentStage:  StageIntake,
		Status:        JobStatusActive,
		Payload:       Payload{},
		SchemaVersion: SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Touch stamps UpdatedAt without ever moving it backwards.
func (s *JobState) Touch(now time.Time) {
	now = now.UTC()
	if now.Before(s.UpdatedAt) {
		return
	}
	s.UpdatedAt = now
}

func (s JobState) Terminal() bool {
	return s.Status == JobStatusCompleted || s.Status == JobStatusFailed
}

// Clone returns a copy that shares no mutable memory with s.
func (s JobState) Clone() JobState {
	clone := s
	clone.Payload = s.Payload.Clone()
	if s.LastError != nil {
		lastError := *s.LastError
		clone.LastError = &lastError
	}
	return clone
}

// RunMessage asks a worker to drive a session forward.
type RunMessage struct {
	SessionID   string    `json:"session_id"`
	Reason      string    `json:"reason"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}
