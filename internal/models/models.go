// Package models defines the core domain types for protopt.
package models

import "time"

// TrialStatus represents the current state of a trial.
type TrialStatus string

const (
	StatusQueued         TrialStatus = "QUEUED"
	StatusRunning        TrialStatus = "RUNNING"
	StatusCompleted      TrialStatus = "COMPLETED"
	StatusInterrupted    TrialStatus = "INTERRUPTED"
	StatusTimedOut       TrialStatus = "TIMED_OUT"
	StatusClusterProblem TrialStatus = "CLUSTER_PROBLEM"
	StatusInvalid        TrialStatus = "INVALID"
	StatusFailed         TrialStatus = "FAILED"
)

// RunnableStatuses lists the statuses a worker may claim a trial from.
var RunnableStatuses = []TrialStatus{StatusQueued, StatusInterrupted, StatusTimedOut}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TrialStatus{
	StatusQueued, StatusRunning, StatusCompleted, StatusInterrupted,
	StatusTimedOut, StatusClusterProblem, StatusInvalid, StatusFailed,
}

// IsRunnable reports whether a trial in this status can be claimed.
func (s TrialStatus) IsRunnable() bool {
	for _, r := range RunnableStatuses {
		if s == r {
			return true
		}
	}
	return false
}

// IsResumable reports whether claiming from this status resumes a previous run.
func (s TrialStatus) IsResumable() bool {
	return s == StatusInterrupted || s == StatusTimedOut
}

// ParseStatus validates a status name.
func ParseStatus(s string) (TrialStatus, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Host records where a trial was first claimed.
type Host struct {
	Cluster   string    `json:"cluster,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Series is the raw record a training process appends to for one metric.
type Series struct {
	Steps      []float64   `json:"steps"`
	Values     []float64   `json:"values"`
	Timestamps []time.Time `json:"timestamps"`
}

// Trial is one hyperparameter configuration and its execution record.
type Trial struct {
	ID         string            `json:"id"`
	Experiment string            `json:"experiment"`
	Status     TrialStatus       `json:"status"`
	Config     Config            `json:"config"`
	Host       *Host             `json:"host,omitempty"`
	Metrics    map[string]Series `json:"metrics,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// IsRunnable reports whether the trial can be claimed.
func (t *Trial) IsRunnable() bool {
	return t.Status.IsRunnable()
}

// IsCompleted reports whether the trial finished successfully.
func (t *Trial) IsCompleted() bool {
	return t.Status == StatusCompleted
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TrialID    string    `json:"trial_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
