package constants

// JobStatus is the canonical status for rows in the job index.
type JobStatus string

// Stable values (store these exact strings in the index).
const (
	JobStatusQueued    JobStatus = "QUEUED"    // accepted, waiting for the worker slot
	JobStatusRunning   JobStatus = "RUNNING"   // extraction in progress
	JobStatusSucceeded JobStatus = "SUCCEEDED" // terminal, result persisted
	JobStatusFailed    JobStatus = "FAILED"    // terminal, error kind recorded
)

// Terminal reports whether s is a terminal status. Statuses only move
// forward: QUEUED -> RUNNING -> {SUCCEEDED|FAILED}.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}
