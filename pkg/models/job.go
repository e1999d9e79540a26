package models

import (
	"time"
)

// Job is a fully rendered, ready to send unit of work. It is created fresh
// for every attempt and never mutated.
type Job struct {
	ID          string    `json:"id"`
	ActionKind  string    `json:"action_kind"`
	Description string    `json:"description"`
	Data        any       `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResultStatus is the outcome vocabulary of a job execution.
type ResultStatus string

const (
	ResultComplete ResultStatus = "Complete"
	ResultFailed   ResultStatus = "Failed"
	ResultRetry    ResultStatus = "Retry"
	ResultSkipped  ResultStatus = "Skipped"
)

type ExecutionResult struct {
	Status     ResultStatus  `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Transient  bool          `json:"transient,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Dump       string        `json:"dump,omitempty"`
}

func Complete(dump string) ExecutionResult {
	return ExecutionResult{Status: ResultComplete, Dump: dump}
}

// Failed builds a failure; transient failures are retried by the flow executor.
func Failed(reason string, transient bool, dump string) ExecutionResult {
	return ExecutionResult{Status: ResultFailed, Reason: reason, Transient: transient, Dump: dump}
}

func Retry(after time.Duration, reason string, dump string) ExecutionResult {
	return ExecutionResult{Status: ResultRetry, Reason: reason, RetryAfter: after, Dump: dump}
}

func Skipped(reason string) ExecutionResult {
	return ExecutionResult{Status: ResultSkipped, Reason: reason}
}

// Retryable reports whether the outcome asks for another attempt.
func (r ExecutionResult) Retryable() bool {
	return r.Status == ResultRetry || (r.Status == ResultFailed && r.Transient)
}
