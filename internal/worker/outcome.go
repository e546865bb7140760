package worker

import "github.com/cmorrow/taskd/internal/job"

// outcomeKind discriminates the result of one job execution attempt.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeFatal
	outcomeTimedOut
)

// Outcome is the sum type produced by executing a job, consumed to decide
// the storage call: Complete for success, Fail with the retry flag
// otherwise. Keeping the decision in a value rather than error branching
// keeps the execute/persist boundary explicit.
type Outcome struct {
	kind  outcomeKind
	value any
	err   *job.Error
}

// Success wraps a handler's return value.
func Success(value any) Outcome {
	return Outcome{kind: outcomeSuccess, value: value}
}

// RetryableFailure marks an expected task failure eligible for retry.
func RetryableFailure(err *job.Error) Outcome {
	return Outcome{kind: outcomeRetryable, err: err}
}

// FatalFailure marks an unexpected failure; the job is not retried.
func FatalFailure(err *job.Error) Outcome {
	return Outcome{kind: outcomeFatal, err: err}
}

// TimedOut marks an execution that exceeded the job's timeout.
func TimedOut(err *job.Error) Outcome {
	return Outcome{kind: outcomeTimedOut, err: err}
}

// Failed reports whether the outcome counts toward the consecutive-failure
// circuit breaker.
func (o Outcome) Failed() bool { return o.kind != outcomeSuccess }

// Value returns the handler's result; nil unless the outcome is a success.
func (o Outcome) Value() any { return o.value }

// Err returns the structured failure record, nil on success.
func (o Outcome) Err() *job.Error { return o.err }
