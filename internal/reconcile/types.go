package reconcile

import "time"

// Result summarizes one reconciliation pass.
type Result struct {
	// Skipped is set when another pass was already running.
	Skipped bool
	// Applied counts batched operations committed to the remote store.
	Applied int
	// Individually counts operations written one at a time: adds without an
	// id and operations isolated from a rejected batch.
	Individually int
	// DeadLettered counts operations the remote refused or that ran out of attempts.
	DeadLettered int
	// Remaining is the queue length at the end of the pass.
	Remaining int
	// Drained reports that the queue was empty when the pass finished.
	Drained bool
	// Err is the failure that stopped the pass early, if any.
	Err error
}

// SomeFailed reports whether the pass left work behind or dropped operations.
func (r Result) SomeFailed() bool {
	return r.Err != nil || r.DeadLettered > 0
}

// Metrics receives engine observations.
type Metrics interface {
	ObservePass(r Result, elapsed time.Duration)
	ObserveCommit(size int, elapsed time.Duration, err error)
	SetQueueDepth(n int)
}

// NoopMetrics is a no-op implementation.
type NoopMetrics struct{}

func (NoopMetrics) ObservePass(Result, time.Duration)        {}
func (NoopMetrics) ObserveCommit(int, time.Duration, error) {}
func (NoopMetrics) SetQueueDepth(int)                       {}
