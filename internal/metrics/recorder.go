// Package metrics provides observability hooks for the orchestration engine.
//
// Components receive a Recorder through dependency injection and never check
// whether metrics are enabled; NoopRecorder is the default implementation and
// its methods inline to nothing. When the engine serves its metrics endpoint
// it injects PrometheusRecorder instead.
package metrics

import "time"

// Recorder defines observability hooks for daemon lifecycle, retries, update
// jobs, and the HTTP API.
type Recorder interface {
	// SetStateCount sets the number of daemons currently in a lifecycle state.
	SetStateCount(state string, n int)
	// IncTransition counts one state-machine transition.
	IncTransition(from, to string)
	// IncRetry counts one retry of a lifecycle operation.
	IncRetry(op string)
	// IncRetryExhausted counts an operation whose retry budget ran out.
	IncRetryExhausted(op string)
	// ObserveUpdate records the duration and outcome of one update job.
	ObserveUpdate(source string, d time.Duration, failed bool)
	// ObserveHTTPRequest records one API request.
	ObserveHTTPRequest(method, path string, status int, d time.Duration)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) SetStateCount(string, int)                             {}
func (NoopRecorder) IncTransition(string, string)                          {}
func (NoopRecorder) IncRetry(string)                                       {}
func (NoopRecorder) IncRetryExhausted(string)                              {}
func (NoopRecorder) ObserveUpdate(string, time.Duration, bool)             {}
func (NoopRecorder) ObserveHTTPRequest(string, string, int, time.Duration) {}
