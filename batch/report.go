package batch

import (
	"time"

	"github.com/hazyhaar/claimsync/idgen"
)

// Kind classifies a per-artifact failure.
type Kind string

const (
	KindDecode       Kind = "decode"
	KindNotFound     Kind = "not_found"
	KindMatch        Kind = "match"
	KindRead         Kind = "read"
	KindUpload       Kind = "upload"
	KindVerification Kind = "verification"
	KindDriver       Kind = "driver"
)

// Status is the final state of one artifact in a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped" // already attached; also a success
	StatusFailed    Status = "failed"
)

// ItemError is one per-artifact failure, in processing order.
type ItemError struct {
	Artifact string
	Kind     Kind
	Err      error
}

// Message returns the error text, or "" for a nil error.
func (e ItemError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Report aggregates a run. Failed counts every non-success, NotFound
// included; Skipped counts idempotent skips, which are also in Succeeded.
type Report struct {
	Total     int
	Succeeded int
	Failed    int
	NotFound  int
	Skipped   int
	// Aborted is set when a fatal error stopped the run early.
	Aborted bool
	// Fatal is the error that aborted the run, if any.
	Fatal  error
	Errors []ItemError
}

// Remaining is the number of artifacts not processed because the run
// stopped early.
func (r *Report) Remaining() int {
	return r.Total - r.Succeeded - r.Failed
}

func (r *Report) fail(artifact string, kind Kind, err error) {
	r.Failed++
	if kind == KindNotFound {
		r.NotFound++
	}
	r.Errors = append(r.Errors, ItemError{Artifact: artifact, Kind: kind, Err: err})
}

// RunContext is the state of one batch run, created at run start and
// passed explicitly to every step.
type RunContext struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Report   Report
}

func newRunContext(now time.Time) *RunContext {
	return &RunContext{ID: idgen.New(), Started: now}
}

// Duration is the run's wall time, or the time so far while running.
func (rc *RunContext) Duration() time.Duration {
	if rc.Finished.IsZero() {
		return time.Since(rc.Started)
	}
	return rc.Finished.Sub(rc.Started)
}
