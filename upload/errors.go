package upload

import (
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/wait"
)

// UploadError is a known failure while attaching: the portal refused a step
// or the transfer got a non-success reply. It is not retried; the artifact
// stays in the mailbox for the next run.
type UploadError struct {
	Stage string
	Row   ledger.Row
	Cause error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload: %s failed for %s: %v", e.Stage, e.Row.String(), e.Cause)
}

func (e *UploadError) Unwrap() error { return e.Cause }

// VerificationError means the upload went through but the row never showed
// the attached indicator within the bounded wait. The outcome is unknown,
// not known-bad: a rerun will re-check the row before uploading again.
type VerificationError struct {
	Row    ledger.Row
	Waited time.Duration
	Cause  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("upload: attachment on %s not confirmed after %s: %v",
		e.Row.String(), e.Waited.Round(time.Millisecond), e.Cause)
}

func (e *VerificationError) Unwrap() error { return e.Cause }

// TimedOut reports whether verification ran out of time, as opposed to
// being interrupted.
func (e *VerificationError) TimedOut() bool {
	var te *wait.TimeoutError
	return errors.As(e.Cause, &te)
}
