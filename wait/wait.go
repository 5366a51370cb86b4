// Package wait provides the bounded "poll a readiness predicate" primitive
// used wherever claimsync synchronises with an external system (portal pages,
// upload verification) instead of sleeping for a fixed delay.
//
//	err := wait.Until(ctx, wait.Options{What: "listing table", Timeout: 20 * time.Second},
//		func(ctx context.Context) (bool, error) { return page.Has("#tabelaListagem") })
//
// A predicate that never turns true yields *TimeoutError, which callers can
// tell apart from the predicate's own errors and from context cancellation.
package wait

import (
	"context"
	"fmt"
	"time"
)

// Condition reports whether the awaited state has been reached. A non-nil
// error stops the wait immediately and is returned as is.
type Condition func(ctx context.Context) (bool, error)

// Options tunes a wait.
type Options struct {
	// What names the awaited state in errors and logs.
	What string
	// Interval between predicate evaluations. Default: 250ms.
	Interval time.Duration
	// Timeout bounds the whole wait. Default: 10s.
	Timeout time.Duration
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.What == "" {
		o.What = "condition"
	}
}

// TimeoutError is returned when the predicate stayed false for the whole
// timeout.
type TimeoutError struct {
	What  string
	After time.Duration
	// Last is the last predicate error seen with Tolerant, if any.
	Last error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("wait: %s not reached after %s (last error: %v)", e.What, e.After, e.Last)
	}
	return fmt.Sprintf("wait: %s not reached after %s", e.What, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// Until evaluates cond immediately, then every Interval, until it returns
// true, returns an error, the timeout elapses, or ctx is done.
func Until(ctx context.Context, opts Options, cond Condition) error {
	return until(ctx, opts, cond, false)
}

// Tolerant is like Until but treats predicate errors as "not yet": they are
// remembered and reported inside the TimeoutError if the wait runs out.
// Use it for predicates that re-read remote state which may be briefly
// unavailable.
func Tolerant(ctx context.Context, opts Options, cond Condition) error {
	return until(ctx, opts, cond, true)
}

func until(ctx context.Context, opts Options, cond Condition, tolerant bool) error {
	opts.defaults()
	start := time.Now()
	deadline := start.Add(opts.Timeout)

	var last error
	for {
		ok, err := cond(ctx)
		if err != nil {
			if !tolerant {
				return err
			}
			last = err
		} else if ok {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &TimeoutError{What: opts.What, After: time.Since(start).Round(time.Millisecond), Last: last}
		}
		pause := opts.Interval
		if pause > remaining {
			pause = remaining
		}

		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
