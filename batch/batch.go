// CLAUDE:SUMMARY Batch orchestrator: drains the mailbox once per run, decode -> match -> upload/verify per artifact, deletes only verified artifacts, aborts only on fatal driver errors.
// Package batch reconciles the mailbox against the portal in one
// sequential run.
//
// Per artifact: decode the key, find the ledger row, attach and verify,
// then delete the local file. A failure is recorded and the run moves on;
// only an error reporting Fatal() == true (login or navigation failure)
// stops the run. Unprocessed artifacts stay in the mailbox for next time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/mailbox"
	"github.com/hazyhaar/claimsync/upload"
)

// Mailbox is the artifact store drained by a run.
type Mailbox interface {
	Pending() ([]mailbox.Artifact, error)
	Read(key string) ([]byte, error)
	Remove(key string) error
}

// Authenticator opens the portal session once per run.
type Authenticator interface {
	Login(ctx context.Context) error
}

// Finder locates the ledger row of a record with a fresh listing read.
type Finder interface {
	Find(ctx context.Context, rec claim.Record) (ledger.Row, ledger.Window, error)
}

// Uploader attaches and verifies one artifact.
type Uploader interface {
	Run(ctx context.Context, job upload.Job) (upload.Result, error)
}

// Outcome is the result of one artifact, reported to the journal and the
// progress callback.
type Outcome struct {
	Artifact string
	Status   Status
	Kind     Kind // failures only
	Err      error
	Row      ledger.Row
	At       time.Time
}

// Journal records runs durably. Journal errors are logged and never fail
// the run.
type Journal interface {
	StartRun(ctx context.Context, rc *RunContext) error
	RecordItem(ctx context.Context, runID string, o Outcome) error
	FinishRun(ctx context.Context, rc *RunContext) error
}

// Options tune an Orchestrator.
type Options struct {
	Logger  *slog.Logger
	Journal Journal
	// Progress is called after each artifact with the count done so far.
	Progress func(done, total int, o Outcome)
	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Orchestrator runs batches. It holds no per-run state.
type Orchestrator struct {
	mailbox Mailbox
	auth    Authenticator
	finder  Finder
	engine  Uploader
	opts    Options
}

// New returns an Orchestrator.
func New(mb Mailbox, auth Authenticator, finder Finder, engine Uploader, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{mailbox: mb, auth: auth, finder: finder, engine: engine, opts: opts}
}

// IsFatal reports whether err asks for the run to stop.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// Run drains the mailbox once. The returned RunContext is always non-nil
// and carries the report; the error is non-nil only when the run was
// aborted (fatal driver error, unreadable mailbox, cancellation).
func (o *Orchestrator) Run(ctx context.Context) (*RunContext, error) {
	rc := newRunContext(o.opts.Now())
	log := o.opts.Logger.With("run_id", rc.ID)

	pending, err := o.mailbox.Pending()
	if err != nil {
		return o.abort(ctx, rc, fmt.Errorf("batch: list mailbox: %w", err))
	}
	rc.Report.Total = len(pending)
	o.journal(ctx, log, "start", func() error { return o.opts.Journal.StartRun(ctx, rc) })

	if len(pending) == 0 {
		log.InfoContext(ctx, "batch: mailbox empty")
		return o.finish(ctx, rc), nil
	}
	log.InfoContext(ctx, "batch: run started", "pending", len(pending))

	if err := o.auth.Login(ctx); err != nil {
		return o.abort(ctx, rc, fmt.Errorf("batch: login: %w", err))
	}

	for i, a := range pending {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, rc, fmt.Errorf("batch: interrupted: %w", err))
		}

		out := o.process(ctx, log, a)
		switch out.Status {
		case StatusSucceeded, StatusSkipped:
			rc.Report.Succeeded++
			if out.Status == StatusSkipped {
				rc.Report.Skipped++
			}
		case StatusFailed:
			rc.Report.fail(a.Key, out.Kind, out.Err)
		}
		o.journal(ctx, log, "record", func() error { return o.opts.Journal.RecordItem(ctx, rc.ID, out) })
		if o.opts.Progress != nil {
			o.opts.Progress(i+1, len(pending), out)
		}

		if out.Status == StatusFailed && IsFatal(out.Err) {
			return o.abort(ctx, rc, out.Err)
		}
	}

	return o.finish(ctx, rc), nil
}

// process takes one artifact as far as it can go.
func (o *Orchestrator) process(ctx context.Context, log *slog.Logger, a mailbox.Artifact) Outcome {
	out := Outcome{Artifact: a.Key, Status: StatusFailed}
	log = log.With("artifact", a.Key)
	defer func() { out.At = o.opts.Now() }()

	rec, err := claim.DecodeKey(a.Key)
	if err != nil {
		log.WarnContext(ctx, "batch: undecodable artifact", "error", err)
		out.Kind, out.Err = KindDecode, err
		return out
	}

	row, window, err := o.finder.Find(ctx, rec)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		log.WarnContext(ctx, "batch: no ledger row", "name", rec.DisplayName(), "date", rec.DisplayDate())
		out.Kind, out.Err = KindNotFound, err
		return out
	case err != nil:
		log.ErrorContext(ctx, "batch: ledger lookup failed", "error", err)
		out.Kind, out.Err = kindOf(err, KindMatch), err
		return out
	}
	out.Row = row

	data, err := o.mailbox.Read(a.Key)
	if err != nil {
		out.Kind, out.Err = KindRead, err
		return out
	}

	res, err := o.engine.Run(ctx, upload.Job{Record: rec, Row: row, Window: window, Name: a.Key, Data: data})
	if err != nil {
		var ve *upload.VerificationError
		kind := KindUpload
		if errors.As(err, &ve) {
			kind = KindVerification
		}
		log.ErrorContext(ctx, "batch: attach failed", "state", res.State.String(), "error", err)
		out.Kind, out.Err = kindOf(err, kind), err
		return out
	}

	if err := o.mailbox.Remove(a.Key); err != nil {
		// Verified on the portal; the next run will skip it idempotently.
		log.WarnContext(ctx, "batch: remove verified artifact", "error", err)
	}
	out.Status = StatusSucceeded
	if res.Skipped {
		out.Status = StatusSkipped
	}
	log.InfoContext(ctx, "batch: artifact done", "status", string(out.Status))
	return out
}

func kindOf(err error, fallback Kind) Kind {
	if IsFatal(err) {
		return KindDriver
	}
	return fallback
}

func (o *Orchestrator) abort(ctx context.Context, rc *RunContext, err error) (*RunContext, error) {
	rc.Report.Aborted = true
	rc.Report.Fatal = err
	o.opts.Logger.ErrorContext(ctx, "batch: run aborted", "run_id", rc.ID, "error", err)
	return o.finish(ctx, rc), err
}

func (o *Orchestrator) finish(ctx context.Context, rc *RunContext) *RunContext {
	rc.Finished = o.opts.Now()
	o.journal(context.WithoutCancel(ctx), o.opts.Logger, "finish", func() error { return o.opts.Journal.FinishRun(context.WithoutCancel(ctx), rc) })
	return rc
}

func (o *Orchestrator) journal(ctx context.Context, log *slog.Logger, op string, fn func() error) {
	if o.opts.Journal == nil {
		return
	}
	if err := fn(); err != nil {
		log.WarnContext(ctx, "batch: journal "+op+" failed", "error", err)
	}
}
