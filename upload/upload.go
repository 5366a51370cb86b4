// CLAUDE:SUMMARY Per-record attach state machine: idempotent skip on an already-attached row, slot choice, transfer, finalisation, bounded fresh-read verification.
// Package upload attaches one mailbox artifact to its matched ledger row
// and confirms, by re-reading the row, that the attachment took effect.
//
// States, per record:
//
//	Matched -> AttachmentChosen -> Uploaded -> Verified | VerificationFailed
//
// A row whose slot for the record's document type already shows the
// attached indicator short-circuits to Verified without any upload, so a
// rerun over a half-finished batch never attaches twice. The other slot of
// the same row does not count.
package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/wait"
)

// State is the engine's position for one record.
type State int

const (
	Matched State = iota
	AttachmentChosen
	Uploaded
	Verified
	VerificationFailed
)

func (s State) String() string {
	switch s {
	case Matched:
		return "matched"
	case AttachmentChosen:
		return "attachment_chosen"
	case Uploaded:
		return "uploaded"
	case Verified:
		return "verified"
	case VerificationFailed:
		return "verification_failed"
	}
	return "unknown"
}

// Target is the upload destination chosen for a document type.
type Target struct {
	// ControlCode is the session-scoped code the upload endpoint requires.
	ControlCode string
	// Referer is the page the upload is issued from.
	Referer string
}

// Portal is the remote workflow around one row.
type Portal interface {
	// OpenRow brings the row's detail view up.
	OpenRow(ctx context.Context, row ledger.Row) error
	// ChooseSlot selects the attachment slot for dt and returns where to upload.
	ChooseSlot(ctx context.Context, dt claim.DocType) (Target, error)
	// Transfer sends the artifact bytes. A non-success reply is an error.
	Transfer(ctx context.Context, t Target, name string, data []byte) error
	// Finalize completes whatever the portal needs after a transfer
	// (category selection, confirmation).
	Finalize(ctx context.Context, t Target) error
}

// Refresher re-reads a row from the live listing.
type Refresher interface {
	Refresh(ctx context.Context, rec claim.Record, w ledger.Window, prev ledger.Row) (ledger.Row, error)
}

// Job is one artifact ready to attach. Row must come from a fresh read.
type Job struct {
	Record claim.Record
	Row    ledger.Row
	Window ledger.Window
	Name   string // artifact key, used as the uploaded file name
	Data   []byte
}

// Result is the engine's outcome for one job.
type Result struct {
	State State
	// Skipped is true when the slot was already attached and nothing was uploaded.
	Skipped bool
	// Row is the last fresh read of the row.
	Row ledger.Row
}

// Config tunes verification.
type Config struct {
	// VerifyTimeout bounds the wait for the attached indicator. Default: 30s.
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
	// VerifyInterval between row re-reads. Default: 2s.
	VerifyInterval time.Duration `yaml:"verify_interval"`
}

func (c *Config) defaults() {
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 30 * time.Second
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 2 * time.Second
	}
}

// Engine runs jobs one at a time against a single portal session.
type Engine struct {
	portal Portal
	rows   Refresher
	cfg    Config
	logger *slog.Logger
}

// New returns an Engine.
func New(p Portal, rows Refresher, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{portal: p, rows: rows, cfg: cfg, logger: logger}
}

// Run drives job to Verified or returns the failure that stopped it. The
// returned Result carries the state reached even on error.
func (e *Engine) Run(ctx context.Context, job Job) (Result, error) {
	res := Result{State: Matched, Row: job.Row}
	log := e.logger.With("artifact", job.Name, "row", job.Row.String())

	if job.Row.HasAttachment(job.Record.DocType) {
		log.InfoContext(ctx, "upload: slot already attached, skipping", "doc_type", string(job.Record.DocType))
		res.State, res.Skipped = Verified, true
		return res, nil
	}

	if err := e.portal.OpenRow(ctx, job.Row); err != nil {
		return res, &UploadError{Stage: "open row", Row: job.Row, Cause: err}
	}
	target, err := e.portal.ChooseSlot(ctx, job.Record.DocType)
	if err != nil {
		return res, &UploadError{Stage: "choose slot", Row: job.Row, Cause: err}
	}
	res.State = AttachmentChosen
	log.DebugContext(ctx, "upload: slot chosen", "doc_type", string(job.Record.DocType))

	if err := e.portal.Transfer(ctx, target, job.Name, job.Data); err != nil {
		return res, &UploadError{Stage: "transfer", Row: job.Row, Cause: err}
	}
	if err := e.portal.Finalize(ctx, target); err != nil {
		return res, &UploadError{Stage: "finalize", Row: job.Row, Cause: err}
	}
	res.State = Uploaded
	log.InfoContext(ctx, "upload: transferred", "bytes", len(job.Data))

	row, err := e.verify(ctx, job)
	if err != nil {
		res.State = VerificationFailed
		return res, err
	}
	res.State, res.Row = Verified, row
	log.InfoContext(ctx, "upload: verified")
	return res, nil
}

// verify polls fresh reads of the row until the slot for the record's
// document type shows the attached indicator. Read errors and a briefly
// missing row count as "not yet".
func (e *Engine) verify(ctx context.Context, job Job) (ledger.Row, error) {
	start := time.Now()
	var last ledger.Row
	err := wait.Tolerant(ctx, wait.Options{
		What:     "attached indicator",
		Interval: e.cfg.VerifyInterval,
		Timeout:  e.cfg.VerifyTimeout,
	}, func(ctx context.Context) (bool, error) {
		row, err := e.rows.Refresh(ctx, job.Record, job.Window, job.Row)
		if err != nil {
			return false, err
		}
		last = row
		return row.HasAttachment(job.Record.DocType), nil
	})
	if err != nil {
		return last, &VerificationError{Row: job.Row, Waited: time.Since(start), Cause: err}
	}
	return last, nil
}
