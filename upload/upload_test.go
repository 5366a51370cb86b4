package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/ledger"
)

type fakePortal struct {
	opened, chosen, transfers, finalized int
	transferErr                          error
	onFinalize                           func()
	lastName                             string
	lastType                             claim.DocType
}

func (p *fakePortal) OpenRow(context.Context, ledger.Row) error {
	p.opened++
	return nil
}

func (p *fakePortal) ChooseSlot(_ context.Context, dt claim.DocType) (Target, error) {
	p.chosen++
	p.lastType = dt
	return Target{ControlCode: "c-1", Referer: "https://portal.test/upload"}, nil
}

func (p *fakePortal) Transfer(_ context.Context, _ Target, name string, _ []byte) error {
	p.transfers++
	p.lastName = name
	return p.transferErr
}

func (p *fakePortal) Finalize(context.Context, Target) error {
	p.finalized++
	if p.onFinalize != nil {
		p.onFinalize()
	}
	return nil
}

// fakeRows reports the row's filled slots as attached.
type fakeRows struct {
	attached ledger.Slots
	reads    int
}

func (r *fakeRows) Refresh(_ context.Context, _ claim.Record, _ ledger.Window, prev ledger.Row) (ledger.Row, error) {
	r.reads++
	prev.Attached = r.attached
	return prev, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastConfig() Config {
	return Config{VerifyTimeout: 50 * time.Millisecond, VerifyInterval: 5 * time.Millisecond}
}

func job(attached ledger.Slots) Job {
	return Job{
		Record: claim.Record{SubjectName: "Ana_Souza", AccessCode: "X1", DocType: claim.DocGTO, Ext: ".jpg"},
		Row:    ledger.Row{Code: "1001", SubjectName: "ANA SOUZA", Attached: attached},
		Name:   "Ana_Souza - X1 - 05-05-2025 - 10,00 - GTO.jpg",
		Data:   []byte("jpeg"),
	}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestRun_Verified(t *testing.T) {
	rows := &fakeRows{}
	p := &fakePortal{}
	p.onFinalize = func() { rows.attached = ledger.SlotsOf(claim.DocGTO) }

	res, err := New(p, rows, fastConfig(), quiet()).Run(context.Background(), job(0))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != Verified || res.Skipped || !res.Row.HasAttachment(claim.DocGTO) {
		t.Fatalf("result = %+v", res)
	}
	if p.opened != 1 || p.chosen != 1 || p.transfers != 1 || p.finalized != 1 {
		t.Fatalf("portal calls = %+v", p)
	}
	if p.lastType != claim.DocGTO || p.lastName != job(0).Name {
		t.Fatalf("slot %s name %s", p.lastType, p.lastName)
	}
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func TestRun_IdempotentOnAttachedRow(t *testing.T) {
	gto := ledger.SlotsOf(claim.DocGTO)
	rows := &fakeRows{attached: gto}
	p := &fakePortal{}
	e := New(p, rows, fastConfig(), quiet())

	for i := 0; i < 2; i++ {
		res, err := e.Run(context.Background(), job(gto))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if res.State != Verified || !res.Skipped {
			t.Fatalf("run %d result = %+v", i, res)
		}
	}
	if p.transfers != 0 || p.opened != 0 {
		t.Fatalf("portal touched on attached row: %+v", p)
	}
}

func TestRun_OtherSlotFilledStillUploads(t *testing.T) {
	rx := ledger.SlotsOf(claim.DocRX)
	rows := &fakeRows{attached: rx}
	p := &fakePortal{}
	p.onFinalize = func() { rows.attached = rows.attached.With(claim.DocGTO) }

	res, err := New(p, rows, fastConfig(), quiet()).Run(context.Background(), job(rx))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped || p.transfers != 1 || p.lastType != claim.DocGTO {
		t.Fatalf("result = %+v, portal = %+v", res, p)
	}
}

func TestRun_OtherSlotDoesNotVerify(t *testing.T) {
	rows := &fakeRows{}
	p := &fakePortal{}
	p.onFinalize = func() { rows.attached = ledger.SlotsOf(claim.DocRX) }

	_, err := New(p, rows, fastConfig(), quiet()).Run(context.Background(), job(0))
	var ve *VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want VerificationError", err)
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestRun_UploadFailure(t *testing.T) {
	boom := errors.New("status 500")
	p := &fakePortal{transferErr: boom}
	rows := &fakeRows{}
	res, err := New(p, rows, fastConfig(), quiet()).Run(context.Background(), job(0))

	var ue *UploadError
	if !errors.As(err, &ue) || ue.Stage != "transfer" || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want transfer UploadError", err)
	}
	if res.State != AttachmentChosen {
		t.Fatalf("state = %s", res.State)
	}
	if p.transfers != 1 || p.finalized != 0 || rows.reads != 0 {
		t.Fatalf("unexpected calls: portal %+v, reads %d", p, rows.reads)
	}
}

func TestRun_VerificationFailed(t *testing.T) {
	rows := &fakeRows{}
	res, err := New(&fakePortal{}, rows, fastConfig(), quiet()).Run(context.Background(), job(0))

	var ve *VerificationError
	if !errors.As(err, &ve) || !ve.TimedOut() {
		t.Fatalf("err = %v, want timed-out VerificationError", err)
	}
	var ue *UploadError
	if errors.As(err, &ue) {
		t.Fatal("verification failure must be distinct from upload failure")
	}
	if res.State != VerificationFailed {
		t.Fatalf("state = %s", res.State)
	}
	if rows.reads < 2 {
		t.Fatalf("reads = %d, want polling", rows.reads)
	}
}

func TestState_String(t *testing.T) {
	if Verified.String() != "verified" || VerificationFailed.String() != "verification_failed" {
		t.Fatal("state names changed")
	}
}
