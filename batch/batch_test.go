package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/mailbox"
	"github.com/hazyhaar/claimsync/upload"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const (
	keyA = "Ana - 11 - 05-03-2025 - 10,00 - RX.jpg"
	keyB = "Bruno - 22 - 06-03-2025 - 20,00 - GTO.jpg"
	keyC = "Carla - 33 - 07-03-2025 - 30,00 - RX.png"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeAuth struct {
	calls int
	err   error
}

func (a *fakeAuth) Login(context.Context) error {
	a.calls++
	return a.err
}

type fatalError struct{ msg string }

func (e *fatalError) Error() string { return e.msg }
func (e *fatalError) Fatal() bool   { return true }

// fakeFinder answers by subject name; a name mapped to an error returns it.
type fakeFinder struct {
	errs map[string]error
	seen []string
}

func (f *fakeFinder) Find(_ context.Context, rec claim.Record) (ledger.Row, ledger.Window, error) {
	f.seen = append(f.seen, rec.SubjectName)
	if err := f.errs[rec.SubjectName]; err != nil {
		return ledger.Row{}, ledger.Window{}, err
	}
	return ledger.Row{Index: len(f.seen), Code: rec.AccessCode, SubjectName: rec.SubjectName},
		ledger.Window{Month: 2, Year: 2025}, nil
}

type fakeUploader struct {
	errs    map[string]error
	skipped map[string]bool
	jobs    []upload.Job
}

func (u *fakeUploader) Run(_ context.Context, job upload.Job) (upload.Result, error) {
	u.jobs = append(u.jobs, job)
	if err := u.errs[job.Record.SubjectName]; err != nil {
		return upload.Result{State: upload.Uploaded, Row: job.Row}, err
	}
	return upload.Result{State: upload.Verified, Skipped: u.skipped[job.Record.SubjectName], Row: job.Row}, nil
}

type memJournal struct {
	mu       sync.Mutex
	started  int
	items    []Outcome
	finished *RunContext
	err      error
}

func (j *memJournal) StartRun(context.Context, *RunContext) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started++
	return j.err
}

func (j *memJournal) RecordItem(_ context.Context, _ string, o Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.items = append(j.items, o)
	return j.err
}

func (j *memJournal) FinishRun(_ context.Context, rc *RunContext) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = rc
	return j.err
}

func fill(t *testing.T, keys ...string) *mailbox.Mailbox {
	t.Helper()
	mb := mailbox.New(t.TempDir())
	for _, k := range keys {
		if _, err := mb.Put(context.Background(), k, []byte("img:"+k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	return mb
}

func exists(t *testing.T, mb *mailbox.Mailbox, key string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(mb.Dir(), key))
	return err == nil
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_PartialFailureContinues(t *testing.T) {
	mb := fill(t, keyA, keyB, keyC)
	auth := &fakeAuth{}
	finder := &fakeFinder{errs: map[string]error{"Bruno": ledger.ErrNotFound}}
	up := &fakeUploader{}
	j := &memJournal{}

	var progress []int
	o := New(mb, auth, finder, up, Options{
		Logger:   quiet(),
		Journal:  j,
		Progress: func(done, total int, _ Outcome) { progress = append(progress, done) },
	})
	rc, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	r := rc.Report
	if r.Total != 3 || r.Succeeded != 2 || r.Failed != 1 || r.NotFound != 1 || r.Aborted {
		t.Fatalf("report = %+v", r)
	}
	if len(r.Errors) != 1 || r.Errors[0].Artifact != keyB || r.Errors[0].Kind != KindNotFound {
		t.Fatalf("errors = %+v", r.Errors)
	}
	if exists(t, mb, keyA) || exists(t, mb, keyC) {
		t.Fatal("verified artifacts should be deleted")
	}
	if !exists(t, mb, keyB) {
		t.Fatal("unmatched artifact must stay in the mailbox")
	}
	if auth.calls != 1 {
		t.Fatalf("logins = %d", auth.calls)
	}
	if len(up.jobs) != 2 || string(up.jobs[0].Data) != "img:"+keyA || up.jobs[0].Name != keyA {
		t.Fatalf("jobs = %+v", up.jobs)
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Fatalf("progress = %v", progress)
	}
	if j.started != 1 || len(j.items) != 3 || j.finished != rc {
		t.Fatalf("journal = %d starts, %d items, finished %v", j.started, len(j.items), j.finished)
	}
	if rc.Finished.IsZero() || rc.ID == "" {
		t.Fatalf("run context = %+v", rc)
	}
}

func TestRun_EmptyMailboxSkipsLogin(t *testing.T) {
	auth := &fakeAuth{}
	o := New(fill(t), auth, &fakeFinder{}, &fakeUploader{}, Options{Logger: quiet()})
	rc, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rc.Report.Total != 0 || auth.calls != 0 {
		t.Fatalf("report = %+v, logins = %d", rc.Report, auth.calls)
	}
}

func TestRun_LoginFailureAborts(t *testing.T) {
	mb := fill(t, keyA)
	auth := &fakeAuth{err: &fatalError{"bad credentials"}}
	finder := &fakeFinder{}
	o := New(mb, auth, finder, &fakeUploader{}, Options{Logger: quiet()})

	rc, err := o.Run(context.Background())
	if err == nil || !IsFatal(err) {
		t.Fatalf("err = %v", err)
	}
	if !rc.Report.Aborted || rc.Report.Remaining() != 1 || len(finder.seen) != 0 {
		t.Fatalf("report = %+v", rc.Report)
	}
	if !exists(t, mb, keyA) {
		t.Fatal("artifact must survive an aborted run")
	}
}

func TestRun_FatalDriverErrorStopsRun(t *testing.T) {
	mb := fill(t, keyA, keyB, keyC)
	finder := &fakeFinder{errs: map[string]error{"Bruno": &fatalError{"portal unreachable"}}}
	up := &fakeUploader{}
	o := New(mb, &fakeAuth{}, finder, up, Options{Logger: quiet()})

	rc, err := o.Run(context.Background())
	if !IsFatal(err) {
		t.Fatalf("err = %v", err)
	}
	r := rc.Report
	if !r.Aborted || r.Succeeded != 1 || r.Failed != 1 || r.Remaining() != 1 {
		t.Fatalf("report = %+v", r)
	}
	if r.Errors[0].Kind != KindDriver {
		t.Fatalf("kind = %s", r.Errors[0].Kind)
	}
	if len(finder.seen) != 2 {
		t.Fatalf("finder saw %v, Carla must not be processed", finder.seen)
	}
	if !exists(t, mb, keyB) || !exists(t, mb, keyC) {
		t.Fatal("unprocessed artifacts must remain")
	}
}

func TestRun_FailureKinds(t *testing.T) {
	bad := "not a key.jpg"
	mb := fill(t, keyA, keyB, keyC, bad)
	finder := &fakeFinder{errs: map[string]error{"Carla": errors.New("ambiguous")}}
	up := &fakeUploader{errs: map[string]error{
		"Ana":   &upload.UploadError{Stage: "transfer", Cause: errors.New("502")},
		"Bruno": &upload.VerificationError{Cause: errors.New("timeout")},
	}}
	o := New(mb, &fakeAuth{}, finder, up, Options{Logger: quiet()})

	rc, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	kinds := map[string]Kind{}
	for _, e := range rc.Report.Errors {
		kinds[e.Artifact] = e.Kind
	}
	want := map[string]Kind{keyA: KindUpload, keyB: KindVerification, keyC: KindMatch, bad: KindDecode}
	for k, v := range want {
		if kinds[k] != v {
			t.Errorf("%s: kind = %q, want %q", k, kinds[k], v)
		}
	}
	if rc.Report.Failed != 4 || rc.Report.Succeeded != 0 {
		t.Fatalf("report = %+v", rc.Report)
	}
	for _, k := range []string{keyA, keyB, keyC, bad} {
		if !exists(t, mb, k) {
			t.Errorf("%s deleted after a failure", k)
		}
	}
}

func TestRun_SkippedCountsAsSuccess(t *testing.T) {
	mb := fill(t, keyA)
	up := &fakeUploader{skipped: map[string]bool{"Ana": true}}
	o := New(mb, &fakeAuth{}, &fakeFinder{}, up, Options{Logger: quiet()})

	rc, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rc.Report.Succeeded != 1 || rc.Report.Skipped != 1 || exists(t, mb, keyA) {
		t.Fatalf("report = %+v", rc.Report)
	}
}

func TestRun_JournalErrorsDoNotFailRun(t *testing.T) {
	mb := fill(t, keyA)
	j := &memJournal{err: errors.New("disk full")}
	o := New(mb, &fakeAuth{}, &fakeFinder{}, &fakeUploader{}, Options{Logger: quiet(), Journal: j})
	rc, err := o.Run(context.Background())
	if err != nil || rc.Report.Succeeded != 1 {
		t.Fatalf("Run = %+v, %v", rc.Report, err)
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	mb := fill(t, keyA, keyB)
	ctx, cancel := context.WithCancel(context.Background())
	up := &fakeUploader{}
	o := New(mb, &fakeAuth{}, &fakeFinder{}, up, Options{
		Logger:   quiet(),
		Progress: func(int, int, Outcome) { cancel() },
	})
	rc, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if rc.Report.Succeeded != 1 || !rc.Report.Aborted || !exists(t, mb, keyB) {
		t.Fatalf("report = %+v", rc.Report)
	}
}

// ---------------------------------------------------------------------------
// Two slots on one row
// ---------------------------------------------------------------------------

// slotPortal is a listing with one row whose slots fill as uploads finish.
type slotPortal struct {
	mu        sync.Mutex
	attached  ledger.Slots
	chosen    claim.DocType
	transfers []claim.DocType
}

func (p *slotPortal) Rows(context.Context, ledger.Window) ([]ledger.Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []ledger.Row{{
		Code: "1001", SubjectName: "ANA SOUZA", ServiceDate: "05/03/2025", Amount: "10,00",
		Attached: p.attached,
	}}, nil
}

func (p *slotPortal) OpenRow(context.Context, ledger.Row) error { return nil }

func (p *slotPortal) ChooseSlot(_ context.Context, dt claim.DocType) (upload.Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chosen = dt
	return upload.Target{ControlCode: "c"}, nil
}

func (p *slotPortal) Transfer(context.Context, upload.Target, string, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers = append(p.transfers, p.chosen)
	return nil
}

func (p *slotPortal) Finalize(context.Context, upload.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = p.attached.With(p.chosen)
	return nil
}

func TestRun_BothSlotsOfOneRowAreUploaded(t *testing.T) {
	const (
		gto = "Ana_Souza - 11 - 05-03-2025 - 10,00 - GTO.jpg"
		rx  = "Ana_Souza - 11 - 05-03-2025 - 10,00 - RX.jpg"
	)
	mb := fill(t, gto, rx)
	p := &slotPortal{}
	matcher := ledger.NewMatcher(p, ledger.PolicyServiceMonth, time.Now(), quiet())
	engine := upload.New(p, matcher, upload.Config{
		VerifyTimeout:  50 * time.Millisecond,
		VerifyInterval: 5 * time.Millisecond,
	}, quiet())

	rc, err := New(mb, &fakeAuth{}, matcher, engine, Options{Logger: quiet()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r := rc.Report; r.Succeeded != 2 || r.Skipped != 0 || r.Failed != 0 {
		t.Fatalf("report = %+v", r)
	}
	if len(p.transfers) != 2 || p.transfers[0] != claim.DocGTO || p.transfers[1] != claim.DocRX {
		t.Fatalf("transfers = %v, want [GTO RX]", p.transfers)
	}
	if exists(t, mb, gto) || exists(t, mb, rx) {
		t.Fatal("verified artifacts must leave the mailbox")
	}

	// A rerun with both slots filled uploads nothing.
	mb = fill(t, rx)
	rc, err = New(mb, &fakeAuth{}, matcher, engine, Options{Logger: quiet()}).Run(context.Background())
	if err != nil || rc.Report.Skipped != 1 || len(p.transfers) != 2 {
		t.Fatalf("rerun report = %+v, transfers = %v, err = %v", rc.Report, p.transfers, err)
	}
}
