package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/claimsync/batch"
	"github.com/hazyhaar/claimsync/ledger"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RunLifecycle(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	rc := &batch.RunContext{ID: "run-1", Started: start}
	rc.Report.Total = 2
	if err := j.StartRun(ctx, rc); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	items := []batch.Outcome{
		{Artifact: "a.jpg", Status: batch.StatusSucceeded, Row: ledger.Row{Index: 3, Code: "11"}, At: start.Add(time.Second)},
		{Artifact: "b.jpg", Status: batch.StatusFailed, Kind: batch.KindNotFound, Err: ledger.ErrNotFound, At: start.Add(2 * time.Second)},
	}
	for _, o := range items {
		if err := j.RecordItem(ctx, rc.ID, o); err != nil {
			t.Fatalf("RecordItem: %v", err)
		}
	}

	rc.Report.Succeeded, rc.Report.Failed, rc.Report.NotFound = 1, 1, 1
	rc.Finished = start.Add(3 * time.Second)
	if err := j.FinishRun(ctx, rc); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := j.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Total != 2 || run.Succeeded != 1 || run.NotFound != 1 || run.Aborted {
		t.Fatalf("run = %+v", run)
	}
	if !run.Started.Equal(start) || !run.Finished.Equal(rc.Finished) {
		t.Fatalf("times = %v .. %v", run.Started, run.Finished)
	}

	got, err := j.Items(ctx, "run-1")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(got) != 2 || got[0].Artifact != "a.jpg" || got[0].RowIndex != 3 || got[0].RowCode != "11" {
		t.Fatalf("items = %+v", got)
	}
	if got[1].Kind != "not_found" || got[1].Error != ledger.ErrNotFound.Error() {
		t.Fatalf("item = %+v", got[1])
	}
}

func TestJournal_FinishWithoutStart(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	rc := &batch.RunContext{ID: "run-x", Started: time.Now(), Finished: time.Now()}
	rc.Report.Aborted = true
	rc.Report.Fatal = errors.New("mailbox unreadable")
	if err := j.FinishRun(ctx, rc); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	run, err := j.Get(ctx, "run-x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !run.Aborted || run.Fatal != "mailbox unreadable" {
		t.Fatalf("run = %+v", run)
	}
}

func TestJournal_RunsNewestFirst(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		rc := &batch.RunContext{ID: id, Started: base.Add(time.Duration(i) * time.Hour)}
		if err := j.StartRun(ctx, rc); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := j.Runs(ctx, 2)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("runs = %+v", runs)
	}
	if !runs[0].Finished.IsZero() {
		t.Fatal("unfinished run has a finish time")
	}
}

func TestJournal_HistoryAcrossRuns(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2"} {
		rc := &batch.RunContext{ID: id, Started: base.Add(time.Duration(i) * time.Hour)}
		if err := j.StartRun(ctx, rc); err != nil {
			t.Fatal(err)
		}
		status := batch.StatusFailed
		if i == 1 {
			status = batch.StatusSucceeded
		}
		o := batch.Outcome{Artifact: "same.jpg", Status: status, At: rc.Started.Add(time.Minute)}
		if err := j.RecordItem(ctx, id, o); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := j.History(ctx, "same.jpg")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].RunID != "r2" || hist[0].Status != "succeeded" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestJournal_UnknownRun(t *testing.T) {
	j := openTest(t)
	if _, err := j.Get(context.Background(), "nope"); !errors.Is(err, ErrUnknownRun) {
		t.Fatalf("err = %v", err)
	}
}

func TestJournal_RecordItemRequiresRun(t *testing.T) {
	j := openTest(t)
	err := j.RecordItem(context.Background(), "ghost", batch.Outcome{Artifact: "a.jpg", Status: batch.StatusSucceeded, At: time.Now()})
	if err == nil {
		t.Fatal("item of an unknown run should violate the foreign key")
	}
}

func TestIsBusy(t *testing.T) {
	if isBusy(nil) || !isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("isBusy")
	}
}
