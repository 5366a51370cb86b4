package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/claimsync/batch"
)

func sampleRun() *batch.RunContext {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rc := &batch.RunContext{ID: "run-7", Started: start, Finished: start.Add(90 * time.Second)}
	rc.Report = batch.Report{
		Total: 3, Succeeded: 2, Failed: 1, NotFound: 1,
		Errors: []batch.ItemError{
			{Artifact: "Bruno - 22 - 06-03-2025 - 20,00 - GTO.jpg", Kind: batch.KindNotFound, Err: errors.New("ledger: no matching row")},
		},
	}
	return rc
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	Log(context.Background(), logger, sampleRun())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d:\n%s", len(lines), buf.String())
	}

	var summary map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &summary); err != nil {
		t.Fatal(err)
	}
	if summary["msg"] != "run summary" || summary["level"] != "WARN" || summary["run_id"] != "run-7" {
		t.Fatalf("summary = %v", summary)
	}
	if summary["total"] != float64(3) || summary["not_found"] != float64(1) || summary["duration"] != "1m30s" {
		t.Fatalf("summary = %v", summary)
	}

	var item map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &item); err != nil {
		t.Fatal(err)
	}
	if item["msg"] != "run item failed" || item["kind"] != "not_found" || item["seq"] != float64(1) {
		t.Fatalf("item = %v", item)
	}
}

func TestLog_Aborted(t *testing.T) {
	var buf bytes.Buffer
	rc := sampleRun()
	rc.Report.Aborted = true
	rc.Report.Fatal = errors.New("portal: login rejected")
	Log(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)), rc)
	if !strings.Contains(buf.String(), `"level":"ERROR"`) || !strings.Contains(buf.String(), "login rejected") {
		t.Fatalf("output = %s", buf.String())
	}
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.xlsx")
	if err := WriteXLSX(path, sampleRun()); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	summary, err := f.GetRows(sheetSummary)
	if err != nil {
		t.Fatal(err)
	}
	if summary[0][1] != "run-7" || summary[3][0] != "total" || summary[3][1] != "3" {
		t.Fatalf("summary = %v", summary)
	}

	errs, err := f.GetRows(sheetErrors)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 2 || errs[1][2] != "not_found" || !strings.HasPrefix(errs[1][1], "Bruno") {
		t.Fatalf("errors = %v", errs)
	}
}

func TestWriteXLSX_RejectsOtherExtensions(t *testing.T) {
	if err := WriteXLSX(filepath.Join(t.TempDir(), "run.csv"), sampleRun()); err == nil {
		t.Fatal("expected error for .csv path")
	}
}
