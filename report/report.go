// Package report renders the outcome of a batch run: structured log lines
// for the operator and an optional XLSX workbook.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/claimsync/batch"
)

// Log emits one "run summary" line with the counters and one
// "run item failed" line per error, all tagged with the run ID.
func Log(ctx context.Context, logger *slog.Logger, rc *batch.RunContext) {
	if logger == nil {
		logger = slog.Default()
	}
	r := rc.Report
	level := slog.LevelInfo
	switch {
	case r.Aborted:
		level = slog.LevelError
	case r.Failed > 0:
		level = slog.LevelWarn
	}

	attrs := []any{
		"run_id", rc.ID,
		"total", r.Total,
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"not_found", r.NotFound,
		"skipped", r.Skipped,
		"duration", rc.Duration().Round(time.Millisecond).String(),
	}
	if r.Aborted {
		attrs = append(attrs, "aborted", true, "remaining", r.Remaining(), "error", errText(r.Fatal))
	}
	logger.Log(ctx, level, "run summary", attrs...)

	for i, e := range r.Errors {
		logger.WarnContext(ctx, "run item failed",
			"run_id", rc.ID,
			"seq", i+1,
			"artifact", e.Artifact,
			"kind", string(e.Kind),
			"error", e.Message(),
		)
	}
}

const (
	sheetSummary = "Resumo"
	sheetErrors  = "Erros"
)

// WriteXLSX writes the run to a workbook with a summary sheet and an error
// sheet. The path must end in .xlsx.
func WriteXLSX(path string, rc *batch.RunContext) error {
	if !strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return fmt.Errorf("report: %s: not an .xlsx path", path)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return fmt.Errorf("report: rename sheet: %w", err)
	}
	if err := writeSummary(f, rc); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetErrors); err != nil {
		return fmt.Errorf("report: new sheet: %w", err)
	}
	if err := writeErrors(f, rc); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("report: save %s: %w", path, err)
	}
	return nil
}

func writeSummary(f *excelize.File, rc *batch.RunContext) error {
	r := rc.Report
	rows := [][]any{
		{"run_id", rc.ID},
		{"started", rc.Started.Format(time.RFC3339)},
		{"finished", rc.Finished.Format(time.RFC3339)},
		{"total", r.Total},
		{"succeeded", r.Succeeded},
		{"failed", r.Failed},
		{"not_found", r.NotFound},
		{"skipped", r.Skipped},
		{"aborted", r.Aborted},
	}
	if r.Aborted {
		rows = append(rows, []any{"remaining", r.Remaining()}, []any{"fatal", errText(r.Fatal)})
	}
	for i, row := range rows {
		if err := setRow(f, sheetSummary, i+1, row); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheetSummary, "A", "B", 24)
}

func writeErrors(f *excelize.File, rc *batch.RunContext) error {
	if err := setRow(f, sheetErrors, 1, []any{"#", "artifact", "kind", "error"}); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("report: style: %w", err)
	}
	if err := f.SetRowStyle(sheetErrors, 1, 1, style); err != nil {
		return fmt.Errorf("report: row style: %w", err)
	}
	for i, e := range rc.Report.Errors {
		if err := setRow(f, sheetErrors, i+2, []any{i + 1, e.Artifact, string(e.Kind), e.Message()}); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheetErrors, "B", "B", 60)
}

func setRow(f *excelize.File, sheet string, n int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return fmt.Errorf("report: cell: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("report: %s row %d: %w", sheet, n, err)
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
