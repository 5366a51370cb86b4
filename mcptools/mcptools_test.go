package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/claimsync/batch"
	"github.com/hazyhaar/claimsync/journal"
	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/mailbox"
)

var testImpl = &mcp.Implementation{Name: "claimsync-test", Version: "0.1.0"}

func session(t *testing.T, mb Mailbox, j Journal) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	Register(srv, mb, j)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testImpl, nil)
	s, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func call(t *testing.T, s *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	result, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
		t.Fatalf("unmarshal %s: %v", tc.Text, err)
	}
}

func callErr(t *testing.T, s *mcp.ClientSession, name string, args any) {
	t.Helper()
	result, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		// Rejected before reaching the handler.
		return
	}
	if !result.IsError {
		t.Fatalf("CallTool(%s): expected a tool error", name)
	}
}

// ---------------------------------------------------------------------------
// Codec tools
// ---------------------------------------------------------------------------

func TestMCP_KeyDecode(t *testing.T) {
	s := session(t, nil, nil)

	var rec recordView
	call(t, s, "claimsync_key_decode", map[string]any{
		"key": "Ana_Souza - 123 - 05-03-2025 - 1.234,50 - RX.jpg",
	}, &rec)
	if rec.Name != "Ana Souza" || rec.ServiceDate != "05/03/2025" || rec.Amount != "1.234,50" || rec.DocType != "RX" {
		t.Fatalf("record = %+v", rec)
	}

	callErr(t, s, "claimsync_key_decode", map[string]any{"key": "holiday.jpg"})
}

func TestMCP_KeyEncode(t *testing.T) {
	s := session(t, nil, nil)

	var resp struct {
		Key string `json:"key"`
	}
	call(t, s, "claimsync_key_encode", map[string]any{
		"name":        "Ana Souza",
		"access_code": "123",
		"date":        "05/03/2025",
		"amount":      "R$ 150",
		"doc_type":    "gto",
		"ext":         ".PNG",
	}, &resp)
	if resp.Key != "Ana_Souza - 123 - 05-03-2025 - 150,00 - GTO.png" {
		t.Fatalf("key = %q", resp.Key)
	}

	callErr(t, s, "claimsync_key_encode", map[string]any{"name": "Ana", "doc_type": "RX"})
}

func TestMCP_FieldsValidate(t *testing.T) {
	s := session(t, nil, nil)

	var resp struct {
		OK       bool `json:"ok"`
		Problems []struct {
			Field string `json:"field"`
		} `json:"problems"`
	}
	call(t, s, "claimsync_fields_validate", map[string]any{
		"name": "Al",
		"date": "32/01/2025",
	}, &resp)
	if resp.OK {
		t.Fatal("expected problems")
	}
	want := []string{"name", "access_code", "date", "amount"}
	if len(resp.Problems) != len(want) {
		t.Fatalf("problems = %+v", resp.Problems)
	}
	for i, p := range resp.Problems {
		if p.Field != want[i] {
			t.Errorf("problem[%d] = %s, want %s", i, p.Field, want[i])
		}
	}
}

func TestMCP_JournalToolsAbsentWithoutJournal(t *testing.T) {
	s := session(t, nil, nil)
	res, err := s.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, tool := range res.Tools {
		if tool.Name == "claimsync_journal_runs" || tool.Name == "claimsync_mailbox_pending" {
			t.Errorf("unexpected tool %s", tool.Name)
		}
	}
}

// ---------------------------------------------------------------------------
// Mailbox and journal tools
// ---------------------------------------------------------------------------

func TestMCP_MailboxPending(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Ana - 1 - 05-03-2025 - 10,00 - RX.jpg", "scan.png", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s := session(t, mailbox.New(dir), nil)

	var resp struct {
		Count     int           `json:"count"`
		Artifacts []pendingView `json:"artifacts"`
	}
	call(t, s, "claimsync_mailbox_pending", map[string]any{}, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, artifacts = %+v", resp.Count, resp.Artifacts)
	}
	if resp.Artifacts[0].Record == nil || resp.Artifacts[0].Record.AccessCode != "1" {
		t.Errorf("first = %+v", resp.Artifacts[0])
	}
	if resp.Artifacts[1].Key != "scan.png" || resp.Artifacts[1].Error == "" {
		t.Errorf("second = %+v", resp.Artifacts[1])
	}
}

func TestMCP_JournalTools(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	ctx := context.Background()
	start := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	rc := &batch.RunContext{ID: "run-a", Started: start}
	rc.Report.Total = 1
	if err := j.StartRun(ctx, rc); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordItem(ctx, rc.ID, batch.Outcome{
		Artifact: "a.jpg", Status: batch.StatusFailed, Kind: batch.KindNotFound, Err: ledger.ErrNotFound, At: start,
	}); err != nil {
		t.Fatal(err)
	}
	rc.Report.Failed, rc.Report.NotFound = 1, 1
	rc.Finished = start.Add(time.Minute)
	if err := j.FinishRun(ctx, rc); err != nil {
		t.Fatal(err)
	}

	s := session(t, nil, j)

	var runs struct {
		Count int           `json:"count"`
		Runs  []journal.Run `json:"runs"`
	}
	call(t, s, "claimsync_journal_runs", map[string]any{"limit": 5}, &runs)
	if runs.Count != 1 || runs.Runs[0].ID != "run-a" || runs.Runs[0].NotFound != 1 {
		t.Fatalf("runs = %+v", runs)
	}

	var items struct {
		Items []journal.Item `json:"items"`
	}
	call(t, s, "claimsync_run_items", map[string]any{"run_id": "run-a"}, &items)
	if len(items.Items) != 1 || items.Items[0].Kind != "not_found" {
		t.Fatalf("items = %+v", items)
	}

	var hist struct {
		Count int `json:"count"`
	}
	call(t, s, "claimsync_artifact_history", map[string]any{"key": "a.jpg"}, &hist)
	if hist.Count != 1 {
		t.Fatalf("history = %+v", hist)
	}

	callErr(t, s, "claimsync_run_items", map[string]any{})
}
