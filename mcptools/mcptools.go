// CLAUDE:SUMMARY Read-only MCP tools over the mailbox, the key codec, the field validator and the run journal.
// Package mcptools exposes claimsync state to MCP clients. Every tool is
// read-only: nothing here uploads, logs in or deletes artifacts.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/journal"
	"github.com/hazyhaar/claimsync/mailbox"
)

// Mailbox lists pending artifacts.
type Mailbox interface {
	Pending() ([]mailbox.Artifact, error)
}

// Journal reads run history.
type Journal interface {
	Runs(ctx context.Context, limit int) ([]journal.Run, error)
	Items(ctx context.Context, runID string) ([]journal.Item, error)
	History(ctx context.Context, artifact string) ([]journal.Item, error)
}

// Register adds the claimsync tools to srv. j may be nil, in which case the
// journal tools are not registered.
func Register(srv *mcp.Server, mb Mailbox, j Journal) {
	registerKeyDecode(srv)
	registerKeyEncode(srv)
	registerFieldsValidate(srv)
	if mb != nil {
		registerMailboxPending(srv, mb)
	}
	if j != nil {
		registerJournalRuns(srv, j)
		registerRunItems(srv, j)
		registerArtifactHistory(srv, j)
	}
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// addTool registers h under tool. Argument and handler failures become tool
// errors; results are returned as one JSON text block.
func addTool(srv *mcp.Server, tool *mcp.Tool, h handlerFunc) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.Params.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		resp, err := h(ctx, args)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("invalid arguments: %w", err)
	}
	return v, nil
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// recordView is the JSON shape of a decoded record.
type recordView struct {
	Name        string `json:"name"`
	AccessCode  string `json:"access_code"`
	ServiceDate string `json:"service_date"`
	Amount      string `json:"amount"`
	DocType     string `json:"doc_type"`
	Ext         string `json:"ext"`
}

func viewOf(r claim.Record) recordView {
	return recordView{
		Name:        r.DisplayName(),
		AccessCode:  r.AccessCode,
		ServiceDate: r.DisplayDate(),
		Amount:      r.Amount,
		DocType:     string(r.DocType),
		Ext:         r.Ext,
	}
}

// --- key_decode ---

func registerKeyDecode(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "claimsync_key_decode",
		Description: "Decode an artifact key (mailbox file name) into its record fields.",
		InputSchema: inputSchema(map[string]any{
			"key": str("Artifact key, e.g. \"Ana - 123 - 05-03-2025 - 150,00 - RX.jpg\""),
		}, []string{"key"}),
	}
	addTool(srv, tool, func(_ context.Context, args json.RawMessage) (any, error) {
		r, err := decode[struct {
			Key string `json:"key"`
		}](args)
		if err != nil {
			return nil, err
		}
		rec, err := claim.DecodeKey(r.Key)
		if err != nil {
			return nil, err
		}
		return viewOf(rec), nil
	})
}

// --- key_encode ---

type fieldsArgs struct {
	Name       *string `json:"name"`
	AccessCode *string `json:"access_code"`
	Date       *string `json:"date"`
	Amount     *string `json:"amount"`
}

func (a fieldsArgs) fields() claim.Fields {
	return claim.Fields{SubjectName: a.Name, AccessCode: a.AccessCode, ServiceDate: a.Date, Amount: a.Amount}
}

var fieldProps = map[string]any{
	"name":        str("Beneficiary name"),
	"access_code": str("Access code"),
	"date":        str("Service date, DD/MM/YYYY"),
	"amount":      str("Amount, free-form (\"R$ 1.234,50\")"),
}

func registerKeyEncode(srv *mcp.Server) {
	props := map[string]any{
		"doc_type": str("Document type: RX or GTO"),
		"ext":      str("Image extension with dot. Default .jpg"),
	}
	for k, v := range fieldProps {
		props[k] = v
	}
	tool := &mcp.Tool{
		Name:        "claimsync_key_encode",
		Description: "Build the artifact key a capture would store for these fields.",
		InputSchema: inputSchema(props, []string{"name", "access_code", "date", "doc_type"}),
	}
	addTool(srv, tool, func(_ context.Context, args json.RawMessage) (any, error) {
		r, err := decode[struct {
			fieldsArgs
			DocType string `json:"doc_type"`
			Ext     string `json:"ext"`
		}](args)
		if err != nil {
			return nil, err
		}
		rec, err := claim.Build(r.fields(), claim.DocType(r.DocType), r.Ext)
		if err != nil {
			return nil, err
		}
		key, err := claim.EncodeKey(rec)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "record": viewOf(rec)}, nil
	})
}

// --- fields_validate ---

func registerFieldsValidate(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "claimsync_fields_validate",
		Description: "Run the capture validator over extracted fields and list the problems an operator would see.",
		InputSchema: inputSchema(fieldProps, nil),
	}
	addTool(srv, tool, func(_ context.Context, args json.RawMessage) (any, error) {
		r, err := decode[fieldsArgs](args)
		if err != nil {
			return nil, err
		}
		ok, problems := claim.Validate(r.fields())
		type problem struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		}
		out := make([]problem, 0, len(problems))
		for _, p := range problems {
			out = append(out, problem{Field: string(p.Field), Message: p.Message})
		}
		return map[string]any{"ok": ok, "problems": out}, nil
	})
}

// --- mailbox_pending ---

type pendingView struct {
	Key      string      `json:"key"`
	Size     int64       `json:"size"`
	Modified time.Time   `json:"modified"`
	Record   *recordView `json:"record,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func registerMailboxPending(srv *mcp.Server, mb Mailbox) {
	tool := &mcp.Tool{
		Name:        "claimsync_mailbox_pending",
		Description: "List artifacts waiting in the mailbox, decoded. Undecodable names carry an error.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	addTool(srv, tool, func(_ context.Context, _ json.RawMessage) (any, error) {
		arts, err := mb.Pending()
		if err != nil {
			return nil, err
		}
		out := make([]pendingView, 0, len(arts))
		for _, a := range arts {
			v := pendingView{Key: a.Key, Size: a.Size, Modified: a.ModTime}
			if rec, err := claim.DecodeKey(a.Key); err != nil {
				v.Error = err.Error()
			} else {
				rv := viewOf(rec)
				v.Record = &rv
			}
			out = append(out, v)
		}
		return map[string]any{"count": len(out), "artifacts": out}, nil
	})
}

// --- journal ---

func registerJournalRuns(srv *mcp.Server, j Journal) {
	tool := &mcp.Tool{
		Name:        "claimsync_journal_runs",
		Description: "List recent reconciliation runs, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum runs to return. Default 20"},
		}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		r, err := decode[struct {
			Limit int `json:"limit"`
		}](args)
		if err != nil {
			return nil, err
		}
		runs, err := j.Runs(ctx, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": len(runs), "runs": runs}, nil
	})
}

func registerRunItems(srv *mcp.Server, j Journal) {
	tool := &mcp.Tool{
		Name:        "claimsync_run_items",
		Description: "List the per-artifact outcomes of one run.",
		InputSchema: inputSchema(map[string]any{
			"run_id": str("Run ID from claimsync_journal_runs"),
		}, []string{"run_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		r, err := decode[struct {
			RunID string `json:"run_id"`
		}](args)
		if err != nil {
			return nil, err
		}
		if r.RunID == "" {
			return nil, errors.New("run_id is required")
		}
		items, err := j.Items(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"run_id": r.RunID, "count": len(items), "items": items}, nil
	})
}

func registerArtifactHistory(srv *mcp.Server, j Journal) {
	tool := &mcp.Tool{
		Name:        "claimsync_artifact_history",
		Description: "Show every recorded outcome for one artifact key, newest first.",
		InputSchema: inputSchema(map[string]any{
			"key": str("Artifact key"),
		}, []string{"key"}),
	}
	addTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		r, err := decode[struct {
			Key string `json:"key"`
		}](args)
		if err != nil {
			return nil, err
		}
		if r.Key == "" {
			return nil, errors.New("key is required")
		}
		items, err := j.History(ctx, r.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": r.Key, "count": len(items), "items": items}, nil
	})
}
