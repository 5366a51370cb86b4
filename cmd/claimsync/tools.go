package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/claimsync/claim"
	"github.com/hazyhaar/claimsync/journal"
	"github.com/hazyhaar/claimsync/mailbox"
	"github.com/hazyhaar/claimsync/mcptools"
)

func decodeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <filename>...",
		Short: "Show the record encoded in mailbox file names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return decodeKeys(a.out, args)
		},
	}
}

// decodeKeys prints one block per key. It fails if any key did not decode,
// after printing all of them.
func decodeKeys(w io.Writer, keys []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	bad := 0
	for i, k := range keys {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "arquivo:\t%s\n", k)
		rec, err := claim.DecodeKey(k)
		if err != nil {
			fmt.Fprintf(tw, "erro:\t%v\n", err)
			bad++
			continue
		}
		fmt.Fprintf(tw, "nome:\t%s\n", rec.DisplayName())
		fmt.Fprintf(tw, "código:\t%s\n", rec.AccessCode)
		fmt.Fprintf(tw, "data:\t%s\n", rec.DisplayDate())
		fmt.Fprintf(tw, "valor:\t%s\n", rec.Amount)
		fmt.Fprintf(tw, "tipo:\t%s\n", rec.DocType)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d names did not decode", bad, len(keys))
	}
	return nil
}

func mcpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only operator tools over MCP (stdio)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveMCP(cmd.Context(), a)
		},
	}
}

func serveMCP(ctx context.Context, a *app) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "claimsync", Version: version}, nil)

	var j mcptools.Journal
	if a.cfg.Journal.Path != "" {
		jr, err := journal.Open(a.cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer jr.Close()
		j = jr
	}
	mcptools.Register(srv, mailbox.New(a.cfg.Mailbox.Dir), j)

	a.logger.Info("mcp: serving on stdio", "journal", j != nil)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}
