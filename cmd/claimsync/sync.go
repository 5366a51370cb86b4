package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/claimsync/batch"
	"github.com/hazyhaar/claimsync/config"
	"github.com/hazyhaar/claimsync/journal"
	"github.com/hazyhaar/claimsync/ledger"
	"github.com/hazyhaar/claimsync/mailbox"
	"github.com/hazyhaar/claimsync/portal"
	"github.com/hazyhaar/claimsync/report"
	"github.com/hazyhaar/claimsync/upload"
)

type syncOptions struct {
	quiet bool
	xlsx  string
}

func syncCmd(a *app) *cobra.Command {
	var opts syncOptions
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload every pending artifact to the portal once",
		Long: `Drains the mailbox once: logs into the portal, finds the listing row of
each artifact, attaches the image and waits until the portal shows it.
Verified artifacts leave the mailbox; failures stay for the next run.

Exit status is 1 only when the run was aborted (login or browser failure,
unreadable mailbox, interrupt). Per-artifact failures are reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(config.ModeSync); err != nil {
				return err
			}
			return runSync(cmd.Context(), a.cfg, a.logger, opts, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "no progress bar")
	cmd.Flags().StringVar(&opts.xlsx, "xlsx", "", "also write the run report to this .xlsx file")
	return cmd
}

func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts syncOptions, stderr io.Writer) error {
	policy, err := ledger.ParsePolicy(cfg.Window)
	if err != nil {
		return err
	}

	sess := portal.New(cfg.Portal, logger)
	defer sess.Close()
	matcher := ledger.NewMatcher(sess, policy, time.Now(), logger)
	engine := upload.New(sess, matcher, cfg.Upload, logger)

	bopts := batch.Options{Logger: logger}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		bopts.Journal = j
	}
	if !opts.quiet {
		bopts.Progress = newProgress(stderr)
	}

	orch := batch.New(mailbox.New(cfg.Mailbox.Dir), startingAuth{sess}, matcher, engine, bopts)
	rc, runErr := orch.Run(ctx)

	report.Log(context.WithoutCancel(ctx), logger, rc)
	if opts.xlsx != "" {
		if err := report.WriteXLSX(opts.xlsx, rc); err != nil {
			logger.Error("sync: write xlsx", "path", opts.xlsx, "error", err)
			if runErr == nil {
				return err
			}
		} else {
			logger.Info("sync: report written", "path", opts.xlsx)
		}
	}
	return runErr
}

// startingAuth opens the browser on first login, so an empty mailbox never
// starts one.
type startingAuth struct {
	s *portal.Session
}

func (a startingAuth) Login(ctx context.Context) error {
	if err := a.s.Start(ctx); err != nil {
		return err
	}
	return a.s.Login(ctx)
}

// newProgress returns a batch progress callback drawing a bar on w. The bar
// is created on the first call, once the total is known.
func newProgress(w io.Writer) func(done, total int, o batch.Outcome) {
	var bar *progressbar.ProgressBar
	return func(done, total int, o batch.Outcome) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionShowCount(),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("enviando"),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
			)
		}
		if o.Status == batch.StatusFailed {
			bar.Describe(fmt.Sprintf("enviando (%s: %s)", o.Kind, o.Artifact))
		}
		if err := bar.Set(done); err != nil {
			slog.Debug("sync: progress bar", "error", err)
		}
	}
}
