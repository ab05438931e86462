package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/om-intake/archive"
	"github.com/dhcgn/om-intake/classify"
	"github.com/dhcgn/om-intake/config"
	"github.com/dhcgn/om-intake/fetch"
	"github.com/dhcgn/om-intake/imap"
	"github.com/dhcgn/om-intake/intake"
	"github.com/dhcgn/om-intake/mbox"
	"github.com/dhcgn/om-intake/progress"
	"github.com/dhcgn/om-intake/queue"
	"github.com/dhcgn/om-intake/redirect"
	"github.com/dhcgn/om-intake/runner"
	"github.com/dhcgn/om-intake/source"
	"github.com/dhcgn/om-intake/stats"
	"github.com/dhcgn/om-intake/triage"
)

func newRunCmd() (*cobra.Command, error) {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Triage the most recent messages once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting om-intake", "source", cfg.Source, "top", cfg.Top, "intake", cfg.IntakeDir, "queue", cfg.QueueFile, "dryRun", cfg.DryRun)

			return runIntake(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(runCmd); err != nil {
		return nil, err
	}
	return runCmd, nil
}

func openSource(cfg config.Config, logger *slog.Logger) (source.Source, error) {
	switch cfg.Source {
	case config.SourceMbox:
		return mbox.NewReader(mbox.Options{Path: cfg.MboxPath, Top: cfg.Top}, logger)
	default:
		return imap.NewReader(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			Token:              cfg.IMAPToken,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.Folder,
			Top:                cfg.Top,
		}, logger)
	}
}

// runIntake performs every setup step before the first message is touched;
// any setup failure ends the run with nothing processed.
func runIntake(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	src, err := openSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("%s source: %w", cfg.Source, err)
	}
	if err := src.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s source: %w", cfg.Source, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Debug("source close failed", "err", err)
		}
	}()

	envs, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	dir, err := intake.NewDir(cfg.IntakeDir, cfg.DryRun, logger)
	if err != nil {
		return err
	}
	q, err := queue.New(cfg.QueueFile, logger)
	if err != nil {
		return err
	}

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	policy := classify.NewPolicy(cfg.GatedHosts, cfg.BrokerDomains)
	logger.Debug("host policy", "gated", len(policy.GatedHosts()), "brokers", policy.BrokerDomains())

	orch, err := triage.New(triage.Options{LinkCap: cfg.LinkCap, DryRun: cfg.DryRun}, triage.Deps{
		Resolver:   redirect.New(),
		Classifier: policy,
		Downloader: fetch.New(fetch.Options{
			ProbeTimeout: cfg.ProbeTimeout,
			FetchTimeout: cfg.FetchTimeout,
			MaxRedirects: cfg.MaxRedirects,
			UserAgent:    cfg.UserAgent,
		}, logger),
		Expander:    &archive.Expander{Logger: logger},
		Saver:       dir,
		Deferrer:    q,
		Attachments: src,
		Events:      r.EmitEvent,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("triage.New: %w", err)
	}

	stats.NewReporter(r, logger)
	progress.NewReporter(r, progress.New(len(envs), cfg.LogLevel), logger, dir.BytesWritten)

	r.Feed(envs)
	r.Triage(orch)
	return r.Start()
}
