// Package cmd holds the om-intake command tree.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/om-intake/config"
)

// Execute builds the command tree and runs it under ctx.
func Execute(ctx context.Context) error {
	root, err := newRootCmd()
	if err != nil {
		return fmt.Errorf("failed to register CLI flags: %w", err)
	}
	return root.ExecuteContext(ctx)
}

func newRootCmd() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:          "om-intake",
		Short:        "Pull offering memoranda out of broker email into the intake folder",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFiles()
		},
	}

	run, err := newRunCmd()
	if err != nil {
		return nil, err
	}
	root.AddCommand(run, newQueueCmd())
	return root, nil
}

func setupLogger(logLevel, logDir string) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch logLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(logDir, fmt.Sprintf("om-intake-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
