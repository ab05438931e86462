package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/om-intake/classify"
	"github.com/dhcgn/om-intake/config"
	"github.com/dhcgn/om-intake/queue"
)

func testConfig(t *testing.T, mboxPath string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Source:       config.SourceMbox,
		MboxPath:     mboxPath,
		Top:          50,
		IntakeDir:    filepath.Join(dir, "Inputs"),
		QueueFile:    filepath.Join(dir, "Logs", "gated_queue.json"),
		StateDir:     filepath.Join(dir, "state"),
		LogLevel:     "error",
		GatedHosts:   classify.DefaultGatedHosts,
		LinkCap:      5,
		ProbeTimeout: time.Second,
		FetchTimeout: 2 * time.Second,
	}
}

func TestRunIntakeFromMbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.7 deck")
	}))
	defer srv.Close()

	mboxPath := filepath.Join(t.TempDir(), "inbox.mbox")
	body := fmt.Sprintf(`From broker@broker.example Mon Oct  5 10:00:00 2026
Message-Id: <om-1@broker.example>
Subject: Tower OM
Content-Type: text/html

<a href="%s/deck.pdf">Deck</a> <a href="https://links.crexi.com/x">Portal</a>

`, srv.URL)
	require.NoError(t, os.WriteFile(mboxPath, []byte(body), 0o600))

	cfg := testConfig(t, mboxPath)
	require.NoError(t, runIntake(context.Background(), cfg, slog.New(slog.DiscardHandler)))

	data, err := os.ReadFile(filepath.Join(cfg.IntakeDir, "deck.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 deck", string(data))

	entries, err := queue.Read(cfg.QueueFile)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://links.crexi.com/x", entries[0].URL)
	assert.Equal(t, "Tower OM", entries[0].Subject)
}

func TestRunIntakeSetupFailureProcessesNothing(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.mbox"))
	err := runIntake(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)

	_, statErr := os.Stat(cfg.IntakeDir)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(cfg.QueueFile)
	assert.True(t, os.IsNotExist(statErr))
}
