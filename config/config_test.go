package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/om-intake/classify"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return LoadConfig(cmd)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"IMAP_PASS", "IMAP_TOKEN", "BROKER_LINK_DOMAINS", "GRAPH_TOP"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := load(t, "--source", "mbox", "--mbox", "inbox.mbox", "--state-dir", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, SourceMbox, cfg.Source)
	assert.Equal(t, DefaultTop, cfg.Top)
	assert.Equal(t, 5, cfg.LinkCap)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 8*time.Second, cfg.FetchTimeout)
	assert.Equal(t, DefaultIntakeDir, cfg.IntakeDir)
	assert.Equal(t, DefaultQueueFile, cfg.QueueFile)
	assert.False(t, cfg.SkipSeen)
	assert.ElementsMatch(t, classify.DefaultGatedHosts, cfg.GatedHosts)
	assert.Empty(t, cfg.BrokerDomains)
}

func TestLoadConfigEnvFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("IMAP_TOKEN", "bearer")
	t.Setenv("BROKER_LINK_DOMAINS", "broker.example, , other.example")
	t.Setenv("GRAPH_TOP", "20")

	cfg, err := load(t, "--imap-host", "mail.example", "--imap-user", "me", "--state-dir", t.TempDir(), "--log-level", "WARNING")
	require.NoError(t, err)

	assert.Equal(t, "bearer", cfg.IMAPToken)
	assert.Equal(t, []string{"broker.example", "other.example"}, cfg.BrokerDomains)
	assert.Equal(t, 20, cfg.Top)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfigTopFlagWinsOverEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRAPH_TOP", "20")
	cfg, err := load(t, "--source", "mbox", "--mbox", "x", "--top", "7", "--state-dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Top)
}

func TestLoadConfigHostsFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gated_hosts:\n  - portal.example\nbroker_domains:\n  - broker.example\n"), 0o600))

	cfg, err := load(t, "--source", "mbox", "--mbox", "x", "--hosts-file", path, "--gated-host", "extra.example", "--state-dir", t.TempDir())
	require.NoError(t, err)

	assert.Contains(t, cfg.GatedHosts, "portal.example")
	assert.Contains(t, cfg.GatedHosts, "extra.example")
	assert.Contains(t, cfg.GatedHosts, "links.crexi.com")
	assert.Equal(t, []string{"broker.example"}, cfg.BrokerDomains)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown source", []string{"--source", "pop3"}},
		{"mbox without path", []string{"--source", "mbox"}},
		{"imap without host", []string{"--imap-user", "u", "--imap-pass", "p"}},
		{"imap without credentials", []string{"--imap-host", "h", "--imap-user", "u"}},
		{"bad port", []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "0"}},
		{"zero link cap", []string{"--source", "mbox", "--mbox", "x", "--link-cap", "0"}},
		{"zero redirects", []string{"--source", "mbox", "--mbox", "x", "--max-redirects", "0"}},
		{"zero timeout", []string{"--source", "mbox", "--mbox", "x", "--fetch-timeout", "0s"}},
		{"filter conflict", []string{"--source", "mbox", "--mbox", "x", "--include-subject", "a", "--exclude-body", "b"}},
		{"bad log level", []string{"--source", "mbox", "--mbox", "x", "--log-level", "trace"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := load(t, append(tt.args, "--state-dir", t.TempDir())...)
			assert.Error(t, err)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Equal(t, []string{"a", "b"}, SplitList(" a ,b,"))
}
