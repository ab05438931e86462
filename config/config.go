package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/om-intake/classify"
)

const (
	SourceIMAP = "imap"
	SourceMbox = "mbox"

	DefaultIntakeDir = "Inputs"
	DefaultQueueFile = "Logs/gated_queue.json"
	DefaultTop       = 50
)

// Config captures all command-line options required for one intake run.
type Config struct {
	Source             string
	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPToken          string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	Top                int
	IntakeDir          string
	QueueFile          string
	StateDir           string
	SkipSeen           bool
	DryRun             bool
	LogDir             string
	LogLevel           string
	HostsFile          string
	GatedHosts         []string
	BrokerDomains      []string
	LinkCap            int
	ProbeTimeout       time.Duration
	FetchTimeout       time.Duration
	MaxRedirects       int
	UserAgent          string
	IncludeSubject     []string
	IncludeBody        []string
	ExcludeSubject     []string
	ExcludeBody        []string
}

// HostsFile is the optional YAML document naming gated hosts and broker
// domains in addition to the built-in gated list.
type HostsFile struct {
	GatedHosts    []string `yaml:"gated_hosts"`
	BrokerDomains []string `yaml:"broker_domains"`
}

// LoadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env.
// Existing environment variables win; missing files are ignored.
func LoadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("source", SourceIMAP, "Mail source: imap or mbox")
	flags.String("mbox", "", "Path to an .mbox file (with --source mbox)")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.String("imap-token", "", "OAuth bearer token for IMAP (falls back to IMAP_TOKEN env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "Mailbox folder to read")
	flags.Int("top", DefaultTop, "Number of most recent messages to examine (falls back to GRAPH_TOP env var)")
	flags.String("intake-dir", DefaultIntakeDir, "Folder receiving acquired PDFs")
	flags.String("queue-file", DefaultQueueFile, "JSON file holding deferred links")
	flags.String("state-dir", defaultStateDir, "Directory for the seen-message journal")
	flags.Bool("skip-seen", false, "Skip messages already triaged by an earlier run")
	flags.Bool("dry-run", false, "Classify, probe and fetch without writing files or queue entries")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("hosts-file", "", "YAML file with gated_hosts and broker_domains lists")
	flags.StringArray("gated-host", nil, "Additional gated host (repeatable)")
	flags.StringArray("broker-domain", nil, "Broker domain allowed without a file extension (repeatable, also BROKER_LINK_DOMAINS)")
	flags.Int("link-cap", 5, "Maximum links examined per message")
	flags.Duration("probe-timeout", 5*time.Second, "Bound on a single HEAD probe")
	flags.Duration("fetch-timeout", 8*time.Second, "Bound on a single GET download")
	flags.Int("max-redirects", 10, "Maximum redirect hops followed per request")
	flags.String("user-agent", "om-intake/1.0", "User-Agent sent on probe and fetch")
	flags.StringArray("include-subject", nil, "Regex allow-list applied to subjects (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to HTML bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-subject", nil, "Regex block-list applied to subjects (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to HTML bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	var cfg Config
	var err error

	strs := []struct {
		name string
		dst  *string
	}{
		{"source", &cfg.Source},
		{"mbox", &cfg.MboxPath},
		{"imap-host", &cfg.IMAPHost},
		{"imap-user", &cfg.IMAPUser},
		{"imap-pass", &cfg.IMAPPass},
		{"imap-token", &cfg.IMAPToken},
		{"folder", &cfg.Folder},
		{"intake-dir", &cfg.IntakeDir},
		{"queue-file", &cfg.QueueFile},
		{"state-dir", &cfg.StateDir},
		{"log-dir", &cfg.LogDir},
		{"log-level", &cfg.LogLevel},
		{"hosts-file", &cfg.HostsFile},
		{"user-agent", &cfg.UserAgent},
	}
	for _, s := range strs {
		if *s.dst, err = flags.GetString(s.name); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"imap-port", &cfg.IMAPPort},
		{"top", &cfg.Top},
		{"link-cap", &cfg.LinkCap},
		{"max-redirects", &cfg.MaxRedirects},
	}
	for _, i := range ints {
		if *i.dst, err = flags.GetInt(i.name); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"use-tls", &cfg.UseTLS},
		{"insecure-skip-verify", &cfg.InsecureSkipVerify},
		{"skip-seen", &cfg.SkipSeen},
		{"dry-run", &cfg.DryRun},
	}
	for _, b := range bools {
		if *b.dst, err = flags.GetBool(b.name); err != nil {
			return Config{}, err
		}
	}

	if cfg.ProbeTimeout, err = flags.GetDuration("probe-timeout"); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = flags.GetDuration("fetch-timeout"); err != nil {
		return Config{}, err
	}

	arrays := []struct {
		name string
		dst  *[]string
	}{
		{"gated-host", &cfg.GatedHosts},
		{"broker-domain", &cfg.BrokerDomains},
		{"include-subject", &cfg.IncludeSubject},
		{"include-body", &cfg.IncludeBody},
		{"exclude-subject", &cfg.ExcludeSubject},
		{"exclude-body", &cfg.ExcludeBody},
	}
	for _, a := range arrays {
		if *a.dst, err = flags.GetStringArray(a.name); err != nil {
			return Config{}, err
		}
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.IMAPToken == "" {
		cfg.IMAPToken = os.Getenv("IMAP_TOKEN")
	}
	if !flags.Changed("top") {
		if v := strings.TrimSpace(os.Getenv("GRAPH_TOP")); v != "" {
			top, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid GRAPH_TOP %q: %w", v, err)
			}
			cfg.Top = top
		}
	}

	if cfg.HostsFile != "" {
		hosts, err := ReadHostsFile(cfg.HostsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.GatedHosts = append(cfg.GatedHosts, hosts.GatedHosts...)
		cfg.BrokerDomains = append(cfg.BrokerDomains, hosts.BrokerDomains...)
	}
	cfg.GatedHosts = append(append([]string{}, classify.DefaultGatedHosts...), cfg.GatedHosts...)
	cfg.BrokerDomains = append(cfg.BrokerDomains, SplitList(os.Getenv("BROKER_LINK_DOMAINS"))...)

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ReadHostsFile parses a YAML hosts file.
func ReadHostsFile(path string) (HostsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HostsFile{}, fmt.Errorf("read hosts file: %w", err)
	}
	var hosts HostsFile
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return HostsFile{}, fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	return hosts, nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required with --source mbox")
		}
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" && cfg.IMAPToken == "" {
			return errors.New("IMAP credentials must be provided via --imap-pass/IMAP_PASS or --imap-token/IMAP_TOKEN")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}

	if cfg.Top <= 0 {
		return fmt.Errorf("--top must be positive")
	}
	if cfg.LinkCap <= 0 {
		return fmt.Errorf("--link-cap must be positive")
	}
	if cfg.ProbeTimeout <= 0 || cfg.FetchTimeout <= 0 {
		return fmt.Errorf("--probe-timeout and --fetch-timeout must be positive")
	}
	if cfg.MaxRedirects < 1 {
		return fmt.Errorf("--max-redirects must be at least 1")
	}
	if strings.TrimSpace(cfg.IntakeDir) == "" {
		return fmt.Errorf("--intake-dir is required")
	}
	if strings.TrimSpace(cfg.QueueFile) == "" {
		return fmt.Errorf("--queue-file is required")
	}

	includeActive := len(cfg.IncludeSubject) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeSubject) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".om-intake", "state"), nil
}
