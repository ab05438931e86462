package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dhcgn/om-intake/config"
	"github.com/dhcgn/om-intake/model"
	"github.com/dhcgn/om-intake/queue"
	"github.com/dhcgn/om-intake/stats"
)

var queueReports = []string{"host", "subject"}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the deferred-link queue",
	}
	queueCmd.PersistentFlags().String("queue-file", config.DefaultQueueFile, "JSON file holding deferred links")

	var limit int
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List queued links, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadQueue(cmd)
			if err != nil {
				return err
			}
			renderQueue(cmd.OutOrStdout(), entries, limit)
			return nil
		},
	}
	showCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the last N entries (0 for all)")

	var (
		reportDir string
		topN      int
	)
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show which hosts and subjects fill the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadQueue(cmd)
			if err != nil {
				return err
			}

			counter := countQueue(entries)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queued links: %d\n\n", len(entries))
			for _, report := range queueReports {
				fmt.Fprintf(out, "Top %d %s:\n", topN, report)
				stats.PrettyPrintTop(out, counter[report], topN)
				fmt.Fprintln(out)
			}

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReports(counter, queueReports, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "Reports saved to directory: %s\n", reportDir)
			return nil
		},
	}
	statsCmd.Flags().StringVarP(&reportDir, "output", "o", "", "Output directory for CSV reports (none when empty)")
	statsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display")

	queueCmd.AddCommand(showCmd, statsCmd)
	return queueCmd
}

func loadQueue(cmd *cobra.Command) ([]queue.Entry, error) {
	path, err := cmd.Flags().GetString("queue-file")
	if err != nil {
		return nil, err
	}
	entries, err := queue.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", path, err)
	}
	return entries, nil
}

func renderQueue(w io.Writer, entries []queue.Entry, limit int) {
	start := 0
	if limit > 0 && len(entries) > limit {
		start = len(entries) - limit
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Queued At", "Host", "Subject", "URL"})
	for i := start; i < len(entries); i++ {
		e := entries[i]
		t.AppendRow(table.Row{i + 1, e.QueuedAt.Format("2006-01-02 15:04:05Z07:00"), hostOf(e.URL), e.Subject, e.URL})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(entries)})
	t.Render()
}

func countQueue(entries []queue.Entry) map[string]map[string]int {
	counter := make(map[string]map[string]int, len(queueReports))
	for _, r := range queueReports {
		counter[r] = make(map[string]int)
	}
	for _, e := range entries {
		if host := hostOf(e.URL); host != "" {
			counter["host"][host]++
		}
		if e.Subject != "" {
			counter["subject"][e.Subject]++
		}
	}
	return counter
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return model.HostOf(u)
}

func saveCSVReports(counter map[string]map[string]int, reports []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, report := range reports {
		filePath := filepath.Join(dir, fmt.Sprintf("queue_%s.csv", normalizeReportName(report)))
		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		for _, p := range stats.Top(counter[report], limit) {
			if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		if err := writer.Error(); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeReportName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, " ", "_")
}
