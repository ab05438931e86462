package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/om-intake/stats"
)

// Bar tracks triage progress over the listed messages.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
	stopped bool
}

// New creates a progress bar when logLevel is "info" and there is work.
func New(total int, logLevel string) *Bar {
	bar := &Bar{
		total:   total,
		enabled: logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pterm.Info.Printf("Messages to triage: %d\n", total)
		pterm.Println()

		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Triaging messages").
			Start()
		bar.pb = pb
	}

	return bar
}

// settles reports whether evt is the last event a listed message produces:
// it was triaged, or it left at the source stage without reaching triage.
func settles(evt stats.Event) bool {
	switch evt.Type {
	case stats.EventTypeTriaged, stats.EventTypeFiltered, stats.EventTypeDuplicate:
		return true
	case stats.EventTypeError:
		return evt.Stage == stats.StageSource
	}
	return false
}

// Update advances the bar once per settled message and surfaces errors.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if evt.Type == stats.EventTypeError && evt.Err != nil {
		pterm.Error.Printf("Error: %v\n", evt.Err)
	}
	if !settles(evt) {
		return
	}

	b.done++
	b.pb.Increment()
	if evt.Type == stats.EventTypeTriaged && evt.MessageID != "" {
		displayID := evt.MessageID
		if len(displayID) > 40 {
			displayID = displayID[:37] + "..."
		}
		b.pb.UpdateTitle("Triaged: " + displayID)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	b.pb.Stop()
	pterm.Success.Println("Triage complete!")
}

// Reporter feeds one event stream into both the bar and a collector, then
// prints the run summary.
type Reporter struct {
	bar         *Bar
	collector   *stats.Collector
	logger      *slog.Logger
	started     time.Time
	intakeBytes func() int64
}

// NewReporter subscribes to stream. intakeBytes, when non-nil, reports the
// bytes written to the intake folder for the summary.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger, intakeBytes func() int64) *Reporter {
	reporter := &Reporter{
		bar:         bar,
		collector:   stats.NewCollector(),
		logger:      logger,
		started:     time.Now(),
		intakeBytes: intakeBytes,
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress", reporter.consume)
	}

	return reporter
}

func (pr *Reporter) consume(ctx context.Context, events <-chan stats.Event) error {
	defer pr.bar.Stop()
	for {
		select {
		case <-ctx.Done():
			if pr.logger != nil {
				pr.logger.Debug("progress reporting stopped", "err", ctx.Err())
			}
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				pr.bar.Stop()
				pr.printSummary()
				return nil
			}
			pr.bar.Update(evt)
			pr.collector.Apply(evt)
		}
	}
}

func (pr *Reporter) printSummary() {
	summary := pr.collector.Snapshot()

	pterm.Println()
	pterm.DefaultSection.Println("Triage Summary")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	pterm.Info.Printf("Messages scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Messages triaged: %d\n", summary.Triaged)
	pterm.Info.Printf("Messages pulled: %d\n", summary.Pulled)
	pterm.Info.Printf("Attachments saved: %d\n", summary.AttachmentsSaved)
	pterm.Info.Printf("Links saved: %d\n", summary.LinksSaved)
	if pr.intakeBytes != nil {
		pterm.Info.Printf("Written to intake: %s\n", humanize.Bytes(uint64(pr.intakeBytes())))
	}
	pterm.Info.Printf("Deferred: %d (gated %d, non-allowlisted %d, failed %d)\n",
		summary.Deferred, summary.Gated, summary.NonAllowlisted, summary.Failed)
	if summary.Filtered > 0 || summary.Duplicates > 0 {
		pterm.Info.Printf("Skipped: %d filtered, %d already seen\n", summary.Filtered, summary.Duplicates)
	}
	if summary.Capped > 0 {
		pterm.Warning.Printf("Links over the per-message cap: %d\n", summary.Capped)
	}
	if summary.Errors > 0 {
		pterm.Error.Printf("Errors: %d\n", summary.Errors)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}
}

// Summary returns what the reporter has counted so far.
func (pr *Reporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}
