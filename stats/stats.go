package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource Stage = "source"
	StageTriage Stage = "triage"
)

type EventType string

const (
	EventTypeScanned         EventType = "scanned"
	EventTypeFiltered        EventType = "filtered"
	EventTypeDuplicate       EventType = "duplicate"
	EventTypeTriaged         EventType = "triaged"
	EventTypeAttachmentSaved EventType = "attachment_saved"
	EventTypeLinkSaved       EventType = "link_saved"
	EventTypeDeferred        EventType = "deferred"
	EventTypeCapped          EventType = "capped"
	EventTypePulled          EventType = "pulled"
	EventTypeError           EventType = "error"
)

// Deferral reasons carried in Event.Detail for EventTypeDeferred.
const (
	ReasonGated          = "gated"
	ReasonNonAllowlisted = "non_allowlisted"
	ReasonProbeRejected  = "probe_rejected"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
	Count     int
}

type Summary struct {
	Scanned          int
	Filtered         int
	Duplicates       int
	Triaged          int
	Pulled           int
	AttachmentsSaved int
	LinksSaved       int
	Deferred         int
	Gated            int
	NonAllowlisted   int
	Failed           int
	Capped           int
	Errors           int
	LastError        error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"duplicates", s.Duplicates,
		"triaged", s.Triaged,
		"pulled", s.Pulled,
		"attachmentsSaved", s.AttachmentsSaved,
		"linksSaved", s.LinksSaved,
		"deferred", s.Deferred,
		"gated", s.Gated,
		"nonAllowlisted", s.NonAllowlisted,
		"failed", s.Failed,
		"capped", s.Capped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := evt.Count
	if count <= 0 {
		count = 1
	}

	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeTriaged:
		c.summary.Triaged++
	case EventTypePulled:
		c.summary.Pulled++
	case EventTypeAttachmentSaved:
		c.summary.AttachmentsSaved += count
	case EventTypeLinkSaved:
		c.summary.LinksSaved += count
	case EventTypeCapped:
		c.summary.Capped += count
	case EventTypeDeferred:
		c.summary.Deferred++
		switch evt.Detail {
		case ReasonGated:
			c.summary.Gated++
		case ReasonNonAllowlisted:
			c.summary.NonAllowlisted++
		default:
			c.summary.Failed++
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop writes the top N most frequent items in a map to w.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

// Pair is a counted key.
type Pair struct {
	Key   string
	Value int
}

// Top returns up to limit pairs ordered by count, then key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
