package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/om-intake/config"
	"github.com/dhcgn/om-intake/filter"
	"github.com/dhcgn/om-intake/model"
	"github.com/dhcgn/om-intake/state"
	"github.com/dhcgn/om-intake/stats"
	"github.com/dhcgn/om-intake/triage"
)

var (
	ErrMessageIDMissing = errors.New("source message missing id")
	ErrInterrupted      = errors.New("run interrupted")
)

type StageFunc func(context.Context) error

// Processor triages one message.
type Processor interface {
	Process(ctx context.Context, msg model.Message) triage.Result
}

type stage struct {
	name string
	fn   StageFunc
}

// Runner wires a message producer, the filter/seen bridge and a single
// sequential triage stage. Stages start when Start is called. Cancelling the
// parent context stops the run before the next message; the message in
// flight finishes within its per-call timeouts.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	// statsCtx outlives an interrupt so the summary still sees every event.
	statsCtx    context.Context
	statsCancel context.CancelFunc

	messages chan model.Envelope
	triage   chan model.Message

	subsMu sync.RWMutex
	subs   []chan stats.Event

	filter  *filter.Filter
	tracker *state.FileTracker

	stages  []stage
	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeTriageOnce  sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(parent context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	f, err := filter.New(filter.Options{
		IncludeSubject: cfg.IncludeSubject,
		IncludeBody:    cfg.IncludeBody,
		ExcludeSubject: cfg.ExcludeSubject,
		ExcludeBody:    cfg.ExcludeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("message filter: %w", err)
	}

	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if parent == nil {
		parent = context.Background()
	}
	logger.Debug("seen journal", "path", tracker.Path(), "skipSeen", cfg.SkipSeen, "persist", !cfg.DryRun)

	ctx, cancel := context.WithCancel(parent)
	statsCtx, statsCancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:         cfg,
		logger:      logger,
		parent:      parent,
		ctx:         ctx,
		cancel:      cancel,
		statsCtx:    statsCtx,
		statsCancel: statsCancel,
		messages:    make(chan model.Envelope, 32),
		triage:      make(chan model.Message, 32),
		filter:      f,
		tracker:     tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) closeMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// Feed adds a producer stage that hands envs to the bridge in order.
func (r *Runner) Feed(envs []model.Envelope) {
	r.AddStage("source", func(ctx context.Context) error {
		defer r.closeMailbox()
		for _, env := range envs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.messages <- env:
			}
		}
		return nil
	})
}

// Triage adds the consumer stage. Messages are processed one at a time so the
// deferral queue has a single writer.
func (r *Runner) Triage(p Processor) {
	r.AddStage("triage", func(ctx context.Context) error {
		for msg := range r.triage {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := p.Process(context.WithoutCancel(ctx), msg)
			r.EmitEvent(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeTriaged, MessageID: msg.ID})

			rec := state.Record{
				Hash:      msg.Hash,
				MessageID: msg.ID,
				Subject:   msg.Subject,
				Pulled:    res.AttachmentsSaved + res.LinksSaved,
				Deferred:  res.Deferred,
				TriagedAt: time.Now().UTC(),
			}
			if err := r.tracker.MarkSeen(rec); err != nil {
				r.logger.Warn("state record not written", "messageID", msg.ID, "err", err)
				r.EmitEvent(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
			}
		}
		return nil
	})
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case <-r.statsCtx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn with its own copy of the event stream. Call it
// before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.statsCtx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

func (r *Runner) Start() error {
	r.since = time.Now()

	for _, s := range r.stages {
		r.workWG.Add(1)
		go func(s stage) {
			defer r.workWG.Done()
			if err := s.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", s.name, err))
			}
		}(s)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()
	r.statsCancel()

	if err := r.tracker.Close(); err != nil {
		r.logger.Warn("state journal close failed", "err", err)
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	if err == nil && r.parent.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrInterrupted, r.parent.Err())
	}

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeTriage()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: envelope.Err})
				r.logger.Warn("source message skipped", "err", envelope.Err)
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, MessageID: msg.ID})

			if msg.ID == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: ErrMessageIDMissing})
				continue
			}

			if !r.filter.Allows(msg) {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, MessageID: msg.ID})
				continue
			}

			if r.cfg.SkipSeen && r.tracker.Seen(msg.Hash) {
				r.logger.Debug("message already triaged", "messageID", msg.ID)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.triage <- msg:
			}
		}
	}
}

func (r *Runner) closeTriage() {
	r.closeTriageOnce.Do(func() {
		close(r.triage)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		for _, ch := range r.subs {
			close(ch)
		}
		r.subsMu.Unlock()
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
