package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/om-intake/config"
	"github.com/dhcgn/om-intake/model"
	"github.com/dhcgn/om-intake/state"
	"github.com/dhcgn/om-intake/stats"
	"github.com/dhcgn/om-intake/triage"
)

type recordingProcessor struct {
	mu    sync.Mutex
	seen  []string
	emit  func(stats.Event)
	after func(model.Message)
}

func (p *recordingProcessor) Process(_ context.Context, msg model.Message) triage.Result {
	p.mu.Lock()
	p.seen = append(p.seen, msg.ID)
	p.mu.Unlock()
	p.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypePulled, MessageID: msg.ID})
	if p.after != nil {
		p.after(msg)
	}
	return triage.Result{LinksSaved: 1}
}

func envelopes(msgs ...model.Message) []model.Envelope {
	envs := make([]model.Envelope, len(msgs))
	for i, msg := range msgs {
		envs[i] = model.Envelope{Message: msg}
	}
	return envs
}

func start(t *testing.T, ctx context.Context, cfg config.Config, envs []model.Envelope, proc *recordingProcessor) (stats.Summary, error) {
	t.Helper()
	r, err := New(ctx, cfg, nil)
	require.NoError(t, err)

	reporter := stats.NewReporter(r, nil)
	proc.emit = r.EmitEvent
	r.Feed(envs)
	r.Triage(proc)

	done := make(chan error, 1)
	go func() { done <- r.Start() }()
	select {
	case err := <-done:
		return reporter.Summary(), err
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not finish")
	}
	return stats.Summary{}, nil
}

func run(t *testing.T, cfg config.Config, msgs []model.Message) (*recordingProcessor, stats.Summary) {
	t.Helper()
	proc := &recordingProcessor{}
	summary, err := start(t, context.Background(), cfg, envelopes(msgs...), proc)
	require.NoError(t, err)
	return proc, summary
}

func TestRunnerProcessesInOrder(t *testing.T) {
	cfg := config.Config{StateDir: t.TempDir()}
	msgs := []model.Message{
		{ID: "a", Hash: "ha", Subject: "OM one"},
		{ID: "", Hash: "hx"},
		{ID: "b", Hash: "hb", Subject: "OM two"},
	}

	proc, summary := run(t, cfg, msgs)
	assert.Equal(t, []string{"a", "b"}, proc.seen)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 2, summary.Triaged)
	assert.Equal(t, 2, summary.Pulled)
	assert.Equal(t, 1, summary.Errors)
}

func TestRunnerCountsUnreadableMessages(t *testing.T) {
	envs := []model.Envelope{
		{Err: errors.New("mbox message 0: malformed header")},
		{Message: model.Message{ID: "a", Hash: "ha"}},
	}

	proc := &recordingProcessor{}
	summary, err := start(t, context.Background(), config.Config{StateDir: t.TempDir()}, envs, proc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, proc.seen)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Errors)
	assert.EqualError(t, summary.LastError, "mbox message 0: malformed header")
}

func TestRunnerStopsBeforeNextMessageWhenCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := &recordingProcessor{after: func(model.Message) { cancel() }}
	msgs := []model.Message{
		{ID: "a", Hash: "ha"},
		{ID: "b", Hash: "hb"},
		{ID: "c", Hash: "hc"},
	}

	summary, err := start(t, ctx, config.Config{StateDir: dir}, envelopes(msgs...), proc)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, []string{"a"}, proc.seen)
	assert.Equal(t, 1, summary.Triaged)
	assert.Equal(t, 1, summary.Pulled)

	reopened, err := state.NewFileTracker(dir, false)
	require.NoError(t, err)
	assert.True(t, reopened.Seen("ha"))
	assert.False(t, reopened.Seen("hb"))
}

func TestRunnerFilterAndSkipSeen(t *testing.T) {
	dir := t.TempDir()
	tracker, err := state.NewFileTracker(dir, true)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkSeen(state.Record{Hash: "old", MessageID: "old"}))
	require.NoError(t, tracker.Close())

	cfg := config.Config{StateDir: dir, SkipSeen: true, ExcludeSubject: []string{"(?i)newsletter"}}
	msgs := []model.Message{
		{ID: "old", Hash: "old", Subject: "OM"},
		{ID: "news", Hash: "n", Subject: "Weekly Newsletter"},
		{ID: "new", Hash: "new", Subject: "OM"},
	}

	proc, summary := run(t, cfg, msgs)
	assert.Equal(t, []string{"new"}, proc.seen)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 1, summary.Filtered)

	reopened, err := state.NewFileTracker(dir, false)
	require.NoError(t, err)
	assert.True(t, reopened.Seen("new"))
}

func TestRunnerWithoutSkipSeenRetriages(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{StateDir: dir}
	msgs := []model.Message{{ID: "a", Hash: "ha"}}

	run(t, cfg, msgs)
	proc, summary := run(t, cfg, msgs)
	assert.Equal(t, []string{"a"}, proc.seen)
	assert.Zero(t, summary.Duplicates)
}

func TestRunnerDryRunWritesNoJournal(t *testing.T) {
	dir := t.TempDir()
	run(t, config.Config{StateDir: dir, DryRun: true}, []model.Message{{ID: "a", Hash: "ha"}})

	reopened, err := state.NewFileTracker(dir, false)
	require.NoError(t, err)
	assert.False(t, reopened.Seen("ha"))
}

func TestNewRejectsBadFilter(t *testing.T) {
	_, err := New(context.Background(), config.Config{StateDir: t.TempDir(), IncludeBody: []string{"("}}, nil)
	assert.Error(t, err)
}
