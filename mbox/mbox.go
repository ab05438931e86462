// Package mbox replays an mbox archive as a mail source.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/om-intake/mailparse"
	"github.com/dhcgn/om-intake/model"
	"github.com/dhcgn/om-intake/source"
)

type Options struct {
	Path string
	Top  int
}

// Reader serves the last Top messages of an mbox file, newest first.
type Reader struct {
	opts   Options
	logger *slog.Logger
	open   func() (io.ReadCloser, error)
	store  *source.Store
	ready  bool
}

var _ source.Source = (*Reader)(nil)

func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	opts.Path = path
	if opts.Top <= 0 {
		opts.Top = 50
	}

	return &Reader{
		opts:   opts,
		logger: logger,
		open:   func() (io.ReadCloser, error) { return os.Open(path) },
		store:  source.NewStore(),
	}, nil
}

// Connect checks that the archive can be opened.
func (r *Reader) Connect(_ context.Context) error {
	rc, err := r.open()
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	_ = rc.Close()
	r.ready = true
	return nil
}

// List parses the last Top messages, newest first. Messages that cannot be
// parsed are listed with Err set.
func (r *Reader) List(ctx context.Context) ([]model.Envelope, error) {
	if !r.ready {
		return nil, source.ErrNotConnected
	}

	raws, total, err := r.tail(ctx)
	if err != nil {
		return nil, err
	}

	r.store.Reset()
	envelopes := make([]model.Envelope, 0, len(raws))
	// Later messages in an mbox are newer; walk the tail backwards.
	for i := len(raws) - 1; i >= 0; i-- {
		idx := total - len(raws) + i
		parsed, err := mailparse.Parse(raws[i], "mbox-"+strconv.Itoa(idx))
		if err != nil {
			envelopes = append(envelopes, model.Envelope{Err: fmt.Errorf("mbox message %d: %w", idx, err)})
			continue
		}
		envelopes = append(envelopes, model.Envelope{Message: r.store.Add(parsed)})
	}

	if r.logger != nil {
		r.logger.Info("mbox messages listed", "path", r.opts.Path, "total", total, "listed", len(envelopes))
	}
	return envelopes, nil
}

// tail returns the last Top raw messages in file order and the total count.
func (r *Reader) tail(ctx context.Context) ([][]byte, int, error) {
	rc, err := r.open()
	if err != nil {
		return nil, 0, fmt.Errorf("open mbox: %w", err)
	}
	defer rc.Close()

	reader := mboxlib.NewReader(rc)
	ring := make([][]byte, 0, r.opts.Top)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, fmt.Errorf("message %d: %w", total, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, 0, fmt.Errorf("message %d read: %w", total, err)
		}
		total++

		if len(ring) == r.opts.Top {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, raw)
	}
	return ring, total, nil
}

func (r *Reader) Attachments(ctx context.Context, msg model.Message) ([]model.Attachment, error) {
	return r.store.Attachments(ctx, msg)
}

func (r *Reader) Close() error {
	r.ready = false
	return nil
}
