// Package source defines the mail-source boundary of the intake run.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dhcgn/om-intake/mailparse"
	"github.com/dhcgn/om-intake/model"
)

var (
	// ErrNoCredentials is a setup failure: nothing can be listed without them.
	ErrNoCredentials = errors.New("mail source credentials missing")
	// ErrNotConnected is returned when List is called before Connect.
	ErrNotConnected = errors.New("mail source not connected")
)

// Source lists the most recent messages and hands out their attachments.
// Connect failures abort the run before any message is processed. A message
// that cannot be decoded is listed as an Envelope carrying Err.
type Source interface {
	Connect(ctx context.Context) error
	List(ctx context.Context) ([]model.Envelope, error)
	Attachments(ctx context.Context, msg model.Message) ([]model.Attachment, error)
	Close() error
}

// Store keeps parsed attachments for the messages of one listing, keyed by
// content hash so messages sharing a Message-Id stay apart.
type Store struct {
	mu          sync.RWMutex
	attachments map[string][]model.Attachment
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{attachments: make(map[string][]model.Attachment)}
}

// Add records p and returns its message.
func (s *Store) Add(p *mailparse.Parsed) model.Message {
	s.mu.Lock()
	s.attachments[storeKey(p.Message)] = p.Attachments
	s.mu.Unlock()
	return p.Message
}

// Reset drops everything held.
func (s *Store) Reset() {
	s.mu.Lock()
	s.attachments = make(map[string][]model.Attachment)
	s.mu.Unlock()
}

// Attachments returns the attachments recorded for msg.
func (s *Store) Attachments(_ context.Context, msg model.Message) ([]model.Attachment, error) {
	s.mu.RLock()
	atts, ok := s.attachments[storeKey(msg)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no attachments recorded for message %s", msg.ID)
	}
	return atts, nil
}

func storeKey(msg model.Message) string {
	if msg.Hash != "" {
		return "h:" + msg.Hash
	}
	return "id:" + msg.ID
}
