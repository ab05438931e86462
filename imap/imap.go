package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/dhcgn/om-intake/mailparse"
	"github.com/dhcgn/om-intake/model"
	"github.com/dhcgn/om-intake/source"
)

var (
	ErrFolderMissing = errors.New("imap folder does not exist")
	ErrBodyMissing   = errors.New("imap message returned without body")
)

// Options configures the mailbox to read. Token, when set, is an externally
// obtained bearer credential used with SASL OAUTHBEARER instead of Password.
type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Token              string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	Top                int
}

// Reader is a read-only IMAP mail source.
type Reader struct {
	opts   Options
	logger *slog.Logger
	client *imapclient.Client
	store  *source.Store
}

var _ source.Source = (*Reader)(nil)

func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" || (opts.Password == "" && opts.Token == "") {
		return nil, source.ErrNoCredentials
	}
	if opts.Top <= 0 {
		opts.Top = 50
	}
	return &Reader{opts: opts, logger: logger, store: source.NewStore()}, nil
}

// Connect dials, authenticates and selects the folder read-only.
func (r *Reader) Connect(ctx context.Context) error {
	if r.client != nil {
		return nil
	}

	address := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
	options := &imapclient.Options{}
	if r.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         r.opts.Host,
			InsecureSkipVerify: r.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if r.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := r.authenticate(client); err != nil {
		_ = client.Close()
		return err
	}

	if _, err := client.Select(r.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: %s: %v", ErrFolderMissing, r.folder(), err)
	}

	if err := ctx.Err(); err != nil {
		_ = client.Close()
		return err
	}

	r.client = client
	if r.logger != nil {
		r.logger.Debug("imap connection established", "address", address, "user", r.opts.Username, "folder", r.folder(), "tls", r.opts.UseTLS, "bearer", r.opts.Token != "")
	}
	return nil
}

func (r *Reader) authenticate(client *imapclient.Client) error {
	if r.opts.Token != "" {
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: r.opts.Username,
			Token:    r.opts.Token,
			Host:     r.opts.Host,
			Port:     r.opts.Port,
		})
		if err := client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("imap oauthbearer failed: %w", err)
		}
		return nil
	}
	if err := client.Login(r.opts.Username, r.opts.Password).Wait(); err != nil {
		return fmt.Errorf("imap login failed: %w", err)
	}
	return nil
}

// List fetches up to Top most recent messages, newest first. Messages that
// cannot be read are listed with Err set.
func (r *Reader) List(ctx context.Context) ([]model.Envelope, error) {
	if r.client == nil {
		return nil, source.ErrNotConnected
	}

	selected, err := r.client.Select(r.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", r.folder(), err)
	}
	total := selected.NumMessages
	if total == 0 {
		return nil, nil
	}

	start := uint32(1)
	if total > uint32(r.opts.Top) {
		start = total - uint32(r.opts.Top) + 1
	}
	var seqSet imapv2.SeqSet
	seqSet.AddRange(start, total)

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOptions := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{bodySection},
	}
	fetched, err := r.client.Fetch(seqSet, fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch messages %d:%d: %w", start, total, err)
	}

	sort.SliceStable(fetched, func(i, j int) bool {
		a, b := fetched[i], fetched[j]
		if !a.InternalDate.Equal(b.InternalDate) {
			return a.InternalDate.After(b.InternalDate)
		}
		return a.SeqNum > b.SeqNum
	})

	r.store.Reset()
	envelopes := make([]model.Envelope, 0, len(fetched))
	for _, buf := range fetched {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			envelopes = append(envelopes, model.Envelope{Err: fmt.Errorf("imap uid %d: %w", buf.UID, ErrBodyMissing)})
			continue
		}
		parsed, err := mailparse.Parse(raw, "uid-"+strconv.FormatUint(uint64(buf.UID), 10))
		if err != nil {
			envelopes = append(envelopes, model.Envelope{Err: fmt.Errorf("imap uid %d: %w", buf.UID, err)})
			continue
		}
		if parsed.Message.ReceivedAt.IsZero() {
			parsed.Message.ReceivedAt = buf.InternalDate
		}
		envelopes = append(envelopes, model.Envelope{Message: r.store.Add(parsed)})
	}

	if r.logger != nil {
		r.logger.Info("imap messages listed", "folder", r.folder(), "total", total, "listed", len(envelopes))
	}
	return envelopes, nil
}

func (r *Reader) Attachments(ctx context.Context, msg model.Message) ([]model.Attachment, error) {
	return r.store.Attachments(ctx, msg)
}

func (r *Reader) Close() error {
	if r.client == nil {
		return nil
	}
	client := r.client
	r.client = nil

	done := make(chan error, 1)
	go func() { done <- client.Logout().Wait() }()
	select {
	case err := <-done:
		if err != nil && r.logger != nil {
			r.logger.Debug("imap logout failed", "err", err)
		}
	case <-time.After(5 * time.Second):
	}
	return client.Close()
}

func (r *Reader) folder() string {
	if r.opts.Folder == "" {
		return "INBOX"
	}
	return r.opts.Folder
}
