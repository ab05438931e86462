// Package fetch performs the two bounded network calls of link triage: a
// metadata-only probe and a full download. Neither call retries; each is cut
// off by its own timeout.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dhcgn/om-intake/model"
)

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultFetchTimeout = 8 * time.Second
	DefaultMaxRedirects = 10
	DefaultMaxBodyBytes = 64 << 20
	DefaultUserAgent    = "om-intake/1.0"
)

// ErrTooManyRedirects is returned by the redirect policy once the hop limit is hit.
var ErrTooManyRedirects = errors.New("too many redirects")

// Options configures the bounded client. Zero values fall back to defaults.
// Transport replaces the HTTP transport, mostly for tests.
type Options struct {
	ProbeTimeout time.Duration
	FetchTimeout time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	UserAgent    string
	Transport    http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = DefaultMaxRedirects
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	return o
}

// Payload is a downloaded body whose kind has been decided. Filename is set
// when the server sent a Content-Disposition header.
type Payload struct {
	URL         string
	ContentType string
	Kind        model.Kind
	DecidedBy   string
	Filename    string
	Data        []byte
}

// Client issues probe and fetch requests.
type Client struct {
	opts   Options
	probe  *http.Client
	fetch  *http.Client
	logger *slog.Logger
}

// New builds a Client with separate HTTP clients for the two timeouts.
func New(opts Options, logger *slog.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts: opts,
		probe: &http.Client{
			Timeout:       opts.ProbeTimeout,
			Transport:     opts.Transport,
			CheckRedirect: RedirectPolicy(opts.MaxRedirects),
		},
		fetch: &http.Client{
			Timeout:       opts.FetchTimeout,
			Transport:     opts.Transport,
			CheckRedirect: RedirectPolicy(opts.MaxRedirects),
		},
		logger: logger,
	}
}

// RedirectPolicy follows redirects until maxHops have been taken. A
// non-positive maxHops follows none and hands back the redirect response.
func RedirectPolicy(maxHops int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if maxHops <= 0 {
			return http.ErrUseLastResponse
		}
		if len(via) >= maxHops {
			return ErrTooManyRedirects
		}
		return nil
	}
}

// Probe sends a HEAD request and reports whether the target looks like a PDF
// or ZIP download. Every failure is a plain "no".
func (c *Client) Probe(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		c.debug("probe rejected", "url", rawURL, "err", err)
		return false
	}

	resp, err := c.probe.Do(req)
	if err != nil {
		c.debug("probe failed", "url", rawURL, "err", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.debug("probe rejected", "url", rawURL, "status", resp.StatusCode)
		return false
	}

	if model.KindFromContentType(resp.Header.Get("Content-Type")) != model.KindUnknown {
		return true
	}
	if model.KindFromName(pathOf(rawURL)) != model.KindUnknown {
		return true
	}
	if resp.Request != nil && resp.Request.URL != nil && model.KindFromName(resp.Request.URL.Path) != model.KindUnknown {
		return true
	}

	c.debug("probe rejected", "url", rawURL, "contentType", resp.Header.Get("Content-Type"))
	return false
}

// Fetch downloads link.Resolved and decides its kind. Any failure is returned
// as *Error.
func (c *Client) Fetch(ctx context.Context, link model.Link) (Payload, error) {
	rawURL := link.Resolved
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return Payload{}, &Error{Reason: ReasonBadURL, URL: rawURL, Err: err}
	}

	resp, err := c.fetch.Do(req)
	if err != nil {
		return Payload{}, transportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Payload{}, &Error{Reason: ReasonStatus, URL: rawURL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return Payload{}, transportError(rawURL, fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > c.opts.MaxBodyBytes {
		return Payload{}, &Error{
			Reason: ReasonTooLarge,
			URL:    rawURL,
			Err:    fmt.Errorf("body exceeds %s", humanize.IBytes(uint64(c.opts.MaxBodyBytes))),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	kind, rule := DetectKind(link.Ext, contentType, data)
	if kind == model.KindUnknown {
		return Payload{}, &Error{
			Reason: ReasonUnknownKind,
			URL:    rawURL,
			Err:    fmt.Errorf("content type %q", contentType),
		}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	c.debug("fetched", "url", rawURL, "final", finalURL, "kind", kind, "decidedBy", rule, "size", humanize.Bytes(uint64(len(data))))
	return Payload{
		URL:         finalURL,
		ContentType: contentType,
		Kind:        kind,
		DecidedBy:   rule,
		Filename:    dispositionFilename(resp.Header.Get("Content-Disposition")),
		Data:        data,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/pdf, application/zip;q=0.9, */*;q=0.1")
	return req, nil
}

func (c *Client) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}
