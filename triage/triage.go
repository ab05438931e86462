// Package triage drives one message through attachment saving and link
// acquisition. Every link ends either saved or deferred; nothing that happens
// to a single link or attachment stops the batch.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/dhcgn/om-intake/archive"
	"github.com/dhcgn/om-intake/classify"
	"github.com/dhcgn/om-intake/fetch"
	"github.com/dhcgn/om-intake/model"
	"github.com/dhcgn/om-intake/stats"
)

// DefaultLinkCap is the number of links examined per message.
const DefaultLinkCap = 5

const fallbackDownloadName = "download.pdf"

var (
	errEmptyArchive = errors.New("archive has no pdf members")
	errNoDownloader = errors.New("no downloader configured")
)

// Outcome is the terminal state of a link.
type Outcome string

const (
	OutcomeSaved          Outcome = "saved"
	OutcomeGated          Outcome = "gated"
	OutcomeNonAllowlisted Outcome = "non_allowlisted"
	OutcomeFailed         Outcome = "failed"
)

type Resolver interface {
	Resolve(raw string) string
}

type Classifier interface {
	Classify(link model.Link) classify.Verdict
}

type Downloader interface {
	Probe(ctx context.Context, rawURL string) bool
	Fetch(ctx context.Context, link model.Link) (fetch.Payload, error)
}

type Expander interface {
	Expand(data []byte, save archive.SaveFunc) (int, error)
}

type Saver interface {
	SavePDF(nameHint string, data []byte) (string, error)
}

type Deferrer interface {
	Append(url, subject string) error
}

// AttachmentSource supplies attachment bytes for a message.
type AttachmentSource interface {
	Attachments(ctx context.Context, msg model.Message) ([]model.Attachment, error)
}

// Options holds the per-run settings. LinkCap <= 0 means DefaultLinkCap.
// With DryRun set, deferrals are only logged.
type Options struct {
	LinkCap int
	DryRun  bool
}

// Deps are the collaborators of an Orchestrator. Events may be nil.
type Deps struct {
	Resolver    Resolver
	Classifier  Classifier
	Downloader  Downloader
	Expander    Expander
	Saver       Saver
	Deferrer    Deferrer
	Attachments AttachmentSource
	Events      func(stats.Event)
	Logger      *slog.Logger
}

// Result tallies one message.
type Result struct {
	AttachmentsSaved int
	LinksSaved       int
	LinksProcessed   int
	LinksCapped      int
	Deferred         int
}

// Pulled reports whether the message yielded at least one saved file.
func (r Result) Pulled() bool {
	return r.AttachmentsSaved+r.LinksSaved > 0
}

// LinkResult describes what happened to one link.
type LinkResult struct {
	Link    model.Link
	Verdict classify.Verdict
	Outcome Outcome
	Saved   int
	Reason  string
	Err     error
}

// Orchestrator processes messages one at a time.
type Orchestrator struct {
	opts Options
	deps Deps
}

// New validates deps and returns an Orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if opts.LinkCap <= 0 {
		opts.LinkCap = DefaultLinkCap
	}
	switch {
	case deps.Resolver == nil:
		return nil, fmt.Errorf("triage: resolver is nil")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("triage: classifier is nil")
	case deps.Saver == nil:
		return nil, fmt.Errorf("triage: saver is nil")
	case deps.Deferrer == nil:
		return nil, fmt.Errorf("triage: deferrer is nil")
	}
	if deps.Expander == nil {
		deps.Expander = &archive.Expander{Logger: deps.Logger}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{opts: opts, deps: deps}, nil
}

// Process handles attachments first, then up to LinkCap body links in
// document order.
func (o *Orchestrator) Process(ctx context.Context, msg model.Message) Result {
	var res Result
	log := o.deps.Logger.With("messageID", msg.ID)

	if msg.HasAttachments {
		res.AttachmentsSaved = o.processAttachments(ctx, msg, log)
	}

	links := ExtractLinks(msg.HTMLBody)
	if len(links) > o.opts.LinkCap {
		res.LinksCapped = len(links) - o.opts.LinkCap
		log.Debug("link cap reached, skipping rest", "found", len(links), "cap", o.opts.LinkCap)
		o.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeCapped, MessageID: msg.ID, Count: res.LinksCapped})
		links = links[:o.opts.LinkCap]
	}

	for _, raw := range links {
		if ctx.Err() != nil {
			break
		}
		lr := o.ProcessLink(ctx, msg, raw)
		res.LinksProcessed++
		if lr.Outcome == OutcomeSaved {
			res.LinksSaved += lr.Saved
		} else {
			res.Deferred++
		}
	}

	if res.AttachmentsSaved > 0 {
		o.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeAttachmentSaved, MessageID: msg.ID, Count: res.AttachmentsSaved})
	}
	if res.LinksSaved > 0 {
		o.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeLinkSaved, MessageID: msg.ID, Count: res.LinksSaved})
	}
	if res.Pulled() {
		o.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypePulled, MessageID: msg.ID})
		log.Info("message pulled", "attachments", res.AttachmentsSaved, "links", res.LinksSaved, "subject", truncate(msg.Subject, 120))
	}
	return res
}

// ProcessLink takes one raw href to a terminal outcome. Anything other than
// a save is written to the deferral queue with the resolved URL.
func (o *Orchestrator) ProcessLink(ctx context.Context, msg model.Message, raw string) LinkResult {
	link := model.NewLink(raw, o.deps.Resolver.Resolve(raw))
	lr := LinkResult{Link: link, Verdict: o.deps.Classifier.Classify(link)}
	log := o.deps.Logger.With("messageID", msg.ID, "url", link.Resolved)

	switch lr.Verdict {
	case classify.Gated:
		log.Info("gated host, queued", "host", link.Host)
		lr.Outcome, lr.Reason = OutcomeGated, stats.ReasonGated
		o.deferLink(msg, lr)
		return lr
	case classify.NonAllowlisted:
		log.Info("non-allowlisted link, queued", "host", link.Host)
		lr.Outcome, lr.Reason = OutcomeNonAllowlisted, stats.ReasonNonAllowlisted
		o.deferLink(msg, lr)
		return lr
	}

	saved, reason, err := o.acquire(ctx, link, log)
	if err != nil {
		log.Warn("link not acquired, queued", "reason", reason, "err", err)
		lr.Outcome, lr.Reason, lr.Err = OutcomeFailed, reason, err
		o.deferLink(msg, lr)
		return lr
	}

	lr.Outcome, lr.Saved = OutcomeSaved, saved
	return lr
}

// acquire probes (unless the extension already says PDF/ZIP), fetches and
// stores the payload. It returns a deferral reason alongside any error.
func (o *Orchestrator) acquire(ctx context.Context, link model.Link, log *slog.Logger) (int, string, error) {
	if o.deps.Downloader == nil {
		return 0, "no_downloader", errNoDownloader
	}

	if link.Ext == model.KindUnknown && !o.deps.Downloader.Probe(ctx, link.Resolved) {
		return 0, stats.ReasonProbeRejected, fmt.Errorf("probe did not indicate pdf or zip")
	}

	payload, err := o.deps.Downloader.Fetch(ctx, link)
	if err != nil {
		reason := string(fetch.ReasonOf(err))
		if reason == "" {
			reason = "fetch_failed"
		}
		return 0, reason, err
	}

	switch payload.Kind {
	case model.KindPDF:
		name := downloadName(payload, link)
		if _, err := o.deps.Saver.SavePDF(name, payload.Data); err != nil {
			return 0, "save_failed", err
		}
		log.Info("downloaded pdf", "name", name, "decidedBy", payload.DecidedBy)
		return 1, "", nil
	case model.KindZIP:
		n, err := o.deps.Expander.Expand(payload.Data, o.savePDF)
		if err != nil {
			return 0, "malformed_archive", err
		}
		if n == 0 {
			return 0, "empty_archive", errEmptyArchive
		}
		log.Info("expanded zip", "pdfs", n)
		return n, "", nil
	default:
		return 0, string(fetch.ReasonUnknownKind), fmt.Errorf("unhandled kind %q", payload.Kind)
	}
}

func (o *Orchestrator) processAttachments(ctx context.Context, msg model.Message, log *slog.Logger) int {
	if o.deps.Attachments == nil {
		return 0
	}
	atts, err := o.deps.Attachments.Attachments(ctx, msg)
	if err != nil {
		log.Warn("attachment processing failed", "err", err)
		o.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
		return 0
	}

	saved := 0
	for _, att := range atts {
		kind := AttachmentKind(att)
		switch kind {
		case model.KindPDF:
			if _, err := o.deps.Saver.SavePDF(att.Name, att.Data); err != nil {
				log.Warn("attachment not saved", "name", att.Name, "err", err)
				continue
			}
			saved++
		case model.KindZIP:
			n, err := o.deps.Expander.Expand(att.Data, o.savePDF)
			if err != nil {
				log.Warn("attachment archive unreadable", "name", att.Name, "err", err)
				continue
			}
			saved += n
		default:
			log.Debug("attachment skipped", "name", att.Name, "contentType", att.ContentType)
		}
	}
	return saved
}

// AttachmentKind uses the declared name first, then the declared type.
func AttachmentKind(att model.Attachment) model.Kind {
	if kind := model.KindFromName(att.Name); kind != model.KindUnknown {
		return kind
	}
	return model.KindFromContentType(att.ContentType)
}

func (o *Orchestrator) savePDF(name string, data []byte) error {
	_, err := o.deps.Saver.SavePDF(name, data)
	return err
}

func (o *Orchestrator) deferLink(msg model.Message, lr LinkResult) {
	o.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeDeferred, MessageID: msg.ID, Detail: lr.Reason})
	if o.opts.DryRun {
		o.deps.Logger.Info("dry-run deferral", "url", lr.Link.Resolved, "reason", lr.Reason)
		return
	}
	if err := o.deps.Deferrer.Append(lr.Link.Resolved, msg.Subject); err != nil {
		o.deps.Logger.Warn("queue write failed", "url", lr.Link.Resolved, "err", err)
		o.emit(stats.Event{Stage: stats.StageTriage, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
	}
}

func (o *Orchestrator) emit(evt stats.Event) {
	if o.deps.Events != nil {
		o.deps.Events(evt)
	}
}

func downloadName(p fetch.Payload, link model.Link) string {
	if p.Filename != "" {
		return p.Filename
	}
	base := path.Base(link.Path)
	if base == "" || base == "/" || base == "." {
		return fallbackDownloadName
	}
	return base
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
