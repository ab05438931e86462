// Package mailparse turns a raw RFC 822 message into the engine's message
// and attachment values.
package mailparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/om-intake/model"
)

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// ErrMessageIDMissing is returned when a message carries no Message-Id and no
// fallback id was supplied.
var ErrMessageIDMissing = errors.New("message missing Message-Id header")

// Parsed is a decoded message with its attachments held in memory.
type Parsed struct {
	Message     model.Message
	Attachments []model.Attachment
	TextBody    string
}

// Parse decodes raw. fallbackID is used when the Message-Id header is absent.
func Parse(raw []byte, fallbackID string) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	defer mr.Close()

	header := mr.Header
	id, _ := header.MessageID()
	id = strings.Trim(strings.TrimSpace(id), "<>")
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		return nil, ErrMessageIDMissing
	}

	subject, err := header.Subject()
	if err != nil {
		subject = header.Get("Subject")
	}

	sum := sha256.Sum256(raw)
	parsed := &Parsed{
		Message: model.Message{
			ID:      id,
			Hash:    base64.StdEncoding.EncodeToString(sum[:]),
			Subject: strings.TrimSpace(subject),
			Size:    int64(len(raw)),
		},
	}
	if date, err := header.Date(); err == nil {
		parsed.Message.ReceivedAt = date
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was decoded so far; a broken trailing part should not
			// hide the body or earlier attachments.
			if parsed.Message.HTMLBody == "" && len(parsed.Attachments) == 0 {
				return nil, fmt.Errorf("read part: %w", err)
			}
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			switch {
			case strings.HasPrefix(contentType, "text/html"):
				if parsed.Message.HTMLBody == "" {
					parsed.Message.HTMLBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/plain"):
				if parsed.TextBody == "" {
					parsed.TextBody = string(body)
				}
			case isFileType(contentType):
				// Inline parts without a disposition still count when they are files.
				parsed.addAttachment(params["name"], contentType, body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("read attachment: %w", err)
			}
			parsed.addAttachment(filename, contentType, body)
		}
	}

	parsed.Message.HasAttachments = len(parsed.Attachments) > 0
	return parsed, nil
}

func (p *Parsed) addAttachment(name, contentType string, data []byte) {
	p.Attachments = append(p.Attachments, model.Attachment{
		ID:          strconv.Itoa(len(p.Attachments)),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	})
}

func isFileType(contentType string) bool {
	return model.KindFromContentType(contentType) != model.KindUnknown
}
