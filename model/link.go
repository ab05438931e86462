package model

import (
	"net"
	"net/url"
	"path"
	"strings"
)

// Kind is the payload type the engine knows how to handle.
type Kind string

const (
	KindUnknown Kind = ""
	KindPDF     Kind = "pdf"
	KindZIP     Kind = "zip"
)

// Link is an anchor target taken from a message body.
type Link struct {
	Raw      string
	Resolved string
	Host     string
	Path     string
	Ext      Kind
}

// NewLink derives host, path and extension hint from the resolved URL.
// A resolved value that does not parse leaves Host and Path empty.
func NewLink(raw, resolved string) Link {
	if resolved == "" {
		resolved = raw
	}
	link := Link{Raw: raw, Resolved: resolved}

	u, err := url.Parse(resolved)
	if err != nil {
		return link
	}
	link.Host = HostOf(u)
	link.Path = u.Path
	link.Ext = KindFromName(u.Path)
	return link
}

// HostOf returns the lower-cased host of u without any port.
func HostOf(u *url.URL) string {
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// KindFromName maps a file name or URL path suffix to a Kind.
func KindFromName(name string) Kind {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".zip":
		return KindZIP
	default:
		return KindUnknown
	}
}

// KindFromContentType maps a declared content type to a Kind by prefix.
func KindFromContentType(contentType string) Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "application/pdf"):
		return KindPDF
	case strings.HasPrefix(ct, "application/zip"),
		strings.HasPrefix(ct, "application/x-zip-compressed"),
		strings.HasPrefix(ct, "application/x-zip"):
		return KindZIP
	default:
		return KindUnknown
	}
}
