// Package classify routes links using static host information only. Nothing
// in this package touches the network.
package classify

import (
	"sort"
	"strings"

	"github.com/dhcgn/om-intake/model"
)

// Verdict is the routing decision for a link.
type Verdict int

const (
	// DirectDownload marks a candidate that still has to pass probe and fetch.
	DirectDownload Verdict = iota
	Gated
	NonAllowlisted
)

func (v Verdict) String() string {
	switch v {
	case DirectDownload:
		return "direct_download"
	case Gated:
		return "gated"
	case NonAllowlisted:
		return "non_allowlisted"
	default:
		return "unknown"
	}
}

// DefaultGatedHosts are tracking and portal hosts that always need a human.
var DefaultGatedHosts = []string{
	"email.search.crexi.com",
	"url4030.crexi.com",
	"links.crexi.com",
	"lnk.crexi.com",
	"click.em.crexi.com",
	"communications.costar.com",
	"email.10xmarketingcloud.com",
	"nam10.safelinks.protection.outlook.com",
}

// Policy holds the gated host set and the broker allow-list. It is immutable
// once built and safe to share.
type Policy struct {
	gated   map[string]struct{}
	brokers []string
}

// NewPolicy normalizes and copies the host sets.
func NewPolicy(gatedHosts, brokerDomains []string) *Policy {
	p := &Policy{gated: make(map[string]struct{}, len(gatedHosts))}
	for _, h := range gatedHosts {
		if h = normalize(h); h != "" {
			p.gated[h] = struct{}{}
		}
	}
	seen := make(map[string]struct{}, len(brokerDomains))
	for _, d := range brokerDomains {
		d = normalize(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		p.brokers = append(p.brokers, d)
	}
	sort.Strings(p.brokers)
	return p
}

// Classify applies the rules in order; the first that matches decides.
func (p *Policy) Classify(link model.Link) Verdict {
	if p.IsGated(link.Host) {
		return Gated
	}
	if !p.IsBroker(link.Host) && link.Ext == model.KindUnknown {
		return NonAllowlisted
	}
	return DirectDownload
}

// IsGated reports exact membership in the gated set.
func (p *Policy) IsGated(host string) bool {
	_, ok := p.gated[normalize(host)]
	return ok
}

// IsBroker reports whether host is an allow-listed domain or a subdomain of one.
func (p *Policy) IsBroker(host string) bool {
	host = normalize(host)
	if host == "" {
		return false
	}
	for _, d := range p.brokers {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// GatedHosts returns the gated set in sorted order.
func (p *Policy) GatedHosts() []string {
	out := make([]string, 0, len(p.gated))
	for h := range p.gated {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// BrokerDomains returns a copy of the allow-list.
func (p *Policy) BrokerDomains() []string {
	return append([]string(nil), p.brokers...)
}

func normalize(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, ".")
	return strings.TrimSuffix(host, ".")
}
