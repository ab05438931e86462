// Package redirect unwraps email-safety wrapper URLs to recover the link the
// sender actually wrote.
package redirect

import (
	"net/url"
	"strings"

	"github.com/dhcgn/om-intake/model"
)

// Family describes one wrapper service: hosts ending in HostSuffix carry the
// real destination in query parameter Param. Decode, when set, turns the
// parameter value into the destination URL.
type Family struct {
	Name       string
	HostSuffix string
	Param      string
	Decode     func(string) (string, error)
}

// DefaultFamilies are the wrappers seen in broker mail.
var DefaultFamilies = []Family{
	{Name: "safelinks", HostSuffix: "safelinks.protection.outlook.com", Param: "url"},
	{Name: "proofpoint-v2", HostSuffix: "urldefense.proofpoint.com", Param: "u", Decode: decodeProofpointV2},
}

// Resolver unwraps links for a fixed set of families.
type Resolver struct {
	families []Family
}

// New returns a Resolver for the given families. With none, DefaultFamilies is used.
func New(families ...Family) *Resolver {
	if len(families) == 0 {
		families = DefaultFamilies
	}
	return &Resolver{families: append([]Family(nil), families...)}
}

// IsWrapped reports whether raw points at a known wrapper host.
func (r *Resolver) IsWrapped(raw string) bool {
	_, ok := r.family(raw)
	return ok
}

// Resolve returns the wrapped destination, or raw itself when raw is not a
// wrapper or the destination cannot be recovered. It never fails.
func (r *Resolver) Resolve(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	fam, ok := r.match(u)
	if !ok {
		return raw
	}

	value := u.Query().Get(fam.Param)
	if value == "" {
		return raw
	}
	if fam.Decode != nil {
		value, err = fam.Decode(value)
		if err != nil {
			return raw
		}
	}

	target, err := url.Parse(value)
	if err != nil || target.Host == "" {
		return raw
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return raw
	}
	return value
}

func (r *Resolver) family(raw string) (Family, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Family{}, false
	}
	return r.match(u)
}

func (r *Resolver) match(u *url.URL) (Family, bool) {
	host := model.HostOf(u)
	if host == "" {
		return Family{}, false
	}
	for _, fam := range r.families {
		if host == fam.HostSuffix || strings.HasSuffix(host, "."+fam.HostSuffix) {
			return fam, true
		}
	}
	return Family{}, false
}

// decodeProofpointV2 reverses the v2 encoding: "-" stands for "%" and "_" for "/".
func decodeProofpointV2(value string) (string, error) {
	value = strings.NewReplacer("-", "%", "_", "/").Replace(value)
	return url.PathUnescape(value)
}
