package fetch

import (
	"github.com/gabriel-vasile/mimetype"

	"github.com/dhcgn/om-intake/model"
)

// kindRule inspects one signal. Rules are tried in order and the first
// non-unknown answer wins.
type kindRule struct {
	name   string
	detect func(hint model.Kind, contentType string, data []byte) model.Kind
}

var kindRules = []kindRule{
	{
		name: "extension",
		detect: func(hint model.Kind, _ string, _ []byte) model.Kind {
			return hint
		},
	},
	{
		name: "content-type",
		detect: func(_ model.Kind, contentType string, _ []byte) model.Kind {
			return model.KindFromContentType(contentType)
		},
	},
	{
		name: "signature",
		detect: func(_ model.Kind, _ string, data []byte) model.Kind {
			if len(data) == 0 {
				return model.KindUnknown
			}
			if mimetype.Detect(data).Is("application/pdf") {
				return model.KindPDF
			}
			return model.KindUnknown
		},
	},
}

// DetectKind decides the payload kind from the extension hint, then the
// declared content type, then the leading bytes. It also returns the name of
// the rule that decided, or "" when none did.
func DetectKind(hint model.Kind, contentType string, data []byte) (model.Kind, string) {
	for _, rule := range kindRules {
		if kind := rule.detect(hint, contentType, data); kind != model.KindUnknown {
			return kind, rule.name
		}
	}
	return model.KindUnknown, ""
}
