package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dhcgn/om-intake/model"
)

func TestClassify(t *testing.T) {
	p := NewPolicy([]string{"tracker.example", "Links.Crexi.com"}, []string{"broker.example", " .cbre.com "})

	tests := []struct {
		url  string
		want Verdict
	}{
		{"https://tracker.example/c/abc", Gated},
		{"https://tracker.example/deck.pdf", Gated},
		{"https://links.crexi.com/ls/click?upn=1", Gated},
		{"https://broker.example/deck.pdf", DirectDownload},
		{"https://files.broker.example/download?id=3", DirectDownload},
		{"https://www.cbre.com/om", DirectDownload},
		{"https://random.net/x", NonAllowlisted},
		{"https://random.net/files/om.ZIP", DirectDownload},
		{"https://evilbroker.example/x", NonAllowlisted},
		{"https://sub.tracker.example/x", NonAllowlisted},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(model.NewLink(tt.url, "")))
		})
	}
}

func TestDefaultGatedHostsAreGated(t *testing.T) {
	p := NewPolicy(DefaultGatedHosts, nil)
	for _, h := range DefaultGatedHosts {
		link := model.NewLink("https://"+h+"/deck.pdf", "")
		assert.Equal(t, Gated, p.Classify(link), h)
	}
}

func TestPolicyCopiesInput(t *testing.T) {
	brokers := []string{"broker.example", "broker.example", ""}
	p := NewPolicy(nil, brokers)
	brokers[0] = "changed.example"

	assert.Equal(t, []string{"broker.example"}, p.BrokerDomains())
	assert.True(t, p.IsBroker("BROKER.example."))
	assert.False(t, p.IsBroker(""))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "gated", Gated.String())
	assert.Equal(t, "non_allowlisted", NonAllowlisted.String())
	assert.Equal(t, "direct_download", DirectDownload.String())
}
