package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/om-intake/model"
)

var pdfBytes = []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/deck.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pdfBytes)
	})
	mux.HandleFunc("/typed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdfBytes)
	})
	mux.HandleFunc("/zipped", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK\x03\x04"))
	})
	mux.HandleFunc("/sniffed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pdfBytes)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>sign the NDA</body></html>"))
	})
	mux.HandleFunc("/missing.pdf", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/typed", http.StatusFound)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	mux.HandleFunc("/slow.pdf", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchKinds(t *testing.T) {
	srv := newTestServer(t)
	c := New(Options{}, nil)

	tests := []struct {
		path     string
		wantKind model.Kind
		wantRule string
	}{
		{"/deck.pdf", model.KindPDF, "extension"},
		{"/typed", model.KindPDF, "content-type"},
		{"/zipped", model.KindZIP, "content-type"},
		{"/sniffed", model.KindPDF, "signature"},
		{"/moved", model.KindPDF, "content-type"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			link := model.NewLink(srv.URL+tt.path, "")
			p, err := c.Fetch(context.Background(), link)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, p.Kind)
			assert.Equal(t, tt.wantRule, p.DecidedBy)
			assert.NotEmpty(t, p.Data)
		})
	}
}

func TestFetchFailures(t *testing.T) {
	srv := newTestServer(t)
	c := New(Options{MaxRedirects: 3}, nil)

	tests := []struct {
		name   string
		url    string
		reason Reason
	}{
		{"not found", srv.URL + "/missing.pdf", ReasonStatus},
		{"html page", srv.URL + "/page", ReasonUnknownKind},
		{"redirect loop", srv.URL + "/loop", ReasonTransport},
		{"bad scheme", "ftp://example.com/deck.pdf", ReasonBadURL},
		{"refused", "http://127.0.0.1:1/deck.pdf", ReasonTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Fetch(context.Background(), model.NewLink(tt.url, ""))
			require.Error(t, err)
			assert.Equal(t, tt.reason, ReasonOf(err))
		})
	}
}

func TestFetchTooLarge(t *testing.T) {
	srv := newTestServer(t)
	c := New(Options{MaxBodyBytes: 8}, nil)

	_, err := c.Fetch(context.Background(), model.NewLink(srv.URL+"/typed", ""))
	require.Error(t, err)
	assert.Equal(t, ReasonTooLarge, ReasonOf(err))
}

func TestFetchTimeoutIsBounded(t *testing.T) {
	srv := newTestServer(t)
	timeout := 200 * time.Millisecond
	c := New(Options{FetchTimeout: timeout}, nil)

	start := time.Now()
	_, err := c.Fetch(context.Background(), model.NewLink(srv.URL+"/slow.pdf", ""))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, ReasonTimeout, ReasonOf(err))
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestProbe(t *testing.T) {
	srv := newTestServer(t)
	c := New(Options{ProbeTimeout: 200 * time.Millisecond}, nil)

	tests := []struct {
		path string
		want bool
	}{
		{"/typed", true},
		{"/zipped", true},
		{"/deck.pdf", true},
		{"/moved", true},
		{"/page", false},
		{"/missing.pdf", false},
		{"/slow.pdf", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Probe(context.Background(), srv.URL+tt.path))
		})
	}

	assert.False(t, c.Probe(context.Background(), "mailto:someone@example.com"))
}

func TestProbeUsesHead(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "om-intake/"))
		w.Header().Set("Content-Type", "application/pdf")
	}))
	defer srv.Close()

	c := New(Options{}, nil)
	assert.True(t, c.Probe(context.Background(), srv.URL+"/x"))
	assert.Equal(t, []string{http.MethodHead}, methods)
}

func TestDetectKindOrder(t *testing.T) {
	kind, rule := DetectKind(model.KindZIP, "application/pdf", pdfBytes)
	assert.Equal(t, model.KindZIP, kind)
	assert.Equal(t, "extension", rule)

	kind, rule = DetectKind(model.KindUnknown, "text/plain", []byte("hello"))
	assert.Equal(t, model.KindUnknown, kind)
	assert.Empty(t, rule)
}

func TestRedirectPolicy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://deals.example/next", nil)
	via := []*http.Request{httptest.NewRequest(http.MethodGet, "https://deals.example/start", nil)}

	assert.ErrorIs(t, RedirectPolicy(0)(req, via), http.ErrUseLastResponse)
	assert.NoError(t, RedirectPolicy(2)(req, via))
	assert.ErrorIs(t, RedirectPolicy(1)(req, via), ErrTooManyRedirects)
}
