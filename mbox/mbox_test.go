package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/om-intake/source"
)

func archive(n int) []byte {
	var b bytes.Buffer
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "From broker@broker.example Mon Oct  5 10:0%d:00 2026\n", i)
		fmt.Fprintf(&b, "Message-Id: <om-%d@broker.example>\n", i)
		fmt.Fprintf(&b, "Subject: Listing %d\n", i)
		b.WriteString("Content-Type: text/html\n\n")
		fmt.Fprintf(&b, "<a href=\"https://broker.example/%d.pdf\">OM</a>\n\n", i)
	}
	return b.Bytes()
}

func readerFor(t *testing.T, data []byte, top int) *Reader {
	t.Helper()
	r, err := NewReader(Options{Path: "inline.mbox", Top: top}, nil)
	require.NoError(t, err)
	r.open = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	require.NoError(t, r.Connect(context.Background()))
	return r
}

func TestListNewestFirstCappedAtTop(t *testing.T) {
	r := readerFor(t, archive(4), 2)

	envs, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "om-4@broker.example", envs[0].Message.ID)
	assert.Equal(t, "om-3@broker.example", envs[1].Message.ID)
	assert.Contains(t, envs[0].Message.HTMLBody, "https://broker.example/4.pdf")

	atts, err := r.Attachments(context.Background(), envs[0].Message)
	require.NoError(t, err)
	assert.Empty(t, atts)
}

func TestListFewerThanTop(t *testing.T) {
	r := readerFor(t, archive(3), 50)

	envs, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.True(t, strings.HasPrefix(envs[2].Message.Subject, "Listing 1"))
}

func TestListReportsUnreadableMessage(t *testing.T) {
	data := append(archive(1), []byte("From broker@broker.example Mon Oct  5 11:00:00 2026\nthis header line has no colon\n\nbody\n\n")...)
	r := readerFor(t, data, 50)

	envs, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Error(t, envs[0].Err)
	assert.Contains(t, envs[0].Err.Error(), "mbox message 1")
	assert.NoError(t, envs[1].Err)
	assert.Equal(t, "om-1@broker.example", envs[1].Message.ID)
}

func TestListRequiresConnect(t *testing.T) {
	r, err := NewReader(Options{Path: "x.mbox"}, nil)
	require.NoError(t, err)
	_, err = r.List(context.Background())
	assert.True(t, errors.Is(err, source.ErrNotConnected))
}

func TestConnectMissingFile(t *testing.T) {
	r, err := NewReader(Options{Path: filepath.Join(t.TempDir(), "missing.mbox")}, nil)
	require.NoError(t, err)
	assert.Error(t, r.Connect(context.Background()))
}

func TestNewReaderEmptyPath(t *testing.T) {
	_, err := NewReader(Options{Path: " "}, nil)
	assert.Error(t, err)
}
