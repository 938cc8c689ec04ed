package renderer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedspider/internal/ipc"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	r, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 2, cap(r.limiter))
	assert.Equal(t, 45*time.Second, r.cfg.NavigationTimeout)
}

func TestWrapScript(t *testing.T) {
	t.Parallel()

	sync := wrapScript("return document.title;", true)
	assert.Equal(t, "(function(){\nreturn document.title;\n})()", sync)

	async := wrapScript("setTimeout(function(){ done(null, 1) }, 10);", false)
	assert.Contains(t, async, "new Promise(")
	assert.Contains(t, async, "(function(done){\nsetTimeout(function(){ done(null, 1) }, 10);\n})(done);")
}

func TestConsoleArgs(t *testing.T) {
	t.Parallel()

	got := consoleArgs([]*runtime.RemoteObject{
		{Type: runtime.TypeString, Value: []byte(`"hello"`)},
		{Type: runtime.TypeNumber, Value: []byte(`42`)},
		{Type: runtime.TypeObject, Description: "HTMLDivElement"},
		nil,
	})
	assert.Equal(t, []any{"hello", float64(42), "HTMLDivElement"}, got)
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 500,
			URL:    "https://example.com/logo.png",
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/missing",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.com/next"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	assert.Equal(t, "https://example.com/missing", url)

	status, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://req", url)
}

func TestServeRejectsMalformedScrape(t *testing.T) {
	t.Parallel()

	r, err := New(Config{})
	require.NoError(t, err)
	defer r.Close()

	ours, theirs := ipc.Pipe()
	served := make(chan error, 1)
	go func() { served <- r.Serve(context.Background(), theirs) }()

	ctx := context.Background()
	require.NoError(t, ours.Send(ctx, ipc.Message{Kind: ipc.KindRequest, Name: ipc.NameScrape, ID: "c1"}))

	reply, err := ours.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", reply.ReplyTo)
	var body ipc.ScrapeReply
	require.NoError(t, reply.Decode(&body))
	assert.True(t, body.Fail)
	assert.Equal(t, ipc.ReasonFail, body.Reason)

	require.NoError(t, ours.Close())
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the connection closed")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	r := &Renderer{limiter: make(chan struct{}, 1)}
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.acquire(ctx), context.Canceled)

	r.release()
	require.NoError(t, r.acquire(context.Background()))
}
