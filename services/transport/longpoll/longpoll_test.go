package longpoll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/kychandar/pollsub/ds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, Config) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, Config{
		Origin:       srv.URL,
		SubscribeKey: "sub-c-1",
		UUID:         "client-1",
		AuthKey:      "secret",
		Heartbeat:    5 * time.Minute,
	}
}

func TestLongPoll_RequestAndDecode(t *testing.T) {
	seen := make(chan *url.URL, 1)
	_, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL
		_, _ = w.Write([]byte(`{"t":{"t":"17000000000000001","r":4},"m":[{"a":"4","f":0,"i":"pub","p":{"t":"17000000000000000","r":4},"k":"sub-c-1","c":"news","d":{"text":"hi"}}]}`))
	})
	tr := New(context.Background(), cfg, nil)

	resp, err := tr.LongPoll(context.Background(), ds.PollRequest{
		Channels:      []string{"news", "sport-pnpres"},
		ChannelGroups: []string{"g1"},
		Cursor:        ds.TimeToken{Timestamp: 17000000000000000, Region: 4},
		State:         map[string]ds.State{"news": {"mood": "ok"}},
	})
	require.NoError(t, err)

	got := <-seen
	assert.Equal(t, "/v2/subscribe/sub-c-1/news,sport-pnpres/0", got.Path)
	q := got.Query()
	assert.Equal(t, "17000000000000000", q.Get("tt"))
	assert.Equal(t, "4", q.Get("tr"))
	assert.Equal(t, "g1", q.Get("channel-group"))
	assert.Equal(t, "client-1", q.Get("uuid"))
	assert.Equal(t, "secret", q.Get("auth"))
	assert.Equal(t, "300", q.Get("heartbeat"))
	assert.JSONEq(t, `{"news":{"mood":"ok"}}`, q.Get("state"))

	assert.Equal(t, uint64(17000000000000001), resp.Cursor.Timestamp)
	assert.Equal(t, 4, resp.Cursor.Region)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "news", resp.Events[0].Channel)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Events[0].Payload))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v2/subscribe/sub-c-1/news,sport-pnpres/0", resp.Request.Path)
	assert.NotContains(t, resp.Request.Query, "auth")
}

func TestLongPoll_InitialOmitsRegion(t *testing.T) {
	seen := make(chan *url.URL, 1)
	_, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL
		_, _ = w.Write([]byte(`{"t":{"t":"1","r":1},"m":[]}`))
	})
	cfg.AuthKey = ""
	tr := New(context.Background(), cfg, nil)

	_, err := tr.LongPoll(context.Background(), ds.PollRequest{ChannelGroups: []string{"g"}})
	require.NoError(t, err)
	got := <-seen
	assert.Equal(t, "/v2/subscribe/sub-c-1/,/0", got.Path)
	assert.Equal(t, "0", got.Query().Get("tt"))
	assert.False(t, got.Query().Has("tr"))
	assert.False(t, got.Query().Has("auth"))
	assert.False(t, got.Query().Has("state"))
}

func TestLongPoll_NonSuccessStatus(t *testing.T) {
	_, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Forbidden"}`, http.StatusForbidden)
	})
	tr := New(context.Background(), cfg, nil)

	_, err := tr.LongPoll(context.Background(), ds.PollRequest{Channels: []string{"a"}})
	var statusErr *ds.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.False(t, errors.Is(err, ds.ErrMalformedResponse))
}

func TestLongPoll_MalformedBody(t *testing.T) {
	_, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m":[]}`))
	})
	tr := New(context.Background(), cfg, nil)

	_, err := tr.LongPoll(context.Background(), ds.PollRequest{Channels: []string{"a"}})
	assert.ErrorIs(t, err, ds.ErrMalformedResponse)
}

func TestLongPoll_Cancelled(t *testing.T) {
	release := make(chan struct{})
	_, cfg := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)
	tr := New(context.Background(), cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tr.LongPoll(ctx, ds.PollRequest{Channels: []string{"a"}})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "long-poll did not return after cancel")
	}
}

func TestConfig_BaseURL(t *testing.T) {
	assert.Equal(t, "https://ps.example.com", Config{Origin: "ps.example.com", TLS: true}.BaseURL())
	assert.Equal(t, "http://ps.example.com", Config{Origin: "ps.example.com/"}.BaseURL())
	assert.Equal(t, "http://127.0.0.1:80", Config{Origin: "http://127.0.0.1:80", TLS: true}.BaseURL())
}
