package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rlm/internal/proto"
)

type fakeRouterConn struct {
	resp proto.LMResponse
	err  error
}

func (c *fakeRouterConn) Send(req proto.LMRequest) (proto.LMResponse, error) { return c.resp, c.err }
func (c *fakeRouterConn) Close() error                                      { return nil }

type fakeDialer struct {
	resp proto.LMResponse
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context) (RouterConn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &fakeRouterConn{resp: d.resp}, nil
}

func TestPoller_ForwardsPendingAndPostsResponse(t *testing.T) {
	b := New()

	var respondCalled int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/pending":
			writeJSON(w, b.Pending())
		case r.Method == http.MethodPost && r.URL.Path == "/respond":
			atomic.AddInt32(&respondCalled, 1)
			var body struct {
				ID       string           `json:"id"`
				Response proto.LMResponse `json:"response"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.NoError(t, b.Respond(body.ID, body.Response))
			writeJSON(w, map[string]bool{"ok": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var clientResp proto.LMResponse
	var clientErr error
	go func() {
		clientResp, clientErr = b.CompleteSingle(ctx, proto.LMRequest{ID: "req-1", Prompt: "hi"})
	}()

	// wait for the request to actually land in the queue before polling.
	require.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	dialer := &fakeDialer{resp: proto.NewSingleResponse(proto.ChatCompletion{Text: "forwarded"})}
	poller := NewPoller(srv.URL, dialer, nil)

	require.NoError(t, poller.pollOnce(ctx))

	require.Eventually(t, func() bool { return clientErr != nil || clientResp.IsSingle() }, time.Second, 5*time.Millisecond)
	require.NoError(t, clientErr)
	require.True(t, clientResp.IsSingle())
	require.Equal(t, "forwarded", clientResp.ChatCompletion.Text)
	require.Equal(t, int32(1), atomic.LoadInt32(&respondCalled))
}

func TestPoller_DialFailureBecomesErrorResponse(t *testing.T) {
	b := New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/pending":
			writeJSON(w, b.Pending())
		case r.Method == http.MethodPost && r.URL.Path == "/respond":
			var body struct {
				ID       string           `json:"id"`
				Response proto.LMResponse `json:"response"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.NoError(t, b.Respond(body.ID, body.Response))
			writeJSON(w, map[string]bool{"ok": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var clientResp proto.LMResponse
	go func() {
		clientResp, _ = b.CompleteSingle(ctx, proto.LMRequest{ID: "req-2", Prompt: "hi"})
	}()
	require.Eventually(t, func() bool { return len(b.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	dialer := &fakeDialer{err: context.DeadlineExceeded}
	poller := NewPoller(srv.URL, dialer, nil)
	require.NoError(t, poller.pollOnce(ctx))

	require.Eventually(t, func() bool { return clientResp.IsError() }, time.Second, 5*time.Millisecond)
	require.True(t, clientResp.IsError())
}
