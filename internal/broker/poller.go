package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"rlm/internal/observability"
	"rlm/internal/proto"
)

// RouterDialer opens a socket-framed connection to the sub-call router. The
// poller is the only part of the host that ever speaks to the broker; it
// speaks to the router over the same wire codec (§4.A) a REPL would use
// directly when no sandbox boundary is in the way.
type RouterDialer interface {
	Dial(ctx context.Context) (RouterConn, error)
}

// RouterConn is a single request/response round trip over the socket codec.
type RouterConn interface {
	Send(req proto.LMRequest) (proto.LMResponse, error)
	Close() error
}

// Poller polls a broker's HTTP surface at a bounded rate and forwards each
// pending request to the router, posting the response back.
type Poller struct {
	BaseURL    string
	HTTPClient *http.Client
	Dialer     RouterDialer
	Limiter    *rate.Limiter
}

// NewPoller constructs a Poller against baseURL, pacing GET /pending at
// ~10 polls/s unless overridden.
func NewPoller(baseURL string, dialer RouterDialer, client *http.Client) *Poller {
	if client == nil {
		client = observability.NewHTTPClient(nil)
	}
	return &Poller{
		BaseURL:    baseURL,
		HTTPClient: client,
		Dialer:     dialer,
		Limiter:    rate.NewLimiter(rate.Limit(10), 1),
	}
}

// Run polls until ctx is cancelled, forwarding every pending request it sees
// to the router and posting the result back to the broker.
func (p *Poller) Run(ctx context.Context) {
	logger := observability.LoggerWithTrace(ctx)
	for {
		if err := p.Limiter.Wait(ctx); err != nil {
			return // ctx cancelled
		}
		if err := p.pollOnce(ctx); err != nil {
			logger.Warn().Err(err).Msg("broker_poll_failed")
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	items, err := p.fetchPending(ctx)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}
	for _, item := range items {
		resp, err := p.forward(ctx, item.Request)
		if err != nil {
			resp = proto.NewErrorResponse(err.Error(), "TransientTransport")
		}
		if err := p.postResponse(ctx, item.ID, resp); err != nil {
			return fmt.Errorf("post response for %s: %w", item.ID, err)
		}
	}
	return nil
}

func (p *Poller) fetchPending(ctx context.Context) ([]pendingItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/pending", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var items []pendingItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *Poller) forward(ctx context.Context, req proto.LMRequest) (proto.LMResponse, error) {
	conn, err := p.Dialer.Dial(ctx)
	if err != nil {
		return proto.LMResponse{}, err
	}
	defer conn.Close()
	return conn.Send(req)
}

func (p *Poller) postResponse(ctx context.Context, id string, resp proto.LMResponse) error {
	body := map[string]any{"id": id, "response": resp}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/respond", bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("broker /respond returned status %d", resp.StatusCode)
	}
	return nil
}

// socketRouterConn is the concrete RouterConn used by the production poller:
// one TCP connection, one framed request, one framed response.
type socketRouterConn struct {
	rw  *bufio.ReadWriter
	cls func() error
}

func (c *socketRouterConn) Send(req proto.LMRequest) (proto.LMResponse, error) {
	if err := proto.WriteFrame(c.rw, req); err != nil {
		return proto.LMResponse{}, err
	}
	if err := c.rw.Flush(); err != nil {
		return proto.LMResponse{}, err
	}
	var resp proto.LMResponse
	if err := proto.ReadFrame(c.rw.Reader, &resp); err != nil {
		return proto.LMResponse{}, err
	}
	return resp, nil
}

func (c *socketRouterConn) Close() error { return c.cls() }

// TimeoutDialer wraps a net.Conn-producing dial function with a per-call
// deadline, matching §5's "socket reads bounded by connection timeout".
type TimeoutDialer struct {
	DialFunc func(ctx context.Context) (DeadlineSetter, error)
	Timeout  time.Duration
}

// DeadlineSetter is the minimal surface TimeoutDialer needs from a
// connection: read/write plus a deadline, matching net.Conn.
type DeadlineSetter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

func (d *TimeoutDialer) Dial(ctx context.Context) (RouterConn, error) {
	conn, err := d.DialFunc(ctx)
	if err != nil {
		return nil, err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	return &socketRouterConn{rw: rw, cls: conn.Close}, nil
}
