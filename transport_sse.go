package beacon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/launchdarkly/eventsource"

	"github.com/beaconhq/go-client-sdk/util"
)

var errStreamClosed = errors.New("event stream closed")

// SSETransport receives frames over server-sent events and posts outbound
// frames to SendURL.
type SSETransport struct {
	URL        string
	SendURL    string
	Token      TokenFunc
	HTTPClient *http.Client
}

func NewSSETransport(url, sendURL string, token TokenFunc, client *http.Client) *SSETransport {
	return &SSETransport{
		URL:        url,
		SendURL:    sendURL,
		Token:      token,
		HTTPClient: client,
	}
}

func (t *SSETransport) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}

func (t *SSETransport) Dial(ctx context.Context) (Conn, error) {
	if t.SendURL == "" {
		return nil, errors.New("SSE transport requires a send URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, err
	}
	t.authorize(req)

	errs := make(chan error, 1)
	stream, err := eventsource.SubscribeWithRequestAndOptions(req,
		eventsource.StreamOptionHTTPClient(t.client()),
		eventsource.StreamOptionErrorHandler(func(err error) eventsource.StreamErrorHandlerResult {
			util.Debugf("SSE - Error: %v", err)
			select {
			case errs <- err:
			default:
			}
			// Reconnection is owned by the ConnectionManager.
			return eventsource.StreamErrorHandlerResult{CloseNow: true}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to event stream: %w", err)
	}

	return &sseConn{
		transport: t,
		stream:    stream,
		errs:      errs,
		closed:    make(chan struct{}),
	}, nil
}

func (t *SSETransport) authorize(req *http.Request) {
	if t.Token == nil {
		return
	}
	if token := t.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

type sseConn struct {
	transport *SSETransport
	stream    *eventsource.Stream
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *sseConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errStreamClosed
	case err := <-c.errs:
		return nil, err
	case event, ok := <-c.stream.Events:
		if !ok {
			return nil, errStreamClosed
		}
		return []byte(event.Data()), nil
	}
}

func (c *sseConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errStreamClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transport.SendURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.transport.authorize(req)

	resp, err := c.transport.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("send frame: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.Close()
	})
	return nil
}
