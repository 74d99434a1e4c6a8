package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/beaconhq/go-client-sdk/util"
)

const (
	test_apiURI  = "https://api.beacon.test"
	test_pushURL = "wss://push.beacon.test/v1/stream"
)

var errFakeConnClosed = errors.New("fake connection closed")

func TestMain(m *testing.M) {
	util.SetLogger(util.DiscardLogger{})
	os.Exit(m.Run())
}

// testOptions returns defaulted options with delays short enough for tests.
func testOptions() *Options {
	options := &Options{
		APIURI:               test_apiURI,
		PushURL:              test_pushURL,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    8 * time.Millisecond,
		MaxReconnectAttempts: 3,
		RetryBaseDelay:       time.Millisecond,
		RequestTimeout:       time.Second,
	}
	options.CheckDefaults()
	return options
}

func newMockHTTPClient() (*http.Client, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()
	return &http.Client{Transport: transport}, transport
}

func decodeRequestBody(req *http.Request, v interface{}) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}

func frame(eventType, data string) []byte {
	return []byte(`{"eventType":"` + eventType + `","timestamp":"2024-04-11T16:35:34Z","data":` + data + `}`)
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failing  bool
	conns    []*fakeConn
	onDialed func(conn *fakeConn)
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.failing {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	if t.onDialed != nil {
		t.onDialed(conn)
	}
	return conn, nil
}

func (t *fakeTransport) setFailing(failing bool) {
	t.mu.Lock()
	t.failing = failing
	t.mu.Unlock()
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

type fakeConn struct {
	inbound chan []byte

	mu        sync.Mutex
	written   [][]byte
	writeErr  error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errFakeConnClosed
	case frame := <-c.inbound:
		return frame, nil
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return errFakeConnClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) writtenStrings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, string(w))
	}
	return out
}
