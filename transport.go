package beacon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconhq/go-client-sdk/util"
)

// Conn is one open push channel. ReadMessage and WriteMessage may be called
// from different goroutines; Close unblocks both.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Transport opens push channels for the ConnectionManager.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// TokenFunc supplies the current access token for a dial; empty means none.
type TokenFunc func() string

const wsWriteWait = 10 * time.Second

type WebSocketTransport struct {
	URL          string
	Token        TokenFunc
	Header       http.Header
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

func NewWebSocketTransport(url string, token TokenFunc, pingInterval time.Duration) *WebSocketTransport {
	return &WebSocketTransport{
		URL:          url,
		Token:        token,
		PingInterval: pingInterval,
		Dialer:       websocket.DefaultDialer,
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	for k, v := range t.Header {
		header[k] = append([]string(nil), v...)
	}
	if t.Token != nil {
		if token := t.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	wc := &wsConn{
		conn: conn,
		done: make(chan struct{}),
	}
	if t.PingInterval > 0 {
		pongWait := 2 * t.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go wc.sendPings(t.PingInterval)
	}
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn
	// gorilla allows one concurrent writer; pings share the lock.
	writeLock sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return frame, nil
		}
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *wsConn) sendPings(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.writeLock.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait))
		c.writeLock.Unlock()
		if err != nil {
			util.Debugf("Failed to send websocket ping (connection likely dead): %v", err)
			return
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeLock.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeLock.Unlock()
		err = c.conn.Close()
	})
	return err
}
