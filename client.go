package beacon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/storage"
	"github.com/beaconhq/go-client-sdk/util"
)

const VERSION = "0.3.0"

// Client wires the push channel and the request client to one credential
// store. In most cases there should be only one, shared, Client.
type Client struct {
	options    *Options
	cfg        *HTTPConfiguration
	store      CredentialStore
	ownedStore io.Closer
	auth       *AuthCoordinator
	api        *HTTPClient
	connection *ConnectionManager
	sessionID  string
	closed     atomic.Bool
}

type ClientStats struct {
	State             ConnectionState
	AuthState         AuthState
	PendingSends      int
	DroppedSends      int64
	ReconnectAttempts int
	SubscribedTypes   int
}

// NewClient builds a Client from options. Nothing is dialled until Connect.
func NewClient(options *Options) (*Client, error) {
	if options == nil {
		return nil, errors.New("missing options! Call NewClient with valid options")
	}
	if options.Logger != nil {
		util.SetLogger(options.Logger)
	} else if options.LogLevel != "" || options.LogFormat != "" {
		util.SetLogger(util.NewZerologLogger(util.InitLogger(options.LogLevel, options.LogFormat)))
	}

	options.CheckDefaults()
	if err := options.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.RequestTimeout)
	defer cancel()

	c := &Client{
		options:   options,
		cfg:       NewConfiguration(options),
		sessionID: uuid.NewString(),
	}
	c.cfg.AddDefaultHeader("X-Session-ID", c.sessionID)

	switch {
	case options.OverrideCredentialStore != nil:
		c.store = options.OverrideCredentialStore
	case options.CredentialsPath != "":
		sqliteStore, err := storage.OpenSQLite(ctx, options.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("open credential store: %w", err)
		}
		c.store = sqliteStore
		c.ownedStore = sqliteStore
	default:
		c.store = storage.NewMemoryStore()
	}

	auth, err := NewAuthCoordinator(ctx, options, c.cfg, c.store)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.auth = auth
	c.api = NewHTTPClient(options, c.cfg, auth)
	c.connection = NewConnectionManager(options, c.newTransport())

	util.Infof("Beacon client %s created (session %s, transport %s)", VERSION, c.sessionID, options.PushTransport)
	emitClientEvent(options.ClientEventHandler, api.ClientEvent{
		EventType: api.ClientEventType_Initialized,
		EventData: c.sessionID,
		Status:    "success",
	})
	return c, nil
}

func (c *Client) newTransport() Transport {
	if c.options.OverrideTransport != nil {
		return c.options.OverrideTransport
	}
	if c.options.PushTransport == TransportSSE {
		// The stream outlives any request timeout.
		streamClient := &http.Client{Transport: c.cfg.HTTPClient.Transport}
		return NewSSETransport(c.options.PushURL, c.options.SSESendURL, c.auth.AccessToken, streamClient)
	}
	ws := NewWebSocketTransport(c.options.PushURL, c.auth.AccessToken, c.options.PingInterval)
	ws.Header = http.Header{
		"User-Agent":   {c.cfg.UserAgent},
		"X-Session-ID": {c.sessionID},
	}
	return ws
}

func (c *Client) SessionID() string { return c.sessionID }

// Connect opens the push channel. While Offline it does nothing; use
// Reconnect or NotifyVisible.
func (c *Client) Connect() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.connection.Connect()
	return nil
}

func (c *Client) Disconnect() {
	c.connection.Disconnect()
}

func (c *Client) Reconnect() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.connection.Reconnect()
	return nil
}

// NotifyVisible should be called when the application returns to the
// foreground; it brings an Offline push channel back.
func (c *Client) NotifyVisible() {
	c.connection.NotifyVisible()
}

func (c *Client) State() ConnectionState {
	return c.connection.State()
}

func (c *Client) OnStateChange(fn func(from, to ConnectionState)) (unsubscribe func()) {
	return c.connection.OnStateChange(fn)
}

func (c *Client) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	return c.connection.Router().Subscribe(eventType, handler)
}

func (c *Client) SubscribeFunc(eventType EventType, fn func(Envelope)) (unsubscribe func()) {
	return c.connection.Router().SubscribeFunc(eventType, fn)
}

// Send writes v to the push channel, buffering it while the channel is down.
func (c *Client) Send(v interface{}) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.connection.Send(v)
}

func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.api.Do(ctx, method, path, body, out)
}

func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// SignIn stores credentials obtained from the sign-in flow. An open push
// channel is re-dialled so the new token is presented.
func (c *Client) SignIn(ctx context.Context, pair CredentialPair) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.auth.SignIn(ctx, pair); err != nil {
		return err
	}
	if c.connection.State() == StateConnected {
		c.connection.Disconnect()
		c.connection.Connect()
	}
	return nil
}

func (c *Client) SignOut(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.auth.SignOut(ctx)
}

// OnUnauthenticated registers fn to run when the session is forcibly ended;
// this is where the application redirects to sign-in.
func (c *Client) OnUnauthenticated(fn func()) (unsubscribe func()) {
	return c.auth.OnUnauthenticated(fn)
}

func (c *Client) AuthState() AuthState {
	return c.auth.State()
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		State:             c.connection.State(),
		AuthState:         c.auth.State(),
		PendingSends:      c.connection.Queue().Len(),
		DroppedSends:      c.connection.Queue().Dropped(),
		ReconnectAttempts: c.connection.Attempts(),
		SubscribedTypes:   c.connection.Router().EventTypeCount(),
	}
}

// Close releases every resource the client holds. Subsequent calls return
// ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	c.connection.Close()
	c.auth.Close()
	return c.closeStore()
}

func (c *Client) closeStore() error {
	if c.ownedStore == nil {
		return nil
	}
	return c.ownedStore.Close()
}

func emitClientEvent(ch chan api.ClientEvent, event api.ClientEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
		util.Debugf("Client event channel full, dropping %s event", event.EventType)
	}
}
