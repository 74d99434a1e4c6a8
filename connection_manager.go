package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/util"
)

type stateChange struct {
	from, to ConnectionState
}

type stateListener struct {
	fn func(from, to ConnectionState)
}

// ConnectionManager keeps one push channel open, reconnecting with
// exponential backoff until MaxReconnectAttempts is exhausted, and buffers
// outbound frames while the channel is down.
type ConnectionManager struct {
	options   *Options
	transport Transport
	router    *EventRouter
	queue     *OutboundQueue

	mu         sync.Mutex
	state      ConnectionState
	conn       Conn
	connCtx    context.Context
	cancelConn context.CancelFunc
	// generation changes whenever the current connection is replaced or torn
	// down; callbacks carrying an older value are ignored.
	generation uint64
	attempts   int
	timer      *time.Timer
	closed     bool
	changes    []stateChange

	// sendMu orders the post-connect flush and direct sends.
	sendMu sync.Mutex

	listenersMu sync.Mutex
	listeners   map[*stateListener]struct{}

	changeSignal chan struct{}
	stopNotify   chan struct{}
	notifyDone   chan struct{}
	wg           sync.WaitGroup

	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewConnectionManager(options *Options, transport Transport) *ConnectionManager {
	m := &ConnectionManager{
		options:      options,
		transport:    transport,
		router:       NewEventRouter(),
		queue:        NewOutboundQueue(options.MaxPendingSends, options.OverflowPolicy),
		state:        StateDisconnected,
		listeners:    make(map[*stateListener]struct{}),
		changeSignal: make(chan struct{}, 1),
		stopNotify:   make(chan struct{}),
		notifyDone:   make(chan struct{}),
		afterFunc:    time.AfterFunc,
	}
	go m.notifyLoop()
	return m
}

func (m *ConnectionManager) Router() *EventRouter { return m.router }

func (m *ConnectionManager) Queue() *OutboundQueue { return m.queue }

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the number of reconnects scheduled since the last successful
// connect.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// OnStateChange registers fn for every state transition. Listeners run in
// transition order on a dedicated goroutine.
func (m *ConnectionManager) OnStateChange(fn func(from, to ConnectionState)) (unsubscribe func()) {
	l := &stateListener{fn: fn}
	m.listenersMu.Lock()
	m.listeners[l] = struct{}{}
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, l)
		m.listenersMu.Unlock()
	}
}

// Connect opens the push channel. It returns immediately; the dial happens
// in the background. Calling it while connected or connecting does nothing,
// and so does calling it while Offline: only Reconnect and NotifyVisible
// leave Offline.
func (m *ConnectionManager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOffline {
		util.Debugf("Push channel offline, ignoring Connect; use Reconnect")
		return
	}
	m.connectLocked()
}

func (m *ConnectionManager) connectLocked() {
	if m.closed || m.state == StateConnected || m.state == StateConnecting {
		return
	}
	if !m.transitionLocked(StateConnecting) {
		return
	}
	m.stopTimerLocked()

	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.connCtx, m.cancelConn = ctx, cancel

	m.wg.Add(1)
	go m.dial(ctx, gen)
}

func (m *ConnectionManager) dial(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	conn, err := m.transport.Dial(ctx)

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed || gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		util.Warnf("Push channel dial failed: %v", err)
		stale := m.closureLocked()
		m.mu.Unlock()
		closeConn(stale)
		return
	}

	m.conn = conn
	m.attempts = 0
	m.transitionLocked(StateConnected)
	m.wg.Add(1)
	go m.readLoop(ctx, conn, gen)
	m.mu.Unlock()

	m.flushLocked(ctx, conn, gen)
}

// flushLocked writes every pending frame in order. sendMu must be held.
func (m *ConnectionManager) flushLocked(ctx context.Context, conn Conn, gen uint64) {
	items := m.queue.Drain()
	for i, item := range items {
		if err := conn.WriteMessage(ctx, item); err != nil {
			m.queue.Requeue(items[i:])
			m.connectionFailed(gen, fmt.Errorf("flush pending send: %w", err))
			return
		}
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	defer m.wg.Done()

	for {
		frame, err := conn.ReadMessage(ctx)
		if err != nil {
			m.connectionFailed(gen, err)
			return
		}
		m.handleFrame(frame)
	}
}

func (m *ConnectionManager) handleFrame(frame []byte) {
	envelope, err := api.ParseEnvelope(frame)
	if err != nil {
		util.Warnf("Dropping malformed push frame: %v", err)
		emitClientEvent(m.options.ClientEventHandler, api.ClientEvent{
			EventType: api.ClientEventType_MalformedFrame,
			EventData: string(frame),
			Status:    "failure",
			Error:     err,
		})
		return
	}
	m.router.Dispatch(envelope)
}

// connectionFailed handles an unexpected closure of the connection from
// generation gen.
func (m *ConnectionManager) connectionFailed(gen uint64, err error) {
	m.mu.Lock()
	if m.closed || gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	util.Warnf("Push channel closed unexpectedly: %v", err)
	stale := m.closureLocked()
	m.mu.Unlock()
	closeConn(stale)
}

// closureLocked tears down the current connection, moves to Disconnected and
// schedules the next attempt. The returned Conn must be closed by the caller
// after releasing mu.
func (m *ConnectionManager) closureLocked() Conn {
	stale := m.conn
	m.conn = nil
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	m.generation++
	m.transitionLocked(StateDisconnected)
	m.scheduleReconnectLocked()
	return stale
}

func (m *ConnectionManager) scheduleReconnectLocked() {
	if m.attempts >= m.options.MaxReconnectAttempts {
		util.Warnf("Push channel offline after %d reconnect attempts", m.attempts)
		m.transitionLocked(StateOffline)
		return
	}

	delay := BackoffDelay(m.attempts, m.options.ReconnectBaseDelay, m.options.ReconnectMaxDelay)
	m.attempts++
	gen := m.generation
	util.Debugf("Reconnecting push channel in %s (attempt %d/%d)", delay, m.attempts, m.options.MaxReconnectAttempts)
	m.timer = m.afterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation || m.state != StateDisconnected {
			return
		}
		m.timer = nil
		m.connectLocked()
	})
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Reconnect skips any pending backoff and dials now with a fresh attempt
// budget. It is the way out of Offline.
func (m *ConnectionManager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectLocked()
}

func (m *ConnectionManager) reconnectLocked() {
	if m.closed {
		return
	}
	m.stopTimerLocked()
	m.attempts = 0
	m.connectLocked()
}

// NotifyVisible tells the manager the application returned to the
// foreground. It only acts while Offline.
func (m *ConnectionManager) NotifyVisible() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOffline {
		return
	}
	util.Infof("Application visible while offline, reconnecting push channel")
	m.reconnectLocked()
}

// Disconnect closes the push channel without scheduling a retry.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	stale := m.disconnectLocked()
	m.mu.Unlock()
	closeConn(stale)
}

func (m *ConnectionManager) disconnectLocked() Conn {
	m.stopTimerLocked()
	stale := m.conn
	m.conn = nil
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	m.generation++
	if m.state == StateConnected || m.state == StateConnecting {
		m.transitionLocked(StateDisconnected)
	}
	return stale
}

// Send encodes v as JSON and writes it, or buffers it until the channel is
// open. Buffered frames are written in the order they were sent.
func (m *ConnectionManager) Send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	return m.SendRaw(payload)
}

// SendRaw is Send for an already encoded frame.
func (m *ConnectionManager) SendRaw(payload []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClientClosed
	}
	connected := m.state == StateConnected
	conn, ctx, gen := m.conn, m.connCtx, m.generation
	m.mu.Unlock()

	if err := m.queue.Enqueue(payload); err != nil {
		return err
	}
	if connected {
		m.flushLocked(ctx, conn, gen)
	}
	return nil
}

// transitionLocked moves to the given state if the edge is legal and queues
// the change for listeners. mu must be held.
func (m *ConnectionManager) transitionLocked(to ConnectionState) bool {
	from := m.state
	if err := checkTransition(from, to); err != nil {
		util.Errorf("Connection state unchanged: %v", err)
		return false
	}
	m.state = to
	m.changes = append(m.changes, stateChange{from: from, to: to})
	select {
	case m.changeSignal <- struct{}{}:
	default:
	}
	return true
}

func (m *ConnectionManager) notifyLoop() {
	defer close(m.notifyDone)
	for {
		stopping := false
		select {
		case <-m.changeSignal:
		case <-m.stopNotify:
			stopping = true
		}

		m.mu.Lock()
		changes := m.changes
		m.changes = nil
		m.mu.Unlock()

		for _, change := range changes {
			m.fireStateChange(change)
		}
		if stopping {
			return
		}
	}
}

func (m *ConnectionManager) fireStateChange(change stateChange) {
	util.Debugf("Connection state %s -> %s", change.from, change.to)

	m.listenersMu.Lock()
	listeners := make([]*stateListener, 0, len(m.listeners))
	for l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					util.Errorf("Recovered from panic in state change listener: %v", r)
				}
			}()
			l.fn(change.from, change.to)
		}()
	}

	emitClientEvent(m.options.ClientEventHandler, api.ClientEvent{
		EventType: api.ClientEventType_ConnectionStateChanged,
		EventData: change.to.String(),
		Status:    change.from.String() + " -> " + change.to.String(),
	})
}

// Close disconnects, stops every background goroutine and rejects further
// sends.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	stale := m.disconnectLocked()
	m.closed = true
	m.mu.Unlock()
	closeConn(stale)

	m.wg.Wait()
	close(m.stopNotify)
	<-m.notifyDone
}

func closeConn(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		util.Debugf("Error closing push channel: %v", err)
	}
}
