// Package channel owns the realtime connection to the TuneTogether backend.
// It speaks Socket.IO over a websocket, delivers inbound events to
// subscribers in the order they arrived and reconnects with a bounded policy
// when the connection drops.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcus-crane/tunetogether/retry"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Lifecycle events emitted by the manager itself.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

const (
	eventStateChanged = "channel:state"
	serverGreeting    = "connected"
	defaultQueueSize  = 256
)

var (
	ErrNotConnected = errors.New("channel is not connected")
	ErrUnauthorized = errors.New("channel connection refused")
	errServerClosed = errors.New("connection closed by server")
)

type Options struct {
	// URL is the backend base URL, eg; http://localhost:8000
	URL              string
	Path             string
	Reconnect        retry.Policy
	HandshakeTimeout time.Duration
	QueueSize        int
}

type Manager struct {
	opts   Options
	dialer Dialer
	bus    *Bus

	mu         sync.Mutex
	state      State
	conn       Conn
	credential string
	// gen is bumped whenever the current connection attempt is superseded,
	// so that late readers and reconnect loops can tell they are stale.
	gen    uint64
	cancel context.CancelFunc

	writeMu sync.Mutex

	queue     chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func NewManager(opts Options, dialer Dialer) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	m := &Manager{
		opts:   opts,
		dialer: dialer,
		bus:    NewBus(),
		state:  StateDisconnected,
		queue:  make(chan Event, opts.QueueSize),
		closed: make(chan struct{}),
	}
	go m.dispatch()
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) On(name string, h Handler) *Subscription {
	return m.bus.On(name, h)
}

func (m *Manager) Off(s *Subscription) {
	m.bus.Off(s)
}

// OnStateChange registers fn for every connection state transition.
func (m *Manager) OnStateChange(fn func(State)) *Subscription {
	return m.bus.On(eventStateChanged, func(evt Event) {
		var s State
		if err := evt.Decode(&s); err != nil {
			slog.Error("Failed to decode channel state", slog.String("stack", err.Error()))
			return
		}
		fn(s)
	})
}

// Connect opens the channel with the given credential. Without a credential
// there is nobody to connect as, so the manager stays disconnected and no
// error is returned. Calling Connect on an active manager is a no-op.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		slog.Warn("No credential available, channel stays disconnected")
		return nil
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		slog.Debug("Channel already active", slog.String("state", string(state)))
		return nil
	}
	m.credential = credential
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	m.publishState(StateConnecting)

	conn, err := m.open(ctx, credential)
	if err != nil {
		m.mu.Lock()
		current := m.gen == gen
		if current {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		if current {
			m.publishState(StateDisconnected)
		}
		return fmt.Errorf("failed to connect channel: %w", err)
	}
	if !m.attach(conn, gen) {
		conn.Close()
		return fmt.Errorf("%w: disconnected while connecting", ErrNotConnected)
	}
	return nil
}

// Send emits a named event with payload. It fails with ErrNotConnected
// unless the channel is connected.
func (m *Manager) Send(name string, payload any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return fmt.Errorf("%w: cannot send %s while %s", ErrNotConnected, name, state)
	}
	frame, err := encodeEvent(name, payload)
	if err != nil {
		return err
	}
	if err := m.write(conn, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	slog.Debug("Sent channel event", slog.String("event", name))
	return nil
}

// Disconnect tears the channel down and cancels any reconnection in flight.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	prev := m.state
	m.state = StateDisconnected
	m.credential = ""
	m.mu.Unlock()

	if conn != nil {
		_ = m.write(conn, frameDisconnect)
		conn.Close()
	}
	if prev != StateDisconnected {
		slog.Info("Channel disconnected")
		m.publishState(StateDisconnected)
		m.enqueue(Event{Name: EventDisconnected})
	}
}

// Close disconnects and stops the dispatcher. The manager cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Manager) open(ctx context.Context, credential string) (Conn, error) {
	target, err := SocketURL(m.opts.URL, m.opts.Path, credential)
	if err != nil {
		return nil, err
	}
	conn, err := m.dialer.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if err := m.handshake(conn); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, err
	}
	return conn, nil
}

func (m *Manager) handshake(conn Conn) error {
	opened := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("channel handshake failed: %w", err)
		}
		p, err := decodePacket(data)
		if err != nil {
			return fmt.Errorf("channel handshake failed: %w", err)
		}
		switch p.kind {
		case kindOpen:
			h, err := decodeHandshake(p.data)
			if err != nil {
				return err
			}
			slog.Debug("Channel transport opened",
				slog.String("sid", h.SID),
				slog.Int("ping_interval", h.PingInterval))
			opened = true
			if err := m.write(conn, frameConnect); err != nil {
				return fmt.Errorf("channel handshake failed: %w", err)
			}
		case kindPing:
			if err := m.write(conn, framePong); err != nil {
				return fmt.Errorf("channel handshake failed: %w", err)
			}
		case kindConnect:
			if !opened {
				return fmt.Errorf("%w: connect before open", errMalformedPacket)
			}
			return nil
		case kindConnectError:
			return fmt.Errorf("%w: %s", ErrUnauthorized, connectErrorMessage(p.data))
		case kindClose, kindDisconnect:
			return fmt.Errorf("channel handshake failed: %w", errServerClosed)
		}
	}
}

// attach installs conn as the live connection if gen is still current.
func (m *Manager) attach(conn Conn, gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	m.cancel = nil
	m.mu.Unlock()

	slog.Info("Channel connected")
	m.publishState(StateConnected)
	m.enqueue(Event{Name: EventConnected})
	go m.read(conn, gen)
	return true
}

func (m *Manager) read(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.lost(conn, gen, err)
			return
		}
		p, err := decodePacket(data)
		if err != nil {
			slog.Warn("Dropping malformed channel packet", slog.String("stack", err.Error()))
			continue
		}
		switch p.kind {
		case kindPing:
			if err := m.write(conn, framePong); err != nil {
				m.lost(conn, gen, err)
				return
			}
		case kindEvent:
			if p.event.Name == serverGreeting {
				slog.Debug("Received server greeting")
				continue
			}
			p.event.ReceivedAt = time.Now()
			m.enqueue(p.event)
		case kindClose, kindDisconnect:
			m.lost(conn, gen, errServerClosed)
			return
		}
	}
}

// lost moves a connection that failed underneath us into reconnecting.
func (m *Manager) lost(conn Conn, gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateReconnecting
	m.gen++
	gen = m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	credential := m.credential
	m.mu.Unlock()

	conn.Close()
	slog.Warn("Channel connection lost, reconnecting", slog.String("stack", cause.Error()))
	m.publishState(StateReconnecting)
	go m.reconnect(ctx, credential, gen)
}

func (m *Manager) reconnect(ctx context.Context, credential string, gen uint64) {
	err := retry.Do(ctx, m.opts.Reconnect, func(ctx context.Context, attempt int) error {
		slog.Info("Reconnecting channel", slog.Int("attempt", attempt))
		conn, err := m.open(ctx, credential)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
				return err
			}
			return retry.Retryable(err)
		}
		if !m.attach(conn, gen) {
			conn.Close()
			return context.Canceled
		}
		return nil
	})
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.cancel = nil
	m.mu.Unlock()

	slog.Error("Channel reconnection failed", slog.String("stack", err.Error()))
	m.publishState(StateDisconnected)
	m.enqueue(Event{Name: EventDisconnected})
}

func (m *Manager) write(conn Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) publishState(s State) {
	m.enqueue(NewEvent(eventStateChanged, s))
}

// enqueue must never be called while holding mu: handlers run on the
// dispatcher and are free to call back into the manager.
func (m *Manager) enqueue(evt Event) {
	select {
	case m.queue <- evt:
	case <-m.closed:
	}
}

func (m *Manager) dispatch() {
	for {
		select {
		case evt := <-m.queue:
			m.bus.Emit(evt)
		case <-m.closed:
			return
		}
	}
}
