package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/tunetogether/retry"
)

const openPacket = `0{"sid":"lv_VI97HAXpY6yYWAAAC","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn(handshake ...string) *fakeConn {
	c := &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
	if len(handshake) == 0 {
		handshake = []string{openPacket, "40"}
	}
	for _, h := range handshake {
		c.in <- []byte(h)
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(frame string) { c.in <- []byte(frame) }

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.events {
		names = append(names, e.Name)
	}
	return names
}

func newTestManager(t *testing.T, dialer Dialer) *Manager {
	t.Helper()
	m := NewManager(Options{
		URL:       "http://localhost:8000",
		Reconnect: retry.Constant(3, time.Millisecond),
	}, dialer)
	t.Cleanup(m.Close)
	return m
}

func TestConnect_WithoutCredentialStaysDisconnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer)

	require.NoError(t, m.Connect(context.Background(), ""))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, dialer.dials())
}

func TestConnect_DeliversEventsInOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	m := newTestManager(t, dialer)

	rec := &recorder{}
	for _, name := range []string{EventConnected, "user_joined", "chat:message"} {
		m.On(name, rec.handle)
	}

	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	assert.Equal(t, StateConnected, m.State())
	assert.Contains(t, dialer.urls[0], "ws://localhost:8000/socket.io/?")
	assert.Contains(t, dialer.urls[0], "token=secret-token")
	assert.Equal(t, []string{"40"}, conn.written())

	before := time.Now()
	conn.push(`42["connected",{"sid":"abc"}]`)
	conn.push(`42["user_joined",{"user_id":"u2","username":"bob"}]`)
	conn.push(`42["chat:message",{"session_id":"s1","message":"hi"}]`)

	assert.Eventually(t, func() bool { return len(rec.names()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventConnected, "user_joined", "chat:message"}, rec.names())

	var joined struct {
		UserID string `json:"user_id"`
	}
	rec.mu.Lock()
	require.NoError(t, rec.events[1].Decode(&joined))
	lifecycle, received := rec.events[0], rec.events[1]
	rec.mu.Unlock()
	assert.Equal(t, "u2", joined.UserID)

	// frames are stamped on arrival, local lifecycle events are not
	assert.True(t, lifecycle.ReceivedAt.IsZero())
	assert.False(t, received.ReceivedAt.Before(before))
}

func TestRead_StampsBeforeSlowHandlers(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}})

	release := make(chan struct{})
	stamps := make(chan time.Time, 2)
	m.On("slow", func(Event) { <-release })
	m.On("session_updated", func(evt Event) { stamps <- evt.ReceivedAt })
	require.NoError(t, m.Connect(context.Background(), "secret-token"))

	conn.push(`42["slow",{}]`)
	conn.push(`42["session_updated",{"session_id":"s1"}]`)
	time.Sleep(50 * time.Millisecond)
	held := time.Now()
	close(release)

	select {
	case at := <-stamps:
		assert.True(t, at.Before(held), "stamped at %s, handler released at %s", at, held)
	case <-time.After(time.Second):
		t.Fatal("session_updated was never dispatched")
	}
}

func TestConnect_AnswersPings(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}})
	require.NoError(t, m.Connect(context.Background(), "secret-token"))

	conn.push("2")
	assert.Eventually(t, func() bool {
		w := conn.written()
		return len(w) == 2 && w[1] == "3"
	}, time.Second, 5*time.Millisecond)
}

func TestConnect_RefusedIsNotRetried(t *testing.T) {
	conn := newFakeConn(openPacket, `44{"message":"invalid token"}`)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	m := newTestManager(t, dialer)

	err := m.Connect(context.Background(), "expired")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorContains(t, err, "invalid token")
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, dialer.dials())
}

func TestSend(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}})

	err := m.Send("join_session", map[string]string{"session_id": "s1"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	require.NoError(t, m.Send("join_session", map[string]string{"session_id": "s1"}))
	assert.Equal(t, []string{"40", `42["join_session",{"session_id":"s1"}]`}, conn.written())
}

func TestReconnect_RestoresConnection(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	m := newTestManager(t, dialer)

	rec := &recorder{}
	m.On(EventConnected, rec.handle)
	m.On(EventDisconnected, rec.handle)

	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	first.Close()

	assert.Eventually(t, func() bool { return len(rec.names()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventConnected, EventConnected}, rec.names())
	assert.Equal(t, StateConnected, m.State())
	assert.NoError(t, m.Send("leave_session", map[string]string{"session_id": "s1"}))
	assert.Len(t, second.written(), 2)
}

func TestReconnect_GivesUp(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	m := newTestManager(t, dialer)

	var (
		mu     sync.Mutex
		states []State
	)
	m.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	rec := &recorder{}
	m.On(EventDisconnected, rec.handle)

	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	conn.Close()

	assert.Eventually(t, func() bool { return len(rec.names()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	// one initial dial plus three reconnect attempts
	assert.Equal(t, 4, dialer.dials())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateDisconnected}, states)
}

func TestDisconnect_DoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn, newFakeConn()}}
	m := newTestManager(t, dialer)

	rec := &recorder{}
	m.On(EventDisconnected, rec.handle)

	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	m.Disconnect()

	assert.Eventually(t, func() bool { return len(rec.names()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, dialer.dials())
	assert.Contains(t, conn.written(), "41")
}

func TestUnsubscribe(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}})

	kept, dropped := &recorder{}, &recorder{}
	m.On("user_left", kept.handle)
	sub := m.On("user_left", dropped.handle)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	conn.push(`42["user_left",{"user_id":"u2"}]`)

	assert.Eventually(t, func() bool { return len(kept.names()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, dropped.names())
}
