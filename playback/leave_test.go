package playback

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/tunetogether/channel"
	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/session"
)

// roomChannel is an always connected channel whose inbound events are
// emitted by the test. session_update frames are recorded like fakeSender.
type roomChannel struct {
	*channel.Bus
	fakeSender
}

func (r *roomChannel) State() channel.State { return channel.StateConnected }

type roomBackend struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func (b *roomBackend) GetSession(_ context.Context, id string) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[id].Clone(), nil
}

func (b *roomBackend) JoinSession(ctx context.Context, id string) (*models.Session, error) {
	return b.GetSession(ctx, id)
}

func (b *roomBackend) LeaveSession(context.Context, string) (*models.Session, error) {
	return nil, nil
}

func (b *roomBackend) DeleteSession(context.Context, string) error { return nil }

type nopCache struct{}

func (nopCache) SaveSession(context.Context, string) error   { return nil }
func (nopCache) LoadSession(context.Context) (string, error) { return "", nil }
func (nopCache) ClearSession(context.Context) error          { return nil }

// stuckPlayer holds Play until its context ends or the test lets go.
type stuckPlayer struct {
	*fakePlayer
	entered  chan struct{}
	release  chan struct{}
	returned chan error
}

func (s *stuckPlayer) Play(ctx context.Context, uri string, pos int64) error {
	close(s.entered)
	select {
	case <-ctx.Done():
		s.returned <- ctx.Err()
		return ctx.Err()
	case <-s.release:
	}
	s.returned <- nil
	return s.fakePlayer.Play(ctx, uri, pos)
}

// parkedPlayer holds State once it is armed, which is where a host tick
// reads the live position.
type parkedPlayer struct {
	*fakePlayer
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (p *parkedPlayer) arm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = true
}

func (p *parkedPlayer) State() models.PlaybackState {
	p.mu.Lock()
	park := p.armed
	p.armed = false
	p.mu.Unlock()
	if park {
		close(p.entered)
		<-p.release
	}
	return p.fakePlayer.State()
}

func newRoom(t *testing.T, me models.User, host string, p Player, interval time.Duration) (*session.Controller, *Engine, *roomChannel) {
	t.Helper()
	ch := &roomChannel{Bus: channel.NewBus()}
	api := &roomBackend{sessions: map[string]*models.Session{
		"s1": {
			ID:      "s1",
			HostID:  host,
			Members: []models.Member{{UserID: host}, {UserID: "u-guest"}},
		},
	}}
	sessions := session.NewController(ch, api, nopCache{}, me)
	sessions.Start()
	t.Cleanup(sessions.Close)

	engine := NewEngine(sessions, p, ch, &fakeQueue{}, &fakeRecorder{}, Options{BroadcastInterval: interval})
	engine.Start()
	t.Cleanup(engine.Close)
	return sessions, engine, ch
}

func TestLeaveSession_DoesNotWaitForGuestSync(t *testing.T) {
	p := &stuckPlayer{
		fakePlayer: &fakePlayer{clock: newClock()},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
		returned:   make(chan error, 1),
	}
	defer close(p.release)
	sessions, _, ch := newRoom(t, models.User{ID: "u-guest", Username: "gus"}, "u-host", p, time.Hour)

	_, err := sessions.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, models.RoleGuest, sessions.Role())

	raw, err := json.Marshal(map[string]any{
		"session_id": "s1",
		"updates":    map[string]any{"track_id": "abc", "position_ms": 1000, "is_playing": true},
	})
	require.NoError(t, err)
	dispatched := make(chan struct{})
	go func() {
		ch.Emit(channel.Event{Name: session.EventSessionUpdated, Data: raw, ReceivedAt: time.Now()})
		close(dispatched)
	}()

	select {
	case <-p.entered:
	case <-time.After(time.Second):
		t.Fatal("guest never started following the host")
	}
	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("session_updated handler waited on the player")
	}

	start := time.Now()
	require.NoError(t, sessions.LeaveSession(context.Background(), "s1"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Nil(t, sessions.Current())

	// leaving cancels the command that was in flight
	select {
	case err := <-p.returned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("in flight play was not cancelled")
	}
}

func TestLeaveSession_NoBroadcastAfterReturn(t *testing.T) {
	c := newClock()
	p := &parkedPlayer{
		fakePlayer: &fakePlayer{clock: c},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	p.set(models.PlaybackState{TrackID: "abc", PositionMs: 1000, Playing: true})
	sessions, engine, ch := newRoom(t, models.User{ID: "u-host", Username: "hal"}, "u-host", p, 5*time.Millisecond)

	_, err := sessions.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(ch.Sent()) >= 1 }, time.Second, time.Millisecond)

	// the next tick gets as far as reading the player and stops there
	p.arm()
	select {
	case <-p.entered:
	case <-time.After(time.Second):
		t.Fatal("no tick started")
	}

	left := make(chan struct{})
	go func() {
		sessions.LeaveSession(context.Background(), "s1")
		close(left)
	}()
	time.Sleep(20 * time.Millisecond)
	close(p.release)

	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("LeaveSession did not return")
	}
	sent := len(ch.Sent())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ch.Sent(), sent)
	assert.Empty(t, engine.Hosting())
}
