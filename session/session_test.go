package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/tunetogether/backend"
	"github.com/marcus-crane/tunetogether/channel"
	"github.com/marcus-crane/tunetogether/models"
)

type sentEvent struct {
	Name    string
	Payload string
}

type fakeChannel struct {
	*channel.Bus

	mu     sync.Mutex
	state  channel.State
	sent   []sentEvent
	onSend func(name string)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{Bus: channel.NewBus(), state: channel.StateConnected}
}

func (f *fakeChannel) Send(name string, payload any) error {
	f.mu.Lock()
	if f.state != channel.StateConnected {
		f.mu.Unlock()
		return channel.ErrNotConnected
	}
	data, _ := json.Marshal(payload)
	f.sent = append(f.sent, sentEvent{Name: name, Payload: string(data)})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return nil
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) sentNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, s := range f.sent {
		names = append(names, s.Name)
	}
	return names
}

type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	joinErr  error
	// joinGate blocks JoinSession until it is closed or the context ends
	joinGate chan struct{}
	leaveErr error
	getErr   error
	joins    []string
	leaves   []string
	deletes  []string
}

func (f *fakeBackend) GetSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, &backend.APIError{StatusCode: 404, Detail: "Session not found"}
	}
	return s.Clone(), nil
}

func (f *fakeBackend) JoinSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	f.joins = append(f.joins, id)
	gate, joinErr := f.joinGate, f.joinErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if joinErr != nil {
		return nil, joinErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, &backend.APIError{StatusCode: 404, Detail: "Session not found"}
	}
	s.AddMember(models.Member{UserID: "u-bob", Username: "bob"})
	return s.Clone(), nil
}

func (f *fakeBackend) LeaveSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, id)
	return nil, f.leaveErr
}

func (f *fakeBackend) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

type fakeCache struct {
	mu sync.Mutex
	id string
}

func (f *fakeCache) SaveSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
	return nil
}

func (f *fakeCache) LoadSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, nil
}

func (f *fakeCache) ClearSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = ""
	return nil
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) kinds() []ChangeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var kinds []ChangeKind
	for _, c := range l.changes {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

var bob = models.User{ID: "u-bob", Username: "bob"}

func hostedByAlice(id string) *models.Session {
	return &models.Session{
		ID:           id,
		Name:         "Friday listening party",
		HostID:       "u-alice",
		HostUsername: "alice",
		Members:      []models.Member{{UserID: "u-alice", Username: "alice"}},
	}
}

func setup(t *testing.T, me models.User) (*Controller, *fakeChannel, *fakeBackend, *fakeCache, *changeLog) {
	t.Helper()
	ch := newFakeChannel()
	api := &fakeBackend{sessions: map[string]*models.Session{"s1": hostedByAlice("s1"), "s2": hostedByAlice("s2")}}
	cache := &fakeCache{}
	c := NewController(ch, api, cache, me)
	c.Start()
	t.Cleanup(c.Close)
	log := &changeLog{}
	c.Subscribe(log.record)
	return c, ch, api, cache, log
}

func TestJoinSession_RequiresConnection(t *testing.T) {
	c, ch, _, _, _ := setup(t, bob)
	ch.state = channel.StateReconnecting

	_, err := c.JoinSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.ErrorIs(t, err, channel.ErrNotConnected)
	assert.Nil(t, c.Current())
}

func TestJoinSession_ResolvesOnBackend(t *testing.T) {
	c, ch, _, cache, log := setup(t, bob)

	s, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, models.RoleGuest, c.Role())
	assert.Equal(t, []string{EventJoinSession}, ch.sentNames())
	assert.Equal(t, []ChangeKind{Joined}, log.kinds())
	assert.Equal(t, "s1", cache.id)
}

func TestJoinSession_ResolvesOnChannelConfirmationOnce(t *testing.T) {
	c, ch, api, _, log := setup(t, bob)
	gate := make(chan struct{})
	api.joinGate = gate
	api.sessions["s1"].AddMember(models.Member{UserID: "u-bob", Username: "bob"})
	ch.onSend = func(name string) {
		if name == EventJoinSession {
			go ch.Emit(channel.NewEvent(EventJoinedSession, sessionRef{SessionID: "s1"}))
		}
	}

	s, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	// the slower REST acknowledgment lands afterwards and changes nothing
	close(gate)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []ChangeKind{Joined}, log.kinds())
}

func TestJoinSession_FailsWhenBothSignalsFail(t *testing.T) {
	c, ch, api, cache, log := setup(t, bob)
	api.joinErr = &backend.APIError{StatusCode: 403, Detail: "Access denied"}
	ch.onSend = func(name string) {
		go ch.Emit(channel.NewEvent(EventError, errorPayload{Message: "Access denied"}))
	}

	_, err := c.JoinSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.ErrorIs(t, err, backend.ErrForbidden)
	assert.Nil(t, c.Current())
	assert.Empty(t, log.kinds())
	assert.Empty(t, cache.id)
}

func TestJoinSession_IgnoresUnrelatedChannelErrors(t *testing.T) {
	c, ch, api, _, _ := setup(t, bob)
	api.joinErr = &backend.APIError{StatusCode: 400, Detail: "Already a member"}
	ch.onSend = func(name string) {
		if name != EventJoinSession {
			return
		}
		go func() {
			// left over from an earlier session_update
			ch.Emit(channel.NewEvent(EventError, errorPayload{Message: "Only host can update session"}))
			ch.Emit(channel.NewEvent(EventJoinedSession, sessionRef{SessionID: "s1"}))
		}()
	}

	s, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, models.RoleGuest, c.Role())
}

func TestJoinSession_IgnoresErrorsAfterConfirmation(t *testing.T) {
	c, ch, api, _, _ := setup(t, bob)
	api.joinErr = &backend.APIError{StatusCode: 400, Detail: "Already a member"}
	ch.onSend = func(name string) {
		if name != EventJoinSession {
			return
		}
		go func() {
			ch.Emit(channel.NewEvent(EventJoinedSession, sessionRef{SessionID: "s1"}))
			ch.Emit(channel.NewEvent(EventError, errorPayload{Message: "Session not found"}))
		}()
	}

	s, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
}

func TestJoinSession_ContextExpires(t *testing.T) {
	c, _, api, _, _ := setup(t, bob)
	api.joinGate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.JoinSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, c.Current())
}

func TestMembershipEvents_DiscardedWithoutSession(t *testing.T) {
	c, ch, _, _, log := setup(t, bob)

	ch.Emit(channel.NewEvent(EventUserJoined, memberPayload{UserID: "u-carol", Username: "carol"}))
	ch.Emit(channel.NewEvent(EventSessionUpdated, map[string]any{"session_id": "s1", "updates": map[string]any{"is_playing": true}}))

	assert.Nil(t, c.Current())
	assert.Empty(t, log.kinds())
}

func TestMembershipEvents_UpdateCurrentSession(t *testing.T) {
	c, ch, _, _, log := setup(t, bob)
	_, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)

	ch.Emit(channel.NewEvent(EventUserJoined, memberPayload{UserID: "u-carol", Username: "carol"}))
	ch.Emit(channel.NewEvent(EventUserJoined, memberPayload{UserID: "u-carol", Username: "carol"}))
	ch.Emit(channel.NewEvent(EventUserLeft, memberPayload{UserID: "u-alice", Username: "alice"}))
	ch.Emit(channel.NewEvent(EventSessionUpdated, map[string]any{"session_id": "s2", "updates": map[string]any{"track_id": "elsewhere"}}))
	ch.Emit(channel.NewEvent(EventSessionUpdated, map[string]any{
		"session_id": "s1",
		"updates":    map[string]any{"session_id": "s1", "track_id": "4uLU6hMCjMI75M1A2tKUQC", "position_ms": 42300, "is_playing": true},
	}))

	assert.Equal(t, []ChangeKind{Joined, MemberJoined, MemberLeft, PlaybackUpdated}, log.kinds())
	cur := c.Current()
	require.NotNil(t, cur)
	assert.True(t, cur.HasMember("u-carol"))
	assert.False(t, cur.HasMember("u-alice"))
	require.NotNil(t, cur.Playback)
	assert.Equal(t, "4uLU6hMCjMI75M1A2tKUQC", cur.Playback.TrackID)
	assert.Equal(t, int64(42300), cur.Playback.PositionMs)
	assert.True(t, cur.Playback.Playing)
}

func TestSessionUpdated_CapturedWhenReceived(t *testing.T) {
	c, ch, _, _, log := setup(t, bob)
	_, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)

	// read off the socket two seconds ago but only dispatched now
	received := time.Now().Add(-2 * time.Second)
	evt := channel.NewEvent(EventSessionUpdated, map[string]any{
		"session_id": "s1",
		"updates":    map[string]any{"track_id": "abc", "position_ms": 1000, "is_playing": true},
	})
	evt.ReceivedAt = received
	ch.Emit(evt)

	cur := c.Current()
	require.NotNil(t, cur)
	require.NotNil(t, cur.Playback)
	assert.True(t, cur.Playback.CapturedAt.Equal(received))
	assert.Equal(t, int64(3000), cur.Playback.PositionAt(received.Add(2*time.Second)))

	log.mu.Lock()
	last := log.changes[len(log.changes)-1]
	log.mu.Unlock()
	assert.Equal(t, PlaybackUpdated, last.Kind)
	assert.True(t, last.At.Equal(received))
}

func TestLeaveSession_ClearsStateWhenNetworkFails(t *testing.T) {
	c, ch, api, cache, log := setup(t, bob)
	_, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	api.leaveErr = errors.New("connection reset by peer")

	var sawCleared bool
	c.Subscribe(func(change Change) {
		if change.Kind == Left {
			sawCleared = c.Current() == nil
		}
	})

	assert.NoError(t, c.LeaveSession(context.Background(), "s1"))
	assert.True(t, sawCleared)
	assert.Nil(t, c.Current())
	assert.Equal(t, models.Role(""), c.Role())
	assert.Empty(t, cache.id)
	assert.Equal(t, []ChangeKind{Joined, Left}, log.kinds())
	assert.Equal(t, []string{EventJoinSession, EventLeaveSession}, ch.sentNames())
	assert.Equal(t, []string{"s1"}, api.leaves)

	// late events for the old session are ignored
	ch.Emit(channel.NewEvent(EventUserJoined, memberPayload{UserID: "u-carol"}))
	assert.Equal(t, []ChangeKind{Joined, Left}, log.kinds())
}

func TestLeaveSession_HostDoesNotCallBackendLeave(t *testing.T) {
	alice := models.User{ID: "u-alice", Username: "alice"}
	c, _, api, _, _ := setup(t, alice)
	_, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleHost, c.Role())

	assert.NoError(t, c.LeaveSession(context.Background(), "s1"))
	assert.Empty(t, api.leaves)
}

func TestReconnect_DiscardsStaleMembership(t *testing.T) {
	c, ch, _, cache, log := setup(t, bob)
	cache.id = "s1"

	ch.Emit(channel.Event{Name: channel.EventConnected})

	assert.Equal(t, []ChangeKind{Discarded}, log.kinds())
	assert.Nil(t, c.Current())
	assert.Empty(t, cache.id)
	assert.Empty(t, ch.sentNames())

	ch.Emit(channel.NewEvent(EventUserJoined, memberPayload{SessionID: "s1", UserID: "u-carol"}))
	assert.Equal(t, []ChangeKind{Discarded}, log.kinds())
}

func TestReconnect_DiscardsWhenLookupFails(t *testing.T) {
	c, ch, api, _, log := setup(t, bob)
	_, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	api.getErr = errors.New("backend unavailable")

	ch.Emit(channel.Event{Name: channel.EventConnected})

	assert.Equal(t, []ChangeKind{Joined, Discarded}, log.kinds())
	assert.Nil(t, c.Current())
}

func TestReconnect_RestoresMembership(t *testing.T) {
	c, ch, api, cache, log := setup(t, bob)
	api.sessions["s1"].AddMember(models.Member{UserID: "u-bob", Username: "bob"})
	cache.id = "s1"

	ch.Emit(channel.Event{Name: channel.EventConnected})

	assert.Equal(t, []ChangeKind{Restored}, log.kinds())
	require.NotNil(t, c.Current())
	assert.Equal(t, models.RoleGuest, c.Role())
	assert.Equal(t, []string{EventJoinSession}, ch.sentNames())
}

func TestDeleteSession_RequiresHost(t *testing.T) {
	c, _, api, _, _ := setup(t, bob)
	_, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)

	assert.ErrorIs(t, c.DeleteSession(context.Background(), "s1"), ErrNotHost)
	assert.NotNil(t, c.Current())
	assert.ErrorIs(t, c.DeleteSession(context.Background(), "s2"), ErrNotHost)
	assert.Empty(t, api.deletes)
}

func TestDeleteSession_Host(t *testing.T) {
	alice := models.User{ID: "u-alice", Username: "alice"}
	c, _, api, _, log := setup(t, alice)
	_, err := c.JoinSession(context.Background(), "s1")
	require.NoError(t, err)

	require.NoError(t, c.DeleteSession(context.Background(), "s1"))
	assert.Nil(t, c.Current())
	assert.Equal(t, []string{"s1"}, api.deletes)
	assert.Equal(t, []ChangeKind{Joined, Left}, log.kinds())
}
