// Package session tracks which jam session the local user is in, who else
// is in it and the last playback state the host reported.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus-crane/tunetogether/channel"
	"github.com/marcus-crane/tunetogether/models"
)

const (
	EventJoinSession    = "join_session"
	EventLeaveSession   = "leave_session"
	EventJoinedSession  = "joined_session"
	EventLeftSession    = "left_session"
	EventSessionUpdate  = "session_update"
	EventSessionUpdated = "session_updated"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventError          = "error"
)

var (
	ErrJoinFailed = errors.New("failed to join session")
	ErrNotHost    = errors.New("only the host can do that")
)

const reconcileTimeout = 10 * time.Second

type Channel interface {
	Send(name string, payload any) error
	On(name string, h channel.Handler) *channel.Subscription
	State() channel.State
}

type Backend interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	JoinSession(ctx context.Context, id string) (*models.Session, error)
	LeaveSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Cache remembers the current session across restarts so that it can be
// reconciled once the channel is back.
type Cache interface {
	SaveSession(ctx context.Context, sessionID string) error
	LoadSession(ctx context.Context) (string, error)
	ClearSession(ctx context.Context) error
}

type ChangeKind string

const (
	Joined          ChangeKind = "joined"
	Left            ChangeKind = "left"
	MemberJoined    ChangeKind = "member_joined"
	MemberLeft      ChangeKind = "member_left"
	PlaybackUpdated ChangeKind = "playback_updated"
	Restored        ChangeKind = "restored"
	Discarded       ChangeKind = "discarded"
)

// Change describes one transition of the current session. Session is a
// snapshot taken after the change and is nil once the session is gone.
type Change struct {
	Kind      ChangeKind      `json:"kind"`
	SessionID string          `json:"session_id"`
	Session   *models.Session `json:"session,omitempty"`
	Role      models.Role     `json:"role,omitempty"`
	Member    *models.Member  `json:"member,omitempty"`
	Update    *models.Update  `json:"update,omitempty"`
	At        time.Time       `json:"at"`
}

type Controller struct {
	ch    Channel
	api   Backend
	cache Cache
	me    models.User
	now   func() time.Time

	// notifyMu is held from a state change until its observers have run,
	// so observers see changes in the order they were made. It is always
	// taken before mu.
	notifyMu sync.Mutex

	mu        sync.Mutex
	current   *models.Session
	role      models.Role
	pending   *joinAttempt
	observers map[int]func(Change)
	nextObs   int
	subs      []*channel.Subscription
}

func NewController(ch Channel, api Backend, cache Cache, me models.User) *Controller {
	return &Controller{
		ch:        ch,
		api:       api,
		cache:     cache,
		me:        me,
		now:       time.Now,
		observers: make(map[int]func(Change)),
	}
}

// Start subscribes to the channel events that drive membership.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		return
	}
	c.subs = []*channel.Subscription{
		c.ch.On(EventJoinedSession, c.onJoinedSession),
		c.ch.On(EventLeftSession, c.onLeftSession),
		c.ch.On(EventUserJoined, c.onUserJoined),
		c.ch.On(EventUserLeft, c.onUserLeft),
		c.ch.On(EventSessionUpdated, c.onSessionUpdated),
		c.ch.On(EventError, c.onError),
		c.ch.On(channel.EventConnected, c.onConnected),
	}
}

func (c *Controller) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Current returns a snapshot of the current session, or nil.
func (c *Controller) Current() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *Controller) Role() models.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Controller) Me() models.User {
	return c.me
}

// Subscribe registers fn for every session change. Observers run
// synchronously and must not call back into JoinSession, LeaveSession or
// DeleteSession.
func (c *Controller) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// notify must be called with notifyMu held and mu released.
func (c *Controller) notify(change Change) {
	if change.At.IsZero() {
		change.At = c.now()
	}
	c.mu.Lock()
	observers := make([]func(Change), 0, len(c.observers))
	for i := 0; i < c.nextObs; i++ {
		if fn, ok := c.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	c.mu.Unlock()

	slog.Debug("Session changed", slog.String("kind", string(change.Kind)), slog.String("session_id", change.SessionID))
	for _, fn := range observers {
		fn(change)
	}
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

// JoinSession joins id over the channel and the backend at the same time
// and resolves on whichever confirms first. It fails only if both fail or
// ctx is done first.
func (c *Controller) JoinSession(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: no session id", ErrJoinFailed)
	}
	if state := c.ch.State(); state != channel.StateConnected {
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, channel.ErrNotConnected)
	}

	if cur := c.Current(); cur != nil {
		if cur.ID == id {
			return cur, nil
		}
		slog.Info("Leaving current session before joining another",
			slog.String("current", cur.ID),
			slog.String("next", id))
		c.LeaveSession(ctx, cur.ID)
	}

	attempt := newJoinAttempt(id)
	c.mu.Lock()
	if c.pending != nil {
		c.pending.fail(errors.New("superseded by another join"))
	}
	c.pending = attempt
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == attempt {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	if err := c.ch.Send(EventJoinSession, sessionRef{SessionID: id}); err != nil {
		attempt.fail(fmt.Errorf("channel: %w", err))
	}
	go func() {
		s, err := c.joinViaBackend(ctx, id)
		if err != nil {
			attempt.fail(fmt.Errorf("backend: %w", err))
			return
		}
		attempt.resolve(s)
	}()

	select {
	case <-attempt.done:
	case <-ctx.Done():
		attempt.fail(ctx.Err())
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, ctx.Err())
	}

	s, err := attempt.result()
	if err != nil {
		slog.Error("Failed to join session", slog.String("session_id", id), slog.String("stack", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}
	return c.commit(ctx, s, Joined), nil
}

// joinViaBackend treats "already a member" as success by looking the
// session up again.
func (c *Controller) joinViaBackend(ctx context.Context, id string) (*models.Session, error) {
	s, err := c.api.JoinSession(ctx, id)
	if err == nil {
		return s, nil
	}
	existing, lookupErr := c.api.GetSession(ctx, id)
	if lookupErr == nil && existing.RoleOf(c.me.ID) != "" {
		return existing, nil
	}
	return nil, err
}

func (c *Controller) commit(ctx context.Context, s *models.Session, kind ChangeKind) *models.Session {
	if s.RoleOf(c.me.ID) == "" {
		s.AddMember(models.Member{UserID: c.me.ID, Username: c.me.Username, JoinedAt: c.now()})
	}

	c.notifyMu.Lock()
	c.mu.Lock()
	c.current = s
	c.role = s.RoleOf(c.me.ID)
	role := c.role
	snapshot := s.Clone()
	c.mu.Unlock()
	c.notify(Change{Kind: kind, SessionID: s.ID, Session: snapshot, Role: role})
	c.notifyMu.Unlock()

	if err := c.cache.SaveSession(ctx, s.ID); err != nil {
		slog.Warn("Failed to cache session", slog.String("session_id", s.ID), slog.String("stack", err.Error()))
	}
	slog.Info("Joined session", slog.String("session_id", s.ID), slog.String("role", string(role)))
	return snapshot
}

// clear drops the current session if it matches id (or any session when id
// is empty) and reports what was dropped.
func (c *Controller) clear(id string, kind ChangeKind) (string, models.Role, bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	cur := c.current
	if cur == nil || (id != "" && cur.ID != id) {
		c.mu.Unlock()
		return id, "", false
	}
	role := c.role
	c.current = nil
	c.role = ""
	c.mu.Unlock()

	c.notify(Change{Kind: kind, SessionID: cur.ID})
	return cur.ID, role, true
}

// LeaveSession clears local state before telling anyone else, so nothing
// session-scoped survives even when the network calls fail. It always
// returns nil.
func (c *Controller) LeaveSession(ctx context.Context, id string) error {
	id, role, cleared := c.clear(id, Left)
	if id == "" {
		return nil
	}
	if cleared {
		if err := c.cache.ClearSession(ctx); err != nil {
			slog.Warn("Failed to clear cached session", slog.String("stack", err.Error()))
		}
	}

	if c.ch.State() == channel.StateConnected {
		if err := c.ch.Send(EventLeaveSession, sessionRef{SessionID: id}); err != nil {
			slog.Warn("Failed to send leave over channel", slog.String("session_id", id), slog.String("stack", err.Error()))
		}
	}
	// the backend refuses to let a host leave their own session
	if role != models.RoleHost {
		if _, err := c.api.LeaveSession(ctx, id); err != nil {
			slog.Warn("Failed to leave session via backend", slog.String("session_id", id), slog.String("stack", err.Error()))
		}
	}
	slog.Info("Left session", slog.String("session_id", id))
	return nil
}

// DeleteSession ends a hosted session for everybody.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	isCurrent := c.current != nil && c.current.ID == id
	role := c.role
	c.mu.Unlock()

	if isCurrent {
		if role != models.RoleHost {
			return ErrNotHost
		}
	} else {
		s, err := c.api.GetSession(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to look up session %s: %w", id, err)
		}
		if s.HostID != c.me.ID {
			return ErrNotHost
		}
	}

	if _, _, cleared := c.clear(id, Left); cleared {
		if err := c.cache.ClearSession(ctx); err != nil {
			slog.Warn("Failed to clear cached session", slog.String("stack", err.Error()))
		}
		if c.ch.State() == channel.StateConnected {
			if err := c.ch.Send(EventLeaveSession, sessionRef{SessionID: id}); err != nil {
				slog.Warn("Failed to send leave over channel", slog.String("session_id", id), slog.String("stack", err.Error()))
			}
		}
	}
	if err := c.api.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Info("Deleted session", slog.String("session_id", id))
	return nil
}
