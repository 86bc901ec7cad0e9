package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/marcus-crane/tunetogether/channel"
	"github.com/marcus-crane/tunetogether/models"
)

// joinAttempt collects the two join signals. The first success wins, and
// the attempt only fails once both signals have failed.
type joinAttempt struct {
	id   string
	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	session   *models.Session
	errs      []error
	confirmed bool
}

func newJoinAttempt(id string) *joinAttempt {
	return &joinAttempt{id: id, done: make(chan struct{})}
}

func (a *joinAttempt) resolve(s *models.Session) {
	a.once.Do(func() {
		a.mu.Lock()
		a.session = s
		a.mu.Unlock()
		close(a.done)
	})
}

func (a *joinAttempt) fail(err error) {
	a.mu.Lock()
	a.errs = append(a.errs, err)
	failed := len(a.errs) >= 2
	a.mu.Unlock()
	if failed {
		a.once.Do(func() { close(a.done) })
	}
}

// confirm records that the room accepted us. Channel errors after this
// point belong to something else.
func (a *joinAttempt) confirm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmed = true
}

func (a *joinAttempt) isConfirmed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confirmed
}

func (a *joinAttempt) result() (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	return nil, errors.Join(a.errs...)
}

type memberPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type updatePayload struct {
	SessionID string        `json:"session_id"`
	Updates   models.Update `json:"updates"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// joinErrors are the messages the server sends when it refuses a
// join_session. Other errors on the channel are not about the join.
var joinErrors = map[string]bool{
	"Not authenticated":   true,
	"session_id required": true,
	"Session not found":   true,
	"Access denied":       true,
}

func (c *Controller) onJoinedSession(evt channel.Event) {
	var ref struct {
		SessionID string `json:"session_id"`
		ID        string `json:"id"`
	}
	if err := evt.Decode(&ref); err != nil {
		slog.Warn("Ignoring malformed joined_session", slog.String("stack", err.Error()))
		return
	}
	id := ref.SessionID
	if id == "" {
		id = ref.ID
	}

	c.mu.Lock()
	attempt := c.pending
	c.mu.Unlock()
	if attempt == nil || attempt.id != id {
		slog.Debug("Room confirmation without a pending join", slog.String("session_id", id))
		return
	}
	attempt.confirm()
	// the confirmation only carries the id, so the session is looked up
	// off the dispatcher
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
		s, err := c.api.GetSession(ctx, id)
		if err != nil {
			attempt.fail(err)
			return
		}
		attempt.resolve(s)
	}()
}

func (c *Controller) onError(evt channel.Event) {
	var body errorPayload
	if err := evt.Decode(&body); err != nil {
		body.Message = string(evt.Data)
	}
	c.mu.Lock()
	attempt := c.pending
	c.mu.Unlock()
	if attempt != nil && !attempt.isConfirmed() && joinErrors[body.Message] {
		attempt.fail(errors.New(body.Message))
		return
	}
	slog.Warn("Channel reported an error", slog.String("message", body.Message))
}

// acceptsLocked reports whether an event for sessionID applies to the current
// session. Events that do not name a session apply to the current one.
func (c *Controller) acceptsLocked(sessionID string) bool {
	if c.current == nil {
		return false
	}
	return sessionID == "" || sessionID == c.current.ID
}

func (c *Controller) onUserJoined(evt channel.Event) {
	var body memberPayload
	if err := evt.Decode(&body); err != nil || body.UserID == "" {
		slog.Warn("Ignoring malformed user_joined")
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if !c.acceptsLocked(body.SessionID) {
		c.mu.Unlock()
		slog.Debug("Discarding user_joined outside of current session", slog.String("user_id", body.UserID))
		return
	}
	member := models.Member{UserID: body.UserID, Username: body.Username, JoinedAt: c.now()}
	changed := c.current.AddMember(member)
	id := c.current.ID
	snapshot := c.current.Clone()
	c.mu.Unlock()

	if changed {
		c.notify(Change{Kind: MemberJoined, SessionID: id, Session: snapshot, Member: &member})
	}
}

func (c *Controller) onUserLeft(evt channel.Event) {
	var body memberPayload
	if err := evt.Decode(&body); err != nil || body.UserID == "" {
		slog.Warn("Ignoring malformed user_left")
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if !c.acceptsLocked(body.SessionID) {
		c.mu.Unlock()
		slog.Debug("Discarding user_left outside of current session", slog.String("user_id", body.UserID))
		return
	}
	changed := c.current.RemoveMember(body.UserID)
	id := c.current.ID
	snapshot := c.current.Clone()
	c.mu.Unlock()

	if changed {
		member := models.Member{UserID: body.UserID, Username: body.Username}
		c.notify(Change{Kind: MemberLeft, SessionID: id, Session: snapshot, Member: &member})
	}
}

func (c *Controller) onLeftSession(evt channel.Event) {
	var ref sessionRef
	if err := evt.Decode(&ref); err != nil || ref.SessionID == "" {
		return
	}
	// our own leave has already cleared state, so this only matters when
	// the server removed us
	if id, _, cleared := c.clear(ref.SessionID, Left); cleared {
		slog.Info("Removed from session by server", slog.String("session_id", id))
		if err := c.cache.ClearSession(context.Background()); err != nil {
			slog.Warn("Failed to clear cached session", slog.String("stack", err.Error()))
		}
	}
}

func (c *Controller) onSessionUpdated(evt channel.Event) {
	var body updatePayload
	if err := evt.Decode(&body); err != nil {
		slog.Warn("Ignoring malformed session_updated", slog.String("stack", err.Error()))
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if body.SessionID == "" || !c.acceptsLocked(body.SessionID) {
		c.mu.Unlock()
		slog.Debug("Discarding session_updated outside of current session", slog.String("session_id", body.SessionID))
		return
	}
	// positions are relative to when the update reached us, not to when
	// the dispatcher got round to it
	now := evt.ReceivedAt
	if now.IsZero() {
		now = c.now()
	}
	var base models.PlaybackState
	if c.current.Playback != nil {
		base = *c.current.Playback
	}
	next := base.MergeUpdate(body.Updates, now)
	c.current.Playback = &next
	c.current.UpdatedAt = now
	id := c.current.ID
	snapshot := c.current.Clone()
	c.mu.Unlock()

	update := body.Updates
	c.notify(Change{Kind: PlaybackUpdated, SessionID: id, Session: snapshot, Update: &update, At: now})
}

// onConnected runs on every (re)connection. It reconciles the remembered
// session with the backend before any further events are dispatched.
func (c *Controller) onConnected(channel.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	c.Reconcile(ctx)
}

// Reconcile restores the cached session if the backend still lists us in
// it, and discards it otherwise.
func (c *Controller) Reconcile(ctx context.Context) {
	c.mu.Lock()
	pending := c.pending != nil
	id := ""
	if c.current != nil {
		id = c.current.ID
	}
	c.mu.Unlock()
	if pending {
		return
	}

	if id == "" {
		cached, err := c.cache.LoadSession(ctx)
		if err != nil {
			slog.Warn("Failed to load cached session", slog.String("stack", err.Error()))
			return
		}
		id = cached
	}
	if id == "" {
		return
	}

	s, err := c.api.GetSession(ctx, id)
	if err != nil || s.RoleOf(c.me.ID) == "" {
		if err != nil {
			slog.Warn("Discarding cached session after failed lookup", slog.String("session_id", id), slog.String("stack", err.Error()))
		} else {
			slog.Info("Discarding cached session we are no longer part of", slog.String("session_id", id))
		}
		c.discard(ctx, id)
		return
	}

	c.notifyMu.Lock()
	c.mu.Lock()
	if c.current != nil && c.current.ID != id {
		c.mu.Unlock()
		c.notifyMu.Unlock()
		return
	}
	if c.current != nil && c.current.Playback != nil && s.Playback == nil {
		s.Playback = c.current.Playback
	}
	c.current = s
	c.role = s.RoleOf(c.me.ID)
	role := c.role
	snapshot := s.Clone()
	c.mu.Unlock()
	c.notify(Change{Kind: Restored, SessionID: id, Session: snapshot, Role: role})
	c.notifyMu.Unlock()

	if err := c.cache.SaveSession(ctx, id); err != nil {
		slog.Warn("Failed to cache session", slog.String("session_id", id), slog.String("stack", err.Error()))
	}
	if err := c.ch.Send(EventJoinSession, sessionRef{SessionID: id}); err != nil {
		slog.Warn("Failed to re-enter session room", slog.String("session_id", id), slog.String("stack", err.Error()))
	}
	slog.Info("Restored session", slog.String("session_id", id), slog.String("role", string(role)))
}

func (c *Controller) discard(ctx context.Context, id string) {
	if err := c.cache.ClearSession(ctx); err != nil {
		slog.Warn("Failed to clear cached session", slog.String("stack", err.Error()))
	}
	if _, _, cleared := c.clear(id, Discarded); !cleared {
		c.notifyMu.Lock()
		c.notify(Change{Kind: Discarded, SessionID: id})
		c.notifyMu.Unlock()
	}
}
