// Package chat relays session chat messages. Sent messages show up
// straight away as pending and are confirmed when the server echoes them.
package chat

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-crane/tunetogether/channel"
	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/session"
)

const EventChatMessage = "chat:message"

var (
	ErrNoActiveSession = errors.New("not in an active session")
	ErrEmptyMessage    = errors.New("message is empty")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

type Channel interface {
	Send(name string, payload any) error
	On(name string, h channel.Handler) *channel.Subscription
	State() channel.State
}

type Sessions interface {
	Current() *models.Session
	Me() models.User
	Subscribe(fn func(session.Change)) (unsubscribe func())
}

type Options struct {
	// MatchWindow is how far apart a local message and its echo may be.
	MatchWindow time.Duration
	Limit       int
}

type Relay struct {
	ch       Channel
	sessions Sessions
	opts     Options
	now      func() time.Time

	mu        sync.Mutex
	sessionID string
	messages  []Message
	observers map[int]func(Message)
	nextObs   int
	sub       *channel.Subscription
	unsub     func()
}

func NewRelay(ch Channel, sessions Sessions, opts Options) *Relay {
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = 2 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 200
	}
	return &Relay{
		ch:        ch,
		sessions:  sessions,
		opts:      opts,
		now:       time.Now,
		observers: make(map[int]func(Message)),
	}
}

func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}
	r.sub = r.ch.On(EventChatMessage, r.onMessage)
	r.unsub = r.sessions.Subscribe(r.onSessionChange)
}

func (r *Relay) Close() {
	r.mu.Lock()
	sub, unsub := r.sub, r.unsub
	r.sub, r.unsub = nil, nil
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	if unsub != nil {
		unsub()
	}
}

func (r *Relay) onSessionChange(c session.Change) {
	switch c.Kind {
	case session.Left, session.Discarded:
		r.Clear()
	case session.Joined, session.Restored:
		r.mu.Lock()
		if r.sessionID != c.SessionID {
			r.messages = nil
		}
		r.sessionID = c.SessionID
		r.mu.Unlock()
	}
}

type outgoing struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// SendMessage posts text to the current session. The returned message is
// pending until the server echoes it back.
func (r *Relay) SendMessage(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	cur := r.sessions.Current()
	if cur == nil || r.ch.State() != channel.StateConnected {
		return Message{}, ErrNoActiveSession
	}
	me := r.sessions.Me()
	msg := Message{
		ID:        uuid.NewString(),
		SessionID: cur.ID,
		UserID:    me.ID,
		Username:  me.Username,
		Text:      text,
		Timestamp: r.now().UTC(),
		Status:    StatusPending,
	}
	r.mu.Lock()
	r.sessionID = cur.ID
	r.appendLocked(msg)
	r.mu.Unlock()

	if err := r.ch.Send(EventChatMessage, outgoing{SessionID: cur.ID, Message: text}); err != nil {
		r.mu.Lock()
		r.removeLocked(msg.ID)
		r.mu.Unlock()
		return Message{}, err
	}
	r.publish(msg)
	return msg, nil
}

type incoming struct {
	SessionID string           `json:"session_id"`
	UserID    string           `json:"user_id"`
	Username  string           `json:"username"`
	Message   string           `json:"message"`
	Timestamp models.Timestamp `json:"timestamp"`
}

func (r *Relay) onMessage(evt channel.Event) {
	var body incoming
	if err := evt.Decode(&body); err != nil {
		slog.Warn("Ignoring malformed chat message", slog.String("stack", err.Error()))
		return
	}
	cur := r.sessions.Current()
	if cur == nil || body.SessionID != cur.ID {
		slog.Debug("Dropping chat message for another session", slog.String("session_id", body.SessionID))
		return
	}
	msg := Message{
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Username:  body.Username,
		Text:      body.Message,
		Timestamp: body.Timestamp.Time,
		Status:    StatusConfirmed,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	r.sessionID = cur.ID
	confirmed := false
	for i := range r.messages {
		m := &r.messages[i]
		if m.Status == StatusPending && Match(*m, msg, r.opts.MatchWindow) {
			m.Status = StatusConfirmed
			m.Timestamp = msg.Timestamp
			msg = *m
			confirmed = true
			break
		}
	}
	if !confirmed {
		msg.ID = uuid.NewString()
		r.appendLocked(msg)
	}
	r.mu.Unlock()
	r.publish(msg)
}

// Match reports whether incoming is the server's echo of pending.
func Match(pending, incoming Message, window time.Duration) bool {
	sameSender := (pending.UserID != "" && pending.UserID == incoming.UserID) ||
		(pending.Username != "" && pending.Username == incoming.Username)
	if !sameSender || pending.Text != incoming.Text {
		return false
	}
	d := incoming.Timestamp.Sub(pending.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func (r *Relay) appendLocked(msg Message) {
	r.messages = append(r.messages, msg)
	if over := len(r.messages) - r.opts.Limit; over > 0 {
		r.messages = append([]Message(nil), r.messages[over:]...)
	}
}

func (r *Relay) removeLocked(id string) {
	for i, m := range r.messages {
		if m.ID == id {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

func (r *Relay) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *Relay) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.sessionID = ""
}

// Subscribe is told about every new or confirmed message.
func (r *Relay) Subscribe(fn func(Message)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Relay) publish(msg Message) {
	r.mu.Lock()
	observers := make([]func(Message), 0, len(r.observers))
	for i := 0; i < r.nextObs; i++ {
		if fn, ok := r.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range observers {
		fn(msg)
	}
}
