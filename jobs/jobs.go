// Package jobs runs the periodic background work of the jam client:
// keeping the Spotify token fresh and polling the backend for things the
// realtime channel does not push.
package jobs

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/marcus-crane/tunetogether/backend"
	"github.com/marcus-crane/tunetogether/events"
	"github.com/marcus-crane/tunetogether/models"
)

const jobTimeout = 10 * time.Second

type TokenRefresher interface {
	RefreshIfNeeded(ctx context.Context) error
}

type NotificationSource interface {
	Notifications(ctx context.Context, unreadOnly bool) ([]backend.Notification, error)
}

type RequestSource interface {
	ListRequests(ctx context.Context, sessionID string) ([]backend.JoinRequest, error)
}

type Backend interface {
	NotificationSource
	RequestSource
}

type Sessions interface {
	Current() *models.Session
	Role() models.Role
}

type Publisher interface {
	Publish(stream string, payload any)
}

// Poller remembers what it last published so that the UI only hears about
// changes.
type Poller struct {
	api      Backend
	sessions Sessions
	pub      Publisher

	mu            sync.Mutex
	notifications []string
	requests      []string
}

func NewPoller(api Backend, sessions Sessions, pub Publisher) *Poller {
	return &Poller{api: api, sessions: sessions, pub: pub}
}

func SetupInBackground(auth TokenRefresher, poller *Poller) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	if auth != nil {
		s.Every(1).Minute().Do(RefreshSpotifyToken, auth)
	}
	if poller != nil {
		s.Every(15).Seconds().Do(poller.PollNotifications)
		s.Every(5).Seconds().Do(poller.PollJoinRequests)
	}

	slog.Info("Jobs scheduled. Scheduler not running yet.")
	return s
}

func RefreshSpotifyToken(auth TokenRefresher) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := auth.RefreshIfNeeded(ctx); err != nil {
		slog.Error("Failed to refresh Spotify token", slog.String("stack", err.Error()))
	}
}

func (p *Poller) PollNotifications() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	notes, err := p.api.Notifications(ctx, true)
	if err != nil {
		slog.Warn("Failed to fetch notifications", slog.String("stack", err.Error()))
		return
	}
	ids := make([]string, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}
	if !p.changed(&p.notifications, ids) {
		return
	}
	if notes == nil {
		notes = []backend.Notification{}
	}
	p.pub.Publish(events.StreamNotifications, notes)
}

// PollJoinRequests only runs while we host a session, since nobody else
// can answer them.
func (p *Poller) PollJoinRequests() {
	current := p.sessions.Current()
	if current == nil || p.sessions.Role() != models.RoleHost {
		p.changed(&p.requests, nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	reqs, err := p.api.ListRequests(ctx, current.ID)
	if err != nil {
		slog.Warn("Failed to fetch join requests", slog.String("session_id", current.ID), slog.String("stack", err.Error()))
		return
	}
	var ids []string
	pending := make([]backend.JoinRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Status != "" && r.Status != "pending" {
			continue
		}
		pending = append(pending, r)
		ids = append(ids, r.ID)
	}
	if !p.changed(&p.requests, ids) {
		return
	}
	p.pub.Publish(events.StreamRequests, pending)
}

func (p *Poller) changed(last *[]string, ids []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *last != nil && slices.Equal(*last, ids) {
		return false
	}
	if ids == nil {
		ids = []string{}
	}
	*last = ids
	return true
}
