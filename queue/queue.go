// Package queue builds an upcoming queue from recommendations and keeps
// track of what the player says is actually up next.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/player"
)

// ErrQueueGeneration is logged, never returned to callers of GenerateQueue.
var ErrQueueGeneration = errors.New("queue generation failed")

type Recommender interface {
	Recommendations(ctx context.Context, seedTrackID string, limit int) ([]models.QueueEntry, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, trackURI string) error
}

type Manager struct {
	recs   Recommender
	player Enqueuer

	mu       sync.Mutex
	upcoming []models.QueueEntry
	pending  []models.QueueEntry
}

func NewManager(recs Recommender, p Enqueuer) *Manager {
	return &Manager{recs: recs, player: p}
}

// GenerateQueue asks for up to limit tracks similar to the seed. Failures
// give an empty queue.
func (m *Manager) GenerateQueue(ctx context.Context, seedTrackID string, limit int) []models.QueueEntry {
	if seedTrackID == "" || limit <= 0 {
		return []models.QueueEntry{}
	}
	tracks, err := m.recs.Recommendations(ctx, seedTrackID, limit)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrQueueGeneration, err)
		slog.Warn("Failed to generate queue",
			slog.String("seed_track_id", seedTrackID),
			slog.String("stack", err.Error()),
		)
		return []models.QueueEntry{}
	}
	if len(tracks) > limit {
		tracks = tracks[:limit]
	}
	return tracks
}

// SubmitToDevice enqueues tracks in order and returns how many made it.
// A failed track is skipped rather than retried.
func (m *Manager) SubmitToDevice(ctx context.Context, tracks []models.QueueEntry) int {
	submitted := make([]models.QueueEntry, 0, len(tracks))
	for _, t := range tracks {
		if ctx.Err() != nil {
			break
		}
		uri := t.URI
		if uri == "" {
			uri = models.TrackURI(t.TrackID)
		}
		if err := m.player.Enqueue(ctx, uri); err != nil {
			slog.Warn("Failed to enqueue track",
				slog.String("uri", uri),
				slog.String("stack", err.Error()),
			)
			continue
		}
		submitted = append(submitted, t)
	}
	m.mu.Lock()
	m.pending = append(m.pending, submitted...)
	m.mu.Unlock()
	slog.Info("Submitted queue to player", slog.Int("submitted", len(submitted)), slog.Int("requested", len(tracks)))
	return len(submitted)
}

// OnPlayerState takes the player's report as the truth about what is up
// next.
func (m *Manager) OnPlayerState(snap player.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upcoming = append([]models.QueueEntry(nil), snap.Upcoming...)
	m.pending = nil
}

func (m *Manager) Upcoming() []models.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.QueueEntry(nil), m.upcoming...)
}

// Pending lists tracks submitted since the last player report.
func (m *Manager) Pending() []models.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.QueueEntry(nil), m.pending...)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upcoming = nil
	m.pending = nil
}
