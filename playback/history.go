package playback

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"

	"github.com/marcus-crane/tunetogether/models"
)

type Status string

const (
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

const (
	categoryTrack = "track"
	sourceSpotify = "spotify"
)

// PlaybackEntry is one listen of a MediaItem within a session. Pausing and
// resuming the same track keeps updating the same entry.
type PlaybackEntry struct {
	ID        int       `db:"id"`
	MediaID   string    `db:"media_id"`
	SessionID string    `db:"session_id"`
	Category  string    `db:"category"`
	CreatedAt time.Time `db:"created_at"`
	Elapsed   int64     `db:"elapsed"` // milliseconds
	Status    Status    `db:"status"`
	IsActive  bool      `db:"is_active"`
	UpdatedAt time.Time `db:"updated_at"`
	Source    string    `db:"source"`
}

type MediaItem struct {
	ID              string                     `db:"id"`
	URI             string                     `db:"uri"`
	Title           string                     `db:"title"`
	Subtitle        string                     `db:"subtitle"`
	Category        string                     `db:"category"`
	Duration        int64                      `db:"duration"`
	Source          string                     `db:"source"`
	Image           string                     `db:"image"`
	DominantColours models.SerializableColours `db:"dominant_colours"`
}

// FullPlaybackEntry is a PlaybackEntry joined with its MediaItem, which is
// what the UI renders.
type FullPlaybackEntry struct {
	ID              string                     `db:"id" json:"id"`
	URI             string                     `db:"uri" json:"uri"`
	Title           string                     `db:"title" json:"title"`
	Subtitle        string                     `db:"subtitle" json:"subtitle"`
	Category        string                     `db:"category" json:"category"`
	Duration        int64                      `db:"duration" json:"duration_ms"`
	Source          string                     `db:"source" json:"source"`
	Image           string                     `db:"image" json:"image"`
	DominantColours models.SerializableColours `db:"dominant_colours" json:"dominant_colours"`

	PlaybackID int       `db:"playback_id" json:"-"`
	SessionID  string    `db:"session_id" json:"session_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Elapsed    int64     `db:"elapsed" json:"elapsed_ms"`
	Status     Status    `db:"status" json:"status"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func GenerateMediaID(item *MediaItem) string {
	hashString := fmt.Sprintf("%s-%s-%s-%s-%s",
		item.URI,
		item.Title,
		item.Subtitle,
		item.Category,
		item.Source,
	)
	return fmt.Sprintf(
		"%s:%s:%d",
		item.Source,
		item.Category,
		xxhash.Sum64String(hashString),
	)
}

func mediaItemFrom(state models.PlaybackState, colours []string) MediaItem {
	item := MediaItem{
		URI:             models.TrackURI(state.TrackID),
		Title:           state.TrackName,
		Subtitle:        state.TrackArtist,
		Category:        categoryTrack,
		Duration:        state.DurationMs,
		Source:          sourceSpotify,
		Image:           state.ImageURL,
		DominantColours: colours,
	}
	item.ID = GenerateMediaID(&item)
	return item
}

// History records what was listened to in each session.
type History struct {
	db  *sqlx.DB
	now func() time.Time
	m   sync.Mutex
}

func NewHistory(db *sqlx.DB) *History {
	return &History{db: db, now: time.Now}
}

// Record saves state as the latest thing heard in sessionID. A new track
// closes the previous entry and opens a new one.
func (h *History) Record(sessionID string, state models.PlaybackState, colours []string) error {
	if state.TrackID == "" {
		return nil
	}
	h.m.Lock()
	defer h.m.Unlock()

	item := mediaItemFrom(state, colours)
	status := StatusPaused
	if state.Playing {
		status = StatusPlaying
	}
	now := h.now()

	tx, err := h.db.Beginx()
	if err != nil {
		return err
	}
	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var existing PlaybackEntry
	err = tx.Get(&existing, `
	  SELECT id, media_id, session_id, elapsed, status, is_active
	  FROM playback_entries
	  WHERE is_active = TRUE
	  ORDER BY updated_at DESC LIMIT 1`)

	switch {
	case err == nil && existing.MediaID == item.ID && existing.SessionID == sessionID:
		if existing.Status != status || existing.Elapsed != state.PositionMs {
			_, err := tx.Exec(`
			  UPDATE playback_entries
			  SET elapsed = ?, status = ?, updated_at = ?
			  WHERE id = ?`,
				state.PositionMs, status, now, existing.ID)
			if err != nil {
				return fmt.Errorf("failed to update playback entry: %w", err)
			}
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	case err == nil:
		_, err := tx.Exec(`
		  UPDATE playback_entries
		  SET is_active = FALSE, status = ?, updated_at = ?
		  WHERE id = ?`,
			StatusStopped, now, existing.ID)
		if err != nil {
			return fmt.Errorf("failed to deactivate old entry: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = tx.NamedExec(`
	  INSERT INTO media_items
	  (id, uri, title, subtitle, category, duration, source, image, dominant_colours)
	  VALUES (:id, :uri, :title, :subtitle, :category, :duration, :source, :image, :dominant_colours)
	  ON CONFLICT (id) DO UPDATE SET
	  duration = MAX(media_items.duration, excluded.duration),
	  image = CASE WHEN excluded.image != '' THEN excluded.image ELSE media_items.image END`,
		item)
	if err != nil {
		return fmt.Errorf("failed to insert new item: %w", err)
	}

	_, err = tx.Exec(`
	  INSERT INTO playback_entries
	  (media_id, session_id, category, created_at, elapsed, status, is_active, updated_at, source)
	  VALUES (?, ?, ?, ?, ?, ?, TRUE, ?, ?)`,
		item.ID, sessionID, item.Category, now, state.PositionMs, status, now, item.Source)
	if err != nil {
		return fmt.Errorf("failed to insert new playback entry: %w", err)
	}

	slog.Debug("Inserted new playback entry", slog.String("media_id", item.ID), slog.String("session_id", sessionID))

	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Stop closes whatever entry is still active, as happens when leaving a
// session.
func (h *History) Stop() error {
	h.m.Lock()
	defer h.m.Unlock()
	_, err := h.db.Exec(`
	  UPDATE playback_entries
	  SET is_active = FALSE, status = ?, updated_at = ?
	  WHERE is_active = TRUE`, StatusStopped, h.now())
	return err
}

func (h *History) GetActivePlayback() ([]FullPlaybackEntry, error) {
	var results []FullPlaybackEntry

	err := h.db.Select(&results, `
	  SELECT
	    m.id, m.uri, m.title, m.subtitle, m.category, m.duration, m.source, m.image, m.dominant_colours,
	    p.id as playback_id, p.session_id, p.created_at, p.elapsed, p.status, p.is_active, p.updated_at
	  FROM media_items m
	  JOIN playback_entries p ON m.id = p.media_id
	  WHERE p.is_active = TRUE
	  ORDER BY p.updated_at DESC
	`)

	return results, err
}

func (h *History) GetHistory(limit int) ([]FullPlaybackEntry, error) {
	var results []FullPlaybackEntry

	if limit <= 0 {
		return results, fmt.Errorf("must request at least one historical item")
	}

	err := h.db.Select(&results, `
	  SELECT
	    m.id, m.uri, m.title, m.subtitle, m.category, m.duration, m.source, m.image, m.dominant_colours,
	    p.id as playback_id, p.session_id, p.created_at, p.elapsed, p.status, p.is_active, p.updated_at
	  FROM media_items m
	  JOIN playback_entries p ON m.id = p.media_id
	  WHERE p.is_active = FALSE
	  ORDER BY p.updated_at DESC
	  LIMIT ?
	`, limit)

	return results, err
}
