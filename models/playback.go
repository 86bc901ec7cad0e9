package models

import (
	"strings"
	"time"
)

const trackURIPrefix = "spotify:track:"

// PlaybackState is a snapshot of what a player was doing at CapturedAt.
// PositionMs is only meaningful relative to CapturedAt: readers that care
// about the live position should use PositionAt.
type PlaybackState struct {
	TrackID     string    `json:"track_id"`
	TrackName   string    `json:"track_name"`
	TrackArtist string    `json:"track_artist"`
	PositionMs  int64     `json:"position_ms"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Playing     bool      `json:"is_playing"`
	ImageURL    string    `json:"image_url,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// PositionAt extrapolates the playback position to now.
func (p PlaybackState) PositionAt(now time.Time) int64 {
	pos := p.PositionMs
	if p.Playing && !p.CapturedAt.IsZero() {
		if elapsed := now.Sub(p.CapturedAt).Milliseconds(); elapsed > 0 {
			pos += elapsed
		}
	}
	if p.DurationMs > 0 && pos > p.DurationMs {
		pos = p.DurationMs
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// Update is a partial playback state. Nil fields were not part of the update.
type Update struct {
	TrackID     *string `json:"track_id,omitempty"`
	TrackName   *string `json:"track_name,omitempty"`
	TrackArtist *string `json:"track_artist,omitempty"`
	PositionMs  *int64  `json:"position_ms,omitempty"`
	Playing     *bool   `json:"is_playing,omitempty"`
}

func (u Update) Empty() bool {
	return u.TrackID == nil && u.TrackName == nil && u.TrackArtist == nil && u.PositionMs == nil && u.Playing == nil
}

// MergeUpdate applies u on top of the current state and re-captures it at now.
// Fields absent from u keep their value, with the position extrapolated so
// that a play/pause-only update does not rewind the track.
func (p PlaybackState) MergeUpdate(u Update, now time.Time) PlaybackState {
	next := p
	next.PositionMs = p.PositionAt(now)
	if u.TrackID != nil {
		if *u.TrackID != p.TrackID {
			next.DurationMs = 0
			next.PositionMs = 0
			next.ImageURL = ""
		}
		next.TrackID = *u.TrackID
	}
	if u.TrackName != nil {
		next.TrackName = *u.TrackName
	}
	if u.TrackArtist != nil {
		next.TrackArtist = *u.TrackArtist
	}
	if u.PositionMs != nil {
		next.PositionMs = *u.PositionMs
	}
	if u.Playing != nil {
		next.Playing = *u.Playing
	}
	next.CapturedAt = now
	return next
}

// UpdateFrom builds a full update out of a state, as sent by the host.
func UpdateFrom(p PlaybackState, now time.Time) Update {
	pos := p.PositionAt(now)
	return Update{
		TrackID:     &p.TrackID,
		TrackName:   &p.TrackName,
		TrackArtist: &p.TrackArtist,
		PositionMs:  &pos,
		Playing:     &p.Playing,
	}
}

type QueueEntry struct {
	TrackID    string `json:"track_id"`
	URI        string `json:"uri"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	DurationMs int64  `json:"duration_ms"`
	ImageURL   string `json:"image_url,omitempty"`
}

type RegistrationStatus string

const (
	RegistrationUnregistered RegistrationStatus = "unregistered"
	RegistrationPending      RegistrationStatus = "pending"
	RegistrationRegistered   RegistrationStatus = "registered"
	RegistrationFailed       RegistrationStatus = "failed"
)

type DeviceRegistration struct {
	DeviceID string             `json:"device_id"`
	Status   RegistrationStatus `json:"status"`
	Attempts int                `json:"attempts"`
}

func TrackURI(id string) string {
	if id == "" || strings.HasPrefix(id, "spotify:") {
		return id
	}
	return trackURIPrefix + id
}

func TrackIDFromURI(uri string) string {
	return strings.TrimPrefix(uri, trackURIPrefix)
}
