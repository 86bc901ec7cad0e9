package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestPlaybackState_PositionAt(t *testing.T) {
	captured := time.Now()

	playing := PlaybackState{TrackID: "abc", PositionMs: 1000, Playing: true, CapturedAt: captured}
	assert.Equal(t, int64(3500), playing.PositionAt(captured.Add(2500*time.Millisecond)))

	paused := playing
	paused.Playing = false
	assert.Equal(t, int64(1000), paused.PositionAt(captured.Add(2500*time.Millisecond)))

	clamped := playing
	clamped.DurationMs = 2000
	assert.Equal(t, int64(2000), clamped.PositionAt(captured.Add(10*time.Second)))
}

func TestPlaybackState_MergeUpdate(t *testing.T) {
	captured := time.Now()
	now := captured.Add(time.Second)
	state := PlaybackState{TrackID: "abc", TrackName: "a good song", PositionMs: 5000, DurationMs: 180000, Playing: true, CapturedAt: captured}

	// Pausing without a position keeps the extrapolated position
	next := state.MergeUpdate(Update{Playing: ptr(false)}, now)
	assert.False(t, next.Playing)
	assert.Equal(t, int64(6000), next.PositionMs)
	assert.Equal(t, now, next.CapturedAt)
	assert.Equal(t, "a good song", next.TrackName)

	// A new track resets duration and position unless one is reported
	next = state.MergeUpdate(Update{TrackID: ptr("def"), TrackName: ptr("a better song")}, now)
	assert.Equal(t, "def", next.TrackID)
	assert.Equal(t, int64(0), next.PositionMs)
	assert.Equal(t, int64(0), next.DurationMs)

	next = state.MergeUpdate(Update{TrackID: ptr("def"), PositionMs: ptr(int64(42900))}, now)
	assert.Equal(t, int64(42900), next.PositionMs)
}

func TestSession_RoleOf(t *testing.T) {
	s := &Session{
		ID:     "s1",
		HostID: "host",
		Members: []Member{
			{UserID: "host", Username: "alice"},
			{UserID: "guest", Username: "bob"},
		},
	}
	assert.Equal(t, RoleHost, s.RoleOf("host"))
	assert.Equal(t, RoleGuest, s.RoleOf("guest"))
	assert.Equal(t, Role(""), s.RoleOf("stranger"))

	var nilSession *Session
	assert.Equal(t, Role(""), nilSession.RoleOf("host"))

	assert.True(t, s.AddMember(Member{UserID: "carol"}))
	assert.False(t, s.AddMember(Member{UserID: "carol"}))
	assert.True(t, s.RemoveMember("guest"))
	assert.Equal(t, Role(""), s.RoleOf("guest"))
}

func TestTrackURI(t *testing.T) {
	assert.Equal(t, "spotify:track:4uLU6hMCjMI75M1A2tKUQC", TrackURI("4uLU6hMCjMI75M1A2tKUQC"))
	assert.Equal(t, "spotify:track:4uLU6hMCjMI75M1A2tKUQC", TrackURI("spotify:track:4uLU6hMCjMI75M1A2tKUQC"))
	assert.Equal(t, "4uLU6hMCjMI75M1A2tKUQC", TrackIDFromURI("spotify:track:4uLU6hMCjMI75M1A2tKUQC"))
	assert.Equal(t, "", TrackURI(""))
}
