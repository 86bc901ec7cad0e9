package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/player"
)

type fakeRecommender struct {
	tracks []models.QueueEntry
	err    error
	seed   string
}

func (f *fakeRecommender) Recommendations(_ context.Context, seed string, limit int) ([]models.QueueEntry, error) {
	f.seed = seed
	return f.tracks, f.err
}

type fakeEnqueuer struct {
	fail map[string]bool
	uris []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, uri string) error {
	f.uris = append(f.uris, uri)
	if f.fail[uri] {
		return player.ErrPlaybackCommandFailed
	}
	return nil
}

func entries(ids ...string) []models.QueueEntry {
	var out []models.QueueEntry
	for _, id := range ids {
		out = append(out, models.QueueEntry{TrackID: id, URI: models.TrackURI(id)})
	}
	return out
}

func TestGenerateQueue(t *testing.T) {
	recs := &fakeRecommender{tracks: entries("a", "b", "c")}
	m := NewManager(recs, &fakeEnqueuer{})

	assert.Equal(t, entries("a", "b"), m.GenerateQueue(context.Background(), "seed", 2))
	assert.Equal(t, "seed", recs.seed)
}

func TestGenerateQueue_FailureIsEmpty(t *testing.T) {
	m := NewManager(&fakeRecommender{err: errors.New("429 too many requests")}, &fakeEnqueuer{})

	q := m.GenerateQueue(context.Background(), "seed", 20)
	assert.NotNil(t, q)
	assert.Empty(t, q)
}

func TestSubmitToDevice_SkipsFailures(t *testing.T) {
	enq := &fakeEnqueuer{fail: map[string]bool{"spotify:track:b": true}}
	m := NewManager(&fakeRecommender{}, enq)

	n := m.SubmitToDevice(context.Background(), append(entries("a", "b"), models.QueueEntry{TrackID: "c"}))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"spotify:track:a", "spotify:track:b", "spotify:track:c"}, enq.uris)
	assert.Len(t, m.Pending(), 2)
	assert.Empty(t, m.Upcoming())
}

func TestOnPlayerState_ReplacesUpcoming(t *testing.T) {
	m := NewManager(&fakeRecommender{}, &fakeEnqueuer{})
	m.SubmitToDevice(context.Background(), entries("a"))

	m.OnPlayerState(player.Snapshot{Upcoming: entries("x", "y")})
	assert.Equal(t, entries("x", "y"), m.Upcoming())
	assert.Empty(t, m.Pending())

	m.SubmitToDevice(context.Background(), entries("z"))
	assert.Equal(t, entries("x", "y"), m.Upcoming())

	m.Clear()
	assert.Empty(t, m.Upcoming())
}
