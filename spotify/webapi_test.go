package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/player"
)

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNotAuthorized
	}
	return string(s), nil
}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)
	c := NewClient(staticToken("web-token"))
	c.BaseURL = ts.URL
	c.HTTPClient = ts.Client()
	return c
}

func TestDevices(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/me/player/devices", r.URL.Path)
		assert.Equal(t, "Bearer web-token", r.Header.Get("Authorization"))
		f, err := os.Open("testdata/devices.json")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		io.Copy(w, f)
	})

	devices, err := c.Devices(context.Background())
	require.NoError(t, err)

	expected := []player.DeviceInfo{
		{ID: "phone", Name: "Pixel", Type: "Smartphone", IsActive: true, Volume: 70},
		{ID: "jam-device", Name: "TuneTogether", Type: "Computer", Volume: 100},
	}
	if diff := cmp.Diff(expected, devices); diff != "" {
		t.Fatalf("devices mismatch (-want +got):\n%s", diff)
	}
}

func TestPlay_SendsURIAndPosition(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/me/player/play", r.URL.Path)
		assert.Equal(t, "jam-device", r.URL.Query().Get("device_id"))

		var body struct {
			URIs       []string `json:"uris"`
			PositionMs int64    `json:"position_ms"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"spotify:track:abc"}, body.URIs)
		assert.Equal(t, int64(42900), body.PositionMs)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Play(context.Background(), "jam-device", "abc", 42900))
}

func TestSeekAndVolume_Query(t *testing.T) {
	var queries []string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Seek(context.Background(), "jam-device", 1500))
	require.NoError(t, c.SetVolume(context.Background(), "jam-device", 40))
	require.NoError(t, c.Enqueue(context.Background(), "jam-device", "def"))

	assert.Equal(t, []string{
		"/v1/me/player/seek?device_id=jam-device&position_ms=1500",
		"/v1/me/player/volume?device_id=jam-device&volume_percent=40",
		"/v1/me/player/queue?device_id=jam-device&uri=spotify%3Atrack%3Adef",
	}, queries)
}

func TestAPIError_DeviceNotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"status":404,"message":"Device not found"}}`))
	})

	err := c.Pause(context.Background(), "jam-device")
	assert.ErrorIs(t, err, player.ErrDeviceNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Device not found", apiErr.Message)
}

func TestAPIError_NoActiveDevice(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"status":403,"message":"Player command failed: No active device found","reason":"NO_ACTIVE_DEVICE"}}`))
	})

	assert.ErrorIs(t, c.Resume(context.Background(), "jam-device"), player.ErrDeviceNotFound)
}

func TestAPIError_Other(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"status":403,"message":"Player command failed: Premium required","reason":"PREMIUM_REQUIRED"}}`))
	})

	err := c.Resume(context.Background(), "jam-device")
	assert.NotErrorIs(t, err, player.ErrDeviceNotFound)
	assert.EqualError(t, err, "spotify returned 403 (PREMIUM_REQUIRED): Player command failed: Premium required")
}

func TestNotAuthorized(t *testing.T) {
	c := NewClient(staticToken(""))
	_, err := c.Devices(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestRecommendations(t *testing.T) {
	defer gock.Off()

	gock.New(apiBaseURL).
		Get("/v1/recommendations").
		MatchParam("seed_tracks", "4uLU6hMCjMI75M1A2tKUQC").
		MatchParam("limit", "2").
		MatchHeader("Authorization", "Bearer web-token").
		Reply(200).
		File("testdata/recommendations.json")

	c := NewClient(staticToken("web-token"))
	gock.InterceptClient(c.HTTPClient)
	defer gock.RestoreClient(c.HTTPClient)

	entries, err := c.Recommendations(context.Background(), "spotify:track:4uLU6hMCjMI75M1A2tKUQC", 2)
	require.NoError(t, err)

	expected := []models.QueueEntry{
		{
			TrackID:    "0VjIjW4GlUZAMYd2vXMi3b",
			URI:        "spotify:track:0VjIjW4GlUZAMYd2vXMi3b",
			Name:       "Blinding Lights",
			Artist:     "The Weeknd",
			DurationMs: 200040,
			ImageURL:   "https://i.scdn.co/image/ab67616d0000b2738863bc11d2aa12b54f5aeb36",
		},
		{
			TrackID:    "7qiZfU4dY1lWllzX7mPBI3",
			URI:        "spotify:track:7qiZfU4dY1lWllzX7mPBI3",
			Name:       "Shape of You",
			Artist:     "Ed Sheeran",
			DurationMs: 233712,
		},
	}
	if diff := cmp.Diff(expected, entries); diff != "" {
		t.Fatalf("recommendations mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, gock.IsDone())
}
