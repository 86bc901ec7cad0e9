package routes

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/tunetogether/backend"
	"github.com/marcus-crane/tunetogether/chat"
	"github.com/marcus-crane/tunetogether/jam"
	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/playback"
	"github.com/marcus-crane/tunetogether/player"
	"github.com/marcus-crane/tunetogether/session"
)

type fakeJam struct {
	Jam // unimplemented methods panic

	plays    []string
	pauseErr error
	sent     []string
	history  []playback.FullPlaybackEntry
	limit    int
}

func (f *fakeJam) State() jam.State {
	return jam.State{Connection: "connected", Role: models.RoleHost}
}

func (f *fakeJam) Play(_ context.Context, trackID string, positionMs int64) error {
	f.plays = append(f.plays, fmt.Sprintf("%s@%d", trackID, positionMs))
	return nil
}

func (f *fakeJam) Pause(context.Context) error { return f.pauseErr }

func (f *fakeJam) SetVolume(_ context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return player.ErrInvalidVolume
	}
	return nil
}

func (f *fakeJam) SendMessage(text string) (chat.Message, error) {
	if text == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	f.sent = append(f.sent, text)
	return chat.Message{ID: "m1", Text: text, Status: chat.StatusPending}, nil
}

func (f *fakeJam) GetHistory(limit int) ([]playback.FullPlaybackEntry, error) {
	f.limit = limit
	return f.history, nil
}

func (f *fakeJam) JoinSession(_ context.Context, id string) (*models.Session, error) {
	if id == "missing" {
		return nil, fmt.Errorf("%w: %w", session.ErrJoinFailed, backend.ErrNotFound)
	}
	return &models.Session{ID: id}, nil
}

type fakeAuth struct{}

func (fakeAuth) AuthorizeURL() string { return "https://accounts.spotify.com/authorize?state=abc" }
func (fakeAuth) HandleCallback(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func testServer(t *testing.T, j Jam, secret string) *httptest.Server {
	t.Helper()
	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("stream"))
	})
	ts := httptest.NewServer(Register(http.NewServeMux(), j, stream, fakeAuth{}, Options{SigningSecret: secret}))
	t.Cleanup(ts.Close)
	return ts
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, url string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestState(t *testing.T) {
	ts := testServer(t, &fakeJam{}, "")
	res, err := http.Get(ts.URL + "/api/v1/state")
	require.NoError(t, err)
	defer res.Body.Close()

	var state jam.State
	require.NoError(t, json.NewDecoder(res.Body).Decode(&state))
	assert.Equal(t, "connected", state.Connection)
	assert.Equal(t, models.RoleHost, state.Role)
}

func TestPlay_Signed(t *testing.T) {
	j := &fakeJam{}
	ts := testServer(t, j, "shared-secret")
	body := []byte(`{"track_id":"abc","position_ms":1200}`)

	res := post(t, ts.URL+"/api/v1/playback/play", body, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = post(t, ts.URL+"/api/v1/playback/play", body, sign(body, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Empty(t, j.plays)

	res = post(t, ts.URL+"/api/v1/playback/play", body, sign(body, "shared-secret"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, []string{"abc@1200"}, j.plays)
}

func TestPlay_RequiresTrack(t *testing.T) {
	ts := testServer(t, &fakeJam{}, "")
	res := post(t, ts.URL+"/api/v1/playback/play", []byte(`{}`), "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestErrorStatuses(t *testing.T) {
	j := &fakeJam{pauseErr: session.ErrNotHost}
	ts := testServer(t, j, "")

	cases := []struct {
		path   string
		body   string
		status int
	}{
		{"/api/v1/playback/pause", ``, http.StatusForbidden},
		{"/api/v1/playback/volume", `{"volume_percent":140}`, http.StatusBadRequest},
		{"/api/v1/chat", `{"message":""}`, http.StatusBadRequest},
		{"/api/v1/chat", `{"message":"hi"}`, http.StatusAccepted},
		{"/api/v1/sessions/missing/join", ``, http.StatusBadGateway},
		{"/api/v1/sessions/s1/join", ``, http.StatusOK},
		{"/api/v1/chat", `not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		res := post(t, ts.URL+tc.path, []byte(tc.body), "")
		assert.Equal(t, tc.status, res.StatusCode, tc.path+" "+tc.body)
	}
	assert.Equal(t, []string{"hi"}, j.sent)
}

func TestHistory(t *testing.T) {
	j := &fakeJam{}
	ts := testServer(t, j, "")

	res, err := http.Get(ts.URL + "/api/v1/history?limit=3")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 3, j.limit)

	var body []any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Empty(t, body)

	bad, err := http.Get(ts.URL + "/api/v1/history?limit=zero")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestAuthorizeRedirect(t *testing.T) {
	ts := testServer(t, &fakeJam{}, "")
	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	res, err := client.Get(ts.URL + "/api/v1/spotify/authorize")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "https://accounts.spotify.com/authorize?state=abc", res.Header.Get("Location"))
}
