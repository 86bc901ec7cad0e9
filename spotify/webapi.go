package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/player"
	"github.com/marcus-crane/tunetogether/utils"
)

const apiBaseURL = "https://api.spotify.com"

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// APIError is a non-2xx response from the Web API.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("spotify returned %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("spotify returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the Spotify Web API. It implements player.Remote and
// the queue's recommendation source.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
}

func NewClient(tokens TokenSource) *Client {
	return &Client{
		BaseURL:    apiBaseURL,
		HTTPClient: utils.NewHTTPClient(),
		Tokens:     tokens,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return err
	}
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return apiError(res.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// apiError maps the error object. Unknown devices come back as a 404, or
// as NO_ACTIVE_DEVICE before a transfer has landed, and both mean the
// command may succeed if tried again shortly.
func apiError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Status  int    `json:"status"`
			Message string `json:"message"`
			Reason  string `json:"reason"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Message = envelope.Error.Message
		apiErr.Reason = envelope.Error.Reason
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if status == http.StatusNotFound || apiErr.Reason == "NO_ACTIVE_DEVICE" {
		return fmt.Errorf("%w: %w", player.ErrDeviceNotFound, apiErr)
	}
	return apiErr
}

func deviceQuery(deviceID string) url.Values {
	q := url.Values{}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	return q
}

func (c *Client) Devices(ctx context.Context) ([]player.DeviceInfo, error) {
	var body struct {
		Devices []player.DeviceInfo `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/me/player/devices", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Devices, nil
}

func (c *Client) Transfer(ctx context.Context, deviceID string) error {
	body := map[string]any{"device_ids": []string{deviceID}, "play": false}
	return c.do(ctx, http.MethodPut, "/v1/me/player", nil, body, nil)
}

func (c *Client) Play(ctx context.Context, deviceID, trackURI string, positionMs int64) error {
	body := map[string]any{"uris": []string{models.TrackURI(trackURI)}, "position_ms": positionMs}
	return c.do(ctx, http.MethodPut, "/v1/me/player/play", deviceQuery(deviceID), body, nil)
}

func (c *Client) Pause(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPut, "/v1/me/player/pause", deviceQuery(deviceID), nil, nil)
}

func (c *Client) Resume(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPut, "/v1/me/player/play", deviceQuery(deviceID), nil, nil)
}

func (c *Client) Seek(ctx context.Context, deviceID string, positionMs int64) error {
	q := deviceQuery(deviceID)
	q.Set("position_ms", strconv.FormatInt(positionMs, 10))
	return c.do(ctx, http.MethodPut, "/v1/me/player/seek", q, nil, nil)
}

func (c *Client) SetVolume(ctx context.Context, deviceID string, percent int) error {
	q := deviceQuery(deviceID)
	q.Set("volume_percent", strconv.Itoa(percent))
	return c.do(ctx, http.MethodPut, "/v1/me/player/volume", q, nil, nil)
}

func (c *Client) Enqueue(ctx context.Context, deviceID, trackURI string) error {
	q := deviceQuery(deviceID)
	q.Set("uri", models.TrackURI(trackURI))
	return c.do(ctx, http.MethodPost, "/v1/me/player/queue", q, nil, nil)
}

type track struct {
	ID         string `json:"id"`
	URI        string `json:"uri"`
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Images []struct {
			URL    string `json:"url"`
			Height int    `json:"height"`
		} `json:"images"`
	} `json:"album"`
}

func (t track) entry() models.QueueEntry {
	e := models.QueueEntry{
		TrackID:    t.ID,
		URI:        t.URI,
		Name:       t.Name,
		DurationMs: t.DurationMs,
	}
	if e.URI == "" {
		e.URI = models.TrackURI(t.ID)
	}
	if len(t.Artists) > 0 {
		e.Artist = t.Artists[0].Name
	}
	// images are ordered widest first
	if len(t.Album.Images) > 0 {
		e.ImageURL = t.Album.Images[0].URL
	}
	return e
}

// Recommendations returns up to limit tracks seeded with seedTrackID.
func (c *Client) Recommendations(ctx context.Context, seedTrackID string, limit int) ([]models.QueueEntry, error) {
	q := url.Values{}
	q.Set("seed_tracks", models.TrackIDFromURI(seedTrackID))
	q.Set("limit", strconv.Itoa(limit))
	var body struct {
		Tracks []track `json:"tracks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/recommendations", q, nil, &body); err != nil {
		return nil, err
	}
	entries := make([]models.QueueEntry, 0, len(body.Tracks))
	for _, t := range body.Tracks {
		entries = append(entries, t.entry())
	}
	return entries, nil
}

func (c *Client) Track(ctx context.Context, trackID string) (models.QueueEntry, error) {
	var t track
	if err := c.do(ctx, http.MethodGet, "/v1/tracks/"+url.PathEscape(models.TrackIDFromURI(trackID)), nil, nil, &t); err != nil {
		return models.QueueEntry{}, err
	}
	return t.entry(), nil
}
