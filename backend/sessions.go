package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/marcus-crane/tunetogether/models"
)

type member struct {
	UserID   string           `json:"user_id"`
	Username string           `json:"username"`
	JoinedAt models.Timestamp `json:"joined_at"`
}

type session struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  *string          `json:"description"`
	HostID       string           `json:"host_id"`
	HostUsername string           `json:"host_username"`
	Platform     string           `json:"platform"`
	TrackID      *string          `json:"track_id"`
	TrackName    *string          `json:"track_name"`
	TrackArtist  *string          `json:"track_artist"`
	IsPlaying    bool             `json:"is_playing"`
	PositionMs   int64            `json:"position_ms"`
	PrivacyType  string           `json:"privacy_type"`
	Members      []member         `json:"members"`
	CreatedAt    models.Timestamp `json:"created_at"`
	UpdatedAt    models.Timestamp `json:"updated_at"`
}

// toModel converts the wire session. The reported position is taken as of
// receipt, since the backend clock is not ours to trust.
func (s session) toModel(received time.Time) *models.Session {
	out := &models.Session{
		ID:           s.ID,
		Name:         s.Name,
		Description:  deref(s.Description),
		Privacy:      models.Privacy(s.PrivacyType),
		HostID:       s.HostID,
		HostUsername: s.HostUsername,
		Platform:     s.Platform,
		CreatedAt:    s.CreatedAt.Time,
		UpdatedAt:    s.UpdatedAt.Time,
	}
	if out.Privacy == "" {
		out.Privacy = models.PrivacyPublic
	}
	for _, m := range s.Members {
		out.Members = append(out.Members, models.Member{UserID: m.UserID, Username: m.Username, JoinedAt: m.JoinedAt.Time})
	}
	if id := deref(s.TrackID); id != "" {
		out.Playback = &models.PlaybackState{
			TrackID:     id,
			TrackName:   deref(s.TrackName),
			TrackArtist: deref(s.TrackArtist),
			PositionMs:  s.PositionMs,
			Playing:     s.IsPlaying,
			CapturedAt:  received,
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type CreateSessionRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Platform    string         `json:"platform"`
	TrackID     string         `json:"track_id,omitempty"`
	TrackName   string         `json:"track_name,omitempty"`
	TrackArtist string         `json:"track_artist,omitempty"`
	Privacy     models.Privacy `json:"privacy_type"`
}

type UpdateSessionRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	models.Update
}

type JoinRequest struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"session_id"`
	RequesterID       string           `json:"requester_id"`
	RequesterUsername string           `json:"requester_username"`
	Status            string           `json:"status"`
	CreatedAt         models.Timestamp `json:"created_at"`
}

type Invitation struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	SessionName     string           `json:"session_name"`
	InviterID       string           `json:"inviter_id"`
	InviterUsername string           `json:"inviter_username"`
	InviteeID       string           `json:"invitee_id"`
	Status          string           `json:"status"`
	CreatedAt       models.Timestamp `json:"created_at"`
}

func (c *Client) Me(ctx context.Context) (models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &user)
	return user, err
}

func (c *Client) sessionCall(ctx context.Context, method, path string, body any) (*models.Session, error) {
	var s session
	if err := c.do(ctx, method, path, body, &s); err != nil {
		return nil, err
	}
	return s.toModel(time.Now()), nil
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if req.Platform == "" {
		req.Platform = "spotify"
	}
	if req.Privacy == "" {
		req.Privacy = models.PrivacyPublic
	}
	if !req.Privacy.Valid() {
		return nil, fmt.Errorf("invalid privacy type %q", req.Privacy)
	}
	return c.sessionCall(ctx, http.MethodPost, "/api/sessions", req)
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return c.sessionCall(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil)
}

// ListSessions returns the sessions visible to the user, newest first.
// With mineOnly set only hosted or joined sessions are returned.
func (c *Client) ListSessions(ctx context.Context, mineOnly bool) ([]*models.Session, error) {
	path := "/api/sessions"
	if mineOnly {
		path += "?private_only=true"
	}
	var sessions []session
	if err := c.do(ctx, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.toModel(now))
	}
	return out, nil
}

func (c *Client) UpdateSession(ctx context.Context, id string, req UpdateSessionRequest) (*models.Session, error) {
	return c.sessionCall(ctx, http.MethodPut, "/api/sessions/"+url.PathEscape(id), req)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) JoinSession(ctx context.Context, id string) (*models.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/join", nil)
}

func (c *Client) LeaveSession(ctx context.Context, id string) (*models.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/leave", nil)
}

func (c *Client) RequestToJoin(ctx context.Context, sessionID string) (JoinRequest, error) {
	var req JoinRequest
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/request", nil, &req)
	return req, err
}

// ListRequests returns pending join requests. Only the host may call it.
func (c *Client) ListRequests(ctx context.Context, sessionID string) ([]JoinRequest, error) {
	var reqs []JoinRequest
	err := c.do(ctx, http.MethodGet, "/api/sessions/requests/"+url.PathEscape(sessionID), nil, &reqs)
	return reqs, err
}

func (c *Client) AcceptRequest(ctx context.Context, sessionID, requestID string) (*models.Session, error) {
	path := fmt.Sprintf("/api/sessions/requests/%s/%s/accept", url.PathEscape(sessionID), url.PathEscape(requestID))
	return c.sessionCall(ctx, http.MethodPost, path, nil)
}

func (c *Client) DeclineRequest(ctx context.Context, sessionID, requestID string) error {
	path := fmt.Sprintf("/api/sessions/requests/%s/%s/decline", url.PathEscape(sessionID), url.PathEscape(requestID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) Invite(ctx context.Context, sessionID, friendID string) (Invitation, error) {
	var inv Invitation
	path := fmt.Sprintf("/api/sessions/%s/invite/%s", url.PathEscape(sessionID), url.PathEscape(friendID))
	err := c.do(ctx, http.MethodPost, path, nil, &inv)
	return inv, err
}

func (c *Client) ListInvitations(ctx context.Context) ([]Invitation, error) {
	var invs []Invitation
	err := c.do(ctx, http.MethodGet, "/api/sessions/invitations", nil, &invs)
	return invs, err
}

func (c *Client) AcceptInvitation(ctx context.Context, invitationID string) (*models.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/api/sessions/invitations/"+url.PathEscape(invitationID)+"/accept", nil)
}

func (c *Client) RejectInvitation(ctx context.Context, invitationID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/invitations/"+url.PathEscape(invitationID)+"/reject", nil, nil)
}
