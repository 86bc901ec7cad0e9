package jam

import (
	"context"
	"fmt"

	"github.com/marcus-crane/tunetogether/backend"
	"github.com/marcus-crane/tunetogether/chat"
	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/playback"
	"github.com/marcus-crane/tunetogether/session"
)

type QueueView struct {
	Upcoming []models.QueueEntry `json:"upcoming"`
	// Pending holds tracks we submitted that the player has not reported
	// back yet.
	Pending []models.QueueEntry `json:"pending"`
}

func (c *Client) QueueView() QueueView {
	return QueueView{Upcoming: c.Queue.Upcoming(), Pending: c.Queue.Pending()}
}

// State is everything the UI needs to draw itself from scratch.
type State struct {
	Me         models.User          `json:"me"`
	Connection string               `json:"connection"`
	Session    *models.Session      `json:"session"`
	Role       models.Role          `json:"role,omitempty"`
	Playback   models.PlaybackState `json:"playback"`
	Player     string               `json:"player_status"`
	Queue      QueueView            `json:"queue"`
	Chat       []chat.Message       `json:"chat"`
}

func (c *Client) State() State {
	return State{
		Me:         c.me,
		Connection: string(c.Channel.State()),
		Session:    c.Sessions.Current(),
		Role:       c.Sessions.Role(),
		Playback:   c.Player.State(),
		Player:     string(c.Player.Status()),
		Queue:      c.QueueView(),
		Chat:       c.Chat.Messages(),
	}
}

// CreateSession creates a session hosted by us and joins it.
func (c *Client) CreateSession(ctx context.Context, req backend.CreateSessionRequest) (*models.Session, error) {
	if state := c.Player.State(); state.TrackID != "" && req.TrackID == "" {
		req.TrackID = state.TrackID
		req.TrackName = state.TrackName
		req.TrackArtist = state.TrackArtist
	}
	created, err := c.API.CreateSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return c.Sessions.JoinSession(ctx, created.ID)
}

func (c *Client) JoinSession(ctx context.Context, id string) (*models.Session, error) {
	return c.Sessions.JoinSession(ctx, id)
}

// LeaveSession leaves the current session if no id is given.
func (c *Client) LeaveSession(ctx context.Context, id string) error {
	if id == "" {
		cur := c.Sessions.Current()
		if cur == nil {
			return nil
		}
		id = cur.ID
	}
	return c.Sessions.LeaveSession(ctx, id)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.Sessions.DeleteSession(ctx, id)
}

func (c *Client) UpdateSession(ctx context.Context, req backend.UpdateSessionRequest) (*models.Session, error) {
	cur := c.Sessions.Current()
	if cur == nil {
		return nil, chat.ErrNoActiveSession
	}
	if c.Sessions.Role() != models.RoleHost {
		return nil, session.ErrNotHost
	}
	return c.API.UpdateSession(ctx, cur.ID, req)
}

func (c *Client) Play(ctx context.Context, trackID string, positionMs int64) error {
	return c.Engine.HostPlay(ctx, models.TrackIDFromURI(trackID), positionMs)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.Engine.HostPause(ctx)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.Engine.HostResume(ctx)
}

func (c *Client) Seek(ctx context.Context, positionMs int64) error {
	return c.Engine.HostSeek(ctx, positionMs)
}

// SetVolume only touches the local player so guests may use it too.
func (c *Client) SetVolume(ctx context.Context, percent int) error {
	return c.Player.SetVolume(ctx, percent)
}

func (c *Client) SendMessage(text string) (chat.Message, error) {
	return c.Chat.SendMessage(text)
}

func (c *Client) Messages() []chat.Message {
	return c.Chat.Messages()
}

func (c *Client) GetHistory(limit int) ([]playback.FullPlaybackEntry, error) {
	return c.History.GetHistory(limit)
}

func (c *Client) ListSessions(ctx context.Context, mineOnly bool) ([]*models.Session, error) {
	return c.API.ListSessions(ctx, mineOnly)
}

func (c *Client) RequestToJoin(ctx context.Context, sessionID string) (backend.JoinRequest, error) {
	return c.API.RequestToJoin(ctx, sessionID)
}

// hostedSession returns the id of the session we currently host.
func (c *Client) hostedSession() (string, error) {
	cur := c.Sessions.Current()
	if cur == nil {
		return "", chat.ErrNoActiveSession
	}
	if c.Sessions.Role() != models.RoleHost {
		return "", session.ErrNotHost
	}
	return cur.ID, nil
}

func (c *Client) ListRequests(ctx context.Context) ([]backend.JoinRequest, error) {
	id, err := c.hostedSession()
	if err != nil {
		return nil, err
	}
	return c.API.ListRequests(ctx, id)
}

func (c *Client) AcceptRequest(ctx context.Context, requestID string) (*models.Session, error) {
	id, err := c.hostedSession()
	if err != nil {
		return nil, err
	}
	return c.API.AcceptRequest(ctx, id, requestID)
}

func (c *Client) DeclineRequest(ctx context.Context, requestID string) error {
	id, err := c.hostedSession()
	if err != nil {
		return err
	}
	return c.API.DeclineRequest(ctx, id, requestID)
}

func (c *Client) Invite(ctx context.Context, friendID string) (backend.Invitation, error) {
	cur := c.Sessions.Current()
	if cur == nil {
		return backend.Invitation{}, chat.ErrNoActiveSession
	}
	return c.API.Invite(ctx, cur.ID, friendID)
}

func (c *Client) ListInvitations(ctx context.Context) ([]backend.Invitation, error) {
	return c.API.ListInvitations(ctx)
}

// AcceptInvitation accepts and then joins the session we were invited to.
func (c *Client) AcceptInvitation(ctx context.Context, invitationID string) (*models.Session, error) {
	s, err := c.API.AcceptInvitation(ctx, invitationID)
	if err != nil {
		return nil, fmt.Errorf("failed to accept invitation: %w", err)
	}
	return c.Sessions.JoinSession(ctx, s.ID)
}

func (c *Client) RejectInvitation(ctx context.Context, invitationID string) error {
	return c.API.RejectInvitation(ctx, invitationID)
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]backend.Notification, error) {
	return c.API.Notifications(ctx, unreadOnly)
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.API.MarkNotificationRead(ctx, id)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.API.MarkAllNotificationsRead(ctx)
}
