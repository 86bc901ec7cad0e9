package backend

import (
	"context"
	"net/http"
	"net/url"

	"github.com/marcus-crane/tunetogether/models"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      string           `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	SessionID string           `json:"session_id,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt models.Timestamp `json:"created_at"`
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	path := "/api/notifications"
	if unreadOnly {
		path += "/unread"
	}
	var notes []Notification
	err := c.do(ctx, http.MethodGet, path, nil, &notes)
	return notes, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}
