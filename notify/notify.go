// Package notify sends out-of-band alerts about problems that need a human,
// such as having to re-authorise with Spotify.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gregdel/pushover"
)

type Alert struct {
	Title    string
	Message  string
	URL      string
	URLTitle string
	Urgent   bool
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Nop logs alerts instead of sending them, for when Pushover is not
// configured.
type Nop struct{}

func (Nop) Notify(_ context.Context, alert Alert) error {
	slog.Warn("Alert raised", slog.String("title", alert.Title), slog.String("message", alert.Message), slog.String("url", alert.URL))
	return nil
}

type Pushover struct {
	app        *pushover.Pushover
	recipient  *pushover.Recipient
	deviceName string
}

func NewPushover(token, recipient, deviceName string) *Pushover {
	return &Pushover{
		app:        pushover.New(token),
		recipient:  pushover.NewRecipient(recipient),
		deviceName: deviceName,
	}
}

// New picks Pushover when both credentials are present.
func New(token, recipient, deviceName string) Notifier {
	if token == "" || recipient == "" {
		return Nop{}
	}
	return NewPushover(token, recipient, deviceName)
}

func (p *Pushover) Notify(_ context.Context, alert Alert) error {
	priority := pushover.PriorityNormal
	if alert.Urgent {
		priority = pushover.PriorityHigh
	}
	message := &pushover.Message{
		Message:    alert.Message,
		Title:      alert.Title,
		Priority:   priority,
		URL:        alert.URL,
		URLTitle:   alert.URLTitle,
		Timestamp:  time.Now().Unix(),
		DeviceName: p.deviceName,
	}
	if _, err := p.app.SendMessage(message, p.recipient); err != nil {
		return fmt.Errorf("failed to send pushover alert: %w", err)
	}
	return nil
}
