// Package events streams state changes to the UI over server-sent events.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/r3labs/sse/v2"
)

const (
	StreamSession       = "session"
	StreamPlayback      = "playback"
	StreamPlayer        = "player"
	StreamQueue         = "queue"
	StreamChat          = "chat"
	StreamNotices       = "notices"
	StreamNotifications = "notifications"
	StreamRequests      = "requests"
	StreamConnection    = "connection"
)

var streams = []string{
	StreamSession,
	StreamPlayback,
	StreamPlayer,
	StreamQueue,
	StreamChat,
	StreamNotices,
	StreamNotifications,
	StreamRequests,
	StreamConnection,
}

// Publisher fans JSON payloads out to every UI subscribed to a stream.
// Clients pick a stream with ?stream=<name>.
type Publisher struct {
	Server *sse.Server
}

func NewPublisher() *Publisher {
	server := sse.New()
	server.AutoReplay = false
	for _, s := range streams {
		server.CreateStream(s)
	}
	return &Publisher{Server: server}
}

func (p *Publisher) Publish(stream string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode event", slog.String("stream", stream), slog.String("stack", err.Error()))
		return
	}
	p.Server.Publish(stream, &sse.Event{Data: data})
}

// Notice is a problem worth showing to the user.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (p *Publisher) Notice(level, message string) {
	p.Publish(StreamNotices, Notice{Level: level, Message: message})
}

func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Server.ServeHTTP(w, r)
}

func (p *Publisher) Close() {
	p.Server.Close()
}
