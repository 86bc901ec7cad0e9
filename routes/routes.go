// Package routes is the local HTTP bridge between the rendering layer and
// the jam client: JSON intents in, server-sent events out.
package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	hmacext "github.com/alexellis/hmac/v2"
	"github.com/rs/cors"

	"github.com/marcus-crane/tunetogether/backend"
	"github.com/marcus-crane/tunetogether/channel"
	"github.com/marcus-crane/tunetogether/chat"
	"github.com/marcus-crane/tunetogether/jam"
	"github.com/marcus-crane/tunetogether/models"
	"github.com/marcus-crane/tunetogether/playback"
	"github.com/marcus-crane/tunetogether/player"
	"github.com/marcus-crane/tunetogether/session"
)

const signatureHeader = "X-Jam-Signature"

type Jam interface {
	State() jam.State
	QueueView() jam.QueueView
	ListSessions(ctx context.Context, mineOnly bool) ([]*models.Session, error)
	CreateSession(ctx context.Context, req backend.CreateSessionRequest) (*models.Session, error)
	JoinSession(ctx context.Context, id string) (*models.Session, error)
	LeaveSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	UpdateSession(ctx context.Context, req backend.UpdateSessionRequest) (*models.Session, error)
	Play(ctx context.Context, trackID string, positionMs int64) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
	SetVolume(ctx context.Context, percent int) error
	SendMessage(text string) (chat.Message, error)
	Messages() []chat.Message
	GetHistory(limit int) ([]playback.FullPlaybackEntry, error)
	RequestToJoin(ctx context.Context, sessionID string) (backend.JoinRequest, error)
	ListRequests(ctx context.Context) ([]backend.JoinRequest, error)
	AcceptRequest(ctx context.Context, requestID string) (*models.Session, error)
	DeclineRequest(ctx context.Context, requestID string) error
	Invite(ctx context.Context, friendID string) (backend.Invitation, error)
	ListInvitations(ctx context.Context) ([]backend.Invitation, error)
	AcceptInvitation(ctx context.Context, invitationID string) (*models.Session, error)
	RejectInvitation(ctx context.Context, invitationID string) error
	Notifications(ctx context.Context, unreadOnly bool) ([]backend.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

type Authorizer interface {
	AuthorizeURL() string
	HandleCallback(w http.ResponseWriter, r *http.Request)
}

type Options struct {
	// SigningSecret, when set, is required to have signed the body of
	// every request that changes something.
	SigningSecret  string
	AllowedOrigins []string
}

func renderJSONMessage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	res := map[string]string{"message": message}
	json.NewEncoder(w).Encode(res)
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, player.ErrInvalidVolume):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotHost), errors.Is(err, backend.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, backend.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrNoActiveSession), errors.Is(err, player.ErrNotActive):
		status = http.StatusConflict
	case errors.Is(err, channel.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrJoinFailed), errors.Is(err, player.ErrPlaybackCommandFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", slog.String("stack", err.Error()))
	}
	renderJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// signed rejects bodies that were not signed with the shared secret.
func signed(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			next(w, r)
			return
		}
		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			renderJSON(w, http.StatusUnauthorized, map[string]string{"error": "no signature was provided"})
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body as part of signature validation"})
			return
		}
		if err := hmacext.Validate(body, fmt.Sprintf("sha256=%s", signature), secret); err != nil {
			slog.Warn("Failed signature validation", slog.String("path", r.URL.Path), slog.String("stack", err.Error()))
			renderJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature failed validation"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}

func Register(mux *http.ServeMux, j Jam, stream http.Handler, auth Authorizer, opts Options) http.Handler {
	sign := func(fn http.HandlerFunc) http.HandlerFunc { return signed(opts.SigningSecret, fn) }

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, "This is the TuneTogether jam client")
	})

	mux.Handle("GET /events", stream)

	mux.HandleFunc("GET /callback", auth.HandleCallback)
	mux.HandleFunc("GET /api/v1/spotify/authorize", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, auth.AuthorizeURL(), http.StatusFound)
	})

	mux.HandleFunc("GET /api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, j.State())
	})

	mux.HandleFunc("GET /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions, err := j.ListSessions(r.Context(), r.URL.Query().Get("mine") == "true")
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("POST /api/v1/sessions", sign(func(w http.ResponseWriter, r *http.Request) {
		var req backend.CreateSessionRequest
		if err := decode(r, &req); err != nil {
			renderError(w, err)
			return
		}
		if req.Name == "" {
			renderError(w, fmt.Errorf("%w: a session needs a name", errBadRequest))
			return
		}
		s, err := j.CreateSession(r.Context(), req)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusCreated, s)
	}))

	mux.HandleFunc("PUT /api/v1/session", sign(func(w http.ResponseWriter, r *http.Request) {
		var req backend.UpdateSessionRequest
		if err := decode(r, &req); err != nil {
			renderError(w, err)
			return
		}
		s, err := j.UpdateSession(r.Context(), req)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, s)
	}))

	mux.HandleFunc("POST /api/v1/sessions/{id}/join", sign(func(w http.ResponseWriter, r *http.Request) {
		s, err := j.JoinSession(r.Context(), r.PathValue("id"))
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, s)
	}))

	mux.HandleFunc("POST /api/v1/session/leave", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.LeaveSession(r.Context(), ""); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/v1/sessions/{id}/request", sign(func(w http.ResponseWriter, r *http.Request) {
		req, err := j.RequestToJoin(r.Context(), r.PathValue("id"))
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusCreated, req)
	}))

	registerPlayback(mux, j, sign)
	registerSocial(mux, j, sign)

	mux.HandleFunc("GET /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 7
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				renderError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
				return
			}
			limit = n
		}
		results, err := j.GetHistory(limit)
		if err != nil {
			renderError(w, err)
			return
		}
		if len(results) == 0 {
			renderJSON(w, http.StatusOK, []string{})
			return
		}
		renderJSON(w, http.StatusOK, results)
	})

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", signatureHeader},
	})

	handler := c.Handler(mux)

	return handler
}

func registerPlayback(mux *http.ServeMux, j Jam, sign func(http.HandlerFunc) http.HandlerFunc) {
	type playRequest struct {
		TrackID    string `json:"track_id"`
		PositionMs int64  `json:"position_ms"`
	}
	type volumeRequest struct {
		Percent int `json:"volume_percent"`
	}

	mux.HandleFunc("POST /api/v1/playback/play", sign(func(w http.ResponseWriter, r *http.Request) {
		var req playRequest
		if err := decode(r, &req); err != nil {
			renderError(w, err)
			return
		}
		if req.TrackID == "" {
			renderError(w, fmt.Errorf("%w: track_id is required", errBadRequest))
			return
		}
		if err := j.Play(r.Context(), req.TrackID, req.PositionMs); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/v1/playback/pause", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.Pause(r.Context()); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/v1/playback/resume", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.Resume(r.Context()); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/v1/playback/seek", sign(func(w http.ResponseWriter, r *http.Request) {
		var req playRequest
		if err := decode(r, &req); err != nil {
			renderError(w, err)
			return
		}
		if err := j.Seek(r.Context(), req.PositionMs); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/v1/playback/volume", sign(func(w http.ResponseWriter, r *http.Request) {
		var req volumeRequest
		if err := decode(r, &req); err != nil {
			renderError(w, err)
			return
		}
		if err := j.SetVolume(r.Context(), req.Percent); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, j.QueueView())
	})
}

func registerSocial(mux *http.ServeMux, j Jam, sign func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, j.Messages())
	})

	mux.HandleFunc("POST /api/v1/chat", sign(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := decode(r, &req); err != nil {
			renderError(w, err)
			return
		}
		msg, err := j.SendMessage(req.Message)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusAccepted, msg)
	}))

	mux.HandleFunc("GET /api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		reqs, err := j.ListRequests(r.Context())
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, reqs)
	})

	mux.HandleFunc("POST /api/v1/requests/{id}/accept", sign(func(w http.ResponseWriter, r *http.Request) {
		s, err := j.AcceptRequest(r.Context(), r.PathValue("id"))
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, s)
	}))

	mux.HandleFunc("POST /api/v1/requests/{id}/decline", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.DeclineRequest(r.Context(), r.PathValue("id")); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/v1/invitations", func(w http.ResponseWriter, r *http.Request) {
		invs, err := j.ListInvitations(r.Context())
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, invs)
	})

	mux.HandleFunc("POST /api/v1/invitations", sign(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FriendID string `json:"friend_id"`
		}
		if err := decode(r, &req); err != nil {
			renderError(w, err)
			return
		}
		if req.FriendID == "" {
			renderError(w, fmt.Errorf("%w: friend_id is required", errBadRequest))
			return
		}
		inv, err := j.Invite(r.Context(), req.FriendID)
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusCreated, inv)
	}))

	mux.HandleFunc("POST /api/v1/invitations/{id}/accept", sign(func(w http.ResponseWriter, r *http.Request) {
		s, err := j.AcceptInvitation(r.Context(), r.PathValue("id"))
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, s)
	}))

	mux.HandleFunc("POST /api/v1/invitations/{id}/reject", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.RejectInvitation(r.Context(), r.PathValue("id")); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("GET /api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		notes, err := j.Notifications(r.Context(), r.URL.Query().Get("unread") == "true")
		if err != nil {
			renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, notes)
	})

	mux.HandleFunc("POST /api/v1/notifications/{id}/read", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.MarkNotificationRead(r.Context(), r.PathValue("id")); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	mux.HandleFunc("POST /api/v1/notifications/read-all", sign(func(w http.ResponseWriter, r *http.Request) {
		if err := j.MarkAllNotificationsRead(r.Context()); err != nil {
			renderError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}
