package models

import "time"

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyFriends Privacy = "friends"
	PrivacyPrivate Privacy = "private"
)

func (p Privacy) Valid() bool {
	switch p {
	case PrivacyPublic, PrivacyFriends, PrivacyPrivate:
		return true
	}
	return false
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Member is a participant of a session. A member's role is never stored,
// it is derived from the session's host via Session.RoleOf.
type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

type Session struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Privacy      Privacy        `json:"privacy_type"`
	HostID       string         `json:"host_id"`
	HostUsername string         `json:"host_username"`
	Platform     string         `json:"platform"`
	Members      []Member       `json:"members"`
	Playback     *PlaybackState `json:"playback,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// RoleOf returns the role userID holds in the session, or an empty Role
// if they are neither the host nor a listed member.
func (s *Session) RoleOf(userID string) Role {
	if s == nil || userID == "" {
		return ""
	}
	if s.HostID == userID {
		return RoleHost
	}
	if s.HasMember(userID) {
		return RoleGuest
	}
	return ""
}

func (s *Session) HasMember(userID string) bool {
	if s == nil {
		return false
	}
	for _, m := range s.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// AddMember appends a member unless they are already on the roster.
// It reports whether the roster changed.
func (s *Session) AddMember(m Member) bool {
	if s.HasMember(m.UserID) {
		return false
	}
	s.Members = append(s.Members, m)
	return true
}

func (s *Session) RemoveMember(userID string) bool {
	for i, m := range s.Members {
		if m.UserID == userID {
			s.Members = append(s.Members[:i:i], s.Members[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hold on to a snapshot without
// racing the owner of the original.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Members = append([]Member(nil), s.Members...)
	if s.Playback != nil {
		pb := *s.Playback
		c.Playback = &pb
	}
	return &c
}
