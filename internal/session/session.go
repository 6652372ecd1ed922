package session

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn pairs one user message with the assistant reply to it
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Session represents a comparison session between two backends.
// Both sides receive the same user messages but keep their own history.
type Session struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	LeftBackend  string    `json:"left_backend"`
	RightBackend string    `json:"right_backend"`
	Left         []Turn    `json:"left"`
	Right        []Turn    `json:"right"`
}

// NewSession creates an empty session for the given backend pair
func NewSession(leftBackend, rightBackend string) *Session {
	return &Session{
		ID:           uuid.NewString(),
		StartTime:    time.Now(),
		LeftBackend:  leftBackend,
		RightBackend: rightBackend,
		Left:         []Turn{},
		Right:        []Turn{},
	}
}

// Clear drops both histories while keeping the session identity
func (s *Session) Clear() {
	s.Left = []Turn{}
	s.Right = []Turn{}
}
