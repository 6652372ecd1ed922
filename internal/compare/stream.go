// Package compare runs the same user message against two backends and merges their
// growing answers into paired snapshots.
package compare

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"CompareChat/internal/backend"
	"CompareChat/internal/session"
)

// Generator streams the text deltas of one completion
type Generator interface {
	Name() string
	StreamGeneration(ctx context.Context, messages []session.Message, params backend.Params) iter.Seq[string]
}

// State is the lifecycle state of one backend stream
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "running":
		*s = StateRunning
	case "completed":
		*s = StateCompleted
	case "errored":
		*s = StateErrored
	default:
		return fmt.Errorf("unknown stream state %q", text)
	}
	return nil
}

// Snapshot is the full history of one backend up to and including the current,
// possibly partial, reply.
type Snapshot struct {
	Backend  string            `json:"backend"`
	Messages []session.Message `json:"messages"`
	State    State             `json:"state"`
}

// Answer returns the content of the last assistant message
func (s Snapshot) Answer() string {
	if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == session.RoleAssistant {
		return s.Messages[n-1].Content
	}
	return ""
}

// Stream accumulates the reply of one backend to one user message.
// It is owned by a single request and needs no locking.
type Stream struct {
	backend   string
	prior     []session.Turn
	message   string
	answer    strings.Builder
	fragments int
	state     State
}

// NewStream starts a stream for message on top of the prior turns
func NewStream(backendName string, prior []session.Turn, message string) *Stream {
	return &Stream{
		backend: backendName,
		prior:   slices.Clone(prior),
		message: message,
	}
}

// Messages returns the outbound context: the prior turns followed by the new user message
func (s *Stream) Messages() []session.Message {
	return append(session.Encode(s.prior), session.Message{Role: session.RoleUser, Content: s.message})
}

// Apply appends a fragment to the answer. Fragments arriving after the stream
// reached a terminal state are ignored.
func (s *Stream) Apply(fragment string) {
	if s.state != StateRunning {
		return
	}
	s.answer.WriteString(fragment)
	s.fragments++
}

// Complete marks the stream as exhausted
func (s *Stream) Complete() {
	if s.state == StateRunning {
		s.state = StateCompleted
	}
}

// Abort marks the stream as abandoned before its end
func (s *Stream) Abort() {
	if s.state == StateRunning {
		s.state = StateErrored
	}
}

// finish moves the stream to its terminal state once its fragments are exhausted
func (s *Stream) finish(ctx context.Context) {
	if ctx.Err() != nil {
		s.Abort()
		return
	}
	s.Complete()
}

func (s *Stream) Backend() string {
	return s.backend
}

func (s *Stream) Answer() string {
	return s.answer.String()
}

func (s *Stream) Fragments() int {
	return s.fragments
}

func (s *Stream) State() State {
	return s.state
}

// Turns returns the prior turns plus the current one
func (s *Stream) Turns() []session.Turn {
	turns := make([]session.Turn, 0, len(s.prior)+1)
	turns = append(turns, s.prior...)
	return append(turns, session.Turn{User: s.message, Assistant: s.answer.String()})
}

// Snapshot renders the current history as flat messages
func (s *Stream) Snapshot() Snapshot {
	return Snapshot{
		Backend:  s.backend,
		Messages: session.Encode(s.Turns()),
		State:    s.state,
	}
}

// Chat streams growing snapshots of a single backend's reply.
// One snapshot is yielded per fragment, followed by a final snapshot in a terminal state.
func Chat(ctx context.Context, gen Generator, history []session.Message, message string, params backend.Params) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		s := NewStream(gen.Name(), session.Decode(history), message)
		for fragment := range gen.StreamGeneration(ctx, s.Messages(), params) {
			s.Apply(fragment)
			if !yield(s.Snapshot()) {
				return
			}
		}
		s.finish(ctx)
		yield(s.Snapshot())
	}
}
