package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"CompareChat/internal/backend"
	"CompareChat/internal/compare"
	"CompareChat/internal/hermes"
	"CompareChat/internal/session"
	"CompareChat/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInterrupted is returned when a comparison is abandoned before both answers finish
var ErrInterrupted = errors.New("comparison interrupted")

// ChatBot is the interactive comparison loop: every message goes to both backends and
// the two answers are shown side by side.
type ChatBot struct {
	registry  *backend.Registry
	left      *backend.Client
	right     *backend.Client
	store     *store.Store
	publisher hermes.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	session   *session.Session
	params    backend.Params

	in  io.Reader
	out io.Writer
}

// Option configures a ChatBot
type Option func(*ChatBot)

// WithIO replaces stdin and stdout
func WithIO(in io.Reader, out io.Writer) Option {
	return func(cb *ChatBot) {
		cb.in = in
		cb.out = out
	}
}

// WithPublisher publishes every completed turn
func WithPublisher(p hermes.Publisher) Option {
	return func(cb *ChatBot) {
		cb.publisher = p
	}
}

// WithTracer sets the tracer used for comparison spans
func WithTracer(t trace.Tracer) Option {
	return func(cb *ChatBot) {
		cb.tracer = t
	}
}

// WithParams sets the initial sampling parameters
func WithParams(p backend.Params) Option {
	return func(cb *ChatBot) {
		cb.params = p
	}
}

// NewChatBot creates a ChatBot comparing the left and right backends of registry.
// A non-empty sessionID resumes that stored session.
func NewChatBot(ctx context.Context, registry *backend.Registry, left, right string, st *store.Store, sessionID string, logger *slog.Logger, opts ...Option) (*ChatBot, error) {
	leftClient, ok := registry.Get(left)
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", left)
	}
	rightClient, ok := registry.Get(right)
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", right)
	}

	cb := &ChatBot{
		registry: registry,
		left:     leftClient,
		right:    rightClient,
		store:    st,
		logger:   logger,
		tracer:   otel.Tracer("comparechat"),
		params:   backend.DefaultParams(),
		in:       os.Stdin,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(cb)
	}
	if err := cb.params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	if sessionID != "" {
		sess, err := st.LoadSession(ctx, sessionID)
		if err != nil {
			logger.Warn("failed to load session, creating new one", "error", err)
		} else {
			if sess.LeftBackend != left || sess.RightBackend != right {
				logger.Warn("session was recorded with other backends",
					"session_left", sess.LeftBackend, "session_right", sess.RightBackend)
			}
			cb.session = sess
			logger.Info("loaded existing session", "session_id", sess.ID, "turns", len(sess.Left))
		}
	}
	if cb.session == nil {
		if err := cb.newSession(ctx); err != nil {
			return nil, err
		}
	}

	return cb, nil
}

// newSession creates and stores an empty session
func (cb *ChatBot) newSession(ctx context.Context) error {
	cb.session = session.NewSession(cb.left.Name(), cb.right.Name())
	if err := cb.store.SaveSession(ctx, cb.session); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	cb.logger.Info("created new session", "session_id", cb.session.ID)
	return nil
}

// Session returns the current session
func (cb *ChatBot) Session() *session.Session {
	return cb.session
}

// Params returns the current sampling parameters
func (cb *ChatBot) Params() backend.Params {
	return cb.params
}

// Compare sends message to both backends, renders progress, and records the finished
// turn in both histories. Nothing is recorded if ctx ends before both answers finish.
func (cb *ChatBot) Compare(ctx context.Context, message string) (compare.Tick, error) {
	ctx, span := cb.tracer.Start(ctx, "comparison_turn", trace.WithAttributes(
		attribute.String("session_id", cb.session.ID),
		attribute.Int("position", len(cb.session.Left)),
	))
	defer span.End()

	start := time.Now()
	req := compare.Request{
		Message:      message,
		LeftHistory:  session.Encode(cb.session.Left),
		RightHistory: session.Encode(cb.session.Right),
		Params:       cb.params,
	}

	var final compare.Tick
	finished := false
	for tick := range compare.Aggregate(ctx, cb.left, cb.right, req) {
		cb.renderProgress(tick)
		if tick.Done {
			final = tick
			finished = true
		}
	}
	fmt.Fprintln(cb.out)
	if !finished {
		cb.logger.Warn("comparison abandoned", "session_id", cb.session.ID)
		return compare.Tick{}, ErrInterrupted
	}

	cb.logger.Info("comparison finished",
		"session_id", cb.session.ID,
		"left_state", final.Left.State.String(),
		"right_state", final.Right.State.String(),
		"duration_ms", time.Since(start).Milliseconds())

	cb.record(ctx, message, final)
	return final, nil
}

// record appends the finished turn to both histories, then persists and publishes it
func (cb *ChatBot) record(ctx context.Context, message string, final compare.Tick) {
	position := len(cb.session.Left)
	leftTurn := session.Turn{User: message, Assistant: final.Left.Answer()}
	rightTurn := session.Turn{User: message, Assistant: final.Right.Answer()}

	if err := cb.store.AppendTurn(ctx, cb.session.ID, store.SideLeft, cb.session.Left, leftTurn); err != nil {
		cb.logger.Error("failed to save turn", "side", store.SideLeft, "error", err)
	}
	if err := cb.store.AppendTurn(ctx, cb.session.ID, store.SideRight, cb.session.Right, rightTurn); err != nil {
		cb.logger.Error("failed to save turn", "side", store.SideRight, "error", err)
	}
	cb.session.Left = append(cb.session.Left, leftTurn)
	cb.session.Right = append(cb.session.Right, rightTurn)

	err := hermes.PublishTurn(cb.publisher, hermes.TurnCompleted{
		SessionID:    cb.session.ID,
		Position:     position,
		Message:      message,
		LeftBackend:  final.Left.Backend,
		LeftAnswer:   leftTurn.Assistant,
		LeftState:    final.Left.State.String(),
		RightBackend: final.Right.Backend,
		RightAnswer:  rightTurn.Assistant,
		RightState:   final.Right.State.String(),
	})
	if err != nil {
		cb.logger.Warn("failed to publish turn", "error", err)
	}
}

// renderProgress rewrites the status line with the length of both answers
func (cb *ChatBot) renderProgress(tick compare.Tick) {
	fmt.Fprintf(cb.out, "\r[%s: %d chars, %s | %s: %d chars, %s]",
		tick.Left.Backend, len(tick.Left.Answer()), tick.Left.State,
		tick.Right.Backend, len(tick.Right.Answer()), tick.Right.State)
}

func (cb *ChatBot) printAnswers(tick compare.Tick) {
	for _, snap := range []compare.Snapshot{tick.Left, tick.Right} {
		fmt.Fprintf(cb.out, "--- %s ---\n%s\n\n", snap.Backend, snap.Answer())
	}
}

// solo streams a reply from a single backend using that side's history. The reply is
// shown but not recorded, so both histories stay paired.
func (cb *ChatBot) solo(ctx context.Context, name, message string) error {
	client, ok := cb.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown backend: %s", name)
	}
	var history []session.Message
	switch name {
	case cb.left.Name():
		history = session.Encode(cb.session.Left)
	case cb.right.Name():
		history = session.Encode(cb.session.Right)
	}

	var last compare.Snapshot
	printed := 0
	for snap := range compare.Chat(ctx, client, history, message, cb.params) {
		answer := snap.Answer()
		fmt.Fprint(cb.out, answer[printed:])
		printed = len(answer)
		last = snap
	}
	fmt.Fprintln(cb.out)
	if last.State != compare.StateCompleted {
		return ErrInterrupted
	}
	return nil
}

// interruptible returns a context that is cancelled by Ctrl-C, so a running
// comparison can be abandoned without leaving the loop.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// Run starts the comparison loop
func (cb *ChatBot) Run(ctx context.Context) error {
	fmt.Fprintln(cb.out, "=== Compare Chat ===")
	fmt.Fprintf(cb.out, "Session: %s\n", cb.session.ID)
	fmt.Fprintf(cb.out, "Left:  %s (%s)\n", cb.left.Name(), cb.left.Info().Model)
	fmt.Fprintf(cb.out, "Right: %s (%s)\n", cb.right.Name(), cb.right.Info().Model)
	fmt.Fprintln(cb.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(cb.out)

	scanner := bufio.NewScanner(cb.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(cb.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(cb.out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		turnCtx, stop := interruptible(ctx)
		tick, err := cb.Compare(turnCtx, input)
		stop()
		if err != nil {
			fmt.Fprintf(cb.out, "Error: %v\n", err)
			continue
		}
		cb.printAnswers(tick)
	}
	if err := scanner.Err(); err != nil {
		cb.logger.Error("failed to read input", "error", err)
	}

	if err := cb.store.SaveSession(ctx, cb.session); err != nil {
		cb.logger.Error("failed to save session on exit", "error", err)
		return err
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}
