package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectTurnCompleted is the NATS subject for finalized comparison turns.
const SubjectTurnCompleted = "comparechat.turn.completed"

// TurnCompleted is emitted once both backends have finished answering a message,
// so downstream evaluation jobs can score the pair.
type TurnCompleted struct {
	SessionID    string    `json:"session_id"`
	Position     int       `json:"position"`
	Message      string    `json:"message"`
	LeftBackend  string    `json:"left_backend"`
	LeftAnswer   string    `json:"left_answer"`
	LeftState    string    `json:"left_state"`
	RightBackend string    `json:"right_backend"`
	RightAnswer  string    `json:"right_answer"`
	RightState   string    `json:"right_state"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Publisher publishes events to subjects
type Publisher interface {
	Publish(subject string, data any) error
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("comparechat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("nats connected", "url", url)
	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Close drains pending publications before closing the connection
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed", "error", err)
		c.conn.Close()
	}
}

// PublishTurn publishes a TurnCompleted event. A nil publisher is a no-op, which is how
// publication is disabled.
func PublishTurn(p Publisher, event TurnCompleted) error {
	if p == nil {
		return nil
	}
	if event.CompletedAt.IsZero() {
		event.CompletedAt = time.Now().UTC()
	}
	if err := p.Publish(SubjectTurnCompleted, event); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectTurnCompleted, err)
	}
	return nil
}
