package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"CompareChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SideLeft  = "left"
	SideRight = "right"
)

// ErrSessionNotFound is returned when no session has the requested id
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME,
	left_backend TEXT,
	right_backend TEXT
);
CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	side TEXT NOT NULL,
	position INTEGER NOT NULL,
	user_content TEXT,
	assistant_content TEXT,
	context_hash TEXT,
	created_at DATETIME,
	PRIMARY KEY (session_id, side, position),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);`

// Store persists comparison sessions in SQLite.
// Only finalized turns are ever written.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Summary describes a stored session without its turns
type Summary struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	LeftBackend  string    `json:"left_backend"`
	RightBackend string    `json:"right_backend"`
	Turns        int       `json:"turns"`
}

// Open opens or creates the database at path and ensures the schema exists
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession writes the session row and both histories, replacing what was stored
// under the same id.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, start_time, left_backend, right_backend) VALUES (?, ?, ?, ?)",
		sess.ID, sess.StartTime, sess.LeftBackend, sess.RightBackend,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", sess.ID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}

	now := time.Now()
	for side, turns := range map[string][]session.Turn{SideLeft: sess.Left, SideRight: sess.Right} {
		for i, turn := range turns {
			if err := insertTurn(ctx, tx, sess.ID, side, turns[:i], turn, now); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("session saved", "session_id", sess.ID, "left_turns", len(sess.Left), "right_turns", len(sess.Right))
	return nil
}

// AppendTurn stores one finalized turn on one side of a session. prior is the history
// the turn was generated from; its length is the turn's position.
func (s *Store) AppendTurn(ctx context.Context, sessionID, side string, prior []session.Turn, turn session.Turn) error {
	if side != SideLeft && side != SideRight {
		return fmt.Errorf("invalid side: %q", side)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertTurn(ctx, tx, sessionID, side, prior, turn, time.Now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("turn appended", "session_id", sessionID, "side", side, "position", len(prior))
	return nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, sessionID, side string, prior []session.Turn, turn session.Turn, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO turns
			(session_id, side, position, user_content, assistant_content, context_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, side, len(prior), turn.User, turn.Assistant, ContextHash(prior, turn.User), at,
	)
	if err != nil {
		return fmt.Errorf("failed to save turn %d (%s): %w", len(prior), side, err)
	}
	return nil
}

// ContextHash fingerprints the exact message list a backend received for a turn
func ContextHash(prior []session.Turn, userMessage string) string {
	messages := append(session.Encode(prior), session.Message{Role: session.RoleUser, Content: userMessage})
	return session.Fingerprint(messages)
}

// LoadSession loads a session and both of its histories
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess := &session.Session{ID: sessionID, Left: []session.Turn{}, Right: []session.Turn{}}

	err := s.db.QueryRowContext(ctx,
		"SELECT start_time, left_backend, right_backend FROM sessions WHERE id = ?", sessionID,
	).Scan(&sess.StartTime, &sess.LeftBackend, &sess.RightBackend)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT side, user_content, assistant_content FROM turns WHERE session_id = ? ORDER BY side, position",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var side string
		var turn session.Turn
		if err := rows.Scan(&side, &turn.User, &turn.Assistant); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		switch side {
		case SideLeft:
			sess.Left = append(sess.Left, turn)
		case SideRight:
			sess.Right = append(sess.Right, turn)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}

	return sess, nil
}

// ListSessions returns the most recent sessions first, at most limit of them
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.start_time, s.left_backend, s.right_backend,
			(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id AND t.side = ?)
		FROM sessions s
		ORDER BY s.start_time DESC
		LIMIT ?`, SideLeft, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.StartTime, &sum.LeftBackend, &sum.RightBackend, &sum.Turns); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
