package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"auteur/pkg/logx"
	"auteur/pkg/proto"
)

// DefaultQueueSize bounds events waiting for the journal worker.
const DefaultQueueSize = 256

// Journal records session events in SQLite. Observe is fire-and-forget: a
// single worker goroutine owns all writes.
type Journal struct {
	db     *sql.DB
	logger *logx.Logger

	mu       sync.Mutex // guards closed and sends on requests
	closed   bool
	requests chan proto.Event
	done     chan struct{}

	entropyMu sync.Mutex
	entropy   io.Reader
}

// Open opens (or creates) the journal database at path.
func Open(path string, queueSize int) (*Journal, error) {
	db, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	return NewJournal(db, queueSize), nil
}

// NewJournal starts a journal worker writing to db. The journal owns db.
func NewJournal(db *sql.DB, queueSize int) *Journal {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	j := &Journal{
		db:       db,
		logger:   logx.NewLogger("persistence"),
		requests: make(chan proto.Event, queueSize),
		done:     make(chan struct{}),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	go j.worker()
	return j
}

// Observe queues e for writing. Events are dropped, with a warning, when
// the queue is full or the journal is closed.
func (j *Journal) Observe(e proto.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.requests <- e:
	default:
		j.logger.Warn("Journal queue full, dropping %s event for session %s", e.Kind, e.SessionID)
	}
}

func (j *Journal) worker() {
	defer close(j.done)
	for e := range j.requests {
		if err := j.Record(context.Background(), e); err != nil {
			j.logger.Error("Failed to journal %s event for session %s: %v", e.Kind, e.SessionID, err)
		}
	}
}

// Record writes e synchronously.
func (j *Journal) Record(ctx context.Context, e proto.Event) error {
	_, err := j.record(ctx, e)
	return err
}

func (j *Journal) record(ctx context.Context, e proto.Event) (string, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	at := formatTime(e.Timestamp)
	id := j.newID(e.Timestamp)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, room, started_at) VALUES (?, ?, ?)`,
		e.SessionID, e.Room, at); err != nil {
		return "", fmt.Errorf("failed to upsert session: %w", err)
	}
	if e.Kind == proto.EventSessionEnded {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET ended_at = ? WHERE id = ?`, at, e.SessionID); err != nil {
			return "", fmt.Errorf("failed to end session: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, session_id, kind, identity, outcome, detail, mode, score,
			transcript, directive, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.SessionID, string(e.Kind), e.Identity, e.Outcome, e.Detail, e.Mode, e.Score,
		e.Transcript, e.Directive, e.Duration.Milliseconds(), at); err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit event: %w", err)
	}
	return id, nil
}

func (j *Journal) newID(t time.Time) string {
	j.entropyMu.Lock()
	defer j.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), j.entropy).String()
}

// Close stops accepting events, drains the queue and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.requests)
	}
	j.mu.Unlock()

	<-j.done
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
