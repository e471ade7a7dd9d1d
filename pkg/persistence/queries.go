package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"auteur/pkg/proto"
)

// Session is one journaled session.
type Session struct {
	ID        string     `json:"id"`
	Room      string     `json:"room"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Events    int        `json:"events"`
}

// Entry is a journaled event with its row id.
type Entry struct {
	ID string `json:"id"`
	proto.Event
}

// Sessions lists the most recently started sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT s.id, s.room, s.started_at, s.ended_at, COUNT(e.id)
		FROM sessions s LEFT JOIN events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []Session{}
	for rows.Next() {
		var (
			s       Session
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Room, &started, &ended, &s.Events); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if s.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if ended.Valid {
			t, err := parseTime(ended.String)
			if err != nil {
				return nil, err
			}
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// Events returns a session's events in the order they were recorded.
func (j *Journal) Events(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT e.id, e.session_id, s.room, e.kind, e.identity, e.outcome, e.detail, e.mode,
			e.score, e.transcript, e.directive, e.duration_ms, e.created_at
		FROM events e JOIN sessions s ON s.id = e.session_id
		WHERE e.session_id = ?
		ORDER BY e.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			kind       string
			durationMS int64
			created    string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Room, &kind, &e.Identity, &e.Outcome, &e.Detail,
			&e.Mode, &e.Score, &e.Transcript, &e.Directive, &durationMS, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = proto.EventKind(kind)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if e.Timestamp, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return entries, nil
}
