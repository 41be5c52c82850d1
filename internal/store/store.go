// Package store persists sessions, confirmed steps and completed rounds
// to SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gridsight/gridsight/internal/detect"
	"github.com/gridsight/gridsight/internal/monitoring"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// single writer; WAL lets API reads proceed during event inserts
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// retryOnBusy retries fn on SQLITE_BUSY with a short backoff. The busy
// timeout pragma covers most contention; this catches the rest.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

// Session is one observation run.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	GridRows  int       `json:"grid_rows"`
	GridCols  int       `json:"grid_cols"`
	Notes     string    `json:"notes"`
}

// BeginSession creates a session row and returns its generated id.
func (s *Store) BeginSession(rows, cols int, notes string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		GridRows:  rows,
		GridCols:  cols,
		Notes:     notes,
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (session_id, started_at, grid_rows, grid_cols, notes)
			 VALUES (?, ?, ?, ?, ?)`,
			sess.ID, sess.StartedAt.Format(time.RFC3339), rows, cols, notes,
		)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	monitoring.Logf("[store] session %s started (%dx%d)", sess.ID, rows, cols)
	return sess, nil
}

// Sessions lists sessions, newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT session_id, started_at, grid_rows, grid_cols, notes
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started string
		if err := rows.Scan(&sess.ID, &started, &sess.GridRows, &sess.GridCols, &sess.Notes); err != nil {
			return nil, err
		}
		sess.StartedAt = parseDBTime(started)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// StepRecord is one persisted step.
type StepRecord struct {
	StepID     int64     `json:"step_id"`
	SessionID  string    `json:"session_id"`
	RoundIndex int       `json:"round_index"`
	Cell       int       `json:"cell"`
	Row        int       `json:"row"`
	Col        int       `json:"col"`
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence"`
	Frame      uint64    `json:"frame"`
	EventTime  time.Time `json:"event_time"`
}

// RecordStep persists one confirmed event under the session.
func (s *Store) RecordStep(sessionID string, roundIndex int, ev detect.Event) error {
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO steps (session_id, round_index, cell, row, col, kind, confidence, frame, event_time_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, roundIndex, ev.Cell, ev.Row, ev.Col,
			ev.Kind.String(), ev.Confidence, int64(ev.Frame), ev.Time.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting step for session %s: %w", sessionID, err)
	}
	return nil
}

// ListSteps returns a session's steps in event order.
func (s *Store) ListSteps(sessionID string, limit int) ([]StepRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(
		`SELECT step_id, session_id, round_index, cell, row, col, kind, confidence, frame, event_time_ms
		 FROM steps WHERE session_id = ? ORDER BY event_time_ms ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var frame int64
		var ms int64
		if err := rows.Scan(&rec.StepID, &rec.SessionID, &rec.RoundIndex, &rec.Cell,
			&rec.Row, &rec.Col, &rec.Kind, &rec.Confidence, &frame, &ms); err != nil {
			return nil, err
		}
		rec.Frame = uint64(frame)
		rec.EventTime = time.UnixMilli(ms).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RoundRecord summarizes one completed (or abandoned) round.
type RoundRecord struct {
	RoundID    int64     `json:"round_id"`
	SessionID  string    `json:"session_id"`
	RoundIndex int       `json:"round_index"`
	RevealLen  int       `json:"reveal_len"`
	InputCount int       `json:"input_count"`
	Completed  bool      `json:"completed"`
	Indices    []int     `json:"indices"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// RecordRound persists a round summary.
func (s *Store) RecordRound(rec RoundRecord) error {
	indices, err := json.Marshal(rec.Indices)
	if err != nil {
		return fmt.Errorf("marshal round indices: %w", err)
	}
	completed := 0
	if rec.Completed {
		completed = 1
	}
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO rounds (session_id, round_index, reveal_len, input_count, completed, indices_json, started_at_ms, ended_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.RoundIndex, rec.RevealLen, rec.InputCount,
			completed, string(indices), rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting round %d for session %s: %w", rec.RoundIndex, rec.SessionID, err)
	}
	return nil
}

// ListRounds returns a session's rounds in order.
func (s *Store) ListRounds(sessionID string) ([]RoundRecord, error) {
	rows, err := s.db.Query(
		`SELECT round_id, session_id, round_index, reveal_len, input_count, completed, indices_json, started_at_ms, ended_at_ms
		 FROM rounds WHERE session_id = ? ORDER BY round_index ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var rec RoundRecord
		var completed int
		var indices string
		var startMs, endMs int64
		if err := rows.Scan(&rec.RoundID, &rec.SessionID, &rec.RoundIndex, &rec.RevealLen,
			&rec.InputCount, &completed, &indices, &startMs, &endMs); err != nil {
			return nil, err
		}
		rec.Completed = completed != 0
		if err := json.Unmarshal([]byte(indices), &rec.Indices); err != nil {
			return nil, fmt.Errorf("decode round indices: %w", err)
		}
		rec.StartedAt = time.UnixMilli(startMs).UTC()
		rec.EndedAt = time.UnixMilli(endMs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// parseDBTime tolerates both RFC3339 and SQLite's default timestamp
// format.
func parseDBTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
