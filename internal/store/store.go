package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/someta/mathhelper/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		grade TEXT NOT NULL,
		analysis TEXT NOT NULL,
		pages_submitted INTEGER NOT NULL,
		submission_type TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_session ON submissions(session_id, id);

	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		logged_at DATETIME NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		user_input TEXT NOT NULL DEFAULT '',
		ai_response TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL,
		chat_target TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddSubmission appends a submission record to its session history.
func (s *Store) AddSubmission(rec model.SubmissionRecord) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO submissions (session_id, student_id, grade, analysis, pages_submitted, submission_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.StudentID, rec.Grade, rec.Analysis, rec.PagesSubmitted, rec.SubmissionType, rec.Timestamp,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSubmissions returns a session's submissions in the order they were made.
func (s *Store) ListSubmissions(sessionID string) ([]model.SubmissionRecord, error) {
	return s.querySubmissions(
		`SELECT id, session_id, student_id, grade, analysis, pages_submitted, submission_type, created_at
		 FROM submissions WHERE session_id = ? ORDER BY id`, sessionID)
}

// ListAllSubmissions returns every submission grouped by session, oldest first.
func (s *Store) ListAllSubmissions() ([]model.SubmissionRecord, error) {
	return s.querySubmissions(
		`SELECT id, session_id, student_id, grade, analysis, pages_submitted, submission_type, created_at
		 FROM submissions ORDER BY session_id, id`)
}

func (s *Store) querySubmissions(query string, args ...any) ([]model.SubmissionRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.SubmissionRecord
	for rows.Next() {
		var r model.SubmissionRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.Grade, &r.Analysis, &r.PagesSubmitted, &r.SubmissionType, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SubmissionCount returns the total number of stored submissions.
func (s *Store) SubmissionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM submissions`).Scan(&count)
	return count, err
}

// Name identifies the store as an interaction log sink.
func (s *Store) Name() string { return "store" }

// Append mirrors one interaction log entry locally.
func (s *Store) Append(ctx context.Context, e model.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (logged_at, student_id, user_input, ai_response, message_type, chat_target)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.StudentID, e.UserInput, e.AIResponse, e.MessageType, e.ChatTarget,
	)
	return err
}

// ListInteractions returns the most recent log entries, newest first.
// A non-positive limit returns all entries.
func (s *Store) ListInteractions(limit int) ([]model.LogEntry, error) {
	query := `SELECT logged_at, student_id, user_input, ai_response, message_type, chat_target
		FROM interactions ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.StudentID, &e.UserInput, &e.AIResponse, &e.MessageType, &e.ChatTarget); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
