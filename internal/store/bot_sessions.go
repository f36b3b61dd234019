package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/clawbridge/internal/model"
)

// BotSessionRepository persists one active-session row per user
// (SPEC_FULL.md §4.6). Every write runs inside a single SQL transaction and
// every read is a single statement, so concurrent callers never observe a
// half-written row.
type BotSessionRepository struct {
	db *DB
}

// NewBotSessionRepository returns a repository backed by db.
func NewBotSessionRepository(db *DB) *BotSessionRepository {
	return &BotSessionRepository{db: db}
}

// Upsert replaces the whole row for userID, setting last_active to now.
// A nil betas preserves the "none recorded" distinction from an empty,
// explicitly-set list.
func (r *BotSessionRepository) Upsert(ctx context.Context, userID, sessionID, directory string, modelName *string, betas []string) error {
	var betasJSON sql.NullString
	if betas != nil {
		data, err := json.Marshal(betas)
		if err != nil {
			return fmt.Errorf("store: marshal betas: %w", err)
		}
		betasJSON = sql.NullString{String: string(data), Valid: true}
	}

	var modelVal sql.NullString
	if modelName != nil {
		modelVal = sql.NullString{String: *modelName, Valid: true}
	}

	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_sessions (user_id, session_id, directory, model, betas, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			session_id = excluded.session_id,
			directory  = excluded.directory,
			model      = excluded.model,
			betas      = excluded.betas,
			last_active = excluded.last_active
	`, userID, sessionID, directory, modelVal, betasJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: upsert bot_sessions: %w", err)
	}
	return tx.Commit()
}

// GetByUser returns the row for userID, or nil if none exists.
func (r *BotSessionRepository) GetByUser(ctx context.Context, userID string) (*model.BotSessionRecord, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT session_id, directory, model, betas, last_active
		FROM bot_sessions WHERE user_id = ?
	`, userID)

	var (
		sessionID, directory string
		modelVal, betasVal   sql.NullString
		lastActive           int64
	)
	if err := row.Scan(&sessionID, &directory, &modelVal, &betasVal, &lastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get bot_sessions: %w", err)
	}

	rec := &model.BotSessionRecord{
		UserID:     userID,
		SessionID:  sessionID,
		Directory:  directory,
		LastActive: time.Unix(lastActive, 0),
	}
	if modelVal.Valid {
		m := modelVal.String
		rec.Model = &m
	}
	if betasVal.Valid {
		var betas []string
		if err := json.Unmarshal([]byte(betasVal.String), &betas); err != nil {
			return nil, fmt.Errorf("store: unmarshal betas: %w", err)
		}
		rec.Betas = betas
	}
	return rec, nil
}

// Delete removes userID's row, if any.
func (r *BotSessionRepository) Delete(ctx context.Context, userID string) error {
	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("store: delete bot_sessions: %w", err)
	}
	return tx.Commit()
}

// CleanupExpired removes every row whose last_active is older than maxAge
// and returns the number of rows removed (the GC sweep, SPEC_FULL.md §6.5).
func (r *BotSessionRepository) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()

	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin cleanup: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM bot_sessions WHERE last_active < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup bot_sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// UserDirectoryStore persists the per-user "current directory" remembered
// across restarts (SPEC_FULL.md §6.3) — not itself part of the core, but
// read by the Orchestrator's bootstrap to resolve a user's working
// directory before the first query of a process lifetime.
type UserDirectoryStore struct {
	db *DB
}

// NewUserDirectoryStore returns a store backed by db.
func NewUserDirectoryStore(db *DB) *UserDirectoryStore {
	return &UserDirectoryStore{db: db}
}

// Get returns the remembered directory for userID, and whether one exists.
func (s *UserDirectoryStore) Get(ctx context.Context, userID string) (string, bool, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT directory FROM user_directories WHERE user_id = ?`, userID)
	var dir string
	if err := row.Scan(&dir); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: get user_directories: %w", err)
	}
	return dir, true, nil
}

// Set persists userID's current directory.
func (s *UserDirectoryStore) Set(ctx context.Context, userID, directory string) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin set directory: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_directories (user_id, directory) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET directory = excluded.directory
	`, userID, directory)
	if err != nil {
		return fmt.Errorf("store: upsert user_directories: %w", err)
	}
	return tx.Commit()
}
