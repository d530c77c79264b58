package moderation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classcast/livechat/internal/errs"
)

// PostgresMuteStore persists mute records in PostgreSQL. Expiry is evaluated
// in SQL at read time (active_until IS NULL OR active_until > NOW()), so no
// background sweep is needed.
type PostgresMuteStore struct {
	db *sql.DB
}

// NewPostgresMuteStore creates a mute store backed by the given database handle.
func NewPostgresMuteStore(db *sql.DB) *PostgresMuteStore {
	return &PostgresMuteStore{db: db}
}

func (s *PostgresMuteStore) Mute(ctx context.Context, sessionID, userID, issuedBy, reason string, duration *time.Duration) (*Mute, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("moderation: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Supersede any prior active mute for the pair.
	_, err = tx.ExecContext(ctx,
		`UPDATE mutes SET is_active = FALSE WHERE session_id = $1 AND user_id = $2 AND is_active`,
		sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("moderation: supersede mute: %w", err)
	}

	m := &Mute{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		IssuedBy:  issuedBy,
		Reason:    reason,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	var until sql.NullTime
	if duration != nil {
		t := m.CreatedAt.Add(*duration)
		m.ActiveUntil = &t
		until = sql.NullTime{Time: t, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutes (id, session_id, user_id, issued_by, reason, active_until, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
		m.ID, m.SessionID, m.UserID, m.IssuedBy, m.Reason, until, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("moderation: insert mute: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("moderation: commit mute: %w", err)
	}
	return m, nil
}

func (s *PostgresMuteStore) Unmute(ctx context.Context, sessionID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutes SET is_active = FALSE
		WHERE session_id = $1 AND user_id = $2 AND is_active
		  AND (active_until IS NULL OR active_until > NOW())`,
		sessionID, userID)
	if err != nil {
		return fmt.Errorf("moderation: unmute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("moderation: unmute rows: %w", err)
	}
	if n == 0 {
		return errs.NotMuted("no active mute for user")
	}
	return nil
}

func (s *PostgresMuteStore) IsMuted(ctx context.Context, sessionID, userID string) (bool, error) {
	m, err := s.ActiveMute(ctx, sessionID, userID)
	return m != nil, err
}

func (s *PostgresMuteStore) ActiveMute(ctx context.Context, sessionID, userID string) (*Mute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, issued_by, reason, active_until, is_active, created_at
		FROM mutes
		WHERE session_id = $1 AND user_id = $2 AND is_active
		  AND (active_until IS NULL OR active_until > NOW())
		ORDER BY created_at DESC
		LIMIT 1`,
		sessionID, userID)

	m, err := scanMute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moderation: active mute: %w", err)
	}
	return m, nil
}

func (s *PostgresMuteStore) ListActive(ctx context.Context, sessionID string) ([]*Mute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, issued_by, reason, active_until, is_active, created_at
		FROM mutes
		WHERE session_id = $1 AND is_active
		  AND (active_until IS NULL OR active_until > NOW())
		ORDER BY created_at DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("moderation: list mutes: %w", err)
	}
	defer rows.Close()

	var out []*Mute
	for rows.Next() {
		m, err := scanMute(rows)
		if err != nil {
			return nil, fmt.Errorf("moderation: scan mute: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMute(r rowScanner) (*Mute, error) {
	var m Mute
	var until sql.NullTime
	if err := r.Scan(&m.ID, &m.SessionID, &m.UserID, &m.IssuedBy, &m.Reason, &until, &m.IsActive, &m.CreatedAt); err != nil {
		return nil, err
	}
	if until.Valid {
		m.ActiveUntil = &until.Time
	}
	return &m, nil
}
