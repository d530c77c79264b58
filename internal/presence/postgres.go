package presence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classcast/livechat/internal/errs"
)

// PostgresHandStore persists raised-hand records in PostgreSQL.
type PostgresHandStore struct {
	db *sql.DB
}

// NewPostgresHandStore creates a raised-hand store backed by the given
// database handle.
func NewPostgresHandStore(db *sql.DB) *PostgresHandStore {
	return &PostgresHandStore{db: db}
}

func (s *PostgresHandStore) Raise(ctx context.Context, sessionID, userID, displayName string) (*RaisedHand, error) {
	// Idempotence: return the existing active entry if the hand is already up.
	existing, err := s.active(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	h := &RaisedHand{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		RaisedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raised_hands (id, session_id, user_id, display_name, raised_at)
		VALUES ($1, $2, $3, $4, $5)`,
		h.ID, h.SessionID, h.UserID, h.DisplayName, h.RaisedAt)
	if err != nil {
		return nil, fmt.Errorf("presence: insert raised hand: %w", err)
	}
	return h, nil
}

func (s *PostgresHandStore) Lower(ctx context.Context, sessionID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE raised_hands SET lowered_at = NOW()
		WHERE session_id = $1 AND user_id = $2 AND lowered_at IS NULL`,
		sessionID, userID)
	if err != nil {
		return fmt.Errorf("presence: lower hand: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("presence: lower hand rows: %w", err)
	}
	if n == 0 {
		return errs.NotRaised("hand is not raised")
	}
	return nil
}

func (s *PostgresHandStore) Acknowledge(ctx context.Context, sessionID, userID, instructorID string) (*RaisedHand, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE raised_hands SET acknowledged_by = $3
		WHERE session_id = $1 AND user_id = $2 AND lowered_at IS NULL`,
		sessionID, userID, instructorID)
	if err != nil {
		return nil, fmt.Errorf("presence: acknowledge hand: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("presence: acknowledge hand rows: %w", err)
	}
	if n == 0 {
		return nil, errs.NotRaised("hand is not raised")
	}
	return s.active(ctx, sessionID, userID)
}

func (s *PostgresHandStore) ListRaised(ctx context.Context, sessionID string) ([]*RaisedHand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, display_name, raised_at, lowered_at, acknowledged_by
		FROM raised_hands
		WHERE session_id = $1 AND lowered_at IS NULL
		ORDER BY raised_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("presence: list raised hands: %w", err)
	}
	defer rows.Close()

	var out []*RaisedHand
	for rows.Next() {
		h, err := scanHand(rows)
		if err != nil {
			return nil, fmt.Errorf("presence: scan raised hand: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresHandStore) active(ctx context.Context, sessionID, userID string) (*RaisedHand, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, display_name, raised_at, lowered_at, acknowledged_by
		FROM raised_hands
		WHERE session_id = $1 AND user_id = $2 AND lowered_at IS NULL
		LIMIT 1`,
		sessionID, userID)

	h, err := scanHand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: active hand: %w", err)
	}
	return h, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHand(r rowScanner) (*RaisedHand, error) {
	var h RaisedHand
	var lowered sql.NullTime
	var ackBy sql.NullString
	if err := r.Scan(&h.ID, &h.SessionID, &h.UserID, &h.DisplayName, &h.RaisedAt, &lowered, &ackBy); err != nil {
		return nil, err
	}
	if lowered.Valid {
		h.LoweredAt = &lowered.Time
	}
	if ackBy.Valid {
		h.AcknowledgedBy = &ackBy.String
	}
	return &h, nil
}
