package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/errs"
)

// PostgresStore persists the message log in PostgreSQL. Reaction counts are
// stored as JSONB; the (session_id, seq) unique index gives each session a
// monotonic sequence.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, m *Message) (*Message, error) {
	rec := copyMessage(m)
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()
	rec.IsDeleted = false
	if rec.ReactionCounts == nil {
		rec.ReactionCounts = make(map[string]int)
	}

	counts, err := json.Marshal(rec.ReactionCounts)
	if err != nil {
		return nil, fmt.Errorf("message: marshal reaction counts: %w", err)
	}

	// The seq subselect can race with a concurrent append to the same
	// session; the unique (session_id, seq) index surfaces that as a
	// conflict, which we retry a bounded number of times.
	for attempt := 0; attempt < 3; attempt++ {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO messages
				(id, session_id, sender_id, sender_name, body, is_private, recipient_id,
				 reaction_counts, is_deleted, seq, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE,
				(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $2), $9)
			RETURNING seq`,
			rec.ID, rec.SessionID, rec.SenderID, rec.SenderName, rec.Body,
			rec.IsPrivate, nullString(rec.RecipientID), counts, rec.CreatedAt,
		).Scan(&rec.Seq)
		if err == nil {
			return rec, nil
		}
		if pqErr, ok := err.(*pq.Error); !ok || pqErr.Code != "23505" {
			break
		}
	}
	return nil, fmt.Errorf("message: insert: %w", err)
}

func (s *PostgresStore) Get(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessage+` WHERE id = $1`, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_deleted = TRUE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("message: soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: soft delete rows: %w", err)
	}
	if n == 0 {
		return errs.NotFound("message not found")
	}
	return nil
}

func (s *PostgresStore) AddReaction(ctx context.Context, messageID, kind string) (map[string]int, error) {
	if !ValidReaction(kind) {
		return nil, errs.Validation("unknown reaction kind")
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET reaction_counts = jsonb_set(
			reaction_counts,
			ARRAY[$2],
			(COALESCE(reaction_counts->>$2, '0')::int + 1)::text::jsonb)
		WHERE id = $1
		RETURNING reaction_counts`,
		messageID, kind).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("message: add reaction: %w", err)
	}

	var counts map[string]int
	if err := json.Unmarshal(raw, &counts); err != nil {
		return nil, fmt.Errorf("message: unmarshal reaction counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID, requesterID string, role auth.Role, since time.Time) ([]*Message, error) {
	// Visibility filtering stays in Go (Message.VisibleTo) so the rules are
	// written once for both store implementations.
	query := selectMessage + ` WHERE session_id = $1`
	args := []interface{}{sessionID}
	if !since.IsZero() {
		query += ` AND created_at > $2`
		args = append(args, since)
	}
	query += ` ORDER BY seq ASC`

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := msgs[:0]
	for _, m := range msgs {
		if m.VisibleTo(requesterID, role) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListAll(ctx context.Context, sessionID string, includePrivate bool) ([]*Message, error) {
	query := selectMessage + ` WHERE session_id = $1`
	if !includePrivate {
		query += ` AND NOT is_private`
	}
	query += ` ORDER BY seq ASC`
	return s.queryMessages(ctx, query, sessionID)
}

const selectMessage = `
	SELECT id, session_id, sender_id, sender_name, body, is_private,
	       recipient_id, reaction_counts, is_deleted, seq, created_at
	FROM messages`

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message: query: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var recipient sql.NullString
	var counts []byte
	err := r.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.SenderName, &m.Body,
		&m.IsPrivate, &recipient, &counts, &m.IsDeleted, &m.Seq, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if recipient.Valid {
		m.RecipientID = &recipient.String
	}
	if err := json.Unmarshal(counts, &m.ReactionCounts); err != nil {
		return nil, fmt.Errorf("reaction counts: %w", err)
	}
	return &m, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
