package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertMessage appends a chat message to the conversation log.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg ChatMessage) error {
	const q = `
INSERT INTO messages (lead_id, direction, content, media_url)
VALUES ($1, $2, $3, $4);
`
	_, err := s.pool.Exec(ctx, q, msg.LeadID, msg.Direction, msg.Content, msg.MediaURL)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRecentMessages returns the latest messages exchanged with the lead,
// newest first.
func (s *PostgresStore) ListRecentMessages(ctx context.Context, leadID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT direction, content, media_url, created_at
FROM messages
WHERE lead_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := s.pool.Query(ctx, q, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var records []ChatMessage
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.Direction, &msg.Content, &msg.MediaURL, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		msg.LeadID = leadID
		records = append(records, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return records, nil
}

// GetSummary returns the stored conversation summary for the lead, or ""
// when none exists yet.
func (s *PostgresStore) GetSummary(ctx context.Context, leadID string) (string, error) {
	const q = `SELECT summary FROM conversation_summaries WHERE lead_id = $1;`
	var summary string
	err := s.pool.QueryRow(ctx, q, leadID).Scan(&summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return summary, nil
}

// UpsertSummary stores or replaces the conversation summary for the lead.
func (s *PostgresStore) UpsertSummary(ctx context.Context, leadID, summary string) error {
	const q = `
INSERT INTO conversation_summaries (lead_id, summary, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (lead_id) DO UPDATE SET summary = EXCLUDED.summary, updated_at = NOW();
`
	if _, err := s.pool.Exec(ctx, q, leadID, summary); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}
