package store

import (
	"context"
	"fmt"
	"time"
)

// Period mark kinds for the scheduled reports. Each (kind, key) pair is
// recorded at most once, which is what makes report delivery effectively
// once per period.
const (
	PeriodExecutiveBrief = "executive_brief"
	PeriodDailyRecap     = "daily_recap"
	PeriodWeeklyRecap    = "weekly_recap"
	PeriodReplyDigest    = "reply_digest"
)

// ExistsForPeriod reports whether a report of the given kind was already
// generated for the period key.
func (s *SQLiteStore) ExistsForPeriod(ctx context.Context, kind, key string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM period_marks WHERE kind = ? AND key = ?", kind, key,
	)
	if err != nil {
		return false, fmt.Errorf("checking period mark %s/%s: %w", kind, key, err)
	}
	return n > 0, nil
}

// RecordForPeriod marks a report kind as generated for the period key.
// Recording the same pair twice is a no-op.
func (s *SQLiteStore) RecordForPeriod(ctx context.Context, kind, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO period_marks (kind, key, created_at) VALUES (?, ?, ?)
		ON CONFLICT(kind, key) DO NOTHING`,
		kind, key, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording period mark %s/%s: %w", kind, key, err)
	}
	return nil
}

// RepliedMove is one audit entry for a message moved after its reply was
// detected in the sent folder.
type RepliedMove struct {
	ID        int64     `db:"id"`
	Folder    string    `db:"folder"`
	UID       uint32    `db:"uid"`
	MessageID string    `db:"message_id"`
	Subject   string    `db:"subject"`
	Sender    string    `db:"sender"`
	MovedAt   time.Time `db:"moved_at"`
}

// RecordRepliedMove appends an audit entry for a replied message move.
func (s *SQLiteStore) RecordRepliedMove(ctx context.Context, m RepliedMove) error {
	movedAt := m.MovedAt
	if movedAt.IsZero() {
		movedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replied_moves (folder, uid, message_id, subject, sender, moved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Folder, m.UID, m.MessageID, m.Subject, m.Sender, movedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording replied move for %s/%d: %w", m.Folder, m.UID, err)
	}
	return nil
}

// RepliedMovesSince returns the replied-move audit entries recorded at or
// after the given time, oldest first.
func (s *SQLiteStore) RepliedMovesSince(ctx context.Context, since time.Time) ([]RepliedMove, error) {
	var moves []RepliedMove
	err := s.db.SelectContext(ctx, &moves, `
		SELECT * FROM replied_moves WHERE moved_at >= ? ORDER BY moved_at ASC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying replied moves: %w", err)
	}
	return moves, nil
}
