package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailpilot/internal/model"
)

// MessageRecord is one message's processing state, keyed by folder and UID.
// Nullable columns stay nil until the corresponding stage runs.
type MessageRecord struct {
	Folder      string `db:"folder"`
	UID         uint32 `db:"uid"`
	Fingerprint string `db:"fingerprint"`
	MessageID   string `db:"message_id"`
	Subject     string `db:"subject"`
	Sender      string `db:"sender"`
	Date        string `db:"date"`

	Category      *string  `db:"category"`
	Confidence    *float64 `db:"confidence"`
	Rationale     *string  `db:"rationale"`
	Tags          *string  `db:"tags"`
	ReplyNeeded   *int     `db:"reply_needed"`
	ContainsEvent *int     `db:"contains_event"`
	Priority      *int     `db:"priority"`

	DraftUID        *uint32 `db:"draft_uid"`
	CalendarEventID *string `db:"calendar_event_id"`
	FilingStatus    *string `db:"filing_status"`
	FiledTo         *string `db:"filed_to"`

	Attempts  int     `db:"attempts"`
	LastError *string `db:"last_error"`

	FirstSeenAt time.Time `db:"first_seen_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// IsTerminal reports whether this record needs no further processing.
func (r *MessageRecord) IsTerminal() bool {
	return r.FilingStatus != nil && model.TerminalFilingStatus(*r.FilingStatus)
}

// TagList decodes the stored tags column.
func (r *MessageRecord) TagList() []string {
	if r.Tags == nil || *r.Tags == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(*r.Tags), &tags); err != nil {
		return nil
	}
	return tags
}

// UpsertMessageBase records a message's identity fields. Existing non-empty
// values are kept when the incoming ones are blank, so a re-fetch after a
// partial parse never erases what an earlier pass learned.
func (s *SQLiteStore) UpsertMessageBase(ctx context.Context, rec MessageRecord) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			folder, uid, fingerprint, message_id, subject, sender, date,
			first_seen_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder, uid) DO UPDATE SET
			fingerprint = CASE WHEN excluded.fingerprint != '' THEN excluded.fingerprint ELSE fingerprint END,
			message_id  = CASE WHEN excluded.message_id != '' THEN excluded.message_id ELSE message_id END,
			subject     = CASE WHEN excluded.subject != '' THEN excluded.subject ELSE subject END,
			sender      = CASE WHEN excluded.sender != '' THEN excluded.sender ELSE sender END,
			date        = CASE WHEN excluded.date != '' THEN excluded.date ELSE date END,
			updated_at  = excluded.updated_at`,
		rec.Folder, rec.UID, rec.Fingerprint, rec.MessageID,
		rec.Subject, rec.Sender, rec.Date, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting message %s/%d: %w", rec.Folder, rec.UID, err)
	}
	return nil
}

// RecordAttempt increments the attempt counter for a message and clears the
// previous attempt's error.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, folder string, uid uint32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET attempts = attempts + 1, last_error = NULL, updated_at = ?
		WHERE folder = ? AND uid = ?`,
		time.Now().UTC(), folder, uid,
	)
	if err != nil {
		return fmt.Errorf("recording attempt for %s/%d: %w", folder, uid, err)
	}
	return nil
}

// SetLastError records why the current attempt failed.
func (s *SQLiteStore) SetLastError(ctx context.Context, folder string, uid uint32, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET last_error = ?, updated_at = ?
		WHERE folder = ? AND uid = ?`,
		msg, time.Now().UTC(), folder, uid,
	)
	if err != nil {
		return fmt.Errorf("recording error for %s/%d: %w", folder, uid, err)
	}
	return nil
}

// Message returns the record for one message, or nil when none exists.
func (s *SQLiteStore) Message(ctx context.Context, folder string, uid uint32) (*MessageRecord, error) {
	var rec MessageRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM messages WHERE folder = ? AND uid = ?", folder, uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s/%d: %w", folder, uid, err)
	}
	return &rec, nil
}

// MessageByFingerprint returns the most recent record with the given content
// fingerprint, or nil. Used to recognize a message that moved folders.
func (s *SQLiteStore) MessageByFingerprint(ctx context.Context, fingerprint string) (*MessageRecord, error) {
	if fingerprint == "" {
		return nil, nil
	}
	var rec MessageRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT * FROM messages WHERE fingerprint = ?
		ORDER BY updated_at DESC LIMIT 1`, fingerprint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message by fingerprint: %w", err)
	}
	return &rec, nil
}

// SetClassification stores the classification result and the locally
// computed priority for a message.
func (s *SQLiteStore) SetClassification(ctx context.Context, folder string, uid uint32, c model.Classification, priority int) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET
			category = ?, confidence = ?, rationale = ?, tags = ?,
			reply_needed = ?, contains_event = ?, priority = ?, updated_at = ?
		WHERE folder = ? AND uid = ?`,
		string(c.Category), c.Confidence, c.Rationale, string(tags),
		boolToInt(c.ReplyNeeded), boolToInt(c.ContainsEventRequest), priority,
		time.Now().UTC(), folder, uid,
	)
	if err != nil {
		return fmt.Errorf("setting classification for %s/%d: %w", folder, uid, err)
	}
	return nil
}

// SetDraftUID marks the draft created for a message.
func (s *SQLiteStore) SetDraftUID(ctx context.Context, folder string, uid, draftUID uint32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET draft_uid = ?, updated_at = ?
		WHERE folder = ? AND uid = ?`,
		draftUID, time.Now().UTC(), folder, uid,
	)
	if err != nil {
		return fmt.Errorf("setting draft uid for %s/%d: %w", folder, uid, err)
	}
	return nil
}

// DraftUID returns the stored draft UID for a message. The second result is
// false when no draft has been recorded.
func (s *SQLiteStore) DraftUID(ctx context.Context, folder string, uid uint32) (uint32, bool, error) {
	var draftUID sql.NullInt64
	err := s.db.GetContext(ctx, &draftUID,
		"SELECT draft_uid FROM messages WHERE folder = ? AND uid = ?", folder, uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("getting draft uid for %s/%d: %w", folder, uid, err)
	}
	if !draftUID.Valid {
		return 0, false, nil
	}
	return uint32(draftUID.Int64), true, nil
}

// SetCalendarEventID marks the calendar event created for a message.
func (s *SQLiteStore) SetCalendarEventID(ctx context.Context, folder string, uid uint32, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET calendar_event_id = ?, updated_at = ?
		WHERE folder = ? AND uid = ?`,
		eventID, time.Now().UTC(), folder, uid,
	)
	if err != nil {
		return fmt.Errorf("setting calendar event for %s/%d: %w", folder, uid, err)
	}
	return nil
}

// CalendarEventID returns the stored calendar event ID for a message, empty
// when none was created.
func (s *SQLiteStore) CalendarEventID(ctx context.Context, folder string, uid uint32) (string, error) {
	var eventID sql.NullString
	err := s.db.GetContext(ctx, &eventID,
		"SELECT calendar_event_id FROM messages WHERE folder = ? AND uid = ?", folder, uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting calendar event for %s/%d: %w", folder, uid, err)
	}
	return eventID.String, nil
}

// SetFilingResult records the filing outcome for a message.
func (s *SQLiteStore) SetFilingResult(ctx context.Context, folder string, uid uint32, status, filedTo string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET filing_status = ?, filed_to = ?, updated_at = ?
		WHERE folder = ? AND uid = ?`,
		status, filedTo, time.Now().UTC(), folder, uid,
	)
	if err != nil {
		return fmt.Errorf("setting filing result for %s/%d: %w", folder, uid, err)
	}
	return nil
}

// MarkReplied transitions a message to the replied terminal state.
func (s *SQLiteStore) MarkReplied(ctx context.Context, folder string, uid uint32) error {
	return s.SetFilingResult(ctx, folder, uid, model.FilingStatusReplied, "")
}

// RetryableUIDs returns UIDs in a folder that were attempted but never
// reached a terminal state, oldest first. Only messages untouched since
// cutoff qualify, so a message being worked on right now is not re-queued.
func (s *SQLiteStore) RetryableUIDs(ctx context.Context, folder string, cutoff time.Time, limit int) ([]uint32, error) {
	var uids []uint32
	err := s.db.SelectContext(ctx, &uids, `
		SELECT uid FROM messages
		WHERE folder = ?
		  AND attempts > 0
		  AND (filing_status IS NULL OR filing_status NOT IN (?, ?, ?))
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		folder,
		model.FilingStatusMoved, model.FilingStatusSkipped, model.FilingStatusReplied,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying retryable uids for %s: %w", folder, err)
	}
	return uids, nil
}

// PendingReplyMessages returns messages for which a reply draft was created
// but no reply has been detected yet.
func (s *SQLiteStore) PendingReplyMessages(ctx context.Context) ([]MessageRecord, error) {
	var recs []MessageRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM messages
		WHERE draft_uid IS NOT NULL
		  AND message_id != ''
		  AND (filing_status IS NULL OR filing_status != ?)
		ORDER BY updated_at ASC`,
		model.FilingStatusReplied,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending reply messages: %w", err)
	}
	return recs, nil
}

// RecentMessages returns messages first seen since the given time, highest
// priority first, newest first within a priority.
func (s *SQLiteStore) RecentMessages(ctx context.Context, since time.Time) ([]MessageRecord, error) {
	var recs []MessageRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM messages
		WHERE first_seen_at >= ?
		ORDER BY COALESCE(priority, 0) DESC, first_seen_at DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	return recs, nil
}

// CategoryCounts returns how many messages first seen since the given time
// fall into each category.
func (s *SQLiteStore) CategoryCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT category, COUNT(*) FROM messages
		WHERE first_seen_at >= ? AND category IS NOT NULL
		GROUP BY category`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying category counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scanning category count: %w", err)
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

// CalendarMessages returns messages first seen since the given time that
// produced a calendar event.
func (s *SQLiteStore) CalendarMessages(ctx context.Context, since time.Time) ([]MessageRecord, error) {
	var recs []MessageRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM messages
		WHERE first_seen_at >= ? AND calendar_event_id IS NOT NULL
		ORDER BY first_seen_at DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying calendar messages: %w", err)
	}
	return recs, nil
}

// DraftMessages returns messages first seen since the given time for which a
// reply draft was created.
func (s *SQLiteStore) DraftMessages(ctx context.Context, since time.Time) ([]MessageRecord, error) {
	var recs []MessageRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM messages
		WHERE first_seen_at >= ? AND draft_uid IS NOT NULL
		ORDER BY first_seen_at DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying draft messages: %w", err)
	}
	return recs, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
