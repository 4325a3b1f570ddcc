package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
	"github.com/nhle/mailpilot/tests/testutil"
)

func TestCursorNeverMovesBackwards(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	uid, err := s.Cursor(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if uid != 0 {
		t.Fatalf("fresh cursor = %d, want 0", uid)
	}

	if err := s.SetCursor(ctx, "INBOX", 40); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if err := s.SetCursor(ctx, "INBOX", 25); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	uid, err = s.Cursor(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if uid != 40 {
		t.Errorf("cursor = %d, want 40 (lower set must not regress)", uid)
	}
}

func TestCursorIsPerFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	if err := s.SetCursor(ctx, "INBOX", 10); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	uid, err := s.Cursor(ctx, "Archive")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if uid != 0 {
		t.Errorf("other folder cursor = %d, want 0", uid)
	}
}

func TestUpsertMessageBaseKeepsEarlierValues(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	full := store.MessageRecord{
		Folder:      "INBOX",
		UID:         7,
		Fingerprint: "abc",
		MessageID:   "<m1@example.com>",
		Subject:     "hello",
		Sender:      "alice@example.com",
		Date:        "Mon, 01 Jun 2026 10:00:00 +0000",
	}
	if err := s.UpsertMessageBase(ctx, full); err != nil {
		t.Fatalf("UpsertMessageBase: %v", err)
	}

	// A bare re-upsert, as happens when a retry starts before parsing.
	if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: 7}); err != nil {
		t.Fatalf("UpsertMessageBase: %v", err)
	}

	rec, err := s.Message(ctx, "INBOX", 7)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if rec == nil {
		t.Fatal("Message returned nil")
	}
	if rec.Subject != "hello" || rec.Sender != "alice@example.com" || rec.Fingerprint != "abc" {
		t.Errorf("blank upsert erased fields: %+v", rec)
	}
}

func TestRetryableUIDsExcludesTerminalAndFresh(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seed := func(uid uint32, status string) {
		t.Helper()
		if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: uid}); err != nil {
			t.Fatalf("UpsertMessageBase: %v", err)
		}
		if err := s.RecordAttempt(ctx, "INBOX", uid); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		if status != "" {
			if err := s.SetFilingResult(ctx, "INBOX", uid, status, "Somewhere"); err != nil {
				t.Fatalf("SetFilingResult: %v", err)
			}
		}
	}

	seed(1, "")                          // stuck, retryable
	seed(2, model.FilingStatusMoved)     // terminal
	seed(3, model.FilingStatusSkipped)   // terminal
	seed(4, model.FilingStatusReplied)   // terminal
	seed(5, model.FilingStatusCopied)    // copied is not terminal
	// UID 6 was never attempted; it belongs to the poll path, not retry.
	if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: 6}); err != nil {
		t.Fatalf("UpsertMessageBase: %v", err)
	}

	uids, err := s.RetryableUIDs(ctx, "INBOX", time.Now().Add(time.Minute), 20)
	if err != nil {
		t.Fatalf("RetryableUIDs: %v", err)
	}
	want := map[uint32]bool{1: true, 5: true}
	if len(uids) != len(want) {
		t.Fatalf("RetryableUIDs = %v, want exactly uids 1 and 5", uids)
	}
	for _, uid := range uids {
		if !want[uid] {
			t.Errorf("unexpected retryable uid %d", uid)
		}
	}

	// With a cutoff in the past, nothing is old enough yet.
	uids, err = s.RetryableUIDs(ctx, "INBOX", time.Now().Add(-time.Minute), 20)
	if err != nil {
		t.Fatalf("RetryableUIDs: %v", err)
	}
	if len(uids) != 0 {
		t.Errorf("RetryableUIDs with past cutoff = %v, want none", uids)
	}
}

func TestRetryableUIDsHonorsLimit(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for uid := uint32(1); uid <= 5; uid++ {
		if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: uid}); err != nil {
			t.Fatalf("UpsertMessageBase: %v", err)
		}
		if err := s.RecordAttempt(ctx, "INBOX", uid); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	uids, err := s.RetryableUIDs(ctx, "INBOX", time.Now().Add(time.Minute), 2)
	if err != nil {
		t.Fatalf("RetryableUIDs: %v", err)
	}
	if len(uids) != 2 {
		t.Errorf("len(uids) = %d, want 2", len(uids))
	}
}

func TestDraftAndCalendarIdempotenceState(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: 9}); err != nil {
		t.Fatalf("UpsertMessageBase: %v", err)
	}

	if _, ok, err := s.DraftUID(ctx, "INBOX", 9); err != nil || ok {
		t.Fatalf("DraftUID before set = ok=%v err=%v, want no draft", ok, err)
	}
	if err := s.SetDraftUID(ctx, "INBOX", 9, 101); err != nil {
		t.Fatalf("SetDraftUID: %v", err)
	}
	uid, ok, err := s.DraftUID(ctx, "INBOX", 9)
	if err != nil || !ok || uid != 101 {
		t.Errorf("DraftUID = (%d, %v, %v), want (101, true, nil)", uid, ok, err)
	}

	if id, err := s.CalendarEventID(ctx, "INBOX", 9); err != nil || id != "" {
		t.Fatalf("CalendarEventID before set = (%q, %v), want empty", id, err)
	}
	if err := s.SetCalendarEventID(ctx, "INBOX", 9, "evt_1"); err != nil {
		t.Fatalf("SetCalendarEventID: %v", err)
	}
	id, err := s.CalendarEventID(ctx, "INBOX", 9)
	if err != nil || id != "evt_1" {
		t.Errorf("CalendarEventID = (%q, %v), want evt_1", id, err)
	}
}

func TestSetClassificationRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: 3}); err != nil {
		t.Fatalf("UpsertMessageBase: %v", err)
	}
	cls := model.Classification{
		Category:             model.CategoryToReply,
		Confidence:           0.9,
		Rationale:            "direct question",
		Tags:                 []string{"work", "urgent"},
		ReplyNeeded:          true,
		ContainsEventRequest: true,
	}
	if err := s.SetClassification(ctx, "INBOX", 3, cls, 40); err != nil {
		t.Fatalf("SetClassification: %v", err)
	}

	rec, err := s.Message(ctx, "INBOX", 3)
	if err != nil || rec == nil {
		t.Fatalf("Message: rec=%v err=%v", rec, err)
	}
	if rec.Category == nil || *rec.Category != string(model.CategoryToReply) {
		t.Errorf("category = %v, want ToReply", rec.Category)
	}
	if rec.Confidence == nil || *rec.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", rec.Confidence)
	}
	tags := rec.TagList()
	if len(tags) != 2 || tags[0] != "work" {
		t.Errorf("tags = %v, want [work urgent]", tags)
	}
	if rec.ReplyNeeded == nil || *rec.ReplyNeeded != 1 {
		t.Errorf("reply_needed = %v, want 1", rec.ReplyNeeded)
	}
	if rec.Priority == nil || *rec.Priority != 40 {
		t.Errorf("priority = %v, want 40", rec.Priority)
	}
}

func TestRecentMessagesOrderedByPriority(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seed := func(uid uint32, priority int) {
		t.Helper()
		if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: uid}); err != nil {
			t.Fatalf("UpsertMessageBase: %v", err)
		}
		cls := model.Classification{Category: model.CategoryToReply, Confidence: 0.9}
		if err := s.SetClassification(ctx, "INBOX", uid, cls, priority); err != nil {
			t.Fatalf("SetClassification: %v", err)
		}
	}
	seed(1, 10)
	seed(2, 80)
	seed(3, 30)

	recs, err := s.RecentMessages(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].UID != 2 || recs[1].UID != 3 || recs[2].UID != 1 {
		t.Errorf("order = [%d %d %d], want highest priority first",
			recs[0].UID, recs[1].UID, recs[2].UID)
	}
}

func TestPendingReplyMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	seed := func(uid uint32, msgID string, draft bool, replied bool) {
		t.Helper()
		if err := s.UpsertMessageBase(ctx, store.MessageRecord{
			Folder: "INBOX", UID: uid, MessageID: msgID,
		}); err != nil {
			t.Fatalf("UpsertMessageBase: %v", err)
		}
		if draft {
			if err := s.SetDraftUID(ctx, "INBOX", uid, uid+100); err != nil {
				t.Fatalf("SetDraftUID: %v", err)
			}
		}
		if replied {
			if err := s.MarkReplied(ctx, "INBOX", uid); err != nil {
				t.Fatalf("MarkReplied: %v", err)
			}
		}
	}

	seed(1, "<a@x>", true, false)  // pending
	seed(2, "<b@x>", true, true)   // already replied
	seed(3, "<c@x>", false, false) // no draft
	seed(4, "", true, false)       // no message id, cannot be matched

	pending, err := s.PendingReplyMessages(ctx)
	if err != nil {
		t.Fatalf("PendingReplyMessages: %v", err)
	}
	if len(pending) != 1 || pending[0].UID != 1 {
		t.Errorf("pending = %+v, want only uid 1", pending)
	}
}

func TestPeriodMarks(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	done, err := s.ExistsForPeriod(ctx, store.PeriodDailyRecap, "2026-08-30")
	if err != nil {
		t.Fatalf("ExistsForPeriod: %v", err)
	}
	if done {
		t.Fatal("period already marked on fresh store")
	}

	if err := s.RecordForPeriod(ctx, store.PeriodDailyRecap, "2026-08-30"); err != nil {
		t.Fatalf("RecordForPeriod: %v", err)
	}
	// Recording twice must not fail.
	if err := s.RecordForPeriod(ctx, store.PeriodDailyRecap, "2026-08-30"); err != nil {
		t.Fatalf("RecordForPeriod twice: %v", err)
	}

	done, err = s.ExistsForPeriod(ctx, store.PeriodDailyRecap, "2026-08-30")
	if err != nil || !done {
		t.Errorf("ExistsForPeriod = (%v, %v), want marked", done, err)
	}

	// Same key under another kind is independent.
	done, err = s.ExistsForPeriod(ctx, store.PeriodWeeklyRecap, "2026-08-30")
	if err != nil || done {
		t.Errorf("other kind marked = (%v, %v), want unmarked", done, err)
	}
}

func TestRepliedMovesSince(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	old := store.RepliedMove{
		Folder: "INBOX", UID: 1, MessageID: "<old@x>",
		MovedAt: time.Now().Add(-2 * time.Hour),
	}
	recent := store.RepliedMove{
		Folder: "INBOX", UID: 2, MessageID: "<new@x>",
		Subject: "re: plans", Sender: "bob@example.com",
	}
	if err := s.RecordRepliedMove(ctx, old); err != nil {
		t.Fatalf("RecordRepliedMove: %v", err)
	}
	if err := s.RecordRepliedMove(ctx, recent); err != nil {
		t.Fatalf("RecordRepliedMove: %v", err)
	}

	moves, err := s.RepliedMovesSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RepliedMovesSince: %v", err)
	}
	if len(moves) != 1 || moves[0].UID != 2 {
		t.Errorf("moves = %+v, want only uid 2", moves)
	}
}

func TestLastErrorLifecycle(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMessageBase(ctx, store.MessageRecord{Folder: "INBOX", UID: 9}); err != nil {
		t.Fatalf("UpsertMessageBase: %v", err)
	}
	if err := s.RecordAttempt(ctx, "INBOX", 9); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := s.SetLastError(ctx, "INBOX", 9, "fetch timed out"); err != nil {
		t.Fatalf("SetLastError: %v", err)
	}

	rec, err := s.Message(ctx, "INBOX", 9)
	if err != nil || rec == nil {
		t.Fatalf("Message: %v", err)
	}
	if rec.LastError == nil || *rec.LastError != "fetch timed out" {
		t.Errorf("LastError = %v, want the failure reason", rec.LastError)
	}

	// The next attempt clears the stale reason.
	if err := s.RecordAttempt(ctx, "INBOX", 9); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	rec, err = s.Message(ctx, "INBOX", 9)
	if err != nil || rec == nil {
		t.Fatalf("Message: %v", err)
	}
	if rec.LastError != nil {
		t.Errorf("LastError = %q after a fresh attempt, want cleared", *rec.LastError)
	}
	if rec.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", rec.Attempts)
	}
}
