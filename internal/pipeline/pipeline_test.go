package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/nhle/mailpilot/internal/event"
	"github.com/nhle/mailpilot/internal/llm"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/pipeline"
	"github.com/nhle/mailpilot/internal/store"
	"github.com/nhle/mailpilot/tests/testutil"
)

// fakeLLM returns canned judgments.
type fakeLLM struct {
	classification model.Classification
	classifyErr    error
	replyBody      string
	draftErr       error
	draftInputs    []llm.Input
	candidates     []model.EventCandidate
	extractErr     error
}

func (f *fakeLLM) Classify(context.Context, llm.Input) (*model.Classification, error) {
	if f.classifyErr != nil {
		return nil, f.classifyErr
	}
	cls := f.classification
	return &cls, nil
}

func (f *fakeLLM) DraftReply(_ context.Context, in llm.Input) (string, error) {
	f.draftInputs = append(f.draftInputs, in)
	if f.draftErr != nil {
		return "", f.draftErr
	}
	return f.replyBody, nil
}

func (f *fakeLLM) ExtractEvents(context.Context, llm.Input) ([]model.EventCandidate, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return f.candidates, nil
}

// fakeMailbox records appends, moves, and copies, and simulates the flag
// and sent-folder lookups the draft stage makes.
type fakeMailbox struct {
	appends  []string
	appended [][]byte
	moves    map[uint32]string
	copies   map[uint32]string
	nextUID  uint32
	moveErr  error

	flags []string
	// sentReplies are Message-IDs a sent message threads back to.
	sentReplies []string
	selected    []string
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		moves:   map[uint32]string{},
		copies:  map[uint32]string{},
		nextUID: 500,
	}
}

func (f *fakeMailbox) Append(folder string, raw []byte, flags []imap.Flag) (uint32, error) {
	f.appends = append(f.appends, folder)
	f.appended = append(f.appended, raw)
	f.nextUID++
	return f.nextUID, nil
}

func (f *fakeMailbox) Move(uid uint32, dest string) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves[uid] = dest
	return nil
}

func (f *fakeMailbox) Copy(uid uint32, dest string) error {
	f.copies[uid] = dest
	return nil
}

func (f *fakeMailbox) FetchFlags(uid uint32) ([]string, error) {
	return f.flags, nil
}

func (f *fakeMailbox) TemporarySelect(folder string, readOnly bool) (func(), error) {
	f.selected = append(f.selected, folder)
	return func() {}, nil
}

func (f *fakeMailbox) UIDsMatchingHeader(header, value string) ([]uint32, error) {
	for _, id := range f.sentReplies {
		if id == value {
			return []uint32{1}, nil
		}
	}
	return nil, nil
}

var _ pipeline.Mailbox = (*fakeMailbox)(nil)

// fakeCalendar counts insertions.
type fakeCalendar struct {
	inserted  []model.ValidatedEvent
	insertErr error
}

func (f *fakeCalendar) InsertEvent(_ context.Context, ev model.ValidatedEvent) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, ev)
	return "evt_42", nil
}

func testConfig() *model.Config {
	return &model.Config{
		Timezone: "UTC",
		IMAP: model.IMAPConfig{
			Host:                "imap.example.com",
			Username:            "me@example.com",
			InboxFolder:         "INBOX",
			DraftsFolder:        "Drafts",
			SentFolder:          "Sent",
			FilingMode:          string(model.FilingModeMove),
			ConfidenceThreshold: 0.75,
		},
		DeadlineRegexFallback: true,
	}
}

func newValidator() *event.Validator {
	v := event.NewValidator(time.UTC)
	v.Now = func() time.Time { return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC) }
	return v
}

func seedMessage(t *testing.T, s *store.SQLiteStore, uid uint32) pipeline.Message {
	t.Helper()
	if err := s.UpsertMessageBase(context.Background(), store.MessageRecord{
		Folder: "INBOX", UID: uid, MessageID: "<m@x>",
	}); err != nil {
		t.Fatalf("UpsertMessageBase: %v", err)
	}
	return pipeline.Message{
		Folder: "INBOX",
		UID:    uid,
		Meta: model.MessageMeta{
			Folder:    "INBOX",
			UID:       uid,
			MessageID: "<m@x>",
			From:      "alice@example.com",
			ToAddrs:   []string{"me@example.com"},
			Subject:   "Question about the contract",
			Date:      "Mon, 01 Jun 2026 10:00:00 +0000",
		},
		Body: "Could you confirm the terms?",
	}
}

func TestProcessFilesIntoCategoryFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	cfg := testConfig()
	p := pipeline.New(cfg, s, mb, &fakeLLM{
		classification: model.Classification{Category: model.CategoryReceipts, Confidence: 0.95},
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 10)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FilingStatus != model.FilingStatusMoved || res.FiledTo != "Receipts" {
		t.Errorf("filing = (%q, %q), want moved to Receipts", res.FilingStatus, res.FiledTo)
	}
	if mb.moves[10] != "Receipts" {
		t.Errorf("moves = %v", mb.moves)
	}

	rec, err := s.Message(context.Background(), "INBOX", 10)
	if err != nil || rec == nil {
		t.Fatalf("Message: %v", err)
	}
	if !rec.IsTerminal() {
		t.Error("moved message should be terminal")
	}
}

func TestProcessCopyModeIsNotTerminal(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	cfg := testConfig()
	cfg.IMAP.FilingMode = string(model.FilingModeCopy)
	p := pipeline.New(cfg, s, mb, &fakeLLM{
		classification: model.Classification{Category: model.CategoryReceipts, Confidence: 0.95},
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 11)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FilingStatus != model.FilingStatusCopied {
		t.Errorf("status = %q, want copied", res.FilingStatus)
	}
	if mb.copies[11] != "Receipts" || len(mb.moves) != 0 {
		t.Errorf("copies = %v moves = %v", mb.copies, mb.moves)
	}

	rec, _ := s.Message(context.Background(), "INBOX", 11)
	if rec.IsTerminal() {
		t.Error("copied message must stay retryable")
	}
}

func TestProcessConfidenceDemotion(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{Category: model.CategoryNoAction, Confidence: 0.4},
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 12)
	msg.Meta.Subject = "hello"
	msg.Body = "just saying hi"
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Classification.Category != model.CategoryNeedsReview {
		t.Errorf("category = %q, want demotion to NeedsReview", res.Classification.Category)
	}
	if mb.moves[12] != "NeedsReview" {
		t.Errorf("moves = %v", mb.moves)
	}
}

func TestProcessDeadlineOverride(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{Category: model.CategoryNotifications, Confidence: 0.9},
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 13)
	msg.Meta.Subject = "Contract deadline 2026-06-20"
	msg.Body = "Please sign before the deadline on 2026-06-20."
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Classification.Category != model.CategoryToReply {
		t.Errorf("category = %q, want deadline override to ToReply", res.Classification.Category)
	}
	if !res.Plan.CreateDraft {
		t.Error("overridden message should get a draft")
	}
}

func TestProcessClassifierErrorLeavesMessageRetryable(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classifyErr: errors.New("model unavailable"),
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 14)
	if _, err := p.Process(context.Background(), msg); err == nil {
		t.Fatal("expected the classifier error to surface")
	}

	// Nothing was filed, so the retry queue will pick the message up again.
	rec, err := s.Message(context.Background(), "INBOX", 14)
	if err != nil || rec == nil {
		t.Fatalf("Message: %v", err)
	}
	if rec.FilingStatus != nil {
		t.Errorf("filing status = %q, want none after classifier failure", *rec.FilingStatus)
	}
	if len(mb.moves) != 0 || len(mb.copies) != 0 {
		t.Errorf("message filed despite classifier failure: %v %v", mb.moves, mb.copies)
	}
}

func TestProcessDrafterErrorLeavesMessageRetryable(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		draftErr: errors.New("model unavailable"),
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 22)
	if _, err := p.Process(context.Background(), msg); err == nil {
		t.Fatal("expected the drafting error to surface")
	}
	if len(mb.appends) != 0 {
		t.Errorf("draft appended despite drafting failure: %v", mb.appends)
	}
	rec, _ := s.Message(context.Background(), "INBOX", 22)
	if rec.IsTerminal() {
		t.Error("message must stay retryable after drafting failure")
	}
}

func TestProcessExtractErrorLeavesMessageRetryable(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95,
			ReplyNeeded: true, ContainsEventRequest: true,
		},
		replyBody:  "Happy to confirm, see attached terms.",
		extractErr: errors.New("model unavailable"),
	}, &fakeCalendar{}, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 23)
	if _, err := p.Process(context.Background(), msg); err == nil {
		t.Fatal("expected the extraction error to surface")
	}
	rec, _ := s.Message(context.Background(), "INBOX", 23)
	if rec.IsTerminal() {
		t.Error("message must stay retryable after extraction failure")
	}
}

func TestProcessDraftCreatedOnceAndReused(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		replyBody: "Happy to confirm, see attached terms.",
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 15)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.DraftUID == 0 {
		t.Fatal("no draft created")
	}
	if len(mb.appends) != 1 || mb.appends[0] != "Drafts" {
		t.Errorf("appends = %v", mb.appends)
	}

	// A second run, as after a crash before filing completed, must not
	// create a second draft.
	res2, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process again: %v", err)
	}
	if len(mb.appends) != 1 {
		t.Errorf("second run appended another draft: %v", mb.appends)
	}
	if res2.DraftUID != res.DraftUID {
		t.Errorf("draft uid changed across runs: %d vs %d", res.DraftUID, res2.DraftUID)
	}
}

func TestProcessNoDraftForAutomatedSender(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		replyBody: "should never be used",
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 16)
	msg.Meta.From = "no-reply@service.com"
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.DraftUID != 0 || len(mb.appends) != 0 {
		t.Errorf("draft created for automated sender: uid=%d appends=%v", res.DraftUID, mb.appends)
	}
}

func TestProcessCalendarEventOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	cal := &fakeCalendar{}
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95,
			ReplyNeeded: true, ContainsEventRequest: true,
		},
		replyBody: "Sounds good, see you then.",
		candidates: []model.EventCandidate{{
			Summary: "Coffee",
			Start:   "2026-06-16T10:00:00Z",
		}},
	}, cal, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 17)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.EventID != "evt_42" || len(cal.inserted) != 1 {
		t.Fatalf("event = %q inserted = %d", res.EventID, len(cal.inserted))
	}

	if _, err := p.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process again: %v", err)
	}
	if len(cal.inserted) != 1 {
		t.Errorf("second run created another calendar event: %d", len(cal.inserted))
	}
}

func TestProcessCalendarFailureDoesNotBlockFiling(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	cal := &fakeCalendar{insertErr: errors.New("calendar unavailable")}
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95,
			ReplyNeeded: true, ContainsEventRequest: true,
		},
		replyBody: "Sounds good, see you then.",
		candidates: []model.EventCandidate{{
			Summary: "Coffee",
			Start:   "2026-06-16T10:00:00Z",
		}},
	}, cal, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 21)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.EventID != "" {
		t.Errorf("event id = %q, want none on calendar failure", res.EventID)
	}
	if res.FilingStatus != model.FilingStatusMoved {
		t.Errorf("filing status = %q, want moved despite calendar failure", res.FilingStatus)
	}
}

func TestProcessRejectedEventCreatesNothing(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	cal := &fakeCalendar{}
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95,
			ReplyNeeded: true, ContainsEventRequest: true,
		},
		replyBody: "Thanks, noted.",
		candidates: []model.EventCandidate{{
			Summary: "Vague plans",
			Start:   "sometime soon maybe",
		}},
	}, cal, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 18)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.EventID != "" || len(cal.inserted) != 0 {
		t.Errorf("rejected candidate still created an event: %q", res.EventID)
	}
	// Filing still happens for the message itself.
	if res.FilingStatus != model.FilingStatusMoved {
		t.Errorf("filing status = %q", res.FilingStatus)
	}
}

func TestProcessInboxDestinationSkips(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	cfg := testConfig()
	cfg.IMAP.ClassificationFolders = map[string]string{
		string(model.CategoryNoAction): "INBOX",
	}
	p := pipeline.New(cfg, s, mb, &fakeLLM{
		classification: model.Classification{Category: model.CategoryNoAction, Confidence: 0.95},
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 19)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FilingStatus != model.FilingStatusSkipped {
		t.Errorf("status = %q, want skipped when mapped to the inbox", res.FilingStatus)
	}
	if len(mb.moves) != 0 && len(mb.copies) != 0 {
		t.Errorf("message filed despite inbox mapping: %v %v", mb.moves, mb.copies)
	}
}

func TestProcessMoveFailureLeavesMessageRetryable(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	mb.moveErr = errors.New("server gone")
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{Category: model.CategoryReceipts, Confidence: 0.95},
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 20)
	if _, err := p.Process(context.Background(), msg); err == nil {
		t.Fatal("expected error from failed move")
	}

	rec, err := s.Message(context.Background(), "INBOX", 20)
	if err != nil || rec == nil {
		t.Fatalf("Message: %v", err)
	}
	if rec.IsTerminal() {
		t.Error("failed move must not record a terminal state")
	}
}

func TestProcessNoDraftWhenAccountNotAddressed(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		replyBody: "should never be used",
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 24)
	msg.Meta.ToAddrs = []string{"someone-else@example.com"}
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.DraftUID != 0 || len(mb.appends) != 0 {
		t.Errorf("draft created for a message not addressed to the account: uid=%d appends=%v",
			res.DraftUID, mb.appends)
	}
	// Filing is unaffected by the skip.
	if res.FilingStatus != model.FilingStatusMoved {
		t.Errorf("filing status = %q, want moved", res.FilingStatus)
	}
}

func TestProcessDraftUsesRawHeadersWhenAddressesUnparsed(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		replyBody: "Happy to confirm, see attached terms.",
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 25)
	msg.Meta.ToAddrs = nil
	msg.Meta.To = "Undisclosed <me@example.com>"
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.DraftUID == 0 {
		t.Error("no draft despite the account appearing in the raw To header")
	}
}

func TestProcessNoDraftWhenAlreadyAnswered(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	mb.flags = []string{"\\Answered"}
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		replyBody: "should never be used",
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 26)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.DraftUID != 0 || len(mb.appends) != 0 {
		t.Errorf("draft created for an answered message: uid=%d appends=%v", res.DraftUID, mb.appends)
	}
}

func TestProcessNoDraftWhenReplyInSentFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	mb.sentReplies = []string{"<m@x>"}
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		replyBody: "should never be used",
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 27)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.DraftUID != 0 || len(mb.appends) != 0 {
		t.Errorf("draft created despite an existing reply in Sent: uid=%d appends=%v",
			res.DraftUID, mb.appends)
	}
	if len(mb.selected) == 0 || mb.selected[0] != "Sent" {
		t.Errorf("sent folder not scanned: selects=%v", mb.selected)
	}
}

func TestProcessDrafterSeesOnlyLatestText(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	judge := &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		replyBody: "Happy to confirm, see attached terms.",
	}
	p := pipeline.New(testConfig(), s, mb, judge, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 28)
	msg.Body = "Can we meet Friday?\n\nOn Mon, 01 Jun 2026, bob wrote:\n> old thread text"
	if _, err := p.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(judge.draftInputs) != 1 {
		t.Fatalf("draft calls = %d", len(judge.draftInputs))
	}
	if got := judge.draftInputs[0].Body; strings.Contains(got, "old thread text") {
		t.Errorf("drafter saw the quoted history: %q", got)
	}
}

func TestProcessThinReplyGetsFallbackBody(t *testing.T) {
	s := testutil.NewTestStore(t)
	mb := newFakeMailbox()
	p := pipeline.New(testConfig(), s, mb, &fakeLLM{
		classification: model.Classification{
			Category: model.CategoryToReply, Confidence: 0.95, ReplyNeeded: true,
		},
		// Two words plus a quoted line, not a meaningful reply.
		replyBody: "ok thanks\n> quoted words that do not count here",
	}, nil, newValidator(), zap.NewNop())

	msg := seedMessage(t, s, 29)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.DraftUID == 0 || len(mb.appended) != 1 {
		t.Fatal("no draft created")
	}
	if !strings.Contains(string(mb.appended[0]), "Thank you for your message") {
		t.Errorf("fallback body not used:\n%s", mb.appended[0])
	}
}
