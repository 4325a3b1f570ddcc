// Package pipeline runs one message through the processing stages: priority
// scoring, classification, action planning, reply drafting, event
// extraction and validation, calendar creation, and filing. Every stage is
// idempotent against the store, so re-running a message after a crash never
// doubles a side effect.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/nhle/mailpilot/internal/calendar"
	"github.com/nhle/mailpilot/internal/compose"
	"github.com/nhle/mailpilot/internal/event"
	"github.com/nhle/mailpilot/internal/imapx"
	"github.com/nhle/mailpilot/internal/llm"
	"github.com/nhle/mailpilot/internal/model"
)

// calendarCallTimeout bounds a single calendar insert; a stuck call fails
// that message only, not the whole loop.
const calendarCallTimeout = 30 * time.Second

// Store is the message-state persistence the pipeline needs.
type Store interface {
	SetClassification(ctx context.Context, folder string, uid uint32, c model.Classification, priority int) error
	SetDraftUID(ctx context.Context, folder string, uid, draftUID uint32) error
	DraftUID(ctx context.Context, folder string, uid uint32) (uint32, bool, error)
	SetCalendarEventID(ctx context.Context, folder string, uid uint32, eventID string) error
	CalendarEventID(ctx context.Context, folder string, uid uint32) (string, error)
	SetFilingResult(ctx context.Context, folder string, uid uint32, status, filedTo string) error
}

// Mailbox is the slice of the IMAP client the pipeline needs: storing
// drafts, filing processed messages, and checking whether a message was
// already answered before drafting.
type Mailbox interface {
	Append(folder string, raw []byte, flags []imap.Flag) (uint32, error)
	Move(uid uint32, dest string) error
	Copy(uid uint32, dest string) error
	FetchFlags(uid uint32) ([]string, error)
	TemporarySelect(folder string, readOnly bool) (func(), error)
	UIDsMatchingHeader(header, value string) ([]uint32, error)
}

// Message is one message entering the pipeline.
type Message struct {
	Folder string
	UID    uint32
	Meta   model.MessageMeta
	Body   string
}

// Result is what a completed run produced.
type Result struct {
	Priority       int
	Classification model.Classification
	Plan           model.ActionPlan
	DraftUID       uint32
	EventID        string
	FilingStatus   string
	FiledTo        string
}

// Pipeline holds the stage dependencies. Calendar may be nil when no
// calendar is configured; events are then extracted and validated but not
// created.
type Pipeline struct {
	cfg     *model.Config
	store   Store
	mailbox Mailbox
	client  llm.Client
	cal     calendar.Inserter
	valid   *event.Validator
	logger  *zap.Logger
}

func New(cfg *model.Config, st Store, mb Mailbox, client llm.Client, cal calendar.Inserter, valid *event.Validator, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		mailbox: mb,
		client:  client,
		cal:     cal,
		valid:   valid,
		logger:  logger,
	}
}

// Process runs a message through every stage. Any stage error aborts the
// run and surfaces to the caller, so the message stays non-terminal and the
// retry queue picks it up later.
func (p *Pipeline) Process(ctx context.Context, msg Message) (*Result, error) {
	res := &Result{}
	log := p.logger.With(
		zap.String("folder", msg.Folder),
		zap.Uint32("uid", msg.UID),
	)

	res.Priority = PriorityScore(msg.Meta.From, msg.Meta.Subject, msg.Body, p.cfg.VIPSenders)

	cls, err := p.classify(ctx, msg, log)
	if err != nil {
		return res, err
	}
	res.Classification = *cls
	if err := p.store.SetClassification(ctx, msg.Folder, msg.UID, *cls, res.Priority); err != nil {
		return res, err
	}

	res.Plan = llm.DecideActions(*cls)

	if res.Plan.CreateDraft {
		draftUID, err := p.draft(ctx, msg, log)
		if err != nil {
			return res, err
		}
		res.DraftUID = draftUID
	}

	if res.Plan.ExtractEvent {
		eventID, err := p.extractAndCreate(ctx, msg, log)
		if err != nil {
			return res, err
		}
		res.EventID = eventID
	}

	status, filedTo, err := p.file(ctx, msg, cls.Category)
	if err != nil {
		return res, err
	}
	res.FilingStatus = status
	res.FiledTo = filedTo

	log.Info("message processed",
		zap.String("event", "message_processed"),
		zap.String("category", string(cls.Category)),
		zap.Float64("confidence", cls.Confidence),
		zap.Int("priority", res.Priority),
		zap.String("filing_status", status),
		zap.String("filed_to", filedTo),
	)
	return res, nil
}

// classify asks the model, then applies the two local corrections:
// confidence demotion into review, and the deadline rescue that keeps dated
// deadlines out of ignorable categories. A classifier error surfaces to the
// caller; the message stays in the retry queue until the model answers.
func (p *Pipeline) classify(ctx context.Context, msg Message, log *zap.Logger) (*model.Classification, error) {
	in := llm.Input{
		From:    msg.Meta.From,
		Subject: msg.Meta.Subject,
		Date:    msg.Meta.Date,
		Body:    msg.Body,
	}

	cls, err := p.client.Classify(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("classifying message: %w", err)
	}

	if cls.Confidence < p.cfg.IMAP.ConfidenceThreshold && cls.Category != model.CategoryNeedsReview {
		log.Debug("low confidence, demoting to review",
			zap.String("event", "confidence_demotion"),
			zap.String("category", string(cls.Category)),
			zap.Float64("confidence", cls.Confidence))
		cls.Category = model.CategoryNeedsReview
	}

	if p.cfg.DeadlineRegexFallback && ignorableCategory(cls.Category) && hasDeadlineSignal(msg.Meta.Subject+"\n"+msg.Body) {
		log.Debug("deadline with explicit date, overriding category",
			zap.String("event", "deadline_override"),
			zap.String("category", string(cls.Category)))
		cls.Category = model.CategoryToReply
		cls.ReplyNeeded = true
	}
	return cls, nil
}

func ignorableCategory(c model.Category) bool {
	switch c {
	case model.CategoryNewsletters, model.CategoryNotifications, model.CategoryNoAction:
		return true
	}
	return false
}

// draft creates the reply draft after the skip checks: the account must be
// a recipient, the sender must be worth replying to, and no answer may
// exist yet in any form (the \Answered flag, a reply in the sent folder, or
// a previously stored draft).
func (p *Pipeline) draft(ctx context.Context, msg Message, log *zap.Logger) (uint32, error) {
	if !addressedToAccount(msg.Meta, p.cfg.IMAP.Username) {
		log.Debug("account is not an explicit recipient, skipping draft",
			zap.String("event", "draft_skip_not_addressed"))
		return 0, nil
	}

	sender := strings.ToLower(msg.Meta.From)
	if sender == "" || sender == strings.ToLower(p.cfg.IMAP.Username) {
		log.Debug("skipping draft for own or missing sender",
			zap.String("event", "draft_skip_sender"))
		return 0, nil
	}
	for _, marker := range []string{"no-reply", "noreply", "do-not-reply", "mailer-daemon"} {
		if strings.Contains(sender, marker) {
			log.Debug("skipping draft for automated sender",
				zap.String("event", "draft_skip_automated"))
			return 0, nil
		}
	}

	// A flag fetch failure is tolerated; the answered check just does not
	// apply then.
	flags, err := p.mailbox.FetchFlags(msg.UID)
	if err != nil {
		log.Debug("flag fetch failed before drafting",
			zap.String("event", "draft_flags_unavailable"), zap.Error(err))
		flags = nil
	}
	if imapx.HasFlag(flags, "Answered") {
		log.Debug("message already answered, skipping draft",
			zap.String("event", "draft_skip_answered"))
		return 0, nil
	}

	if p.cfg.IMAP.SentFolder != "" && msg.Meta.MessageID != "" {
		replied, err := p.sentReplyExists(msg.Meta.MessageID)
		if err != nil {
			return 0, err
		}
		if replied {
			log.Debug("reply already in sent folder, skipping draft",
				zap.String("event", "draft_skip_replied"))
			return 0, nil
		}
	}

	if existing, ok, err := p.store.DraftUID(ctx, msg.Folder, msg.UID); err != nil {
		return 0, err
	} else if ok {
		log.Debug("draft already exists, skipping",
			zap.String("event", "draft_skip_existing"), zap.Uint32("draft_uid", existing))
		return existing, nil
	}

	// The model only sees the newest part of the thread, not the quoted
	// history below it.
	latest := compose.ExtractLatestText(msg.Body)
	body, err := p.client.DraftReply(ctx, llm.Input{
		From:    msg.Meta.From,
		Subject: msg.Meta.Subject,
		Date:    msg.Meta.Date,
		Body:    latest,
	})
	if err != nil {
		return 0, fmt.Errorf("drafting reply: %w", err)
	}
	if compose.MeaningfulWordCount(body) < 3 {
		log.Debug("model reply too thin, using fallback text",
			zap.String("event", "draft_fallback"))
		body = llm.FallbackReplyBody(latest + "\n" + msg.Meta.Subject)
	}

	draft := compose.BuildReplyDraft(msg.Meta, latest, body, p.cfg.IMAP.Username)
	raw, err := compose.Render(draft, p.cfg.IMAP.Username)
	if err != nil {
		return 0, err
	}

	draftUID, err := p.mailbox.Append(p.cfg.IMAP.DraftsFolder, raw, []imap.Flag{imap.FlagDraft})
	if err != nil {
		return 0, err
	}
	if err := p.store.SetDraftUID(ctx, msg.Folder, msg.UID, draftUID); err != nil {
		return 0, err
	}
	log.Info("reply draft created",
		zap.String("event", "draft_created"), zap.Uint32("draft_uid", draftUID))
	return draftUID, nil
}

// addressedToAccount reports whether the account is an explicit To or Cc
// recipient. Messages that only reach the account via a list or Bcc get no
// draft. With no configured account address every message qualifies.
func addressedToAccount(meta model.MessageMeta, self string) bool {
	self = strings.ToLower(strings.TrimSpace(self))
	if self == "" {
		return true
	}

	recipients := append(append([]string{}, meta.ToAddrs...), meta.CcAddrs...)
	if len(recipients) == 0 {
		// Unparseable recipient headers, fall back to a raw substring check.
		return strings.Contains(strings.ToLower(meta.To+" "+meta.Cc), self)
	}
	for _, addr := range recipients {
		if strings.ToLower(strings.TrimSpace(addr)) == self {
			return true
		}
	}
	return false
}

// sentReplyExists scans the sent folder for a message threading back to
// messageID, meaning a reply already went out.
func (p *Pipeline) sentReplyExists(messageID string) (bool, error) {
	restore, err := p.mailbox.TemporarySelect(p.cfg.IMAP.SentFolder, true)
	if err != nil {
		return false, fmt.Errorf("selecting sent folder: %w", err)
	}
	defer restore()

	for _, header := range []string{"In-Reply-To", "References"} {
		uids, err := p.mailbox.UIDsMatchingHeader(header, messageID)
		if err != nil {
			return false, fmt.Errorf("searching sent folder by %s: %w", header, err)
		}
		if len(uids) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// extractAndCreate extracts event candidates, validates the first one, and
// creates the calendar event unless one was already recorded.
func (p *Pipeline) extractAndCreate(ctx context.Context, msg Message, log *zap.Logger) (string, error) {
	if existing, err := p.store.CalendarEventID(ctx, msg.Folder, msg.UID); err != nil {
		return "", err
	} else if existing != "" {
		log.Debug("calendar event already exists, skipping",
			zap.String("event", "calendar_skip_existing"), zap.String("event_id", existing))
		return existing, nil
	}

	in := llm.Input{
		From:    msg.Meta.From,
		Subject: msg.Meta.Subject,
		Date:    msg.Meta.Date,
		Body:    msg.Body,
	}
	candidates, err := p.client.ExtractEvents(ctx, in)
	if err != nil {
		return "", fmt.Errorf("extracting events: %w", err)
	}
	if len(candidates) == 0 {
		return "", nil
	}

	// Only the first candidate is acted on; one message yields at most one
	// calendar event.
	validated, err := p.valid.Validate(candidates[0], msg.Body)
	if err != nil {
		log.Info("event candidate rejected",
			zap.String("event", "event_rejected"), zap.Error(err))
		return "", nil
	}

	if p.cal == nil {
		log.Debug("no calendar configured, event validated but not created",
			zap.String("event", "calendar_unconfigured"),
			zap.String("summary", validated.Summary))
		return "", nil
	}

	callCtx, cancel := context.WithTimeout(ctx, calendarCallTimeout)
	defer cancel()
	eventID, err := p.cal.InsertEvent(callCtx, *validated)
	if err != nil {
		// Calendar failures never block filing.
		log.Warn("calendar creation failed",
			zap.String("event", "calendar_failed"),
			zap.String("summary", validated.Summary),
			zap.Error(err))
		return "", nil
	}
	if err := p.store.SetCalendarEventID(ctx, msg.Folder, msg.UID, eventID); err != nil {
		return "", err
	}
	log.Info("calendar event created",
		zap.String("event", "calendar_created"),
		zap.String("event_id", eventID),
		zap.String("summary", validated.Summary))
	return eventID, nil
}

// file moves or copies the message to its category folder and records the
// result. A category mapped to the inbox itself, or to nothing, leaves the
// message in place with a skipped status.
func (p *Pipeline) file(ctx context.Context, msg Message, category model.Category) (status, filedTo string, err error) {
	dest := p.cfg.FolderFor(category)
	if dest == "" || strings.EqualFold(dest, p.cfg.IMAP.InboxFolder) {
		if err := p.store.SetFilingResult(ctx, msg.Folder, msg.UID, model.FilingStatusSkipped, ""); err != nil {
			return "", "", err
		}
		return model.FilingStatusSkipped, "", nil
	}

	if model.FilingMode(p.cfg.IMAP.FilingMode) == model.FilingModeCopy {
		if err := p.mailbox.Copy(msg.UID, dest); err != nil {
			return "", "", err
		}
		status = model.FilingStatusCopied
	} else {
		if err := p.mailbox.Move(msg.UID, dest); err != nil {
			return "", "", err
		}
		status = model.FilingStatusMoved
	}

	if err := p.store.SetFilingResult(ctx, msg.Folder, msg.UID, status, dest); err != nil {
		return "", "", err
	}
	return status, dest, nil
}
