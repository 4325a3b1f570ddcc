package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailpilot/internal/imapx"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/parse"
	"github.com/nhle/mailpilot/internal/pipeline"
	"github.com/nhle/mailpilot/internal/store"
)

// pollInbox finds new UIDs past the cursor and processes each one inside
// its own error boundary. The cursor advances to the highest found UID
// before processing starts; failed messages are recovered by the retry
// queue, not by re-scanning.
func (a *Agent) pollInbox(ctx context.Context) error {
	inbox := a.cfg.IMAP.InboxFolder
	if err := a.client.SelectFolder(inbox, false); err != nil {
		return err
	}

	cursor, err := a.store.Cursor(ctx, inbox)
	if err != nil {
		return err
	}

	var uids []uint32
	if cursor == 0 {
		uids, err = a.backfill(ctx, inbox)
	} else {
		uids, err = a.client.UIDsSince(cursor)
	}
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	maxUID := uids[len(uids)-1]
	for _, uid := range uids {
		if uid > maxUID {
			maxUID = uid
		}
	}
	if maxUID > cursor {
		if err := a.store.SetCursor(ctx, inbox, maxUID); err != nil {
			return err
		}
	}

	a.logger.Info("new messages found",
		zap.String("event", "poll"),
		zap.String("folder", inbox),
		zap.Int("count", len(uids)))

	for _, uid := range uids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.processUID(ctx, inbox, uid); err != nil {
			a.logger.Error("message processing failed",
				zap.String("event", "message_failed"),
				zap.String("folder", inbox),
				zap.Uint32("uid", uid),
				zap.Error(err))
			a.noteFailure(ctx, inbox, uid, err)
		}
	}
	return nil
}

// noteFailure stores the failure reason on the message record for the
// retry queue and operator inspection.
func (a *Agent) noteFailure(ctx context.Context, folder string, uid uint32, cause error) {
	if err := a.store.SetLastError(ctx, folder, uid, cause.Error()); err != nil {
		a.logger.Debug("storing failure reason failed",
			zap.String("event", "last_error_write_failed"),
			zap.Uint32("uid", uid),
			zap.Error(err))
	}
}

// backfill handles the first run against a mailbox: messages from the
// lookback window are processed, while the cursor jumps to the highest UID
// in the folder so older mail is never touched.
func (a *Agent) backfill(ctx context.Context, folder string) ([]uint32, error) {
	lookback := a.cfg.IMAP.InitialLookbackDays
	if lookback <= 0 {
		lookback = 14
	}
	since := time.Now().In(a.loc).AddDate(0, 0, -lookback)

	uids, err := a.client.UIDsSinceDate(since)
	if err != nil {
		return nil, err
	}

	all, err := a.client.UIDsAll()
	if err != nil {
		return nil, err
	}
	var maxUID uint32
	for _, uid := range all {
		if uid > maxUID {
			maxUID = uid
		}
	}
	if maxUID > 0 {
		if err := a.store.SetCursor(ctx, folder, maxUID); err != nil {
			return nil, err
		}
	}

	a.logger.Info("backfilling recent messages",
		zap.String("event", "backfill"),
		zap.String("folder", folder),
		zap.Int("count", len(uids)),
		zap.Uint32("cursor", maxUID))
	return uids, nil
}

// processUID processes one message end to end. Attempts are recorded before
// any side effect so a crash mid-message leaves it in the retry queue.
func (a *Agent) processUID(ctx context.Context, folder string, uid uint32) error {
	rec, err := a.store.Message(ctx, folder, uid)
	if err != nil {
		return err
	}
	if rec != nil && rec.IsTerminal() {
		return nil
	}

	if err := a.store.UpsertMessageBase(ctx, store.MessageRecord{Folder: folder, UID: uid}); err != nil {
		return err
	}
	if err := a.store.RecordAttempt(ctx, folder, uid); err != nil {
		return err
	}

	if err := a.client.SelectFolder(folder, false); err != nil {
		return err
	}

	if a.cfg.IMAP.SkipAnswered {
		flags, err := a.client.FetchFlags(uid)
		if err != nil {
			if imapx.IsMessageNotFound(err) {
				return a.store.SetFilingResult(ctx, folder, uid, model.FilingStatusMoved, "")
			}
			return err
		}
		if imapx.HasFlag(flags, "Answered") {
			a.logger.Debug("already answered, skipping",
				zap.String("event", "skip_answered"),
				zap.String("folder", folder),
				zap.Uint32("uid", uid))
			return a.store.SetFilingResult(ctx, folder, uid, model.FilingStatusSkipped, "")
		}
	}

	raw, err := a.client.FetchBody(uid)
	if err != nil {
		if imapx.IsMessageNotFound(err) {
			// Gone from the folder, someone else moved or deleted it.
			return a.store.SetFilingResult(ctx, folder, uid, model.FilingStatusMoved, "")
		}
		return err
	}

	parsed, err := parse.Message(raw)
	if err != nil {
		return err
	}
	fp := parse.Fingerprint(parsed.MessageID, parsed.Subject, parsed.Date, parsed.From)

	// The same content can reappear under a new UID, e.g. after a
	// UIDVALIDITY change. If it was already handled anywhere, skip it.
	dup, err := a.store.MessageByFingerprint(ctx, fp)
	if err != nil {
		return err
	}
	duplicate := dup != nil && dup.IsTerminal() && (dup.Folder != folder || dup.UID != uid)

	meta := model.MessageMeta{
		Folder:     folder,
		UID:        uid,
		MessageID:  parsed.MessageID,
		InReplyTo:  parsed.InReplyTo,
		References: parsed.References,
		From:       parsed.From,
		To:         parsed.ToHeader,
		Cc:         parsed.CcHeader,
		ReplyTo:    parsed.ReplyTo,
		ToAddrs:    parsed.To,
		CcAddrs:    parsed.Cc,
		Subject:    parsed.Subject,
		Date:       parsed.Date,
	}

	if err := a.store.UpsertMessageBase(ctx, store.MessageRecord{
		Folder:      folder,
		UID:         uid,
		Fingerprint: fp,
		MessageID:   parsed.MessageID,
		Subject:     parsed.Subject,
		Sender:      parsed.From,
		Date:        parsed.Date,
	}); err != nil {
		return err
	}

	if duplicate {
		a.logger.Info("duplicate content already handled, skipping",
			zap.String("event", "duplicate_skipped"),
			zap.String("folder", folder),
			zap.Uint32("uid", uid),
			zap.String("duplicate_of", dup.Folder))
		return a.store.SetFilingResult(ctx, folder, uid, model.FilingStatusSkipped, "")
	}

	_, err = a.pipe.Process(ctx, pipeline.Message{
		Folder: folder,
		UID:    uid,
		Meta:   meta,
		Body:   parsed.Body,
	})
	return err
}

// retryStuck re-runs messages that were attempted but never reached a
// terminal state. Only messages untouched for at least the retry age are
// picked up, a bounded batch per cycle.
func (a *Agent) retryStuck(ctx context.Context) error {
	minAge := time.Duration(a.cfg.PollSeconds) * time.Second
	if minAge < 30*time.Second {
		minAge = 30 * time.Second
	}
	cutoff := time.Now().Add(-minAge)

	inbox := a.cfg.IMAP.InboxFolder
	uids, err := a.store.RetryableUIDs(ctx, inbox, cutoff, retryBatchLimit)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	a.logger.Info("retrying stuck messages",
		zap.String("event", "retry"),
		zap.Int("count", len(uids)))

	for _, uid := range uids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.processUID(ctx, inbox, uid); err != nil {
			a.logger.Error("retry failed",
				zap.String("event", "retry_failed"),
				zap.Uint32("uid", uid),
				zap.Error(err))
			a.noteFailure(ctx, inbox, uid, err)
		}
	}
	return nil
}
