package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/nhle/mailpilot/internal/imapx"
	"github.com/nhle/mailpilot/internal/store"
)

// reconcileReplied finds drafted replies that were actually sent and files
// the original messages into the replied folder. It matches on the sent
// folder's In-Reply-To and References headers, so a reply sent from any
// client counts. Failures are logged and retried next cycle; nothing here
// blocks polling.
func (a *Agent) reconcileReplied(ctx context.Context) {
	pending, err := a.store.PendingReplyMessages(ctx)
	if err != nil {
		a.logger.Error("listing pending replies failed",
			zap.String("event", "replied_query_failed"), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	restore, err := a.client.TemporarySelect(a.cfg.IMAP.SentFolder, true)
	if err != nil {
		a.logger.Warn("sent folder unavailable, skipping reconciliation",
			zap.String("event", "replied_sent_unavailable"), zap.Error(err))
		return
	}

	var replied []store.MessageRecord
	for _, rec := range pending {
		if ctx.Err() != nil {
			restore()
			return
		}
		found, err := a.sentReplyExists(rec.MessageID)
		if err != nil {
			a.logger.Warn("sent folder search failed",
				zap.String("event", "replied_search_failed"),
				zap.String("message_id", rec.MessageID),
				zap.Error(err))
			continue
		}
		if found {
			replied = append(replied, rec)
		}
	}
	restore()

	for _, rec := range replied {
		if err := a.fileReplied(ctx, rec); err != nil {
			a.logger.Error("filing replied message failed",
				zap.String("event", "replied_move_failed"),
				zap.String("folder", rec.Folder),
				zap.Uint32("uid", rec.UID),
				zap.Error(err))
		}
	}
}

// sentReplyExists reports whether the sent folder holds a message replying
// to messageID, by either the In-Reply-To or the References header.
func (a *Agent) sentReplyExists(messageID string) (bool, error) {
	uids, err := a.client.UIDsMatchingHeader("In-Reply-To", messageID)
	if err != nil {
		return false, err
	}
	if len(uids) > 0 {
		return true, nil
	}
	uids, err = a.client.UIDsMatchingHeader("References", messageID)
	if err != nil {
		return false, err
	}
	return len(uids) > 0, nil
}

// fileReplied moves one replied original to the replied folder and records
// the terminal state plus the audit entry the reply digest reads.
func (a *Agent) fileReplied(ctx context.Context, rec store.MessageRecord) error {
	// Filing may have already moved the message out of its source folder,
	// giving it a new UID there, so re-find it by Message-ID.
	folder := rec.Folder
	if rec.FiledTo != nil && *rec.FiledTo != "" {
		folder = *rec.FiledTo
	}
	if err := a.client.SelectFolder(folder, false); err != nil {
		return err
	}

	uids, err := a.client.UIDsMatchingHeader("Message-Id", rec.MessageID)
	if err != nil {
		return err
	}
	if len(uids) == 0 && folder == rec.Folder {
		uids = []uint32{rec.UID}
	}
	if len(uids) == 0 {
		a.logger.Info("replied message no longer present",
			zap.String("event", "replied_message_missing"),
			zap.String("folder", folder),
			zap.String("message_id", rec.MessageID))
	}
	for _, uid := range uids {
		if err := a.client.Move(uid, a.cfg.IMAP.RepliedFolder); err != nil && !imapx.IsMessageNotFound(err) {
			return err
		}
	}

	if err := a.store.MarkReplied(ctx, rec.Folder, rec.UID); err != nil {
		return err
	}
	if err := a.store.RecordRepliedMove(ctx, store.RepliedMove{
		Folder:    rec.Folder,
		UID:       rec.UID,
		MessageID: rec.MessageID,
		Subject:   rec.Subject,
		Sender:    rec.Sender,
	}); err != nil {
		return err
	}

	a.logger.Info("replied message filed",
		zap.String("event", "replied_filed"),
		zap.String("folder", rec.Folder),
		zap.Uint32("uid", rec.UID),
		zap.String("dest", a.cfg.IMAP.RepliedFolder))
	return nil
}
