package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/nhle/mailpilot/internal/compose"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/report"
	"github.com/nhle/mailpilot/internal/store"
)

// runScheduledReports checks every report gate and delivers whatever is
// due. Each (kind, period) pair is marked only after successful delivery,
// so a crash between building and appending re-delivers rather than drops.
func (a *Agent) runScheduledReports(ctx context.Context) {
	now := time.Now().In(a.loc)

	// The brief lands in the drafts folder for the user to edit and send;
	// recaps and digests are placed in the sent folder already read.
	asDraft := delivery{folder: a.cfg.IMAP.DraftsFolder, flags: []imap.Flag{imap.FlagDraft}}
	asSent := delivery{folder: a.cfg.IMAP.SentFolder, flags: []imap.Flag{imap.FlagSeen}}

	if cfg := a.cfg.ExecutiveBrief; cfg.Enabled && report.DueDaily(now, cfg.TimeLocal) {
		a.deliver(ctx, store.PeriodExecutiveBrief, report.DayKey(now), cfg, asDraft, func() (report.Report, error) {
			since := now.Add(-lookbackHours(cfg.LookbackHours, 24))
			recent, err := a.store.RecentMessages(ctx, since)
			if err != nil {
				return report.Report{}, err
			}
			drafts, err := a.store.DraftMessages(ctx, since)
			if err != nil {
				return report.Report{}, err
			}
			calendarMsgs, err := a.store.CalendarMessages(ctx, since)
			if err != nil {
				return report.Report{}, err
			}
			return report.ExecutiveBrief(now, recent, drafts, calendarMsgs, cfg.SubjectPrefix), nil
		})
	}

	if cfg := a.cfg.DailyRecap; cfg.Enabled && report.DueDaily(now, cfg.TimeLocal) {
		a.deliver(ctx, store.PeriodDailyRecap, report.DayKey(now), cfg, asSent, func() (report.Report, error) {
			since := now.Add(-lookbackHours(cfg.LookbackHours, 24))
			counts, err := a.store.CategoryCounts(ctx, since)
			if err != nil {
				return report.Report{}, err
			}
			recent, err := a.store.RecentMessages(ctx, since)
			if err != nil {
				return report.Report{}, err
			}
			return report.DailyRecap(now, counts, recent, cfg.SubjectPrefix), nil
		})
	}

	if cfg := a.cfg.WeeklyRecap; cfg.Enabled && report.DueWeekly(now, cfg.DayLocal, cfg.TimeLocal) {
		a.deliver(ctx, store.PeriodWeeklyRecap, report.WeekKey(now), cfg, asSent, func() (report.Report, error) {
			days := cfg.LookbackDays
			if days <= 0 {
				days = 7
			}
			counts, err := a.store.CategoryCounts(ctx, now.AddDate(0, 0, -days))
			if err != nil {
				return report.Report{}, err
			}
			return report.WeeklyRecap(now, counts, cfg.SubjectPrefix), nil
		})
	}

	if cfg := a.cfg.ReplyDigest; cfg.Enabled {
		key := report.IntervalKey(now, cfg.IntervalMinutes)
		a.deliver(ctx, store.PeriodReplyDigest, key, cfg, asSent, func() (report.Report, error) {
			minutes := cfg.LookbackMinutes
			if minutes <= 0 {
				minutes = cfg.IntervalMinutes
			}
			if minutes <= 0 {
				minutes = 60
			}
			moves, err := a.store.RepliedMovesSince(ctx, now.Add(-time.Duration(minutes)*time.Minute))
			if err != nil {
				return report.Report{}, err
			}
			return report.ReplyDigest(now, moves, cfg.SubjectPrefix), nil
		})
	}
}

// delivery says where a finished report is appended and with which flags.
type delivery struct {
	folder string
	flags  []imap.Flag
}

// deliver runs one report through its once-per-period gate. An empty report
// marks the period without sending anything, so empty intervals do not
// retry forever. A build failure leaves the period unmarked and is retried
// next cycle.
func (a *Agent) deliver(ctx context.Context, kind, key string, cfg model.ReportConfig, dst delivery, build func() (report.Report, error)) {
	done, err := a.store.ExistsForPeriod(ctx, kind, key)
	if err != nil {
		a.reportFailed(kind, key, "report state query failed", err)
		return
	}
	if done {
		return
	}

	rep, err := build()
	if err != nil {
		a.reportFailed(kind, key, "report build failed", err)
		return
	}
	if rep.Empty() {
		if err := a.store.RecordForPeriod(ctx, kind, key); err != nil {
			a.reportFailed(kind, key, "report state query failed", err)
		}
		return
	}

	if err := a.appendReport(cfg, rep, dst); err != nil {
		a.reportFailed(kind, key, "report delivery failed", err)
		return
	}
	if err := a.store.RecordForPeriod(ctx, kind, key); err != nil {
		a.reportFailed(kind, key, "report state query failed", err)
		return
	}
	a.logger.Info("report delivered",
		zap.String("event", "report_delivered"),
		zap.String("kind", kind),
		zap.String("key", key))
}

// appendReport renders a report as a message addressed to the configured
// recipient (or the account itself) and appends it to the delivery folder.
func (a *Agent) appendReport(cfg model.ReportConfig, rep report.Report, dst delivery) error {
	if dst.folder == "" {
		return fmt.Errorf("no delivery folder configured for report %q", rep.Subject)
	}
	to := cfg.To
	if to == "" {
		to = a.cfg.IMAP.Username
	}
	raw, err := compose.Render(model.ReplyDraft{
		To:      []string{to},
		Subject: rep.Subject,
		Body:    rep.Body,
	}, a.cfg.IMAP.Username)
	if err != nil {
		return err
	}
	_, err = a.client.Append(dst.folder, raw, dst.flags)
	return err
}

func (a *Agent) reportFailed(kind, key, msg string, err error) {
	a.logger.Error(msg,
		zap.String("event", "report_failed"),
		zap.String("kind", kind),
		zap.String("key", key),
		zap.Error(err))
}

func lookbackHours(hours, fallback int) time.Duration {
	if hours <= 0 {
		hours = fallback
	}
	return time.Duration(hours) * time.Hour
}
