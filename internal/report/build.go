package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/store"
)

// Report is a ready-to-send summary message.
type Report struct {
	Subject string
	Body    string
}

// Empty reports whether there is nothing worth sending.
func (r *Report) Empty() bool {
	return r == nil || strings.TrimSpace(r.Body) == ""
}

// categoryOrder lists categories in the order reports present them.
var categoryOrder = []model.Category{
	model.CategoryToReply,
	model.CategoryNeedsReview,
	model.CategoryCalendarCreated,
	model.CategoryReceipts,
	model.CategoryNewsletters,
	model.CategoryNotifications,
	model.CategoryNoAction,
}

// ExecutiveBrief summarizes what needs the reader's attention: messages
// awaiting a reply, drafted replies, and created calendar events.
func ExecutiveBrief(now time.Time, recent, drafts, calendarMsgs []store.MessageRecord, subjectPrefix string) Report {
	var toReply []store.MessageRecord
	for _, rec := range recent {
		if rec.Category != nil && model.Category(*rec.Category) == model.CategoryToReply && !rec.IsTerminal() {
			toReply = append(toReply, rec)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Executive brief for %s\n\n", now.Format("Monday, 2 January 2006"))

	if len(toReply) > 0 {
		fmt.Fprintf(&b, "Waiting on a reply from you (%d):\n", len(toReply))
		writeMessageLines(&b, toReply)
		b.WriteString("\n")
	}
	if len(drafts) > 0 {
		fmt.Fprintf(&b, "Drafts ready in your drafts folder (%d):\n", len(drafts))
		writeMessageLines(&b, drafts)
		b.WriteString("\n")
	}
	if len(calendarMsgs) > 0 {
		fmt.Fprintf(&b, "Calendar events created (%d):\n", len(calendarMsgs))
		writeMessageLines(&b, calendarMsgs)
		b.WriteString("\n")
	}
	if len(toReply) == 0 && len(drafts) == 0 && len(calendarMsgs) == 0 {
		b.WriteString("Nothing needs your attention right now.\n")
	}

	return Report{
		Subject: subjectLine(subjectPrefix, "Executive brief "+now.Format("2006-01-02")),
		Body:    b.String(),
	}
}

// DailyRecap summarizes the day's traffic by category.
func DailyRecap(now time.Time, counts map[string]int, recent []store.MessageRecord, subjectPrefix string) Report {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily recap for %s\n\n", now.Format("Monday, 2 January 2006"))

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(&b, "Processed %d message(s).\n\n", total)
	writeCategoryCounts(&b, counts)

	if len(recent) > 0 {
		b.WriteString("\nMost recent:\n")
		limit := recent
		if len(limit) > 15 {
			limit = limit[:15]
		}
		writeMessageLines(&b, limit)
	}

	return Report{
		Subject: subjectLine(subjectPrefix, "Daily recap "+now.Format("2006-01-02")),
		Body:    b.String(),
	}
}

// WeeklyRecap summarizes the week by category.
func WeeklyRecap(now time.Time, counts map[string]int, subjectPrefix string) Report {
	year, week := now.ISOWeek()

	var b strings.Builder
	fmt.Fprintf(&b, "Weekly recap, week %d of %d\n\n", week, year)

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(&b, "Processed %d message(s) this week.\n\n", total)
	writeCategoryCounts(&b, counts)

	return Report{
		Subject: subjectLine(subjectPrefix, fmt.Sprintf("Weekly recap %d-W%02d", year, week)),
		Body:    b.String(),
	}
}

// ReplyDigest lists messages moved to the replied folder since the last
// digest. An empty move list yields an empty report, which is not sent.
func ReplyDigest(now time.Time, moves []store.RepliedMove, subjectPrefix string) Report {
	if len(moves) == 0 {
		return Report{}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Replied and filed since the last digest (%d):\n\n", len(moves))
	for _, m := range moves {
		sender := m.Sender
		if sender == "" {
			sender = "(unknown sender)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", sender, orUntitled(m.Subject))
	}

	return Report{
		Subject: subjectLine(subjectPrefix, "Reply digest "+now.Format("2006-01-02 15:04")),
		Body:    b.String(),
	}
}

func writeCategoryCounts(b *strings.Builder, counts map[string]int) {
	written := map[string]bool{}
	for _, cat := range categoryOrder {
		if n := counts[string(cat)]; n > 0 {
			fmt.Fprintf(b, "  %-18s %d\n", string(cat), n)
			written[string(cat)] = true
		}
	}
	var rest []string
	for cat := range counts {
		if !written[cat] {
			rest = append(rest, cat)
		}
	}
	sort.Strings(rest)
	for _, cat := range rest {
		fmt.Fprintf(b, "  %-18s %d\n", cat, counts[cat])
	}
}

func writeMessageLines(b *strings.Builder, recs []store.MessageRecord) {
	for _, rec := range recs {
		sender := rec.Sender
		if sender == "" {
			sender = "(unknown sender)"
		}
		fmt.Fprintf(b, "- %s: %s\n", sender, orUntitled(rec.Subject))
	}
}

func orUntitled(subject string) string {
	if strings.TrimSpace(subject) == "" {
		return "(no subject)"
	}
	return subject
}

func subjectLine(prefix, rest string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return rest
	}
	return prefix + " " + rest
}
