package llm

import (
	"regexp"
	"strings"

	"github.com/nhle/mailpilot/internal/model"
)

var rePrefix = regexp.MustCompile(`^(?i)(re|aw|sv|fwd?)\s*:\s*`)

// DecideActions maps a classification onto the concrete work the pipeline
// should do for the message. Filing always happens; the other actions hang
// off the classification.
func DecideActions(c model.Classification) model.ActionPlan {
	plan := model.ActionPlan{FileMessage: true}
	if c.ReplyNeeded || c.Category == model.CategoryToReply {
		plan.CreateDraft = true
	}
	if c.ContainsEventRequest {
		plan.ExtractEvent = true
		plan.CreateCalendarEvent = true
	}
	return plan
}

// NormalizeReplySubject strips any existing reply or forward prefixes and
// applies a single "Re: ".
func NormalizeReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		trimmed := rePrefix.ReplaceAllString(s, "")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	if s == "" {
		return "Re:"
	}
	return "Re: " + s
}

// NormalizeReferences builds the References header value for a reply:
// the original's references followed by its Message-ID, deduplicated in
// order.
func NormalizeReferences(references []string, messageID string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, ref := range references {
		add(ref)
	}
	add(messageID)
	return out
}
