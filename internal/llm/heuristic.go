package llm

import (
	"context"
	"strings"

	"github.com/nhle/mailpilot/internal/model"
)

// HeuristicClient is the rule-based fallback used when no model is
// configured or a model call fails. Its judgments are deliberately
// low-confidence so borderline messages land in review instead of being
// filed wrong.
type HeuristicClient struct{}

func NewHeuristicClient() *HeuristicClient {
	return &HeuristicClient{}
}

var (
	receiptKeywords     = []string{"receipt", "invoice", "order confirmation", "payment received", "your order", "ricevuta", "fattura"}
	newsletterKeywords  = []string{"unsubscribe", "newsletter", "view in browser", "weekly digest", "annulla l'iscrizione"}
	notificationSenders = []string{"no-reply", "noreply", "do-not-reply", "notification", "mailer-daemon", "postmaster"}
	eventKeywords       = []string{"meeting", "call", "appointment", "invite", "calendar", "schedule", "riunione", "appuntamento"}
	replyNeededKeywords = []string{"please reply", "let me know", "could you", "can you", "would you", "what do you think", "fammi sapere", "per favore rispond"}
)

// Classify implements Client using keyword rules.
func (h *HeuristicClient) Classify(_ context.Context, in Input) (*model.Classification, error) {
	subject := strings.ToLower(in.Subject)
	body := strings.ToLower(in.Body)
	sender := strings.ToLower(in.From)
	text := subject + "\n" + body

	out := &model.Classification{
		Category:   model.CategoryNeedsReview,
		Confidence: 0.3,
		Rationale:  "heuristic fallback",
	}

	switch {
	case containsAny(text, receiptKeywords):
		out.Category = model.CategoryReceipts
		out.Confidence = 0.6
		out.Rationale = "receipt keywords"
	case containsAny(text, newsletterKeywords):
		out.Category = model.CategoryNewsletters
		out.Confidence = 0.6
		out.Rationale = "newsletter keywords"
	case containsAny(sender, notificationSenders):
		out.Category = model.CategoryNotifications
		out.Confidence = 0.6
		out.Rationale = "automated sender"
	case containsAny(text, replyNeededKeywords) || strings.Contains(body, "?"):
		out.Category = model.CategoryToReply
		out.Confidence = 0.4
		out.Rationale = "question or reply request"
		out.ReplyNeeded = true
	}

	if containsAny(text, eventKeywords) {
		out.ContainsEventRequest = true
	}
	return out, nil
}

// DraftReply implements Client with a short acknowledgement in the
// message's apparent language.
func (h *HeuristicClient) DraftReply(_ context.Context, in Input) (string, error) {
	return FallbackReplyBody(in.Body + "\n" + in.Subject), nil
}

// ExtractEvents implements Client. The heuristic client never extracts
// events; without a model there is no trustworthy structure to extract.
func (h *HeuristicClient) ExtractEvents(_ context.Context, _ Input) ([]model.EventCandidate, error) {
	return nil, nil
}

// FallbackReplyBody is the canned acknowledgement used when a drafted reply
// comes back too thin to be useful (fewer than three meaningful words).
func FallbackReplyBody(sampleText string) string {
	if DetectLanguage(sampleText) == "it" {
		return "Grazie per il tuo messaggio. Ti risponderò al più presto con maggiori dettagli."
	}
	return "Thank you for your message. I will get back to you with more details as soon as possible."
}

var (
	englishStopwords = []string{"the", "and", "you", "for", "with", "that", "this", "have", "from", "are", "will", "your"}
	italianStopwords = []string{"che", "per", "con", "una", "del", "della", "sono", "questo", "grazie", "nel", "alla", "come"}
)

// DetectLanguage guesses "en" or "it" from stopword frequency, defaulting
// to English on a tie.
func DetectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	counts := map[string]int{}
	for _, w := range words {
		counts[strings.Trim(w, ".,;:!?\"'()")]++
	}
	en, it := 0, 0
	for _, w := range englishStopwords {
		en += counts[w]
	}
	for _, w := range italianStopwords {
		it += counts[w]
	}
	if it > en {
		return "it"
	}
	return "en"
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
