package pipeline

import (
	"regexp"
	"strings"
)

// Priority point values. The score only orders log output and reports; it
// never gates an action on its own.
const (
	pointsVIP      = 50
	pointsDeadline = 25
	pointsMoney    = 20
	pointsLegal    = 20
	pointsCancel   = 10
	pointsThread   = 5
)

var (
	deadlineKeywords = []string{"deadline", "due by", "due date", "expires", "by end of", "entro il", "scadenza"}
	moneyKeywords    = []string{"invoice", "payment", "refund", "wire", "bank", "€", "$", "fattura", "pagamento"}
	legalKeywords    = []string{"contract", "legal", "lawyer", "nda", "agreement", "contratto", "avvocato"}
	cancelKeywords   = []string{"cancel", "cancellation", "terminated", "disdetta", "annullato"}

	// datePattern recognizes explicit dates like 12/05, 2026-09-01, or
	// "September 3".
	datePattern = regexp.MustCompile(`(?i)\b(\d{1,2}[/.-]\d{1,2}([/.-]\d{2,4})?|\d{4}-\d{2}-\d{2}|(january|february|march|april|may|june|july|august|september|october|november|december|gennaio|febbraio|marzo|aprile|maggio|giugno|luglio|agosto|settembre|ottobre|novembre|dicembre)\s+\d{1,2})\b`)
)

// PriorityScore rates a message by sender and content signals.
func PriorityScore(from, subject, body string, vipSenders []string) int {
	text := strings.ToLower(subject + "\n" + body)
	from = strings.ToLower(from)

	score := 0
	for _, vip := range vipSenders {
		if vip != "" && strings.Contains(from, strings.ToLower(vip)) {
			score += pointsVIP
			break
		}
	}
	if containsAny(text, deadlineKeywords) {
		score += pointsDeadline
	}
	if containsAny(text, moneyKeywords) {
		score += pointsMoney
	}
	if containsAny(text, legalKeywords) {
		score += pointsLegal
	}
	if containsAny(text, cancelKeywords) {
		score += pointsCancel
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		score += pointsThread
	}
	return score
}

// hasDeadlineSignal reports whether text names a deadline together with an
// explicit date. Used to rescue deadline mail that classification filed as
// ignorable.
func hasDeadlineSignal(text string) bool {
	return containsAny(strings.ToLower(text), deadlineKeywords) && datePattern.MatchString(text)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
