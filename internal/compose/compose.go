// Package compose builds RFC 822 reply drafts: recipients, threading
// headers, and a quoted copy of the original message.
package compose

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailpilot/internal/llm"
	"github.com/nhle/mailpilot/internal/model"
)

// maxQuotedLines caps how much of the original is quoted below the reply.
const maxQuotedLines = 60

// quoteSeparators match the lines that introduce quoted earlier messages in
// English and Italian clients: the "wrote:" lead-ins, forwarded header
// blocks, and the Outlook original-message divider.
var quoteSeparators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^on .+ wrote:$`),
	regexp.MustCompile(`(?i)^il .+ ha scritto:$`),
	regexp.MustCompile(`(?i)^from:\s`),
	regexp.MustCompile(`(?i)^to:\s`),
	regexp.MustCompile(`(?i)^cc:\s`),
	regexp.MustCompile(`(?i)^date:\s`),
	regexp.MustCompile(`(?i)^sent:\s`),
	regexp.MustCompile(`(?i)^inviato:\s`),
	regexp.MustCompile(`(?i)^subject:\s`),
	regexp.MustCompile(`(?i)^-----original message-----$`),
	regexp.MustCompile(`(?i)^begin forwarded message:$`),
}

// wordPattern matches one word, accented Latin letters included.
var wordPattern = regexp.MustCompile(`[A-Za-zÀ-ÿ']+`)

// IsQuoteSeparator reports whether a line starts a quoted earlier message.
func IsQuoteSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, sep := range quoteSeparators {
		if sep.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// ExtractLatestText returns the newest part of a threaded body: the lines
// before the first quote separator. When the sender wrote nothing above the
// quote, the quoted lines are unwrapped instead, and as a last resort the
// whole body is returned.
func ExtractLatestText(body string) string {
	lines := strings.Split(body, "\n")
	var latest []string
	for _, line := range lines {
		if IsQuoteSeparator(line) {
			break
		}
		latest = append(latest, line)
	}
	if text := strings.TrimSpace(strings.Join(latest, "\n")); text != "" {
		return text
	}

	var unquoted []string
	for _, line := range lines {
		if IsQuoteSeparator(line) {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "> "))
		if line != "" {
			unquoted = append(unquoted, line)
		}
	}
	if len(unquoted) > 0 {
		return strings.Join(unquoted, "\n")
	}
	return strings.TrimSpace(body)
}

// MeaningfulWordCount counts the words the sender actually wrote: quoted
// lines and quote separators do not contribute.
func MeaningfulWordCount(body string) int {
	n := 0
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") || IsQuoteSeparator(trimmed) {
			continue
		}
		n += len(wordPattern.FindAllString(trimmed, -1))
	}
	return n
}

// ReplyRecipients computes reply-all addressing for a message received by
// self: To is the original sender (preferring Reply-To), Cc is everyone
// else on the original To and Cc lines minus self and minus the new To.
func ReplyRecipients(meta model.MessageMeta, self string) (to []string, cc []string) {
	self = strings.ToLower(strings.TrimSpace(self))

	target := meta.ReplyTo
	if target == "" {
		target = meta.From
	}
	target = strings.ToLower(strings.TrimSpace(target))
	if target != "" {
		to = []string{target}
	}

	seen := map[string]bool{target: true, self: true, "": true}
	for _, addr := range append(append([]string{}, meta.ToAddrs...), meta.CcAddrs...) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if seen[addr] {
			continue
		}
		seen[addr] = true
		cc = append(cc, addr)
	}
	return to, cc
}

// BuildReplyDraft assembles the full draft for a message: normalized
// subject, threading headers, reply-all recipients, and the body followed by
// a quote of the original.
func BuildReplyDraft(meta model.MessageMeta, originalBody, replyBody, self string) model.ReplyDraft {
	to, cc := ReplyRecipients(meta, self)
	return model.ReplyDraft{
		To:         to,
		Cc:         cc,
		Subject:    llm.NormalizeReplySubject(meta.Subject),
		Body:       replyBody + "\n\n" + QuoteOriginal(meta, originalBody),
		InReplyTo:  meta.MessageID,
		References: llm.NormalizeReferences(meta.References, meta.MessageID),
	}
}

// QuoteOriginal renders the conventional quoted copy of the original
// message, truncated at any embedded earlier quote.
func QuoteOriginal(meta model.MessageMeta, body string) string {
	var b strings.Builder
	date := meta.Date
	if date == "" {
		date = "an earlier date"
	}
	fmt.Fprintf(&b, "On %s, %s wrote:\n", date, meta.From)

	lines := strings.Split(strings.TrimSpace(body), "\n")
	quoted := 0
	for _, line := range lines {
		if quoted > 0 && IsQuoteSeparator(line) {
			break
		}
		if quoted >= maxQuotedLines {
			b.WriteString("> [...]\n")
			break
		}
		b.WriteString("> " + line + "\n")
		quoted++
	}
	return strings.TrimRight(b.String(), "\n")
}

// Render serializes a draft to RFC 822 bytes with a fresh Message-ID and a
// From of self.
func Render(draft model.ReplyDraft, self string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(draft.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: self}})
	h.SetAddressList("To", toAddresses(draft.To))
	if len(draft.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(draft.Cc))
	}
	h.Set("Message-Id", fmt.Sprintf("<%s@mailpilot>", uuid.New().String()))
	if draft.InReplyTo != "" {
		h.Set("In-Reply-To", draft.InReplyTo)
	}
	if len(draft.References) > 0 {
		h.Set("References", strings.Join(draft.References, " "))
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating draft writer: %w", err)
	}
	if _, err := w.Write([]byte(draft.Body)); err != nil {
		w.Close()
		return nil, fmt.Errorf("writing draft body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing draft: %w", err)
	}
	return buf.Bytes(), nil
}

func toAddresses(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
