// Package parse turns raw RFC 822 messages into the metadata and normalized
// body text the rest of the agent works with.
package parse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
)

const (
	// maxBodyBytes caps how much normalized text a single message can
	// contribute downstream.
	maxBodyBytes = 64 * 1024

	// maxInviteBytes caps the calendar invite section appended to the body.
	maxInviteBytes = 8 * 1024
)

var msgIDPattern = regexp.MustCompile(`<[^>]+>`)

// Parsed is the result of parsing one raw message.
type Parsed struct {
	MessageID  string
	InReplyTo  string
	References []string

	From    string
	ReplyTo string
	To      []string
	Cc      []string

	// ToHeader and CcHeader keep the raw header values for when the
	// address lists could not be parsed.
	ToHeader string
	CcHeader string

	Subject string
	Date    string

	// Body is the normalized plain text: text parts joined by blank lines,
	// falling back to stripped HTML, plus attachment and calendar invite
	// sections when present.
	Body string

	Attachments []string
	HasInvite   bool
}

// Message parses a raw message. Parsing is best effort: a malformed message
// yields whatever headers and text could be recovered rather than an error,
// so only a completely unreadable header block fails.
func Message(raw []byte) (*Parsed, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && r == nil {
		return nil, fmt.Errorf("reading message headers: %w", err)
	}

	p := &Parsed{}
	h := r.Header
	p.MessageID = firstMessageID(h.Get("Message-Id"))
	p.InReplyTo = firstMessageID(h.Get("In-Reply-To"))
	p.References = msgIDPattern.FindAllString(h.Get("References"), -1)
	p.Subject, _ = h.Subject()
	if date, err := h.Date(); err == nil && !date.IsZero() {
		p.Date = date.Format("Mon, 02 Jan 2006 15:04:05 -0700")
	} else {
		p.Date = h.Get("Date")
	}
	p.From = firstAddress(h, "From")
	p.ReplyTo = firstAddress(h, "Reply-To")
	p.To = addressList(h, "To")
	p.Cc = addressList(h, "Cc")
	p.ToHeader = strings.TrimSpace(h.Get("To"))
	p.CcHeader = strings.TrimSpace(h.Get("Cc"))

	var plain, html []string
	var invite string
	for {
		part, err := r.NextPart()
		if err == io.EOF || part == nil {
			break
		}
		if err != nil {
			// A broken part does not invalidate the ones already read.
			break
		}
		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := header.ContentType()
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
			switch {
			case ctype == "text/plain":
				plain = append(plain, strings.TrimSpace(string(body)))
			case ctype == "text/html":
				html = append(html, string(body))
			case ctype == "text/calendar":
				invite = unfoldICS(string(body))
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			ctype, _, _ := header.ContentType()
			if filename == "" {
				filename = "(unnamed)"
			}
			p.Attachments = append(p.Attachments, filename)
			if ctype == "text/calendar" || strings.HasSuffix(strings.ToLower(filename), ".ics") {
				body, _ := io.ReadAll(io.LimitReader(part.Body, maxInviteBytes))
				invite = unfoldICS(string(body))
			}
		}
	}

	var b strings.Builder
	switch {
	case len(plain) > 0:
		b.WriteString(strings.Join(plain, "\n\n"))
	case len(html) > 0:
		b.WriteString(HTMLToText(strings.Join(html, "\n")))
	}
	if len(p.Attachments) > 0 {
		b.WriteString("\n\n[Attachments]\n")
		for _, name := range p.Attachments {
			b.WriteString("- " + name + "\n")
		}
	}
	if invite != "" {
		p.HasInvite = true
		if len(invite) > maxInviteBytes {
			invite = invite[:maxInviteBytes]
		}
		b.WriteString("\n\n[Calendar Invite]\n")
		b.WriteString(invite)
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}
	p.Body = body
	return p, nil
}

// unfoldICS joins folded iCalendar continuation lines (lines starting with a
// space or tab continue the previous line) and keeps only the properties
// useful for event extraction.
func unfoldICS(s string) string {
	var unfolded []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(unfolded) > 0 {
			unfolded[len(unfolded)-1] += strings.TrimLeft(line, " \t")
			continue
		}
		unfolded = append(unfolded, line)
	}
	keep := []string{"SUMMARY", "DTSTART", "DTEND", "LOCATION", "DESCRIPTION", "ORGANIZER", "ATTENDEE", "RRULE", "STATUS", "METHOD", "UID"}
	var out []string
	for _, line := range unfolded {
		upper := strings.ToUpper(line)
		for _, prop := range keep {
			if strings.HasPrefix(upper, prop) {
				out = append(out, strings.TrimSpace(line))
				break
			}
		}
	}
	return strings.Join(out, "\n")
}

func firstMessageID(v string) string {
	if m := msgIDPattern.FindString(v); m != "" {
		return m
	}
	return strings.TrimSpace(v)
}

func firstAddress(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err == nil && len(addrs) > 0 {
		return strings.ToLower(strings.TrimSpace(addrs[0].Address))
	}
	return strings.TrimSpace(h.Get(key))
}

func addressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Address != "" {
			out = append(out, strings.ToLower(strings.TrimSpace(a.Address)))
		}
	}
	return out
}

// Fingerprint derives a stable content hash for duplicate detection across
// folder moves, where UIDs change but the message does not.
func Fingerprint(messageID, subject, date, from string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		messageID,
		truncate(subject, 200),
		date,
		truncate(from, 200),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
