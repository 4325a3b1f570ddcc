package model

// Category is the classification bucket assigned to a message.
type Category string

const (
	CategoryToReply         Category = "ToReply"
	CategoryReceipts        Category = "Receipts"
	CategoryNewsletters     Category = "Newsletters"
	CategoryNotifications   Category = "Notifications"
	CategoryCalendarCreated Category = "CalendarCreated"
	CategoryNoAction        Category = "NoAction"
	CategoryNeedsReview     Category = "NeedsReview"
)

// Categories lists every classification category in a stable order.
var Categories = []Category{
	CategoryToReply,
	CategoryReceipts,
	CategoryNewsletters,
	CategoryNotifications,
	CategoryCalendarCreated,
	CategoryNoAction,
	CategoryNeedsReview,
}

// ValidCategory reports whether s names a known category.
func ValidCategory(s string) bool {
	for _, c := range Categories {
		if string(c) == s {
			return true
		}
	}
	return false
}

// FilingMode selects how processed messages are filed into category folders.
type FilingMode string

const (
	FilingModeMove FilingMode = "move"
	FilingModeCopy FilingMode = "copy"
)

// Filing statuses recorded on a message. The terminal statuses stop a
// message from ever being retried again.
const (
	FilingStatusMoved   = "moved"
	FilingStatusCopied  = "copied"
	FilingStatusSkipped = "skipped"
	FilingStatusReplied = "replied"
)

// TerminalFilingStatus reports whether status ends a message's processing.
// "copied" is deliberately not terminal: a copied message stays in the inbox
// and may still need a retry of later stages.
func TerminalFilingStatus(status string) bool {
	switch status {
	case FilingStatusMoved, FilingStatusSkipped, FilingStatusReplied:
		return true
	}
	return false
}

// MessageMeta holds the structured metadata extracted from a raw message.
type MessageMeta struct {
	Folder     string
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string
	From       string
	To         string
	Cc         string
	ReplyTo    string
	ToAddrs    []string
	CcAddrs    []string
	Subject    string
	Date       string
}

// Classification is the result returned by the classifier collaborator.
type Classification struct {
	Category             Category `json:"category"`
	Confidence           float64  `json:"confidence"`
	Rationale            string   `json:"rationale"`
	Tags                 []string `json:"tags"`
	ReplyNeeded          bool     `json:"reply_needed"`
	ContainsEventRequest bool     `json:"contains_event_request"`
}

// ActionPlan is the set of pipeline side effects selected for a message.
type ActionPlan struct {
	CreateDraft         bool
	ExtractEvent        bool
	CreateCalendarEvent bool
	FileMessage         bool
}

// ReplyDraft is a composed reply before it is rendered to RFC 822 bytes.
type ReplyDraft struct {
	To         []string
	Cc         []string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
}

// EventCandidate is a raw calendar event extracted by the collaborator.
// Start and End may be ISO timestamps or natural-language datetimes.
type EventCandidate struct {
	Summary         string   `json:"summary"`
	Start           string   `json:"start"`
	End             string   `json:"end"`
	DurationMinutes int      `json:"duration_minutes"`
	Timezone        string   `json:"timezone"`
	Location        string   `json:"location"`
	Evidence        []string `json:"evidence"`
}

// ValidatedEvent is a candidate that passed validation, normalized for
// calendar creation.
type ValidatedEvent struct {
	Summary     string
	StartISO    string
	EndISO      string
	Timezone    string
	Location    string
	Description string
}
