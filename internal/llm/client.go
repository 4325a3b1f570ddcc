// Package llm talks to a language model for classification, reply drafting,
// and event extraction, with a rule-based fallback when no model is
// configured or a call fails.
package llm

import (
	"context"

	"github.com/nhle/mailpilot/internal/model"
)

// Input is the message view handed to the model: parsed metadata plus the
// normalized body text.
type Input struct {
	From    string
	Subject string
	Date    string
	Body    string
}

// Client produces structured judgments about one message.
type Client interface {
	// Classify assigns a category with a confidence in [0, 1].
	Classify(ctx context.Context, in Input) (*model.Classification, error)

	// DraftReply writes a reply body for a message that needs one.
	DraftReply(ctx context.Context, in Input) (string, error)

	// ExtractEvents pulls calendar event candidates out of the message.
	// An empty slice means the message proposes no event.
	ExtractEvents(ctx context.Context, in Input) ([]model.EventCandidate, error)
}
