package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailpilot/internal/model"
)

const defaultBaseURL = "https://openrouter.ai/api/v1/chat/completions"

// maxPromptBody caps how much message text goes into a prompt.
const maxPromptBody = 12 * 1024

// OpenRouterClient implements Client against the OpenRouter chat completions
// API.
type OpenRouterClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOpenRouterClient creates a client. model may be empty to use the
// account default; baseURL may be empty to use the public endpoint.
func NewOpenRouterClient(apiKey, modelName, baseURL string, logger *zap.Logger) *OpenRouterClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenRouterClient{
		apiKey:  apiKey,
		model:   modelName,
		baseURL: baseURL,
		httpClient: &http.Client{
			// LLM calls on free-tier models can be slow.
			Timeout: 120 * time.Second,
		},
		logger: logger,
	}
}

func (c *OpenRouterClient) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"messages": []map[string]interface{}{
			{"role": "user", "content": prompt},
		},
	}
	if c.model != "" {
		reqBody["model"] = c.model
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm API error (status %d): %s", resp.StatusCode, truncateForLog(string(body)))
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("parsing API response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("no response from llm")
	}
	return apiResp.Choices[0].Message.Content, nil
}

// Classify implements Client.
func (c *OpenRouterClient) Classify(ctx context.Context, in Input) (*model.Classification, error) {
	content, err := c.complete(ctx, classifyPrompt(in))
	if err != nil {
		return nil, err
	}

	var out model.Classification
	if err := json.Unmarshal([]byte(cleanJSONObject(content)), &out); err != nil {
		return nil, fmt.Errorf("parsing classification JSON: %w", err)
	}
	if !model.ValidCategory(string(out.Category)) {
		c.logger.Warn("llm returned unknown category, demoting",
			zap.String("event", "llm_unknown_category"),
			zap.String("category", string(out.Category)))
		out.Category = model.CategoryNeedsReview
		out.Confidence = 0
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return &out, nil
}

// DraftReply implements Client.
func (c *OpenRouterClient) DraftReply(ctx context.Context, in Input) (string, error) {
	content, err := c.complete(ctx, draftPrompt(in))
	if err != nil {
		return "", err
	}
	body := strings.TrimSpace(stripFences(content))
	if body == "" {
		return "", fmt.Errorf("llm returned empty draft")
	}
	return body, nil
}

// ExtractEvents implements Client. A model answering with a single object
// instead of a list is tolerated.
func (c *OpenRouterClient) ExtractEvents(ctx context.Context, in Input) ([]model.EventCandidate, error) {
	content, err := c.complete(ctx, extractPrompt(in))
	if err != nil {
		return nil, err
	}

	cleaned := strings.TrimSpace(stripFences(content))
	if cleaned == "" || cleaned == "[]" || strings.EqualFold(cleaned, "none") {
		return nil, nil
	}

	var list []model.EventCandidate
	if err := json.Unmarshal([]byte(cleaned), &list); err == nil {
		return list, nil
	}
	var single model.EventCandidate
	if err := json.Unmarshal([]byte(cleanJSONObject(cleaned)), &single); err == nil {
		if single.Summary == "" && single.Start == "" {
			return nil, nil
		}
		return []model.EventCandidate{single}, nil
	}
	return nil, fmt.Errorf("parsing event candidates: unrecognized response shape")
}

func classifyPrompt(in Input) string {
	categories := make([]string, 0, len(model.Categories))
	for _, cat := range model.Categories {
		categories = append(categories, string(cat))
	}
	return fmt.Sprintf(`You triage email for a busy professional. Classify the message below.

Return ONLY a JSON object with these keys:
{
  "category": one of %s,
  "confidence": number between 0 and 1,
  "rationale": one short sentence,
  "tags": array of short lowercase keywords,
  "reply_needed": true if the sender expects a personal reply,
  "contains_event_request": true if the message proposes a meeting or appointment with a concrete time
}

Rules:
- Automated receipts, invoices and order confirmations are "Receipts".
- Mailing lists and marketing are "Newsletters".
- Automated system or service notices are "Notifications".
- Use "ToReply" only when a human is waiting for an answer.
- Use "NeedsReview" when genuinely unsure, with low confidence.

From: %s
Subject: %s
Date: %s

%s`, strings.Join(categories, " | "), in.From, in.Subject, in.Date, clipBody(in.Body))
}

func draftPrompt(in Input) string {
	return fmt.Sprintf(`Write a reply to the email below on behalf of the recipient.

Rules:
- Answer the sender's actual questions where the email gives you the facts; otherwise acknowledge and promise a follow-up.
- Match the sender's language.
- Be concise and professional. No subject line, no signature placeholder, no markdown.
- Output ONLY the reply body text.

From: %s
Subject: %s
Date: %s

%s`, in.From, in.Subject, in.Date, clipBody(in.Body))
}

func extractPrompt(in Input) string {
	return fmt.Sprintf(`Extract calendar events proposed in the email below.

Return ONLY a JSON array (possibly empty) of objects with these keys:
{
  "summary": short event title,
  "start": start date-time as written or ISO 8601,
  "end": end date-time or "",
  "duration_minutes": integer or 0 when unknown,
  "timezone": IANA timezone name or "",
  "location": place or "",
  "evidence": array of the sentences the event came from
}

Rules:
- Only include events with a concrete date or day. Vague "let's meet sometime" is not an event.
- Do not invent times that are not in the text.

From: %s
Subject: %s
Date: %s

%s`, in.From, in.Subject, in.Date, clipBody(in.Body))
}

// cleanJSONObject extracts the first JSON object from model output that may
// be wrapped in markdown fences or prose.
func cleanJSONObject(content string) string {
	content = stripFences(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || start > end {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(content[start : end+1])
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func clipBody(body string) string {
	if len(body) > maxPromptBody {
		return body[:maxPromptBody]
	}
	return body
}

func truncateForLog(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
