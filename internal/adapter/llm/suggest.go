package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

const suggestMarker = "You propose assertion suggestions"

const suggestSystemPrompt = suggestMarker + ` for an evaluation suite of an AI data agent.
Given the question, the agent's response trace and the assertions that already exist, propose up to
three new assertions that would catch regressions. Reply with a JSON array only, each item
{"kind": "<kind>", "weight": <number>, "params": {...}, "rationale": "<why>"}.
Allowed kinds and params:
- text-contains {"substring": string}
- query-contains {"substring": string}
- duration-max {"max_ms": integer}
- row-count {"count": integer}
- row-match {"values": {column: value}}
- chart-type {"mark": string}
- structured-query-match {"model"?, "explore"?, "fields"?, "filters"?, "sorts"?, "limit"?}
- llm-judge {"criteria": string}`

// SuggestRequest is the input of one suggestion round.
type SuggestRequest struct {
	Question string
	Trace    string
	Existing []domain.AssertionSnapshot
}

// Suggester drafts new assertions from a completed trial.
type Suggester interface {
	Suggest(ctx context.Context, req SuggestRequest) ([]domain.AssertionDraft, error)
}

// ChatSuggester implements Suggester with a chat model.
type ChatSuggester struct {
	client LLMClient
	model  string
}

// NewSuggester creates a suggester backed by client using model.
func NewSuggester(client LLMClient, model string) *ChatSuggester {
	return &ChatSuggester{client: client, model: model}
}

// Suggest returns the valid drafts the model proposed. Drafts with unknown
// kinds or invalid params are dropped.
func (s *ChatSuggester) Suggest(ctx context.Context, req SuggestRequest) ([]domain.AssertionDraft, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Question:\n%s\n\nResponse trace:\n%s\n\nExisting assertions:\n", req.Question, req.Trace)
	if len(req.Existing) == 0 {
		user.WriteString("(none)\n")
	}
	for _, a := range req.Existing {
		fmt.Fprintf(&user, "- %s weight=%g %s\n", a.Kind, a.Weight, string(a.Params))
	}

	resp, err := s.client.CreateChatCompletion(ctx, &ChatCompletionRequest{
		Model: s.model,
		Messages: []ChatMessage{
			{Role: "system", Content: suggestSystemPrompt},
			{Role: "user", Content: user.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("suggestion completion: %w", err)
	}
	content, err := resp.Content()
	if err != nil {
		return nil, err
	}
	return parseDrafts(content)
}

func parseDrafts(content string) ([]domain.AssertionDraft, error) {
	var raw []domain.AssertionDraft
	if err := json.Unmarshal([]byte(stripFences(content)), &raw); err != nil {
		return nil, fmt.Errorf("parsing suggestion response: %w", err)
	}

	drafts := make([]domain.AssertionDraft, 0, len(raw))
	for _, d := range raw {
		if _, err := domain.DecodeParams(d.Kind, d.Params); err != nil {
			log.Printf("WARN: dropping suggested %s assertion: %v", d.Kind, err)
			continue
		}
		if d.Weight <= 0 {
			d.Weight = 1
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}
