package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/evaluator/internal/assertion"
)

const judgeMarker = "You are an evaluation judge."

const judgeSystemPrompt = judgeMarker + ` You decide whether an AI data agent's answer meets a criterion.
Reply with a JSON object only: {"verdict": "yes" | "no", "explanation": "<one or two sentences>"}.`

// Judge asks a chat model for a yes/no verdict on free-form criteria.
type Judge struct {
	client LLMClient
	model  string
}

// NewJudge creates a judge backed by client using model.
func NewJudge(client LLMClient, model string) *Judge {
	return &Judge{client: client, model: model}
}

var _ assertion.Judge = (*Judge)(nil)

// Judge implements assertion.Judge.
func (j *Judge) Judge(ctx context.Context, req assertion.JudgeRequest) (*assertion.Verdict, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Criterion:\n%s\n\nAgent answer:\n%s\n", req.Criteria, req.Response)
	if req.Query != "" {
		fmt.Fprintf(&user, "\nQuery the agent ran:\n%s\n", req.Query)
	}

	temperature := 0.0
	resp, err := j.client.CreateChatCompletion(ctx, &ChatCompletionRequest{
		Model:       j.model,
		Temperature: &temperature,
		Messages: []ChatMessage{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: user.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("judge completion: %w", err)
	}
	content, err := resp.Content()
	if err != nil {
		return nil, err
	}
	return parseVerdict(content)
}

func parseVerdict(content string) (*assertion.Verdict, error) {
	var v struct {
		Verdict     string `json:"verdict"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &v); err != nil {
		return nil, fmt.Errorf("parsing judge response: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(v.Verdict)) {
	case "yes", "pass", "true":
		return &assertion.Verdict{Pass: true, Explanation: v.Explanation}, nil
	case "no", "fail", "false":
		return &assertion.Verdict{Pass: false, Explanation: v.Explanation}, nil
	default:
		return nil, fmt.Errorf("parsing judge response: unknown verdict %q", v.Verdict)
	}
}

// stripFences removes a markdown code fence around a JSON reply.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
