package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/evaluator/internal/assertion"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

type cannedClient struct {
	content string
	last    *ChatCompletionRequest
}

func (c *cannedClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	c.last = req
	return &ChatCompletionResponse{Choices: []Choice{{Message: &ChatMessage{Role: "assistant", Content: c.content}}}}, nil
}

func TestClientCreateChatCompletion(t *testing.T) {
	var gotAuth string
	var gotReq ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret", time.Second)
	resp, err := client.CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	content, err := resp.Content()
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "m", gotReq.Model)
}

func TestClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", time.Second).CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
	assert.Contains(t, err.Error(), "429")
}

func TestJudgeParsesFencedVerdict(t *testing.T) {
	client := &cannedClient{content: "```json\n{\"verdict\":\"no\",\"explanation\":\"off topic\"}\n```"}
	judge := NewJudge(client, "judge-model")

	v, err := judge.Judge(context.Background(), assertion.JudgeRequest{Criteria: "mentions revenue", Response: "hello"})
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Equal(t, "off topic", v.Explanation)
	assert.Equal(t, "judge-model", client.last.Model)

	client.content = `{"verdict":"maybe"}`
	_, err = judge.Judge(context.Background(), assertion.JudgeRequest{Criteria: "x"})
	assert.Error(t, err)
}

func TestSuggesterDropsInvalidDrafts(t *testing.T) {
	client := &cannedClient{content: `[
		{"kind":"text-contains","weight":1,"params":{"substring":"revenue"},"rationale":"key term"},
		{"kind":"row-count","params":{"count":3}},
		{"kind":"made-up","params":{}},
		{"kind":"duration-max","params":{"max_ms":-5}}
	]`}
	s := NewSuggester(client, "m")

	drafts, err := s.Suggest(context.Background(), SuggestRequest{
		Question: "q",
		Trace:    "[]",
		Existing: []domain.AssertionSnapshot{{Kind: domain.KindChartType, Weight: 1, Params: json.RawMessage(`{"mark":"bar"}`)}},
	})
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, domain.KindTextContains, drafts[0].Kind)
	assert.Equal(t, 1.0, drafts[1].Weight)
	assert.Contains(t, client.last.Messages[1].Content, "chart-type")
}

func TestMockClientAnswersJudgeAndSuggestPrompts(t *testing.T) {
	mock := NewMockClient()

	v, err := NewJudge(mock, "m").Judge(context.Background(), assertion.JudgeRequest{Criteria: "anything"})
	require.NoError(t, err)
	assert.True(t, v.Pass)

	drafts, err := NewSuggester(mock, "m").Suggest(context.Background(), SuggestRequest{Question: "q"})
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestNewLLMClientMockMode(t *testing.T) {
	t.Setenv(EnvGogoMode, ModeMock)
	if _, ok := NewLLMClient("", "", time.Second).(*MockClient); !ok {
		t.Fatalf("expected mock client in MOCK mode")
	}

	t.Setenv(EnvGogoMode, "")
	if _, ok := NewLLMClient("http://llm", "", time.Second).(*Client); !ok {
		t.Fatalf("expected real client")
	}
}
