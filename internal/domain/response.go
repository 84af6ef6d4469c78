package domain

import "encoding/json"

// MessageType tags the payload carried by a SystemMessage.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeQuery MessageType = "query"
	MessageTypeData  MessageType = "data"
	MessageTypeChart MessageType = "chart"
)

// TextType distinguishes final answers from intermediate reasoning.
type TextType string

const (
	TextTypeFinal    TextType = "FINAL_RESPONSE"
	TextTypeThought  TextType = "THOUGHT"
	TextTypeProgress TextType = "PROGRESS"
)

// SystemMessage is one typed event emitted by an agent while answering.
type SystemMessage struct {
	Type  MessageType `json:"type"`
	Text  *TextPart   `json:"text,omitempty"`
	Query *QueryPart  `json:"query,omitempty"`
	Data  *DataPart   `json:"data,omitempty"`
	Chart *ChartPart  `json:"chart,omitempty"`
}

// TextPart holds natural-language output.
type TextPart struct {
	TextType TextType `json:"text_type,omitempty"`
	Parts    []string `json:"parts"`
}

// QueryPart holds the query the agent generated.
type QueryPart struct {
	GeneratedQuery string           `json:"generated_query,omitempty"`
	Query          *StructuredQuery `json:"query,omitempty"`
}

// StructuredQuery is the semantic-layer query the agent ran.
type StructuredQuery struct {
	Model   string            `json:"model,omitempty"`
	Explore string            `json:"explore,omitempty"`
	Fields  []string          `json:"fields,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Sorts   []string          `json:"sorts,omitempty"`
	Limit   *int              `json:"limit,omitempty"`
}

// DataPart holds a tabular result.
type DataPart struct {
	Rows []map[string]any `json:"rows"`
}

// ChartPart holds a visualization spec. Spec.mark is either a string or an
// object with a "type" member.
type ChartPart struct {
	Spec json.RawMessage `json:"spec"`
}

// AgentResponse is what the agent client returns for one question.
type AgentResponse struct {
	Messages   []SystemMessage `json:"messages"`
	DurationMs int64           `json:"duration_ms"`
	TTFRMs     *int64          `json:"time_to_first_response_ms,omitempty"`
}

// FinalText returns every non-thought text part in order.
func (r *AgentResponse) FinalText() []string {
	var out []string
	if r == nil {
		return out
	}
	for _, m := range r.Messages {
		if m.Type != MessageTypeText || m.Text == nil || m.Text.TextType == TextTypeThought {
			continue
		}
		out = append(out, m.Text.Parts...)
	}
	return out
}

// AgentErrorData is the data of an agent error event.
type AgentErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentDoneData is the data of an agent done event.
type AgentDoneData struct {
	DurationMs int64 `json:"duration_ms,omitempty"`
}
