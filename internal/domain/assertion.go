package domain

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an assertion type.
type Kind string

const (
	KindTextContains         Kind = "text-contains"
	KindQueryContains        Kind = "query-contains"
	KindDurationMax          Kind = "duration-max"
	KindRowCount             Kind = "row-count"
	KindRowMatch             Kind = "row-match"
	KindChartType            Kind = "chart-type"
	KindStructuredQueryMatch Kind = "structured-query-match"
	KindLLMJudge             Kind = "llm-judge"
)

// Kinds lists every supported assertion kind.
var Kinds = []Kind{
	KindTextContains,
	KindQueryContains,
	KindDurationMax,
	KindRowCount,
	KindRowMatch,
	KindChartType,
	KindStructuredQueryMatch,
	KindLLMJudge,
}

// Params is the typed parameter payload of an assertion. Each kind has
// exactly one implementation.
type Params interface {
	Kind() Kind
	Validate() error
}

// TextContainsParams passes when a final text part contains Substring.
type TextContainsParams struct {
	Substring string `json:"substring"`
}

// QueryContainsParams passes when a generated query contains Substring.
type QueryContainsParams struct {
	Substring string `json:"substring"`
}

// DurationMaxParams passes when the agent answered within MaxMs.
type DurationMaxParams struct {
	MaxMs int64 `json:"max_ms"`
}

// RowCountParams passes when the last data result has exactly Count rows.
type RowCountParams struct {
	Count int `json:"count"`
}

// RowMatchParams passes when one row of the last data result carries all Values.
type RowMatchParams struct {
	Values map[string]any `json:"values"`
}

// ChartTypeParams passes when the last chart uses Mark.
type ChartTypeParams struct {
	Mark string `json:"mark"`
}

// StructuredQueryMatchParams compares only the fields that are set.
type StructuredQueryMatchParams struct {
	Model   *string           `json:"model,omitempty"`
	Explore *string           `json:"explore,omitempty"`
	Fields  []string          `json:"fields,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Sorts   []string          `json:"sorts,omitempty"`
	Limit   *int              `json:"limit,omitempty"`
}

// LLMJudgeParams asks a judge model whether the response meets Criteria.
type LLMJudgeParams struct {
	Criteria string `json:"criteria"`
}

func (TextContainsParams) Kind() Kind         { return KindTextContains }
func (QueryContainsParams) Kind() Kind        { return KindQueryContains }
func (DurationMaxParams) Kind() Kind          { return KindDurationMax }
func (RowCountParams) Kind() Kind             { return KindRowCount }
func (RowMatchParams) Kind() Kind             { return KindRowMatch }
func (ChartTypeParams) Kind() Kind            { return KindChartType }
func (StructuredQueryMatchParams) Kind() Kind { return KindStructuredQueryMatch }
func (LLMJudgeParams) Kind() Kind             { return KindLLMJudge }

func (p TextContainsParams) Validate() error {
	if p.Substring == "" {
		return fmt.Errorf("substring is required")
	}
	return nil
}

func (p QueryContainsParams) Validate() error {
	if p.Substring == "" {
		return fmt.Errorf("substring is required")
	}
	return nil
}

func (p DurationMaxParams) Validate() error {
	if p.MaxMs <= 0 {
		return fmt.Errorf("max_ms must be positive")
	}
	return nil
}

func (p RowCountParams) Validate() error {
	if p.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	return nil
}

func (p RowMatchParams) Validate() error {
	if len(p.Values) == 0 {
		return fmt.Errorf("values must declare at least one column")
	}
	return nil
}

func (p ChartTypeParams) Validate() error {
	if p.Mark == "" {
		return fmt.Errorf("mark is required")
	}
	return nil
}

func (p StructuredQueryMatchParams) Validate() error {
	if p.Model == nil && p.Explore == nil && p.Fields == nil && p.Filters == nil && p.Sorts == nil && p.Limit == nil {
		return fmt.Errorf("at least one query field must be declared")
	}
	return nil
}

func (p LLMJudgeParams) Validate() error {
	if p.Criteria == "" {
		return fmt.Errorf("criteria is required")
	}
	return nil
}

// DecodeParams decodes and validates the stored parameter blob for kind.
func DecodeParams(kind Kind, raw json.RawMessage) (Params, error) {
	var p Params
	switch kind {
	case KindTextContains:
		p = &TextContainsParams{}
	case KindQueryContains:
		p = &QueryContainsParams{}
	case KindDurationMax:
		p = &DurationMaxParams{}
	case KindRowCount:
		p = &RowCountParams{}
	case KindRowMatch:
		p = &RowMatchParams{}
	case KindChartType:
		p = &ChartTypeParams{}
	case KindStructuredQueryMatch:
		p = &StructuredQueryMatchParams{}
	case KindLLMJudge:
		p = &LLMJudgeParams{}
	default:
		return nil, fmt.Errorf("unknown assertion kind %q", kind)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("invalid %s params: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s params: %w", kind, err)
	}
	return p, nil
}

// EncodeParams marshals params for storage.
func EncodeParams(p Params) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("params are required")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", p.Kind(), err)
	}
	return b, nil
}
