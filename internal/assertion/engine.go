// Package assertion scores agent responses against typed assertions.
package assertion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// JudgeRequest is what the engine hands a judge model for an llm-judge assertion.
type JudgeRequest struct {
	Criteria string
	Response string
	Query    string
}

// Verdict is a judge model's decision.
type Verdict struct {
	Pass        bool
	Explanation string
}

// Judge decides free-form criteria that no deterministic evaluator can check.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (*Verdict, error)
}

// Engine evaluates assertion snapshots against agent responses. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	judge Judge
	now   func() time.Time
}

// NewEngine creates an engine. judge may be nil, in which case llm-judge
// assertions fail with a diagnostic.
func NewEngine(judge Judge) *Engine {
	return &Engine{judge: judge, now: time.Now}
}

// Evaluate runs one assertion. It never returns an error: malformed params,
// missing response structure, judge failures and evaluator panics all yield
// passed=false with a reason.
func (e *Engine) Evaluate(ctx context.Context, resp *domain.AgentResponse, a domain.AssertionSnapshot) (result domain.AssertionResult) {
	result = domain.AssertionResult{
		AssertionSnapshotID: a.AssertionSnapshotID,
		Kind:                a.Kind,
		Weight:              a.Weight,
		CreatedAt:           e.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: assertion %s (%s) panicked: %v", a.AssertionSnapshotID, a.Kind, r)
			result.Passed = false
			result.Score = 0
			result.ErrorMessage = fmt.Sprintf("evaluator panic: %v", r)
		}
	}()

	params, err := domain.DecodeParams(a.Kind, a.Params)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	if resp == nil {
		resp = &domain.AgentResponse{}
	}

	var out outcome
	switch p := params.(type) {
	case *domain.TextContainsParams:
		out = evalTextContains(resp, p)
	case *domain.QueryContainsParams:
		out = evalQueryContains(resp, p)
	case *domain.DurationMaxParams:
		out = evalDurationMax(resp, p)
	case *domain.RowCountParams:
		out = evalRowCount(resp, p)
	case *domain.RowMatchParams:
		out = evalRowMatch(resp, p)
	case *domain.ChartTypeParams:
		out = evalChartType(resp, p)
	case *domain.StructuredQueryMatchParams:
		out = evalStructuredQuery(resp, p)
	case *domain.LLMJudgeParams:
		out = e.evalJudge(ctx, resp, p)
	default:
		result.ErrorMessage = fmt.Sprintf("no evaluator for kind %q", a.Kind)
		return result
	}

	result.Passed = out.passed
	result.Reasoning = out.reason
	result.ErrorMessage = out.err
	if out.passed {
		result.Score = 1
	}
	return result
}

// EvaluateAll runs every assertion independently, in order.
func (e *Engine) EvaluateAll(ctx context.Context, resp *domain.AgentResponse, assertions []domain.AssertionSnapshot) []domain.AssertionResult {
	results := make([]domain.AssertionResult, 0, len(assertions))
	for _, a := range assertions {
		results = append(results, e.Evaluate(ctx, resp, a))
	}
	return results
}

// Score is the mean score of the results with positive weight. It returns
// nil when no result carries weight.
func Score(results []domain.AssertionResult) *float64 {
	var sum float64
	var n int
	for _, r := range results {
		if r.Weight <= 0 {
			continue
		}
		sum += r.Score
		n++
	}
	if n == 0 {
		return nil
	}
	score := sum / float64(n)
	return &score
}

type outcome struct {
	passed bool
	reason string
	err    string
}

func pass(format string, args ...any) outcome {
	return outcome{passed: true, reason: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) outcome {
	return outcome{reason: fmt.Sprintf(format, args...)}
}

func broken(format string, args ...any) outcome {
	msg := fmt.Sprintf(format, args...)
	return outcome{reason: msg, err: msg}
}
