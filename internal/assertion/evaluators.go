package assertion

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

func evalTextContains(resp *domain.AgentResponse, p *domain.TextContainsParams) outcome {
	parts := resp.FinalText()
	for i, part := range parts {
		if strings.Contains(part, p.Substring) {
			return pass("text part %d contains %q", i, p.Substring)
		}
	}
	if len(parts) == 0 {
		return fail("response has no final text")
	}
	return fail("no final text part contains %q", p.Substring)
}

func evalQueryContains(resp *domain.AgentResponse, p *domain.QueryContainsParams) outcome {
	var seen int
	for _, m := range resp.Messages {
		if m.Type != domain.MessageTypeQuery || m.Query == nil || m.Query.GeneratedQuery == "" {
			continue
		}
		seen++
		if strings.Contains(m.Query.GeneratedQuery, p.Substring) {
			return pass("generated query contains %q", p.Substring)
		}
	}
	if seen == 0 {
		return fail("response has no generated query")
	}
	return fail("no generated query contains %q", p.Substring)
}

func evalDurationMax(resp *domain.AgentResponse, p *domain.DurationMaxParams) outcome {
	if resp.DurationMs <= p.MaxMs {
		return pass("took %dms, limit %dms", resp.DurationMs, p.MaxMs)
	}
	return fail("took %dms, limit %dms", resp.DurationMs, p.MaxMs)
}

func lastData(resp *domain.AgentResponse) *domain.DataPart {
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		if m.Type == domain.MessageTypeData && m.Data != nil {
			return m.Data
		}
	}
	return nil
}

func evalRowCount(resp *domain.AgentResponse, p *domain.RowCountParams) outcome {
	data := lastData(resp)
	if data == nil {
		return fail("response has no data result")
	}
	if len(data.Rows) == p.Count {
		return pass("last data result has %d rows", len(data.Rows))
	}
	return fail("last data result has %d rows, expected %d", len(data.Rows), p.Count)
}

func evalRowMatch(resp *domain.AgentResponse, p *domain.RowMatchParams) outcome {
	data := lastData(resp)
	if data == nil {
		return fail("response has no data result")
	}
	want, err := normalize(p.Values)
	if err != nil {
		return broken("invalid row-match values: %v", err)
	}
	wantRow, _ := want.(map[string]any)

	cols := make([]string, 0, len(wantRow))
	for col := range wantRow {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	for i, row := range data.Rows {
		got, err := normalize(row)
		if err != nil {
			continue
		}
		gotRow, _ := got.(map[string]any)
		matched := true
		for _, col := range cols {
			v, ok := gotRow[col]
			if !ok || !reflect.DeepEqual(v, wantRow[col]) {
				matched = false
				break
			}
		}
		if matched {
			return pass("row %d matches %s", i, strings.Join(cols, ", "))
		}
	}
	return fail("no row of %d matches %s", len(data.Rows), strings.Join(cols, ", "))
}

// normalize round-trips v through JSON so numbers compare as float64
// regardless of how they were produced.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// chartMark extracts spec.mark, which is either a string or {"type": ...}.
func chartMark(spec json.RawMessage) (string, error) {
	var s struct {
		Mark json.RawMessage `json:"mark"`
	}
	if err := json.Unmarshal(spec, &s); err != nil {
		return "", fmt.Errorf("invalid chart spec: %w", err)
	}
	if len(s.Mark) == 0 {
		return "", fmt.Errorf("chart spec has no mark")
	}
	var mark string
	if err := json.Unmarshal(s.Mark, &mark); err == nil {
		return mark, nil
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(s.Mark, &obj); err != nil || obj.Type == "" {
		return "", fmt.Errorf("chart mark is neither a string nor an object with a type")
	}
	return obj.Type, nil
}

func evalChartType(resp *domain.AgentResponse, p *domain.ChartTypeParams) outcome {
	// Later charts supersede earlier ones.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		if m.Type != domain.MessageTypeChart || m.Chart == nil {
			continue
		}
		mark, err := chartMark(m.Chart.Spec)
		if err != nil {
			return broken("last chart: %v", err)
		}
		if mark == p.Mark {
			return pass("last chart mark is %q", mark)
		}
		return fail("last chart mark is %q, expected %q", mark, p.Mark)
	}
	return fail("response has no chart")
}

func lastQuery(resp *domain.AgentResponse) *domain.StructuredQuery {
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		if m.Type == domain.MessageTypeQuery && m.Query != nil && m.Query.Query != nil {
			return m.Query.Query
		}
	}
	return nil
}

func evalStructuredQuery(resp *domain.AgentResponse, p *domain.StructuredQueryMatchParams) outcome {
	q := lastQuery(resp)
	if q == nil {
		return fail("response has no structured query")
	}

	var mismatches []string
	if p.Model != nil && *p.Model != q.Model {
		mismatches = append(mismatches, fmt.Sprintf("model %q != %q", q.Model, *p.Model))
	}
	if p.Explore != nil && *p.Explore != q.Explore {
		mismatches = append(mismatches, fmt.Sprintf("explore %q != %q", q.Explore, *p.Explore))
	}
	if p.Fields != nil && !sameSet(p.Fields, q.Fields) {
		mismatches = append(mismatches, fmt.Sprintf("fields %v != %v", q.Fields, p.Fields))
	}
	if p.Filters != nil {
		keys := make([]string, 0, len(p.Filters))
		for k := range p.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if got, ok := q.Filters[k]; !ok || got != p.Filters[k] {
				mismatches = append(mismatches, fmt.Sprintf("filter %s %q != %q", k, got, p.Filters[k]))
			}
		}
	}
	if p.Sorts != nil && !reflect.DeepEqual(nonNil(p.Sorts), nonNil(q.Sorts)) {
		mismatches = append(mismatches, fmt.Sprintf("sorts %v != %v", q.Sorts, p.Sorts))
	}
	if p.Limit != nil && (q.Limit == nil || *q.Limit != *p.Limit) {
		got := "none"
		if q.Limit != nil {
			got = fmt.Sprint(*q.Limit)
		}
		mismatches = append(mismatches, fmt.Sprintf("limit %s != %d", got, *p.Limit))
	}

	if len(mismatches) > 0 {
		return fail("%s", strings.Join(mismatches, "; "))
	}
	return pass("structured query matches declared fields")
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (e *Engine) evalJudge(ctx context.Context, resp *domain.AgentResponse, p *domain.LLMJudgeParams) outcome {
	if e.judge == nil {
		return broken("no judge model configured")
	}
	req := JudgeRequest{
		Criteria: p.Criteria,
		Response: strings.Join(resp.FinalText(), "\n"),
	}
	for _, m := range resp.Messages {
		if m.Type == domain.MessageTypeQuery && m.Query != nil && m.Query.GeneratedQuery != "" {
			req.Query = m.Query.GeneratedQuery
		}
	}
	verdict, err := e.judge.Judge(ctx, req)
	if err != nil {
		return broken("judge failed: %v", err)
	}
	if verdict == nil {
		return broken("judge returned no verdict")
	}
	if verdict.Pass {
		return outcome{passed: true, reason: verdict.Explanation}
	}
	return outcome{reason: verdict.Explanation}
}
