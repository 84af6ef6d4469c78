// Package policy evaluates run admission with OPA.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.run_policy.result as
// {"decision": "allow" | "deny", "reasons": [string]}.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_policy.result"),
		rego.Module("run_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// AgentInput describes the agent a run targets.
type AgentInput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SuiteInput describes the suite a run snapshots.
type SuiteInput struct {
	ID           string `json:"id"`
	ExampleCount int    `json:"example_count"`
}

// RunInput is the policy input for a run admission decision.
type RunInput struct {
	Agent               AgentInput `json:"agent"`
	Suite               SuiteInput `json:"suite"`
	MaxRetries          int        `json:"max_retries"`
	GenerateSuggestions bool       `json:"generate_suggestions"`
}

// Evaluate checks the run policy.
// Returns: decision (allow, deny), reason (empty when allowed), error
func (e *Engine) Evaluate(ctx context.Context, input RunInput) (string, string, error) {
	// rego.EvalInput wants plain JSON values.
	in := map[string]interface{}{
		"agent": map[string]interface{}{"id": input.Agent.ID, "status": input.Agent.Status},
		"suite": map[string]interface{}{"id": input.Suite.ID, "example_count": input.Suite.ExampleCount},
		"max_retries":          input.MaxRetries,
		"generate_suggestions": input.GenerateSuggestions,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", "", fmt.Errorf("policy produced no result")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return "", "", fmt.Errorf("policy result has unexpected type %T", results[0].Expressions[0].Value)
	}
	decision, _ := obj["decision"].(string)
	var reasons []string
	if list, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}

	switch decision {
	case DecisionAllow, DecisionDeny:
		return decision, strings.Join(reasons, "; "), nil
	default:
		return "", "", fmt.Errorf("policy returned unknown decision %q", decision)
	}
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package run_policy

default decision = "allow"

decision = "deny" {
	count(deny) > 0
}

deny[msg] {
	input.suite.example_count == 0
	msg := "suite has no active examples"
}

deny[msg] {
	input.agent.status != "healthy"
	msg := sprintf("agent %s is %s", [input.agent.id, input.agent.status])
}

deny[msg] {
	input.max_retries > 10
	msg := sprintf("max_retries %d exceeds 10", [input.max_retries])
}

reasons = [msg | deny[msg]]

result = {"decision": decision, "reasons": reasons}
`
