package domain

import "encoding/json"

// CreateRunRequest asks for a new run of an agent against a suite.
type CreateRunRequest struct {
	AgentID             string `json:"agent_id"`
	SuiteID             string `json:"suite_id"`
	MaxRetries          *int   `json:"max_retries,omitempty"`
	GenerateSuggestions bool   `json:"generate_suggestions"`
}

// CreateSuiteRequest imports a suite with its examples and assertions.
type CreateSuiteRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Examples    []CreateExampleRequest `json:"examples"`
}

// CreateExampleRequest is one example of a CreateSuiteRequest.
type CreateExampleRequest struct {
	Question   string                   `json:"question"`
	Assertions []CreateAssertionRequest `json:"assertions,omitempty"`
}

// CreateAssertionRequest is one assertion of a CreateExampleRequest.
type CreateAssertionRequest struct {
	Kind   Kind            `json:"kind"`
	Weight *float64        `json:"weight,omitempty"`
	Params json.RawMessage `json:"params"`
}

// RegisterAgentRequest registers or updates an agent.
type RegisterAgentRequest struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	Endpoint    string          `json:"endpoint"`
	Datasource  string          `json:"datasource,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// TrialDetail is a trial with its assertion results.
type TrialDetail struct {
	Trial
	Question string            `json:"question"`
	Results  []AssertionResult `json:"results"`
}
