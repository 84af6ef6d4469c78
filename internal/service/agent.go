package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

func (s *Service) RegisterAgent(ctx context.Context, req domain.RegisterAgentRequest) (*domain.Agent, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, invalid("agent_id is required")
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, invalid("endpoint is required")
	}
	name := req.Name
	if name == "" {
		name = req.AgentID
	}

	agent := &domain.Agent{
		AgentID:     req.AgentID,
		Name:        name,
		Endpoint:    strings.TrimRight(req.Endpoint, "/"),
		Datasource:  req.Datasource,
		Credentials: req.Credentials,
		Config:      req.Config,
		Status:      "healthy",
		CreatedAt:   s.now(),
	}

	if err := s.store.RegisterAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	return agent, nil
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return agent, nil
}
