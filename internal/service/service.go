package service

import (
	"time"

	"github.com/xiaot623/gogo/evaluator/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/evaluator/internal/adapter/llm"
	"github.com/xiaot623/gogo/evaluator/internal/assertion"
	"github.com/xiaot623/gogo/evaluator/internal/config"
	"github.com/xiaot623/gogo/evaluator/internal/repository"
	"github.com/xiaot623/gogo/evaluator/policy"
)

type Service struct {
	store        store.Store
	agentClient  agentclient.Asker
	engine       *assertion.Engine
	suggester    llm.Suggester
	config       *config.Config
	policyEngine *policy.Engine
	now          func() time.Time
}

// New builds the service. suggester and policyEngine may be nil; runs then
// skip suggestion generation and admission checks respectively.
func New(store store.Store, agentClient agentclient.Asker, engine *assertion.Engine, suggester llm.Suggester, cfg *config.Config, policyEngine *policy.Engine) *Service {
	if engine == nil {
		engine = assertion.NewEngine(nil)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{
		store:        store,
		agentClient:  agentClient,
		engine:       engine,
		suggester:    suggester,
		config:       cfg,
		policyEngine: policyEngine,
		now:          time.Now,
	}
}

// SetClock replaces the clock used for every timestamp the service writes.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Store exposes the underlying store to the scheduler.
func (s *Service) Store() store.Store {
	return s.store
}
