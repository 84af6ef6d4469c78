package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/evaluator/internal/domain"
)

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, runID, trialID string, eventType domain.EventType, payload interface{}) error {
	var payloadBytes []byte
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		TrialID: trialID,
		Ts:      s.now().UnixMilli(),
		Type:    eventType,
		Payload: payloadBytes,
	}

	return s.store.CreateEvent(ctx, event)
}

// emit records an event and logs instead of failing; audit events never
// change the outcome of the operation that produced them.
func (s *Service) emit(ctx context.Context, runID, trialID string, eventType domain.EventType, payload interface{}) {
	if err := s.recordEvent(ctx, runID, trialID, eventType, payload); err != nil {
		log.Printf("ERROR: failed to record %s event for run %s: %v", eventType, runID, err)
	}
}

// GetRunEvents returns a run's events after afterTs, optionally filtered by type.
func (s *Service) GetRunEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, runID, afterTs, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return events, nil
}
