package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/domain"
)

func (s *Service) GetReputation(ctx context.Context, agentID string) (*domain.AgentReputation, error) {
	return s.Store.Agents.GetReputation(ctx, agentID)
}

// GetFeedbackHistory returns every feedback event recorded against address
// as a researcher, most recent first (spec.md §6 Reputation.
// getFeedbackHistory).
func (s *Service) GetFeedbackHistory(ctx context.Context, address string) ([]*domain.AgentFeedback, error) {
	agent, err := s.Store.Agents.GetByWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.Store.Agents.ListFeedback(ctx, agent.ID)
}

// RecordFeedback writes a manual feedback event — the same shape
// ValidatorPipeline.stepRecordReputation produces automatically on every
// validation verdict, exposed here for an operator correcting or
// backfilling a feedback pair (spec.md §6 Reputation.record).
func (s *Service) RecordFeedback(ctx context.Context, researcherAgentID, validatorAgentID string, validationID, findingID *string, feedbackType domain.FeedbackType) error {
	return s.Store.Agents.RecordFeedback(ctx, &domain.AgentFeedback{
		ID:                 uuid.NewString(),
		ResearcherAgentID:  researcherAgentID,
		ValidatorAgentID:   validatorAgentID,
		FeedbackType:       feedbackType,
		FindingID:          findingID,
		ValidationID:       validationID,
	})
}
