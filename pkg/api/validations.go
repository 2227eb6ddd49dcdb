package api

import (
	"context"
	"errors"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/domain"
)

// ValidationDetail pairs a proof with its recorded validation outcome, the
// two rows spec.md §6's getDetail(findingId) needs together — a Validation
// is keyed by proofId, not findingId, so resolving one from the other
// findingId takes both stores.
type ValidationDetail struct {
	Proof      *domain.Proof
	Validation *domain.Validation
}

// ListValidations returns every validation recorded for protocolID, most
// recent first. Further filtering/paging over this result set is left to
// the caller, as with ListScans.
func (s *Service) ListValidations(ctx context.Context, protocolID string) ([]*domain.Validation, error) {
	return s.Store.Validations.ListByProtocol(ctx, protocolID)
}

// GetValidationDetail resolves the most recent proof submitted against
// findingID and its recorded validation verdict, if any.
func (s *Service) GetValidationDetail(ctx context.Context, findingID string) (*ValidationDetail, error) {
	proof, err := s.Store.Proofs.GetByFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	validation, err := s.Store.Validations.GetByProof(ctx, proof.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &ValidationDetail{Proof: proof}, nil
		}
		return nil, err
	}
	return &ValidationDetail{Proof: proof, Validation: validation}, nil
}

// GetActiveValidations returns every proof currently mid-replay in the
// sandbox (status VALIDATING).
func (s *Service) GetActiveValidations(ctx context.Context) ([]*domain.Proof, error) {
	return s.Store.Proofs.ListByStatus(ctx, domain.ProofValidating)
}

func (s *Service) SubscribeValidationProgress(proofID string) (<-chan bus.Envelope, func()) {
	return s.Bus.Subscribe(bus.ValidationProgress(proofID), 32, true)
}

func (s *Service) SubscribeValidationLogs(proofID string) (<-chan bus.Envelope, func()) {
	return s.Bus.Subscribe(bus.ValidationLogs(proofID), 64, false)
}

// SubscribeValidationActivity streams every validation's progress events in
// one feed, for a dashboard that isn't watching a specific proof.
func (s *Service) SubscribeValidationActivity() (<-chan bus.Envelope, func()) {
	return s.Bus.Subscribe(bus.TopicValidationActivity, 64, false)
}
