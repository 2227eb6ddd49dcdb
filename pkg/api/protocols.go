package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/crypto"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/queue"
)

// RegisterProtocolRequest is the Protocols.register payload (spec.md §6):
// a bounty target is a reviewable source checkout, not a deployed contract
// instance, so OwnerAddress is the pool owner/admin address, not an
// on-chain contract address.
type RegisterProtocolRequest struct {
	OwnerID         string
	OwnerAddress    string
	SourceURL       string
	Branch          string
	ContractPath    string
	ContractName    string
	TotalBountyPool domain.Amount
}

type RegisterProtocolResult struct {
	ProtocolID string
	Status     domain.ProtocolStatus
	Duplicate  bool
}

// RegisterProtocol seeds a PENDING protocol row and enqueues it for the
// registration pipeline (clone/verify/compile/risk-score/on-chain
// registration/scan-trigger). It never runs that pipeline inline: the
// pipeline worker owns that, mirroring how CreateScan enqueues rather than
// calling pipeline code directly. Re-registering the same
// owner/source/branch/contract is a no-op that returns the existing row
// (spec.md §4.1 dedup-by-fingerprint).
func (s *Service) RegisterProtocol(ctx context.Context, req RegisterProtocolRequest) (*RegisterProtocolResult, error) {
	fingerprint, ok := crypto.Fingerprint(crypto.ProtocolRegistrationInput{
		OwnerAddress: req.OwnerAddress,
		SourceURL:    req.SourceURL,
		Branch:       req.Branch,
		ContractPath: req.ContractPath,
		ContractName: req.ContractName,
	})
	if ok {
		existing, err := s.Store.Protocols.FindByFingerprint(ctx, fingerprint)
		switch {
		case err == nil:
			return &RegisterProtocolResult{ProtocolID: existing.ID, Status: existing.Status, Duplicate: true}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	protocolID := uuid.NewString()
	protocol := &domain.Protocol{
		ID:              protocolID,
		OwnerID:         req.OwnerID,
		OwnerAddress:    req.OwnerAddress,
		SourceURL:       req.SourceURL,
		Branch:          req.Branch,
		ContractPath:    req.ContractPath,
		ContractName:    req.ContractName,
		Status:          domain.ProtocolPending,
		TotalBountyPool: req.TotalBountyPool,
		AvailableBounty: req.TotalBountyPool,
		PaidBounty:      domain.NewAmount(0, req.TotalBountyPool.Scale),
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.Store.Protocols.Create(ctx, protocol, fingerprint); err != nil {
		return nil, err
	}

	// Guards the race between the pre-check above and the insert itself:
	// ON CONFLICT DO NOTHING means a concurrent registration could have won
	// the insert, leaving this call's protocolID unpersisted.
	if ok {
		if existing, err := s.Store.Protocols.FindByFingerprint(ctx, fingerprint); err == nil && existing.ID != protocolID {
			return &RegisterProtocolResult{ProtocolID: existing.ID, Status: existing.Status, Duplicate: true}, nil
		}
	}

	payload := []byte(protocolID)
	if _, err := s.ProtocolQueue.Enqueue(ctx, protocolID, payload, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
		return nil, err
	}

	return &RegisterProtocolResult{ProtocolID: protocolID, Status: domain.ProtocolPending}, nil
}

func (s *Service) GetProtocol(ctx context.Context, protocolID string) (*domain.Protocol, error) {
	return s.Store.Protocols.Get(ctx, protocolID)
}

// ListProtocols returns every registered protocol, most recently registered
// first.
func (s *Service) ListProtocols(ctx context.Context) ([]*domain.Protocol, error) {
	return s.Store.Protocols.List(ctx)
}

// UpdateProtocolStatus is an admin-only operation (spec.md §6 Protocols.
// updateStatus): pausing/reactivating a bounty pool without re-running the
// registration pipeline. Role enforcement lives at the HTTP boundary — the
// core only plumbs the call through and relies on its caller to have
// already checked the Permission error kind (spec.md §7); no role/session
// machinery exists in this package.
func (s *Service) UpdateProtocolStatus(ctx context.Context, protocolID string, status domain.ProtocolStatus) error {
	return s.Store.Protocols.UpdateStatus(ctx, protocolID, status)
}
