package api

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/domain"
)

// feeRetryWindow is how long a COMPLETED fee with a matching fingerprint
// bypasses re-charge for the same registration payload (spec.md §6).
const feeRetryWindow = 30 * time.Minute

// FeeResourceDescriptor is the 402-style resource descriptor returned to a
// caller who hasn't yet paid a gating fee (spec.md §6).
type FeeResourceDescriptor struct {
	Scheme      string
	Price       domain.Amount
	Network     string
	PayTo       string
	Description string
}

// RequestFeeRequest describes the gated operation a fee is being requested
// for: its type, the price it costs, and (for registration fees) the
// fingerprint that dedups repeated charges for the same payload.
type RequestFeeRequest struct {
	RequestType      domain.FeeRequestType
	RequesterAddress string
	Amount           domain.Amount
	Fingerprint      *string
	ProtocolID       *string
	Network          string
}

// RequestFeeResult is either an already-satisfied fee (Satisfied=true,
// Existing set to the bypassed COMPLETED request) or a fresh descriptor the
// caller must pay before the gated operation proceeds.
type RequestFeeResult struct {
	Satisfied  bool
	Existing   *domain.FeeRequest
	FeeID      string
	Descriptor *FeeResourceDescriptor
}

// RequestFee implements the x402 entry point: if a COMPLETED fee with the
// same fingerprint was paid within feeRetryWindow, it is reused; otherwise
// a new PENDING FeeRequest is seeded and its 402 descriptor returned.
func (s *Service) RequestFee(ctx context.Context, req RequestFeeRequest) (*RequestFeeResult, error) {
	if req.Fingerprint != nil {
		since := time.Now().UTC().Add(-feeRetryWindow)
		existing, err := s.Store.FeeRequests.FindRecentCompletedByFingerprint(ctx, *req.Fingerprint, since)
		switch {
		case err == nil:
			return &RequestFeeResult{Satisfied: true, Existing: existing, FeeID: existing.ID}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	feeID := uuid.NewString()
	fee := &domain.FeeRequest{
		ID:               feeID,
		RequestType:      req.RequestType,
		RequesterAddress: req.RequesterAddress,
		Amount:           req.Amount,
		Status:           domain.FeePending,
		Fingerprint:      req.Fingerprint,
		ProtocolID:       req.ProtocolID,
		ExpiresAt:        time.Now().UTC().Add(feeRetryWindow),
	}
	if err := s.Store.FeeRequests.Create(ctx, fee); err != nil {
		return nil, err
	}

	return &RequestFeeResult{
		FeeID: feeID,
		Descriptor: &FeeResourceDescriptor{
			Scheme:      "exact",
			Price:       req.Amount,
			Network:     req.Network,
			PayTo:       s.Chain.Address().Hex(),
			Description: string(req.RequestType),
		},
	}, nil
}

// VerifyFee settles a pending fee request against a supplied transfer
// transaction hash: the receipt must have succeeded and contain an ERC-20
// Transfer from the requester to the platform's address for at least the
// fee's price (spec.md §6).
func (s *Service) VerifyFee(ctx context.Context, feeID, txHash string) error {
	fee, err := s.Store.FeeRequests.Get(ctx, feeID)
	if err != nil {
		return err
	}
	if fee.Status == domain.FeeCompleted {
		return nil
	}
	if fee.Status == domain.FeeExpired || time.Now().UTC().After(fee.ExpiresAt) {
		return domain.NewError(domain.KindValidation, "FEE_REQUEST_EXPIRED", "fee request has expired", nil)
	}

	minAmount := humanToWei(fee.Amount)
	payer := common.HexToAddress(fee.RequesterAddress)
	payTo := s.Chain.Address()
	if err := s.Chain.VerifyTransferReceipt(ctx, common.HexToHash(txHash), payer, payTo, minAmount); err != nil {
		return err
	}

	return s.Store.FeeRequests.MarkCompleted(ctx, feeID, txHash)
}
