package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/pipeline"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/store"
)

// ListPaymentsByStatus and ListPaymentsByResearcher back spec.md §6
// Payments.list; the filter shape that list takes is left to the caller,
// as with ListScans — pick whichever of these two index paths matches the
// filter actually supplied.
func (s *Service) ListPaymentsByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error) {
	return s.Store.Payments.ListByStatus(ctx, status)
}

func (s *Service) ListPaymentsByResearcher(ctx context.Context, address string) ([]*domain.Payment, error) {
	return s.Store.Payments.ListByResearcher(ctx, address)
}

// Earnings summarizes a researcher's completed payments within a date
// range (spec.md §6 Payments.getEarnings).
type Earnings struct {
	ResearcherAddress string
	Total             domain.Amount
	PaymentCount      int
}

func (s *Service) GetEarnings(ctx context.Context, address string, window DateRange) (*Earnings, error) {
	payments, err := s.Store.Payments.ListByResearcher(ctx, address)
	if err != nil {
		return nil, err
	}

	var total domain.Amount
	count := 0
	for _, p := range payments {
		if p.Status != domain.PaymentCompleted || p.PaidAt == nil {
			continue
		}
		if p.PaidAt.Before(window.Since) || p.PaidAt.After(window.Until) {
			continue
		}
		if count == 0 {
			total = domain.NewAmount(0, p.Amount.Scale)
		}
		sum, err := total.Add(p.Amount)
		if err != nil {
			return nil, domain.NewError(domain.KindIntegrity, "EARNINGS_SCALE_MISMATCH", "sum researcher earnings", err)
		}
		total = sum
		count++
	}
	return &Earnings{ResearcherAddress: address, Total: total, PaymentCount: count}, nil
}

// Leaderboard returns the top `limit` earners by completed-payment total
// within window (spec.md §6 Payments.leaderboard).
func (s *Service) Leaderboard(ctx context.Context, window DateRange, limit int) ([]store.LeaderboardEntry, error) {
	return s.Store.Payments.Leaderboard(ctx, window.Since, window.Until, limit)
}

// PoolStatus summarizes a protocol's bounty-pool balances directly from
// its Protocol row (spec.md §6 Payments.poolStatus) — Protocol already
// carries TotalBountyPool/AvailableBounty/PaidBounty, so no derived
// aggregation is needed.
type PoolStatus struct {
	ProtocolID      string
	TotalBountyPool domain.Amount
	AvailableBounty domain.Amount
	PaidBounty      domain.Amount
}

func (s *Service) GetPoolStatus(ctx context.Context, protocolID string) (*PoolStatus, error) {
	protocol, err := s.Store.Protocols.Get(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	return &PoolStatus{
		ProtocolID:      protocol.ID,
		TotalBountyPool: protocol.TotalBountyPool,
		AvailableBounty: protocol.AvailableBounty,
		PaidBounty:      protocol.PaidBounty,
	}, nil
}

// ProposeManualPaymentRequest is an admin override that seeds a Payment row
// outside the Validator→Payment handoff (spec.md §6 Payments.proposeManual)
// — used to settle a finding the automated pipeline couldn't attribute a
// payment to, e.g. a manually-adjudicated dispute.
type ProposeManualPaymentRequest struct {
	VulnerabilityID   string
	ResearcherAddress string
	Amount            domain.Amount
}

func (s *Service) ProposeManualPayment(ctx context.Context, req ProposeManualPaymentRequest) (*domain.Payment, error) {
	payment := &domain.Payment{
		ID:                uuid.NewString(),
		VulnerabilityID:   req.VulnerabilityID,
		ResearcherAddress: req.ResearcherAddress,
		Amount:            req.Amount,
		Currency:          "ETH",
		Status:            domain.PaymentPending,
		QueuedAt:          time.Now().UTC(),
	}
	if err := s.Store.Payments.Create(ctx, payment); err != nil {
		return nil, err
	}
	if err := s.enqueuePaymentJob(ctx, payment.ID); err != nil {
		return nil, err
	}
	return payment, nil
}

// RetryFailed re-enqueues every FAILED payment for another PaymentPipeline
// pass (spec.md §6 Payments.retryFailed), returning the count requeued.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	failed, err := s.Store.Payments.ListByStatus(ctx, domain.PaymentFailed)
	if err != nil {
		return 0, err
	}
	for _, p := range failed {
		if err := s.enqueuePaymentJob(ctx, p.ID); err != nil {
			return 0, err
		}
	}
	return len(failed), nil
}

func (s *Service) enqueuePaymentJob(ctx context.Context, paymentID string) error {
	payload, err := json.Marshal(pipeline.PaymentJobPayload{PaymentID: paymentID})
	if err != nil {
		return domain.NewError(domain.KindValidation, "PAYMENT_PAYLOAD_ENCODE", "encode payment job payload", err)
	}
	_, err = s.PaymentQueue.Enqueue(ctx, "payment-"+paymentID, payload, queue.EnqueueOptions{MaxAttempts: 3})
	return err
}
