package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/domain"
)

// RunSweep runs SweepOnce every 4×PollEvery and blocks until ctx is
// canceled, mirroring Run's ticker loop but on its own cadence (spec.md
// §4.12: "a periodic sweeper additionally flags COMPLETED payments with
// reconciled=false older than a threshold as UNCONFIRMED").
func (r *Reconciler) RunSweep(ctx context.Context) {
	r.applyDefaults()

	ticker := time.NewTicker(r.PollEvery * 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				r.logger().Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce flags every unreconciled, completed payment older than
// UnconfirmedAfter with an UNCONFIRMED reconciliation record, unless one is
// already open for it.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	r.applyDefaults()

	payments, err := r.Payments.ListUnreconciled(ctx)
	if err != nil {
		return err
	}

	open, err := r.Reconciliations.ListOpen(ctx)
	if err != nil {
		return err
	}
	flagged := make(map[string]struct{}, len(open))
	for _, rec := range open {
		if rec.PaymentID != nil {
			flagged[*rec.PaymentID] = struct{}{}
		}
	}

	cutoff := time.Now().UTC().Add(-r.UnconfirmedAfter)
	for _, p := range payments {
		if p.PaidAt == nil || p.PaidAt.After(cutoff) {
			continue
		}
		if _, already := flagged[p.ID]; already {
			continue
		}
		r.flagUnconfirmed(ctx, p)
	}
	return nil
}

func (r *Reconciler) flagUnconfirmed(ctx context.Context, payment *domain.Payment) {
	txHash := ""
	if payment.TxHash != nil {
		txHash = *payment.TxHash
	}
	rec := &domain.PaymentReconciliation{
		ID:              uuid.NewString(),
		PaymentID:       &payment.ID,
		OnChainBountyID: "",
		TxHash:          txHash,
		Amount:          payment.Amount,
		Status:          domain.ReconUnconfirmed,
		DiscoveredAt:    time.Now().UTC(),
		Notes:           "payment completed but not reconciled against an on-chain release within the expected window",
	}
	if err := r.Reconciliations.Create(ctx, rec); err != nil {
		r.logger().Error("failed to flag unconfirmed payment", "paymentId", payment.ID, "error", err)
	}
}
