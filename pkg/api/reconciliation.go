package api

import (
	"context"
	"time"

	"github.com/vulnmesh/core/pkg/domain"
)

// ReconciliationReport summarizes the reconciler's open findings (spec.md
// §6 Reconciliation.getReport), bucketed by status.
type ReconciliationReport struct {
	Since          time.Time
	TotalOpen      int
	ByStatus       map[domain.ReconciliationStatus]int
	Records        []*domain.PaymentReconciliation
}

// GetReport returns every open reconciliation record discovered at or after
// since (the zero time returns everything open).
func (s *Service) GetReport(ctx context.Context, since time.Time) (*ReconciliationReport, error) {
	open, err := s.Store.Reconciliations.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{Since: since, ByStatus: map[domain.ReconciliationStatus]int{}}
	for _, rec := range open {
		if !since.IsZero() && rec.DiscoveredAt.Before(since) {
			continue
		}
		report.Records = append(report.Records, rec)
		report.ByStatus[rec.Status]++
		report.TotalOpen++
	}
	return report, nil
}

// ListDiscrepancies returns every open reconciliation record, optionally
// narrowed to a single status (spec.md §6 Reconciliation.listDiscrepancies);
// pass "" for every open status.
func (s *Service) ListDiscrepancies(ctx context.Context, status domain.ReconciliationStatus) ([]*domain.PaymentReconciliation, error) {
	open, err := s.Store.Reconciliations.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return open, nil
	}

	filtered := make([]*domain.PaymentReconciliation, 0, len(open))
	for _, rec := range open {
		if rec.Status == status {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// Resolve closes a reconciliation record with an operator's notes (spec.md
// §6 Reconciliation.resolve) without touching the Payment row it
// references — integrity errors never modify upstream rows (spec.md §7).
func (s *Service) Resolve(ctx context.Context, id string, notes string) error {
	return s.Store.Reconciliations.Resolve(ctx, id, notes)
}
