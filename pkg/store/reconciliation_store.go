package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// ReconciliationStore persists discrepancies found by the on-chain
// settlement reconciler (spec.md §4.12): orphaned on-chain bounties with no
// local payment, amount mismatches, and unconfirmed transactions.
type ReconciliationStore struct {
	db *sql.DB
}

func (s *ReconciliationStore) Create(ctx context.Context, r *domain.PaymentReconciliation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_reconciliations (id, payment_id, on_chain_bounty_id, tx_hash, amount_minor,
			amount_scale, status, discovered_at, resolved_at, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, r.ID, r.PaymentID, r.OnChainBountyID, r.TxHash, r.Amount.Minor, r.Amount.Scale,
		r.Status, r.DiscoveredAt, r.ResolvedAt, r.Notes)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "reconciliation_insert", "insert reconciliation record", err)
	}
	return nil
}

func (s *ReconciliationStore) ListOpen(ctx context.Context) ([]*domain.PaymentReconciliation, error) {
	rows, err := s.db.QueryContext(ctx, reconciliationSelectCols+` FROM payment_reconciliations WHERE status != $1 ORDER BY discovered_at ASC`, domain.ReconResolved)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "reconciliation_list_open", "list open reconciliations", err)
	}
	defer rows.Close()

	var out []*domain.PaymentReconciliation
	for rows.Next() {
		rec, err := scanReconciliationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ReconciliationStore) Resolve(ctx context.Context, id string, notes string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_reconciliations SET status = $1, resolved_at = now(), notes = $2 WHERE id = $3
	`, domain.ReconResolved, notes, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "reconciliation_resolve", "resolve reconciliation record", err)
	}
	return nil
}

const reconciliationSelectCols = `
	SELECT id, payment_id, on_chain_bounty_id, tx_hash, amount_minor, amount_scale, status,
	       discovered_at, resolved_at, notes
`

func scanReconciliationRow(r rowScanner) (*domain.PaymentReconciliation, error) {
	var rec domain.PaymentReconciliation
	var paymentID sql.NullString
	var resolvedAt sql.NullTime
	err := r.Scan(
		&rec.ID, &paymentID, &rec.OnChainBountyID, &rec.TxHash, &rec.Amount.Minor, &rec.Amount.Scale,
		&rec.Status, &rec.DiscoveredAt, &resolvedAt, &rec.Notes,
	)
	if err != nil {
		return nil, err
	}
	if paymentID.Valid {
		rec.PaymentID = &paymentID.String
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return &rec, nil
}
