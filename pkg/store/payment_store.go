package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/vulnmesh/core/pkg/domain"
)

// PaymentStore persists bounty payment lifecycle state (spec.md §4.11).
type PaymentStore struct {
	db *sql.DB
}

func (s *PaymentStore) Create(ctx context.Context, p *domain.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, vulnerability_id, researcher_address, amount_minor, amount_scale,
			currency, status, tx_hash, on_chain_bounty_id, failure_reason, retry_count, reconciled,
			reconciled_at, queued_at, processed_at, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, p.ID, p.VulnerabilityID, p.ResearcherAddress, p.Amount.Minor, p.Amount.Scale,
		p.Currency, p.Status, p.TxHash, p.OnChainBountyID, p.FailureReason, p.RetryCount, p.Reconciled,
		p.ReconciledAt, p.QueuedAt, p.ProcessedAt, p.PaidAt)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "payment_insert", "insert payment", err)
	}
	return nil
}

func (s *PaymentStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	row := s.db.QueryRowContext(ctx, paymentSelectCols+` FROM payments WHERE id = $1`, id)
	p, err := scanPaymentRow(row)
	if err != nil {
		return nil, notFound("payment", err)
	}
	return p, nil
}

func (s *PaymentStore) GetByTxHash(ctx context.Context, txHash string) (*domain.Payment, error) {
	row := s.db.QueryRowContext(ctx, paymentSelectCols+` FROM payments WHERE tx_hash = $1`, txHash)
	p, err := scanPaymentRow(row)
	if err != nil {
		return nil, notFound("payment", err)
	}
	return p, nil
}

func (s *PaymentStore) ListUnreconciled(ctx context.Context) ([]*domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, paymentSelectCols+` FROM payments WHERE reconciled = false AND status = $1`, domain.PaymentCompleted)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "payment_list_unreconciled", "list unreconciled payments", err)
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PaymentStore) UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE payments SET status = $1, processed_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "payment_update_status", "update payment status", err)
	}
	return nil
}

func (s *PaymentStore) MarkPaid(ctx context.Context, id, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, tx_hash = $2, paid_at = now() WHERE id = $3
	`, domain.PaymentCompleted, txHash, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "payment_mark_paid", "mark payment paid", err)
	}
	return nil
}

func (s *PaymentStore) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, failure_reason = $2, retry_count = retry_count + 1 WHERE id = $3
	`, domain.PaymentFailed, reason, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "payment_mark_failed", "mark payment failed", err)
	}
	return nil
}

func (s *PaymentStore) MarkReconciled(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE payments SET reconciled = true, reconciled_at = now() WHERE id = $1`, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "payment_mark_reconciled", "mark payment reconciled", err)
	}
	return nil
}

// ListByResearcher returns every payment addressed to address, most recent
// first (spec.md §6 Payments.list / getEarnings).
func (s *PaymentStore) ListByResearcher(ctx context.Context, address string) ([]*domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, paymentSelectCols+` FROM payments WHERE researcher_address = $1 ORDER BY queued_at DESC`, address)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "payment_list_by_researcher", "list payments by researcher", err)
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByStatus returns every payment in status, oldest first — used by the
// API's filtered listing and by the retry-failed admin operation (spec.md
// §6 Payments.list / retryFailed).
func (s *PaymentStore) ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]*domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, paymentSelectCols+` FROM payments WHERE status = $1 ORDER BY queued_at ASC`, status)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "payment_list_by_status", "list payments by status", err)
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LeaderboardEntry summarizes a researcher's completed bounty earnings.
type LeaderboardEntry struct {
	ResearcherAddress string
	TotalMinor        int64
	Scale             int8
	PaymentCount      int
}

// Leaderboard returns the top `limit` researchers by completed-payment total
// within [since, until] (spec.md §6 Payments.leaderboard).
func (s *PaymentStore) Leaderboard(ctx context.Context, since, until time.Time, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT researcher_address, sum(amount_minor), max(amount_scale), count(*)
		FROM payments
		WHERE status = $1 AND paid_at BETWEEN $2 AND $3
		GROUP BY researcher_address
		ORDER BY sum(amount_minor) DESC
		LIMIT $4
	`, domain.PaymentCompleted, since, until, limit)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "payment_leaderboard", "compute payment leaderboard", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.ResearcherAddress, &e.TotalMinor, &e.Scale, &e.PaymentCount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const paymentSelectCols = `
	SELECT id, vulnerability_id, researcher_address, amount_minor, amount_scale, currency, status,
	       tx_hash, on_chain_bounty_id, failure_reason, retry_count, reconciled, reconciled_at,
	       queued_at, processed_at, paid_at
`

func scanPaymentRow(r rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var txHash, onChainBountyID, failureReason sql.NullString
	var reconciledAt, processedAt, paidAt sql.NullTime
	err := r.Scan(
		&p.ID, &p.VulnerabilityID, &p.ResearcherAddress, &p.Amount.Minor, &p.Amount.Scale, &p.Currency, &p.Status,
		&txHash, &onChainBountyID, &failureReason, &p.RetryCount, &p.Reconciled, &reconciledAt,
		&p.QueuedAt, &processedAt, &paidAt,
	)
	if err != nil {
		return nil, err
	}
	if txHash.Valid {
		p.TxHash = &txHash.String
	}
	if onChainBountyID.Valid {
		p.OnChainBountyID = &onChainBountyID.String
	}
	if failureReason.Valid {
		p.FailureReason = &failureReason.String
	}
	if reconciledAt.Valid {
		p.ReconciledAt = &reconciledAt.Time
	}
	if processedAt.Valid {
		p.ProcessedAt = &processedAt.Time
	}
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	return &p, nil
}
