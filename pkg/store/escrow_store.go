package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// EscrowStore persists per-agent escrow balances and their transaction
// history in the escrows and escrow_transactions tables.
type EscrowStore struct {
	db *sql.DB
}

func (s *EscrowStore) Ensure(ctx context.Context, agentID string, scale int8) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (agent_identity_id, scale) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, agentID, scale)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "escrow_ensure", "ensure escrow row", err)
	}
	return nil
}

func (s *EscrowStore) Get(ctx context.Context, agentID string) (*domain.Escrow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_identity_id, balance_minor, total_deposited_minor, total_deducted_minor, scale
		FROM escrows WHERE agent_identity_id = $1
	`, agentID)
	var e domain.Escrow
	var scale int8
	err := row.Scan(&e.AgentIdentityID, &e.Balance.Minor, &e.TotalDeposited.Minor, &e.TotalDeducted.Minor, &scale)
	if err != nil {
		return nil, notFound("escrow", err)
	}
	e.Balance.Scale = scale
	e.TotalDeposited.Scale = scale
	e.TotalDeducted.Scale = scale
	return &e, nil
}

// Apply records a signed delta against the escrow balance and appends an
// EscrowTransaction in the same DB transaction (spec.md §4.10 submission-fee
// deduction, deposit, withdrawal).
func (s *EscrowStore) Apply(ctx context.Context, agentID string, txn *domain.EscrowTransaction) error {
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		deltaDeposited, deltaDeducted := int64(0), int64(0)
		switch txn.Kind {
		case domain.EscrowDeposit:
			deltaDeposited = txn.Amount.Minor
		case domain.EscrowSubmissionFee, domain.EscrowWithdrawal:
			deltaDeducted = txn.Amount.Minor
		}

		delta := txn.Amount.Minor
		if txn.Kind != domain.EscrowDeposit {
			delta = -txn.Amount.Minor
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET balance_minor = balance_minor + $1,
			    total_deposited_minor = total_deposited_minor + $2,
			    total_deducted_minor = total_deducted_minor + $3
			WHERE agent_identity_id = $4 AND balance_minor + $1 >= 0
		`, delta, deltaDeposited, deltaDeducted, agentID)
		if err != nil {
			return domain.Wrap(domain.KindTransient, "escrow_apply", "apply escrow delta", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Wrap(domain.KindTransient, "escrow_apply_rows", "check escrow update result", err)
		}
		if n == 0 {
			return domain.NewError(domain.KindValidation, "ESCROW_INSUFFICIENT_BALANCE", "escrow balance cannot go negative", nil)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_transactions (id, escrow_id, kind, amount_minor, amount_scale, tx_hash, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, txn.ID, agentID, txn.Kind, txn.Amount.Minor, txn.Amount.Scale, txn.TxHash, txn.CreatedAt)
		if err != nil {
			return domain.Wrap(domain.KindTransient, "escrow_tx_insert", "insert escrow transaction", err)
		}
		return nil
	})
}

func (s *EscrowStore) ListTransactions(ctx context.Context, agentID string) ([]*domain.EscrowTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escrow_id, kind, amount_minor, amount_scale, tx_hash, created_at
		FROM escrow_transactions WHERE escrow_id = $1 ORDER BY created_at ASC
	`, agentID)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "escrow_tx_list", "list escrow transactions", err)
	}
	defer rows.Close()

	var out []*domain.EscrowTransaction
	for rows.Next() {
		var t domain.EscrowTransaction
		var txHash sql.NullString
		if err := rows.Scan(&t.ID, &t.EscrowID, &t.Kind, &t.Amount.Minor, &t.Amount.Scale, &txHash, &t.CreatedAt); err != nil {
			return nil, err
		}
		if txHash.Valid {
			t.TxHash = &txHash.String
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
