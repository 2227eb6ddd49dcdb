package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// ValidationStore persists sandbox exploit-replay outcomes.
type ValidationStore struct {
	db *sql.DB
}

func (s *ValidationStore) Create(ctx context.Context, v *domain.Validation) error {
	id := v.ID
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validations (id, proof_id, scan_id, protocol_id, validator_agent_id, result,
			execution_log, state_changes, transaction_hash, gas_used, failure_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, id, v.ProofID, v.ScanID, v.ProtocolID, v.ValidatorAgentID, v.Result,
		v.ExecutionLog, v.StateChanges, v.TransactionHash, v.GasUsed, v.FailureReason)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "validation_insert", "insert validation", err)
	}
	return nil
}

func (s *ValidationStore) Get(ctx context.Context, id string) (*domain.Validation, error) {
	row := s.db.QueryRowContext(ctx, validationSelectCols+` FROM validations WHERE id = $1`, id)
	v, err := scanValidationRow(row)
	if err != nil {
		return nil, notFound("validation", err)
	}
	return v, nil
}

func (s *ValidationStore) GetByProof(ctx context.Context, proofID string) (*domain.Validation, error) {
	row := s.db.QueryRowContext(ctx, validationSelectCols+` FROM validations WHERE proof_id = $1 ORDER BY created_at DESC LIMIT 1`, proofID)
	v, err := scanValidationRow(row)
	if err != nil {
		return nil, notFound("validation", err)
	}
	return v, nil
}

// ListByProtocol returns every validation recorded for protocolID, most
// recent first (spec.md §6 Validations.list).
func (s *ValidationStore) ListByProtocol(ctx context.Context, protocolID string) ([]*domain.Validation, error) {
	rows, err := s.db.QueryContext(ctx, validationSelectCols+` FROM validations WHERE protocol_id = $1 ORDER BY created_at DESC`, protocolID)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "validation_list_by_protocol", "list validations by protocol", err)
	}
	defer rows.Close()

	var out []*domain.Validation
	for rows.Next() {
		v, err := scanValidationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const validationSelectCols = `
	SELECT id, proof_id, scan_id, protocol_id, validator_agent_id, result,
	       execution_log, state_changes, transaction_hash, gas_used, failure_reason
`

func scanValidationRow(r rowScanner) (*domain.Validation, error) {
	var v domain.Validation
	var stateChanges, txHash, failureReason sql.NullString
	var gasUsed sql.NullInt64
	err := r.Scan(
		&v.ID, &v.ProofID, &v.ScanID, &v.ProtocolID, &v.ValidatorAgentID, &v.Result,
		&v.ExecutionLog, &stateChanges, &txHash, &gasUsed, &failureReason,
	)
	if err != nil {
		return nil, err
	}
	if stateChanges.Valid {
		v.StateChanges = &stateChanges.String
	}
	if txHash.Valid {
		v.TransactionHash = &txHash.String
	}
	if failureReason.Valid {
		v.FailureReason = &failureReason.String
	}
	if gasUsed.Valid {
		g := uint64(gasUsed.Int64)
		v.GasUsed = &g
	}
	return &v, nil
}
