package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// ProofStore persists encrypted exploit proofs and enforces the proof
// status state machine at the write boundary (spec.md §3 invariant).
type ProofStore struct {
	db *sql.DB
}

func (s *ProofStore) Create(ctx context.Context, p *domain.Proof) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proofs (id, finding_id, scan_id, encrypted_payload, encryption_key_id,
			researcher_signature, status, submitted_at, validated_at, on_chain_validation_id, on_chain_tx_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, p.ID, p.FindingID, p.ScanID, p.EncryptedPayload, p.EncryptionKeyID,
		p.ResearcherSignature, p.Status, p.SubmittedAt, p.ValidatedAt, p.OnChainValidationID, p.OnChainTxHash)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "proof_insert", "insert proof", err)
	}
	return nil
}

func (s *ProofStore) Get(ctx context.Context, id string) (*domain.Proof, error) {
	row := s.db.QueryRowContext(ctx, proofSelectCols+` FROM proofs WHERE id = $1`, id)
	p, err := scanProofRow(row)
	if err != nil {
		return nil, notFound("proof", err)
	}
	return p, nil
}

// ListByStatus returns proofs in the given status, used by the stuck-proof
// sweeper to find proofs stranded in VALIDATING past the sandbox timeout.
func (s *ProofStore) ListByStatus(ctx context.Context, status domain.ProofStatus) ([]*domain.Proof, error) {
	rows, err := s.db.QueryContext(ctx, proofSelectCols+` FROM proofs WHERE status = $1 ORDER BY submitted_at ASC`, status)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "proof_list_status", "list proofs by status", err)
	}
	defer rows.Close()

	var out []*domain.Proof
	for rows.Next() {
		p, err := scanProofRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TransitionStatus moves a proof from->to, refusing any edge that
// domain.CanTransitionProof disallows.
func (s *ProofStore) TransitionStatus(ctx context.Context, id string, from, to domain.ProofStatus) error {
	if !domain.CanTransitionProof(from, to) {
		return domain.NewError(domain.KindValidation, "INVALID_PROOF_TRANSITION", "illegal proof status transition", nil)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE proofs SET status = $1, validated_at = CASE WHEN $1 IN ('CONFIRMED','REJECTED','FAILED') THEN now() ELSE validated_at END
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "proof_transition", "transition proof status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Wrap(domain.KindTransient, "proof_transition_rows", "check proof transition result", err)
	}
	if n == 0 {
		return domain.NewError(domain.KindValidation, "PROOF_TRANSITION_CONFLICT", "proof status changed concurrently", nil)
	}
	return nil
}

// ResetStuck resets a proof found in from (VALIDATING or SUBMITTED) back to
// SUBMITTED so the stuck-proof sweeper can re-enqueue it (spec.md §4.10: the
// one documented exception to the forward-only transition table enforced by
// TransitionStatus/domain.CanTransitionProof). The compare-and-swap on
// status=from still guards against racing with a worker that progresses the
// proof past VALIDATING between the sweeper's list and reset.
func (s *ProofStore) ResetStuck(ctx context.Context, id string, from domain.ProofStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proofs SET status = $1 WHERE id = $2 AND status = $3
	`, domain.ProofSubmitted, id, from)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "proof_reset_stuck", "reset stuck proof to submitted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Wrap(domain.KindTransient, "proof_reset_stuck_rows", "check proof reset result", err)
	}
	if n == 0 {
		return domain.NewError(domain.KindValidation, "PROOF_TRANSITION_CONFLICT", "proof status changed concurrently", nil)
	}
	return nil
}

func (s *ProofStore) RecordOnChain(ctx context.Context, id, validationID, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proofs SET on_chain_validation_id = $1, on_chain_tx_hash = $2 WHERE id = $3
	`, validationID, txHash, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "proof_record_chain", "record proof on-chain ids", err)
	}
	return nil
}

// GetByFinding returns the most recently submitted proof for findingID
// (spec.md §6 Validations.getDetail takes a findingId, not a proofId).
func (s *ProofStore) GetByFinding(ctx context.Context, findingID string) (*domain.Proof, error) {
	row := s.db.QueryRowContext(ctx, proofSelectCols+` FROM proofs WHERE finding_id = $1 ORDER BY submitted_at DESC LIMIT 1`, findingID)
	p, err := scanProofRow(row)
	if err != nil {
		return nil, notFound("proof", err)
	}
	return p, nil
}

const proofSelectCols = `
	SELECT id, finding_id, scan_id, encrypted_payload, encryption_key_id, researcher_signature,
	       status, submitted_at, validated_at, on_chain_validation_id, on_chain_tx_hash
`

func scanProofRow(r rowScanner) (*domain.Proof, error) {
	var p domain.Proof
	var validatedAt sql.NullTime
	var onChainValidationID, onChainTxHash sql.NullString
	err := r.Scan(
		&p.ID, &p.FindingID, &p.ScanID, &p.EncryptedPayload, &p.EncryptionKeyID, &p.ResearcherSignature,
		&p.Status, &p.SubmittedAt, &validatedAt, &onChainValidationID, &onChainTxHash,
	)
	if err != nil {
		return nil, err
	}
	if validatedAt.Valid {
		p.ValidatedAt = &validatedAt.Time
	}
	if onChainValidationID.Valid {
		p.OnChainValidationID = &onChainValidationID.String
	}
	if onChainTxHash.Valid {
		p.OnChainTxHash = &onChainTxHash.String
	}
	return &p, nil
}
