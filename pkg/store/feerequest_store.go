package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/vulnmesh/core/pkg/domain"
)

// FeeRequestStore persists pending on-chain fee payments (protocol
// registration fee, finding submission fee, scan request fee) that gate a
// pipeline step until the chain confirms payment (spec.md §4.1/§4.8).
type FeeRequestStore struct {
	db *sql.DB
}

func (s *FeeRequestStore) Create(ctx context.Context, f *domain.FeeRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_requests (id, request_type, requester_address, amount_minor, amount_scale,
			status, tx_hash, fingerprint, protocol_id, expires_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, f.ID, f.RequestType, f.RequesterAddress, f.Amount.Minor, f.Amount.Scale,
		f.Status, f.TxHash, f.Fingerprint, f.ProtocolID, f.ExpiresAt, f.CompletedAt)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "fee_request_insert", "insert fee request", err)
	}
	return nil
}

func (s *FeeRequestStore) Get(ctx context.Context, id string) (*domain.FeeRequest, error) {
	row := s.db.QueryRowContext(ctx, feeRequestSelectCols+` FROM fee_requests WHERE id = $1`, id)
	f, err := scanFeeRequestRow(row)
	if err != nil {
		return nil, notFound("fee request", err)
	}
	return f, nil
}

func (s *FeeRequestStore) FindPendingByFingerprint(ctx context.Context, fingerprint string) (*domain.FeeRequest, error) {
	row := s.db.QueryRowContext(ctx, feeRequestSelectCols+`
		FROM fee_requests WHERE fingerprint = $1 AND status = $2 ORDER BY expires_at DESC LIMIT 1
	`, fingerprint, domain.FeePending)
	f, err := scanFeeRequestRow(row)
	if err != nil {
		return nil, notFound("fee request", err)
	}
	return f, nil
}

// FindRecentCompletedByFingerprint returns the most recently completed fee
// request for fingerprint if it completed at or after since, letting a
// caller bypass re-charging for a payload it already paid for within the
// retry window (spec.md §6).
func (s *FeeRequestStore) FindRecentCompletedByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*domain.FeeRequest, error) {
	row := s.db.QueryRowContext(ctx, feeRequestSelectCols+`
		FROM fee_requests WHERE fingerprint = $1 AND status = $2 AND completed_at >= $3
		ORDER BY completed_at DESC LIMIT 1
	`, fingerprint, domain.FeeCompleted, since)
	f, err := scanFeeRequestRow(row)
	if err != nil {
		return nil, notFound("fee request", err)
	}
	return f, nil
}

func (s *FeeRequestStore) MarkCompleted(ctx context.Context, id, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fee_requests SET status = $1, tx_hash = $2, completed_at = now() WHERE id = $3
	`, domain.FeeCompleted, txHash, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "fee_request_complete", "mark fee request completed", err)
	}
	return nil
}

// ExpirePending marks pending fee requests past expires_at as EXPIRED, run
// periodically alongside the reconciliation sweep.
func (s *FeeRequestStore) ExpirePending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fee_requests SET status = $1 WHERE status = $2 AND expires_at < now()
	`, domain.FeeExpired, domain.FeePending)
	if err != nil {
		return 0, domain.Wrap(domain.KindTransient, "fee_request_expire", "expire pending fee requests", err)
	}
	return res.RowsAffected()
}

const feeRequestSelectCols = `
	SELECT id, request_type, requester_address, amount_minor, amount_scale, status, tx_hash,
	       fingerprint, protocol_id, expires_at, completed_at
`

func scanFeeRequestRow(r rowScanner) (*domain.FeeRequest, error) {
	var f domain.FeeRequest
	var txHash, fingerprint, protocolID sql.NullString
	var completedAt sql.NullTime
	err := r.Scan(
		&f.ID, &f.RequestType, &f.RequesterAddress, &f.Amount.Minor, &f.Amount.Scale, &f.Status, &txHash,
		&fingerprint, &protocolID, &f.ExpiresAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if txHash.Valid {
		f.TxHash = &txHash.String
	}
	if fingerprint.Valid {
		f.Fingerprint = &fingerprint.String
	}
	if protocolID.Valid {
		f.ProtocolID = &protocolID.String
	}
	if completedAt.Valid {
		f.CompletedAt = &completedAt.Time
	}
	return &f, nil
}
