package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// ProtocolStore persists registered bounty-target protocols.
type ProtocolStore struct {
	db *sql.DB
}

// Create inserts a new protocol, idempotent on fingerprint (spec.md §4.1
// dedup-by-fingerprint invariant: re-registering the same contract returns
// the existing row instead of a duplicate).
func (s *ProtocolStore) Create(ctx context.Context, p *domain.Protocol, fingerprint string) error {
	query := `
		INSERT INTO protocols (
			id, owner_id, owner_address, source_url, branch, contract_path, contract_name,
			status, on_chain_id, total_bounty_pool_minor, available_bounty_minor, paid_bounty_minor,
			bounty_scale, risk_score, last_scan_id, fingerprint, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (fingerprint) WHERE fingerprint IS NOT NULL DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.OwnerID, p.OwnerAddress, p.SourceURL, p.Branch, p.ContractPath, p.ContractName,
		p.Status, p.OnChainID, p.TotalBountyPool.Minor, p.AvailableBounty.Minor, p.PaidBounty.Minor,
		p.TotalBountyPool.Scale, p.RiskScore, p.LastScanID, nullIfEmpty(fingerprint), p.CreatedAt,
	)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "protocol_insert", "insert protocol", err)
	}
	return nil
}

// FindByFingerprint looks up a protocol by its registration fingerprint, used
// to detect duplicate registrations before insert.
func (s *ProtocolStore) FindByFingerprint(ctx context.Context, fingerprint string) (*domain.Protocol, error) {
	query := protocolSelectCols + ` FROM protocols WHERE fingerprint = $1`
	return s.queryOne(ctx, query, fingerprint)
}

// Get retrieves a protocol by ID.
func (s *ProtocolStore) Get(ctx context.Context, id string) (*domain.Protocol, error) {
	query := protocolSelectCols + ` FROM protocols WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

// UpdateStatus transitions a protocol's status (e.g. REGISTERED -> ACTIVE
// once the chain confirms registration, or ACTIVE -> PAUSED on bounty
// exhaustion).
func (s *ProtocolStore) UpdateStatus(ctx context.Context, id string, status domain.ProtocolStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE protocols SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "protocol_update_status", "update protocol status", err)
	}
	return nil
}

// UpdateOnChainID records the on-chain protocol ID once registration settles.
func (s *ProtocolStore) UpdateOnChainID(ctx context.Context, id, onChainID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE protocols SET on_chain_id = $1 WHERE id = $2`, onChainID, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "protocol_update_chain_id", "update protocol on-chain id", err)
	}
	return nil
}

// AdjustBounty moves amount from available to paid (or back on refund).
func (s *ProtocolStore) AdjustBounty(ctx context.Context, id string, deltaAvailableMinor, deltaPaidMinor int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE protocols
		SET available_bounty_minor = available_bounty_minor + $1,
		    paid_bounty_minor = paid_bounty_minor + $2
		WHERE id = $3
	`, deltaAvailableMinor, deltaPaidMinor, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "protocol_adjust_bounty", "adjust protocol bounty", err)
	}
	return nil
}

// SetLastScanID records the most recent scan for dashboard convenience;
// never read for authorization decisions.
func (s *ProtocolStore) SetLastScanID(ctx context.Context, id, scanID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE protocols SET last_scan_id = $1 WHERE id = $2`, scanID, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "protocol_set_last_scan", "update protocol last scan", err)
	}
	return nil
}

// ListActive returns protocols eligible for scanning (status ACTIVE).
func (s *ProtocolStore) ListActive(ctx context.Context) ([]*domain.Protocol, error) {
	query := protocolSelectCols + ` FROM protocols WHERE status = $1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, domain.ProtocolActive)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "protocol_list_active", "list active protocols", err)
	}
	defer rows.Close()

	var out []*domain.Protocol
	for rows.Next() {
		p, err := scanProtocolRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// List returns every registered protocol, newest first, for the admin/API
// listing surface (spec.md §6 Protocols.list).
func (s *ProtocolStore) List(ctx context.Context) ([]*domain.Protocol, error) {
	query := protocolSelectCols + ` FROM protocols ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "protocol_list", "list protocols", err)
	}
	defer rows.Close()

	var out []*domain.Protocol
	for rows.Next() {
		p, err := scanProtocolRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const protocolSelectCols = `
	SELECT id, owner_id, owner_address, source_url, branch, contract_path, contract_name,
	       status, on_chain_id, total_bounty_pool_minor, available_bounty_minor, paid_bounty_minor,
	       bounty_scale, risk_score, last_scan_id, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProtocolRow(r rowScanner) (*domain.Protocol, error) {
	var p domain.Protocol
	var onChainID, lastScanID sql.NullString
	var riskScore sql.NullInt64
	var scale int8
	err := r.Scan(
		&p.ID, &p.OwnerID, &p.OwnerAddress, &p.SourceURL, &p.Branch, &p.ContractPath, &p.ContractName,
		&p.Status, &onChainID, &p.TotalBountyPool.Minor, &p.AvailableBounty.Minor, &p.PaidBounty.Minor,
		&scale, &riskScore, &lastScanID, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.TotalBountyPool.Scale = scale
	p.AvailableBounty.Scale = scale
	p.PaidBounty.Scale = scale
	if onChainID.Valid {
		p.OnChainID = &onChainID.String
	}
	if lastScanID.Valid {
		p.LastScanID = &lastScanID.String
	}
	if riskScore.Valid {
		v := int(riskScore.Int64)
		p.RiskScore = &v
	}
	return &p, nil
}

func (s *ProtocolStore) queryOne(ctx context.Context, query string, arg any) (*domain.Protocol, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	p, err := scanProtocolRow(row)
	if err != nil {
		return nil, notFound("protocol", err)
	}
	return p, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
