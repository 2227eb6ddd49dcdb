package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// ScanStore persists protocol scan lifecycle state (spec.md §4.2 ANALYZE step).
type ScanStore struct {
	db *sql.DB
}

func (s *ScanStore) Create(ctx context.Context, sc *domain.Scan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scans (id, protocol_id, state, current_step, target_branch, target_commit,
			retry_count, tool_status, started_at, completed_at, error_code, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, sc.ID, sc.ProtocolID, sc.State, sc.CurrentStep, sc.TargetBranch, sc.TargetCommit,
		sc.RetryCount, sc.ToolStatus, sc.StartedAt, sc.CompletedAt, sc.ErrorCode, sc.ErrorMessage)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "scan_insert", "insert scan", err)
	}
	return nil
}

func (s *ScanStore) Get(ctx context.Context, id string) (*domain.Scan, error) {
	row := s.db.QueryRowContext(ctx, scanSelectCols+` FROM scans WHERE id = $1`, id)
	sc, err := scanScanRow(row)
	if err != nil {
		return nil, notFound("scan", err)
	}
	return sc, nil
}

// UpdateState advances the scan's step machine (QUEUED -> RUNNING -> terminal).
func (s *ScanStore) UpdateState(ctx context.Context, id string, state domain.ScanState, currentStep string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scans SET state = $1, current_step = $2 WHERE id = $3`, state, currentStep, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "scan_update_state", "update scan state", err)
	}
	return nil
}

func (s *ScanStore) MarkStarted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scans SET state = $1, started_at = now() WHERE id = $2`, domain.ScanRunning, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "scan_mark_started", "mark scan started", err)
	}
	return nil
}

func (s *ScanStore) MarkCompleted(ctx context.Context, id string, state domain.ScanState, toolStatus domain.ToolStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scans SET state = $1, tool_status = $2, completed_at = now() WHERE id = $3
	`, state, toolStatus, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "scan_mark_completed", "mark scan completed", err)
	}
	return nil
}

func (s *ScanStore) MarkFailed(ctx context.Context, id, code, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scans SET state = $1, error_code = $2, error_message = $3, completed_at = now() WHERE id = $4
	`, domain.ScanFailed, code, message, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "scan_mark_failed", "mark scan failed", err)
	}
	return nil
}

func (s *ScanStore) IncrementRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scans SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "scan_increment_retry", "increment scan retry count", err)
	}
	return nil
}

// ListByProtocol returns every scan for protocolID ordered by scan ID,
// descending (spec.md §6 Scans.list). Scan IDs are random UUIDs and the
// table has no creation timestamp, so this is not creation order.
func (s *ScanStore) ListByProtocol(ctx context.Context, protocolID string) ([]*domain.Scan, error) {
	rows, err := s.db.QueryContext(ctx, scanSelectCols+` FROM scans WHERE protocol_id = $1 ORDER BY id DESC`, protocolID)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "scan_list_by_protocol", "list scans by protocol", err)
	}
	defer rows.Close()

	var out []*domain.Scan
	for rows.Next() {
		sc, err := scanScanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

const scanSelectCols = `
	SELECT id, protocol_id, state, current_step, target_branch, target_commit,
	       retry_count, tool_status, started_at, completed_at, error_code, error_message
`

func scanScanRow(r rowScanner) (*domain.Scan, error) {
	var sc domain.Scan
	var targetBranch, targetCommit, errorCode, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	err := r.Scan(
		&sc.ID, &sc.ProtocolID, &sc.State, &sc.CurrentStep, &targetBranch, &targetCommit,
		&sc.RetryCount, &sc.ToolStatus, &startedAt, &completedAt, &errorCode, &errorMessage,
	)
	if err != nil {
		return nil, err
	}
	if targetBranch.Valid {
		sc.TargetBranch = &targetBranch.String
	}
	if targetCommit.Valid {
		sc.TargetCommit = &targetCommit.String
	}
	if errorCode.Valid {
		sc.ErrorCode = &errorCode.String
	}
	if errorMessage.Valid {
		sc.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		sc.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sc.CompletedAt = &completedAt.Time
	}
	return &sc, nil
}
