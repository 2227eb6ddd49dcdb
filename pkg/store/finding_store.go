package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// FindingStore persists candidate vulnerabilities surfaced by a scan.
type FindingStore struct {
	db *sql.DB
}

func (s *FindingStore) Create(ctx context.Context, f *domain.Finding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (id, scan_id, vulnerability_type, severity, file_path, line_number,
			description, confidence, analysis_method, ai_confidence, status, validated_at,
			code_snippet, remediation_suggestion)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, f.ID, f.ScanID, f.VulnerabilityType, f.Severity, f.FilePath, f.LineNumber,
		f.Description, f.Confidence, f.AnalysisMethod, f.AIConfidence, f.Status, f.ValidatedAt,
		f.CodeSnippet, f.RemediationSuggestion)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "finding_insert", "insert finding", err)
	}
	return nil
}

func (s *FindingStore) Get(ctx context.Context, id string) (*domain.Finding, error) {
	row := s.db.QueryRowContext(ctx, findingSelectCols+` FROM findings WHERE id = $1`, id)
	f, err := scanFindingRow(row)
	if err != nil {
		return nil, notFound("finding", err)
	}
	return f, nil
}

func (s *FindingStore) ListByScan(ctx context.Context, scanID string) ([]*domain.Finding, error) {
	rows, err := s.db.QueryContext(ctx, findingSelectCols+` FROM findings WHERE scan_id = $1 ORDER BY severity ASC`, scanID)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "finding_list", "list findings by scan", err)
	}
	defer rows.Close()

	var out []*domain.Finding
	for rows.Next() {
		f, err := scanFindingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateStatus records validation outcome on a finding (PENDING -> VALIDATED
// | REJECTED | DUPLICATE | CONFIRMED).
func (s *FindingStore) UpdateStatus(ctx context.Context, id string, status domain.FindingStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE findings SET status = $1, validated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "finding_update_status", "update finding status", err)
	}
	return nil
}

const findingSelectCols = `
	SELECT id, scan_id, vulnerability_type, severity, file_path, line_number, description,
	       confidence, analysis_method, ai_confidence, status, validated_at, code_snippet, remediation_suggestion
`

func scanFindingRow(r rowScanner) (*domain.Finding, error) {
	var f domain.Finding
	var lineNumber sql.NullInt64
	var aiConfidence sql.NullFloat64
	var validatedAt sql.NullTime
	var codeSnippet, remediation sql.NullString
	err := r.Scan(
		&f.ID, &f.ScanID, &f.VulnerabilityType, &f.Severity, &f.FilePath, &lineNumber, &f.Description,
		&f.Confidence, &f.AnalysisMethod, &aiConfidence, &f.Status, &validatedAt, &codeSnippet, &remediation,
	)
	if err != nil {
		return nil, err
	}
	if lineNumber.Valid {
		v := int(lineNumber.Int64)
		f.LineNumber = &v
	}
	if aiConfidence.Valid {
		f.AIConfidence = &aiConfidence.Float64
	}
	if validatedAt.Valid {
		f.ValidatedAt = &validatedAt.Time
	}
	if codeSnippet.Valid {
		f.CodeSnippet = &codeSnippet.String
	}
	if remediation.Valid {
		f.RemediationSuggestion = &remediation.String
	}
	return &f, nil
}
