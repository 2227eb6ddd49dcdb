package api

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/vulnmesh/core/pkg/domain"
)

func reconciliationRows() *sqlmock.Rows {
	cols := []string{"id", "payment_id", "on_chain_bounty_id", "tx_hash", "amount_minor", "amount_scale", "status",
		"discovered_at", "resolved_at", "notes"}
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(cols).
		AddRow("rec-1", nil, "chain-bounty-1", "0xtx1", int64(1000), int8(2), domain.ReconOrphaned, old, nil, "").
		AddRow("rec-2", "pay-2", "chain-bounty-2", "0xtx2", int64(2000), int8(2), domain.ReconAmountMismatch, recent, nil, "")
}

func TestGetReport_FiltersBySince(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_reconciliations WHERE status != $1")).WillReturnRows(reconciliationRows())

	report, err := s.GetReport(ctx, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
	assert.Equal(t, 1, report.TotalOpen)
	assert.Equal(t, 1, report.ByStatus[domain.ReconAmountMismatch])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDiscrepancies_FiltersByStatus(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_reconciliations WHERE status != $1")).WillReturnRows(reconciliationRows())

	out, err := s.ListDiscrepancies(ctx, domain.ReconOrphaned)
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "rec-1", out[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payment_reconciliations SET status = $1, resolved_at = now(), notes = $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Resolve(ctx, "rec-1", "confirmed manual payout")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
