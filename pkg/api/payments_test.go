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

func paymentCols() []string {
	return []string{"id", "vulnerability_id", "researcher_address", "amount_minor", "amount_scale", "currency", "status",
		"tx_hash", "on_chain_bounty_id", "failure_reason", "retry_count", "reconciled", "reconciled_at",
		"queued_at", "processed_at", "paid_at"}
}

func TestGetEarnings_FiltersByWindow(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	inWindow := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	outOfWindow := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(paymentCols()).
		AddRow("pay-1", "vuln-1", "0xResearcher", int64(50_000), int8(2), "ETH", domain.PaymentCompleted,
			"0xtx1", nil, nil, int(0), false, nil, inWindow, inWindow, inWindow).
		AddRow("pay-2", "vuln-2", "0xResearcher", int64(10_000), int8(2), "ETH", domain.PaymentCompleted,
			"0xtx2", nil, nil, int(0), false, nil, outOfWindow, outOfWindow, outOfWindow).
		AddRow("pay-3", "vuln-3", "0xResearcher", int64(5_000), int8(2), "ETH", domain.PaymentPending,
			nil, nil, nil, int(0), false, nil, inWindow, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE researcher_address = $1")).WillReturnRows(rows)

	earnings, err := s.GetEarnings(ctx, "0xResearcher", DateRange{
		Since: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, earnings.PaymentCount)
	assert.Equal(t, int64(50_000), earnings.Total.Minor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryFailed(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(paymentCols()).
		AddRow("pay-1", "vuln-1", "0xResearcher", int64(50_000), int8(2), "ETH", domain.PaymentFailed,
			nil, nil, "chain timeout", int(1), false, nil, now, now, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE status = $1")).
		WithArgs(domain.PaymentFailed).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.RetryFailed(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPoolStatus(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	protoCols := []string{"id", "owner_id", "owner_address", "source_url", "branch", "contract_path", "contract_name",
		"status", "on_chain_id", "total_bounty_pool_minor", "available_bounty_minor", "paid_bounty_minor",
		"bounty_scale", "risk_score", "last_scan_id", "created_at"}
	rows := sqlmock.NewRows(protoCols).AddRow(
		"proto-1", "owner-1", "0xOwner", "https://github.com/acme/vault", "main",
		"contracts/Vault.sol", "Vault", domain.ProtocolActive, nil, int64(100_000), int64(60_000), int64(40_000),
		int8(2), nil, nil, time.Now().UTC(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM protocols WHERE id = $1")).WillReturnRows(rows)

	status, err := s.GetPoolStatus(ctx, "proto-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(60_000), status.AvailableBounty.Minor)
	assert.Equal(t, int64(40_000), status.PaidBounty.Minor)
	assert.NoError(t, mock.ExpectationsWereMet())
}
