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

func validRegisterReq() RegisterProtocolRequest {
	return RegisterProtocolRequest{
		OwnerID:         "owner-1",
		OwnerAddress:    "0xOwner",
		SourceURL:       "https://github.com/acme/vault",
		Branch:          "main",
		ContractPath:    "contracts/Vault.sol",
		ContractName:    "Vault",
		TotalBountyPool: domain.NewAmount(100_000_00, 2),
	}
}

func TestRegisterProtocol_NewRegistration(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM protocols WHERE fingerprint = $1")).
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO protocols")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM protocols WHERE fingerprint = $1")).
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := s.RegisterProtocol(ctx, validRegisterReq())
	assert.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.ProtocolPending, res.Status)
	assert.NotEmpty(t, res.ProtocolID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterProtocol_DuplicateFingerprintShortCircuits(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	cols := []string{"id", "owner_id", "owner_address", "source_url", "branch", "contract_path", "contract_name",
		"status", "on_chain_id", "total_bounty_pool_minor", "available_bounty_minor", "paid_bounty_minor",
		"bounty_scale", "risk_score", "last_scan_id", "created_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"proto-existing", "owner-1", "0xOwner", "https://github.com/acme/vault", "main",
		"contracts/Vault.sol", "Vault", domain.ProtocolActive, nil, int64(10_000_00), int64(5_000_00), int64(5_000_00),
		int8(2), nil, nil, time.Now().UTC(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM protocols WHERE fingerprint = $1")).WillReturnRows(rows)

	res, err := s.RegisterProtocol(ctx, validRegisterReq())
	assert.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "proto-existing", res.ProtocolID)
	assert.Equal(t, domain.ProtocolActive, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListProtocols(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	cols := []string{"id", "owner_id", "owner_address", "source_url", "branch", "contract_path", "contract_name",
		"status", "on_chain_id", "total_bounty_pool_minor", "available_bounty_minor", "paid_bounty_minor",
		"bounty_scale", "risk_score", "last_scan_id", "created_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"proto-1", "owner-1", "0xOwner", "https://github.com/acme/vault", "main",
		"contracts/Vault.sol", "Vault", domain.ProtocolPending, nil, int64(0), int64(0), int64(0),
		int8(2), nil, nil, time.Now().UTC(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM protocols ORDER BY created_at DESC")).WillReturnRows(rows)

	out, err := s.ListProtocols(ctx)
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, "proto-1", out[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
