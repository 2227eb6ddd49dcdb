package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/vulnmesh/core/pkg/domain"
)

func TestProtocolStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := &ProtocolStore{db: db}
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "owner_address", "source_url", "branch", "contract_path", "contract_name",
		"status", "on_chain_id", "total_bounty_pool_minor", "available_bounty_minor", "paid_bounty_minor",
		"bounty_scale", "risk_score", "last_scan_id", "created_at",
	}).AddRow("proto-1", "owner-1", "0xabc", "https://github.com/acme/vault", "main", "contracts/Vault.sol", "Vault",
		domain.ProtocolActive, nil, int64(500000), int64(500000), int64(0), int8(2), nil, nil, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("FROM protocols WHERE id = $1")).
		WithArgs("proto-1").
		WillReturnRows(rows)

	p, err := store.Get(ctx, "proto-1")
	assert.NoError(t, err)
	assert.Equal(t, "proto-1", p.ID)
	assert.Equal(t, domain.ProtocolActive, p.Status)
	assert.Nil(t, p.OnChainID)
}

func TestProtocolStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := &ProtocolStore{db: db}

	mock.ExpectQuery(regexp.QuoteMeta("FROM protocols WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err = store.Get(context.Background(), "missing")
	assert.Error(t, err)
	var de *domain.Error
	assert.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindNotFound, de.Kind)
}

func TestProtocolStore_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	store := &ProtocolStore{db: db}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE protocols SET status = $1 WHERE id = $2")).
		WithArgs(domain.ProtocolPaused, "proto-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.UpdateStatus(context.Background(), "proto-1", domain.ProtocolPaused)
	assert.NoError(t, err)
}
