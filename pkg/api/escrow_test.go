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

func agentRows(id, wallet string) *sqlmock.Rows {
	cols := []string{"id", "wallet_address", "agent_type", "active", "on_chain_token_id", "display_name", "registered_at"}
	return sqlmock.NewRows(cols).AddRow(id, wallet, "RESEARCHER", true, nil, nil, time.Now().UTC())
}

func TestDeduct_InsufficientBalanceRejectedOnChain(t *testing.T) {
	s, mock := newTestService(t)
	s.Chain.(*fakeChain).canSubmit = false
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_identities WHERE wallet_address = $1")).
		WillReturnRows(agentRows("agent-1", "0xResearcher"))

	err := s.Deduct(ctx, "0xResearcher", domain.NewAmount(500, 2))
	assert.Error(t, err)
	var de *domain.Error
	assert.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindValidation, de.Kind)
	assert.Equal(t, 0, s.Chain.(*fakeChain).deductCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeduct_Succeeds(t *testing.T) {
	s, mock := newTestService(t)
	s.Chain.(*fakeChain).canSubmit = true
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_identities WHERE wallet_address = $1")).
		WillReturnRows(agentRows("agent-1", "0xResearcher"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE escrows")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_transactions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Deduct(ctx, "0xResearcher", domain.NewAmount(500, 2))
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Chain.(*fakeChain).deductCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalance(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_identities WHERE wallet_address = $1")).
		WillReturnRows(agentRows("agent-1", "0xResearcher"))

	escrowCols := []string{"agent_identity_id", "balance_minor", "total_deposited_minor", "total_deducted_minor", "scale"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM escrows WHERE agent_identity_id = $1")).
		WillReturnRows(sqlmock.NewRows(escrowCols).AddRow("agent-1", int64(1000), int64(2000), int64(1000), int8(2)))

	balance, err := s.GetBalance(ctx, "0xResearcher")
	assert.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Balance.Minor)
	assert.NoError(t, mock.ExpectationsWereMet())
}
