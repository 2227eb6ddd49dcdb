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

func TestGetReputation(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	cols := []string{"agent_identity_id", "confirmed_count", "rejected_count", "inconclusive_count",
		"total_submissions", "score", "last_updated"}
	rows := sqlmock.NewRows(cols).AddRow("agent-1", int(8), int(2), int(0), int(10), float64(0.8), time.Now().UTC())
	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_reputations WHERE agent_identity_id = $1")).WillReturnRows(rows)

	rep, err := s.GetReputation(ctx, "agent-1")
	assert.NoError(t, err)
	assert.Equal(t, 8, rep.ConfirmedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFeedbackHistory(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_identities WHERE wallet_address = $1")).
		WillReturnRows(agentRows("agent-1", "0xResearcher"))

	fbCols := []string{"id", "researcher_agent_id", "validator_agent_id", "feedback_type", "on_chain_feedback_id",
		"finding_id", "validation_id", "created_at"}
	fbRows := sqlmock.NewRows(fbCols).AddRow(
		"fb-1", "agent-1", "agent-2", domain.FeedbackConfirmedHigh, nil, nil, nil, time.Now().UTC(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_feedback WHERE researcher_agent_id = $1")).WillReturnRows(fbRows)

	out, err := s.GetFeedbackHistory(ctx, "0xResearcher")
	assert.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, domain.FeedbackConfirmedHigh, out[0].FeedbackType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFeedback(t *testing.T) {
	s, mock := newTestService(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_feedback")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agent_reputations")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RecordFeedback(ctx, "agent-1", "agent-2", nil, nil, domain.FeedbackConfirmedCritical)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
