package main

import (
	"bytes"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/store"
)

func proofCols() []string {
	return []string{"id", "finding_id", "scan_id", "encrypted_payload", "encryption_key_id", "researcher_signature",
		"status", "submitted_at", "validated_at", "on_chain_validation_id", "on_chain_tx_hash"}
}

func TestRun_NoArgs_PrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vmctl"}, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "vmctl - operator tooling")
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vmctl", "help"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "sweep-proofs")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vmctl", "bogus"}, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestRunResolve_RequiresIDAndNotes(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"vmctl", "resolve"}, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "both -id and -notes are required")
}

// TestSweepProofs_ResetsRemovesAndReenqueues drives spec.md §4.10's
// scenario 5: a proof stuck in VALIDATING past the threshold must have its
// stale validation job removed, its status reset to SUBMITTED, and a fresh
// job enqueued under the same proof-<id> key the original submit step used.
func TestSweepProofs_ResetsRemovesAndReenqueues(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	stores := store.NewStoreSet(db)
	validationQueue := queue.New(db, "validations", 0, nil)

	old := time.Now().UTC().Add(-time.Hour)
	validatingRows := sqlmock.NewRows(proofCols()).
		AddRow("proof-1", "finding-1", "scan-1", []byte("cipher"), "key-1", "sig", domain.ProofValidating, old, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM proofs WHERE status = $1")).
		WithArgs(domain.ProofValidating).WillReturnRows(validatingRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM proofs WHERE status = $1")).
		WithArgs(domain.ProofSubmitted).WillReturnRows(sqlmock.NewRows(proofCols()))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM jobs WHERE queue = $1 AND job_id = $2")).
		WithArgs("validations", "proof-proof-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proofs SET status = $1 WHERE id = $2 AND status = $3")).
		WithArgs(domain.ProofSubmitted, "proof-1", domain.ProofValidating).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs("validations", "proof-proof-1", sqlmock.AnyArg(), queue.StatusPending, 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var stdout, stderr bytes.Buffer
	exitCode := sweepProofs(context.Background(), stores, validationQueue, 15*time.Minute, false, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "stuck proof proof-1")
	assert.Contains(t, stdout.String(), "1 proof(s) stuck, re-enqueued 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSweepProofs_DryRunSkipsMutation verifies -dry-run only reports,
// never touching the queue or resetting status.
func TestSweepProofs_DryRunSkipsMutation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	stores := store.NewStoreSet(db)
	validationQueue := queue.New(db, "validations", 0, nil)

	old := time.Now().UTC().Add(-time.Hour)
	validatingRows := sqlmock.NewRows(proofCols()).
		AddRow("proof-1", "finding-1", "scan-1", []byte("cipher"), "key-1", "sig", domain.ProofValidating, old, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM proofs WHERE status = $1")).
		WithArgs(domain.ProofValidating).WillReturnRows(validatingRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM proofs WHERE status = $1")).
		WithArgs(domain.ProofSubmitted).WillReturnRows(sqlmock.NewRows(proofCols()))

	var stdout, stderr bytes.Buffer
	exitCode := sweepProofs(context.Background(), stores, validationQueue, 15*time.Minute, true, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "1 proof(s) stuck, re-enqueued 0")
	assert.NoError(t, mock.ExpectationsWereMet())
}
