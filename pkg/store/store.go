// Package store provides the Postgres-backed repositories for every entity
// in the bounty platform's data model (spec.md §3): protocols, scans,
// findings, proofs, validations, payments, reconciliation records, agent
// identities/reputation/feedback, escrow, fee requests, and event-listener
// checkpoints. Connection handling and migrations are adapted from the
// teacher's pkg/store Postgres repositories and from the pack's
// golang-migrate/gobreaker database-connection idiom.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sony/gobreaker"
	"github.com/vulnmesh/core/pkg/domain"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// StoreSet bundles every entity repository over a shared connection pool.
type StoreSet struct {
	DB *sql.DB

	Protocols        *ProtocolStore
	Scans            *ScanStore
	Findings         *FindingStore
	Proofs           *ProofStore
	Validations      *ValidationStore
	Payments         *PaymentStore
	Reconciliations  *ReconciliationStore
	Agents           *AgentStore
	Escrows          *EscrowStore
	FeeRequests      *FeeRequestStore
	EventListeners   *EventListenerStore
}

var connectBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
	Name:        "store.connect",
	MaxRequests: 3,
	Interval:    10 * time.Second,
	Timeout:     30 * time.Second,
	ReadyToTrip: func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures > 5
	},
})

// Open connects to Postgres, runs migrations, and wires up every repository.
func Open(ctx context.Context, databaseURL string) (*StoreSet, error) {
	var db *sql.DB
	_, err := connectBreaker.Execute(func() (interface{}, error) {
		var openErr error
		db, openErr = sql.Open("postgres", databaseURL)
		if openErr != nil {
			return nil, fmt.Errorf("open database: %w", openErr)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if pingErr := db.PingContext(pingCtx); pingErr != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", pingErr)
		}
		return db, nil
	})
	if err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return NewStoreSet(db), nil
}

// NewStoreSet wires every repository over an already-open connection,
// skipping Open's dial/ping/migrate steps. Exported so callers that manage
// their own *sql.DB — a test harness wiring go-sqlmock, or a caller that
// already ran migrations separately — can assemble a StoreSet directly.
func NewStoreSet(db *sql.DB) *StoreSet {
	return &StoreSet{
		DB:              db,
		Protocols:       &ProtocolStore{db: db},
		Scans:           &ScanStore{db: db},
		Findings:        &FindingStore{db: db},
		Proofs:          &ProofStore{db: db},
		Validations:     &ValidationStore{db: db},
		Payments:        &PaymentStore{db: db},
		Reconciliations: &ReconciliationStore{db: db},
		Agents:          &AgentStore{db: db},
		Escrows:         &EscrowStore{db: db},
		FeeRequests:     &FeeRequestStore{db: db},
		EventListeners:  &EventListenerStore{db: db},
	}
}

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *StoreSet) Close() error {
	return s.DB.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func WithTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.Wrap(domain.KindTransient, "tx_begin", "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(tx)
	return err
}

// notFound wraps sql.ErrNoRows into the shared domain error taxonomy.
func notFound(entity string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewError(domain.KindNotFound, "NOT_FOUND", entity+" not found", err)
	}
	return domain.Wrap(domain.KindTransient, "query", "query "+entity, err)
}
