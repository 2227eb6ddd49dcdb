package store

import (
	"context"
	"database/sql"

	"github.com/vulnmesh/core/pkg/domain"
)

// EventListenerStore persists the last block processed per (contract,
// event) pair, so the chain event listener can resume after a restart
// without re-processing or skipping events.
type EventListenerStore struct {
	db *sql.DB
}

func (s *EventListenerStore) GetCheckpoint(ctx context.Context, contractAddress, eventName string) (uint64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_processed_block FROM event_listener_state WHERE contract_address = $1 AND event_name = $2
	`, contractAddress, eventName)
	var block int64
	err := row.Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, domain.Wrap(domain.KindTransient, "event_listener_checkpoint", "read event listener checkpoint", err)
	}
	return uint64(block), nil
}

func (s *EventListenerStore) SetCheckpoint(ctx context.Context, contractAddress, eventName string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_listener_state (contract_address, event_name, last_processed_block)
		VALUES ($1, $2, $3)
		ON CONFLICT (contract_address, event_name) DO UPDATE SET last_processed_block = EXCLUDED.last_processed_block
	`, contractAddress, eventName, int64(block))
	if err != nil {
		return domain.Wrap(domain.KindTransient, "event_listener_checkpoint_set", "set event listener checkpoint", err)
	}
	return nil
}
