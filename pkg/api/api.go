// Package api exposes the core's call surface to whatever HTTP/SSE layer
// wraps it (spec.md §6): plain Go methods grouped by resource, returning the
// shared domain entities and the shared *domain.Error taxonomy so no raw
// error or framework type leaks across the boundary.
package api

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/store"
)

// Chain is the subset of chainclient.Client the escrow and fee surfaces
// need: the platform's own address, escrow gating, and ERC-20 transfer
// verification.
type Chain interface {
	Address() common.Address
	CanSubmitFinding(ctx context.Context, agent common.Address, requiredFee *big.Int) (bool, error)
	DeductSubmissionFee(ctx context.Context, agent common.Address, amount *big.Int) error
	VerifyTransferReceipt(ctx context.Context, txHash common.Hash, payer, payTo common.Address, minAmount *big.Int) error
}

// Service implements the external interface surface over a connected
// StoreSet, Bus, job queues, and chain client.
type Service struct {
	Store *store.StoreSet
	Bus   *bus.Bus
	Chain Chain

	ProtocolQueue   *queue.Queue
	ScanQueue       *queue.Queue
	ValidationQueue *queue.Queue
	PaymentQueue    *queue.Queue
}

// Envelope maps any error returned by a Service method into the structured,
// framework-agnostic failure shape an HTTP layer renders to callers (spec.md
// §7): {code, message, requestId}. Every Service method already returns
// *domain.Error (or nil), so this never needs to guess at a raw error's
// shape.
func (s *Service) Envelope(err error, requestID string) domain.Envelope {
	return domain.ToEnvelope(err, requestID)
}

// NewRequestID generates a correlation id for a single inbound call,
// threaded through to Envelope on failure.
func NewRequestID() string {
	return uuid.NewString()
}

// DateRange bounds a query by [Since, Until]; both ends inclusive.
type DateRange struct {
	Since, Until time.Time
}
