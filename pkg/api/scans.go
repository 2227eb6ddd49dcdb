package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/pipeline"
	"github.com/vulnmesh/core/pkg/queue"
)

// CreateScanRequest starts a scan of an already-registered protocol,
// optionally overriding its default branch/commit (spec.md §6 Scans.create).
type CreateScanRequest struct {
	ProtocolID string
	Branch     *string
	Commit     *string
}

// CreateScanResult is the immediate response to Scans.create; the scan's
// actual progress is observed via SubscribeScanProgress.
type CreateScanResult struct {
	ScanID string
	State  domain.ScanState
}

// CreateScan seeds a Scan row for an existing protocol and enqueues its job,
// mirroring pipeline.ProtocolPipeline.stepTriggerScan but callable directly
// for an on-demand rescan rather than only at registration time.
func (s *Service) CreateScan(ctx context.Context, req CreateScanRequest) (*CreateScanResult, error) {
	protocol, err := s.Store.Protocols.Get(ctx, req.ProtocolID)
	if err != nil {
		return nil, err
	}

	branch := protocol.Branch
	if req.Branch != nil {
		branch = *req.Branch
	}

	scanID := uuid.NewString()
	scan := &domain.Scan{
		ID:           scanID,
		ProtocolID:   protocol.ID,
		State:        domain.ScanQueued,
		TargetBranch: &branch,
		TargetCommit: req.Commit,
	}
	if err := s.Store.Scans.Create(ctx, scan); err != nil {
		return nil, err
	}

	commit := ""
	if req.Commit != nil {
		commit = *req.Commit
	}
	payload, err := json.Marshal(pipeline.ScanJobPayload{
		ScanID:       scanID,
		ProtocolID:   protocol.ID,
		TargetBranch: branch,
		TargetCommit: commit,
	})
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, "SCAN_PAYLOAD_ENCODE", "encode scan job payload", err)
	}

	if _, err := s.ScanQueue.Enqueue(ctx, scanID, payload, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
		return nil, err
	}
	if err := s.Store.Protocols.SetLastScanID(ctx, protocol.ID, scanID); err != nil {
		return nil, err
	}

	return &CreateScanResult{ScanID: scanID, State: domain.ScanQueued}, nil
}

func (s *Service) GetScan(ctx context.Context, scanID string) (*domain.Scan, error) {
	return s.Store.Scans.Get(ctx, scanID)
}

// ListScans returns every scan for protocolID in the order
// ScanStore.ListByProtocol gives (by scan ID, not creation time). Further
// filtering (by state, date range) is left to the caller over this result
// set: the core doesn't project a query-builder across every listing
// surface.
func (s *Service) ListScans(ctx context.Context, protocolID string) ([]*domain.Scan, error) {
	return s.Store.Scans.ListByProtocol(ctx, protocolID)
}

// CancelScan marks a queued or running scan FAILED with a user-requested
// cancellation code and removes its job from the queue if still pending.
func (s *Service) CancelScan(ctx context.Context, scanID string) error {
	if err := s.ScanQueue.Remove(ctx, scanID); err != nil {
		return err
	}
	if err := s.Store.Scans.MarkFailed(ctx, scanID, "CANCELED", "canceled by operator request"); err != nil {
		return err
	}
	s.Bus.Publish(bus.ScanProgress(scanID), bus.Envelope{
		EventType: "scan:canceled",
		Timestamp: time.Now().UTC(),
		ScanID:    scanID,
		Data:      map[string]any{"state": string(domain.ScanFailed)},
	})
	return nil
}

func (s *Service) SubscribeScanProgress(scanID string) (<-chan bus.Envelope, func()) {
	return s.Bus.Subscribe(bus.ScanProgress(scanID), 32, true)
}

func (s *Service) SubscribeScanLogs(scanID string) (<-chan bus.Envelope, func()) {
	return s.Bus.Subscribe(bus.ScanLogs(scanID), 64, false)
}
