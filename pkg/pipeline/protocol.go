package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/toolchain"
)

// Named steps of the registration state machine (spec.md §4.8): CLONE ->
// VERIFY_CONTRACT_EXISTS -> COMPILE -> RISK_SCORE -> REGISTER_ON_CHAIN ->
// TRIGGER_SCAN -> DONE.
const (
	StepClone           = "CLONE"
	StepVerifyContract  = "VERIFY_CONTRACT_EXISTS"
	StepCompile         = "COMPILE"
	StepRiskScore       = "RISK_SCORE"
	StepRegisterOnChain = "REGISTER_ON_CHAIN"
	StepTriggerScan     = "TRIGGER_SCAN"
	StepDone            = "DONE"
)

// ProtocolChain is the subset of chainclient.Client ProtocolPipeline needs.
type ProtocolChain interface {
	IsGithubURLRegistered(ctx context.Context, sourceURL string) (bool, error)
	GetProtocolIDByGithubURL(ctx context.Context, sourceURL string) (uint64, error)
	RegisterProtocol(ctx context.Context, sourceURL string, contractAddress common.Address) (uint64, error)
}

// ProtocolRepo is the subset of store.ProtocolStore ProtocolPipeline needs.
type ProtocolRepo interface {
	Get(ctx context.Context, id string) (*domain.Protocol, error)
	UpdateStatus(ctx context.Context, id string, status domain.ProtocolStatus) error
	UpdateOnChainID(ctx context.Context, id, onChainID string) error
	SetLastScanID(ctx context.Context, id, scanID string) error
}

// ScanRepo is the subset of store.ScanStore ProtocolPipeline needs to seed
// the row the enqueued scan job will drive.
type ScanRepo interface {
	Create(ctx context.Context, sc *domain.Scan) error
}

// ScanEnqueuer is the subset of queue.Queue ProtocolPipeline needs.
type ScanEnqueuer interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, opts queue.EnqueueOptions) (string, error)
}

// ScanJobPayload is the enqueued scan-jobs payload a ResearcherPipeline
// worker decodes.
type ScanJobPayload struct {
	ScanID       string `json:"scanId"`
	ProtocolID   string `json:"protocolId"`
	TargetBranch string `json:"targetBranch"`
	TargetCommit string `json:"targetCommit"`
}

// ProtocolPipeline registers a cloned, compiled smart contract with the
// on-chain protocol registry and hands it off to the research queue
// (spec.md §4.8).
type ProtocolPipeline struct {
	Protocols ProtocolRepo
	Scans     ScanRepo
	Chain     ProtocolChain
	Bus       *bus.Bus
	ScanQueue ScanEnqueuer

	WorkspaceDir string
	Logger       *slog.Logger

	// Overridable for tests; default to the real toolchain package.
	CloneFn     func(ctx context.Context, workspaceDir, jobID, sourceURL, ref string) (string, error)
	CompileFn   func(ctx context.Context, dir, contractPath, contractName string) (*toolchain.CompileResult, error)
	RiskScoreFn func(bytecode []byte, abiJSON json.RawMessage) int
}

// protocolRun threads intermediate state between a single Process call's
// step functions.
type protocolRun struct {
	protocol  *domain.Protocol
	checkout  *Scoped[string]
	compiled  *toolchain.CompileResult
	riskScore int
	onChainID uint64
}

func (p *ProtocolPipeline) clone() func(context.Context, string, string, string, string) (string, error) {
	if p.CloneFn != nil {
		return p.CloneFn
	}
	return toolchain.Clone
}

func (p *ProtocolPipeline) compile() func(context.Context, string, string, string) (*toolchain.CompileResult, error) {
	if p.CompileFn != nil {
		return p.CompileFn
	}
	return toolchain.Compile
}

func (p *ProtocolPipeline) riskScorer() func([]byte, json.RawMessage) int {
	if p.RiskScoreFn != nil {
		return p.RiskScoreFn
	}
	return toolchain.RiskScore
}

// Process drives protocolID through the full registration state machine.
// Every step failure is treated as retryable (spec.md §4.8: "the job
// retries up to 3 times") and leaves the protocol's status at PENDING; the
// failure is logged, and no error message is stored on the protocol row.
// The caller's queue.Handler is expected to surface
// the returned error to queue.Queue.fail, whose exponential backoff then
// reschedules the job.
func (p *ProtocolPipeline) Process(ctx context.Context, protocolID string) error {
	protocol, err := p.Protocols.Get(ctx, protocolID)
	if err != nil {
		return err
	}
	run := &protocolRun{protocol: protocol}

	driver := &Driver{Hooks: Hooks{
		Before: func(ctx context.Context, step string) error {
			p.publish(protocol.ID, step, "running")
			return nil
		},
		After: func(ctx context.Context, step string, stepErr error) {
			if stepErr != nil {
				p.logger().Warn("protocol pipeline step failed", "protocolId", protocol.ID, "step", step, "error", stepErr)
				return
			}
			p.publish(protocol.ID, step, "done")
		},
	}}

	steps := []Step{
		{Name: StepClone, Run: func(ctx context.Context) error { return p.stepClone(ctx, run) }},
		{Name: StepVerifyContract, Run: func(ctx context.Context) error { return p.stepVerifyContract(ctx, run) }},
		{Name: StepCompile, Run: func(ctx context.Context) error { return p.stepCompile(ctx, run) }},
		{Name: StepRiskScore, Run: func(ctx context.Context) error { return p.stepRiskScore(ctx, run) }},
		{Name: StepRegisterOnChain, Run: func(ctx context.Context) error { return p.stepRegisterOnChain(ctx, run) }},
		{Name: StepTriggerScan, Run: func(ctx context.Context) error { return p.stepTriggerScan(ctx, run) }},
	}

	defer func() {
		if run.checkout != nil {
			run.checkout.Release()
		}
	}()

	if err := driver.Run(ctx, steps); err != nil {
		if uerr := p.Protocols.UpdateStatus(ctx, protocol.ID, domain.ProtocolPending); uerr != nil {
			p.logger().Error("failed to record protocol failure status", "protocolId", protocol.ID, "error", uerr)
		}
		return wrapProtocolErr(err)
	}

	if err := p.Protocols.UpdateStatus(ctx, protocol.ID, domain.ProtocolActive); err != nil {
		return err
	}
	p.publish(protocol.ID, StepDone, "done")
	return nil
}

func (p *ProtocolPipeline) stepClone(ctx context.Context, run *protocolRun) error {
	dir, err := p.clone()(ctx, p.WorkspaceDir, run.protocol.ID, run.protocol.SourceURL, run.protocol.Branch)
	if err != nil {
		return err
	}
	run.checkout = NewScoped(dir, func() { _ = os.RemoveAll(dir) })
	return nil
}

func (p *ProtocolPipeline) stepVerifyContract(ctx context.Context, run *protocolRun) error {
	path := filepath.Join(run.checkout.Value, run.protocol.ContractPath)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("contract path %s not found in checkout: %w", run.protocol.ContractPath, err)
	}
	return nil
}

func (p *ProtocolPipeline) stepCompile(ctx context.Context, run *protocolRun) error {
	result, err := p.compile()(ctx, run.checkout.Value, run.protocol.ContractPath, run.protocol.ContractName)
	if err != nil {
		return err
	}
	run.compiled = result
	return nil
}

func (p *ProtocolPipeline) stepRiskScore(ctx context.Context, run *protocolRun) error {
	run.riskScore = p.riskScorer()(run.compiled.Bytecode, run.compiled.ABI)
	return nil
}

// stepRegisterOnChain registers the protocol unless it is already
// registered under this sourceUrl, in which case the existing on-chain ID
// is adopted (spec.md §4.8). The registry's contractAddress parameter is
// populated from Protocol.OwnerAddress: the entity registering and
// administering the bounty pool, not a deployed contract instance — the
// Protocol row models a reviewable source checkout (sourceUrl/branch/path),
// not an already-deployed mainnet contract, so no separate on-chain
// contract address exists to pass here.
func (p *ProtocolPipeline) stepRegisterOnChain(ctx context.Context, run *protocolRun) error {
	already, err := p.Chain.IsGithubURLRegistered(ctx, run.protocol.SourceURL)
	if err != nil {
		return err
	}

	var onChainID uint64
	if already {
		onChainID, err = p.Chain.GetProtocolIDByGithubURL(ctx, run.protocol.SourceURL)
	} else {
		onChainID, err = p.Chain.RegisterProtocol(ctx, run.protocol.SourceURL, common.HexToAddress(run.protocol.OwnerAddress))
	}
	if err != nil {
		return err
	}
	run.onChainID = onChainID

	onChainIDStr := fmt.Sprintf("%d", onChainID)
	if err := p.Protocols.UpdateOnChainID(ctx, run.protocol.ID, onChainIDStr); err != nil {
		return err
	}
	return p.Protocols.UpdateStatus(ctx, run.protocol.ID, domain.ProtocolRegistered)
}

// stepTriggerScan seeds a Scan row and enqueues its job with an idempotency
// key of protocolId + resolveCommit(checkout), so a retried run for the same
// protocol never double-schedules a scan (spec.md §4.8). The key holds no
// git commit SHA; see resolveCommit.
func (p *ProtocolPipeline) stepTriggerScan(ctx context.Context, run *protocolRun) error {
	scanID := uuid.NewString()
	commit := resolveCommit(run.checkout.Value)

	scan := &domain.Scan{
		ID:           scanID,
		ProtocolID:   run.protocol.ID,
		State:        domain.ScanQueued,
		CurrentStep:  "",
		TargetBranch: &run.protocol.Branch,
		TargetCommit: &commit,
	}
	if err := p.Scans.Create(ctx, scan); err != nil {
		return err
	}

	payload, err := json.Marshal(ScanJobPayload{
		ScanID:       scanID,
		ProtocolID:   run.protocol.ID,
		TargetBranch: run.protocol.Branch,
		TargetCommit: commit,
	})
	if err != nil {
		return err
	}

	idempotencyKey := run.protocol.ID + "-" + commit
	if _, err := p.ScanQueue.Enqueue(ctx, idempotencyKey, payload, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
		return err
	}

	if err := p.Protocols.SetLastScanID(ctx, run.protocol.ID, scanID); err != nil {
		return err
	}
	p.Bus.Publish(bus.ProtocolRegistration(run.protocol.ID), bus.Envelope{
		EventType:  "scan:triggered",
		Timestamp:  time.Now().UTC(),
		ProtocolID: run.protocol.ID,
		Data:       map[string]any{"scanId": scanID},
	})
	return nil
}

func (p *ProtocolPipeline) publish(protocolID, step, phase string) {
	p.Bus.Publish(bus.ProtocolRegistration(protocolID), bus.Envelope{
		EventType:  "protocol:" + phase,
		Timestamp:  time.Now().UTC(),
		ProtocolID: protocolID,
		Data:       map[string]any{"step": step},
	})
}

func (p *ProtocolPipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// resolveCommit returns the checkout directory's base name as a commit
// proxy. Clone names that directory after its job ID (the protocol ID in
// this pipeline), so the value is the same for every run of a protocol; the
// git HEAD commit is not read.
func resolveCommit(checkoutDir string) string {
	return filepath.Base(checkoutDir)
}

func wrapProtocolErr(err error) error {
	return domain.Wrap(domain.KindTransient, "PROTOCOL_PIPELINE_FAILED", "protocol-pipeline", err)
}
