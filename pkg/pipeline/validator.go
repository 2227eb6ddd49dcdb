package pipeline

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/crypto"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/sandbox"
	"github.com/vulnmesh/core/pkg/toolchain"
)

// Named steps of the validation state machine (spec.md §4.10): DECRYPT_PROOF
// -> FETCH_PROTOCOL -> CLONE_AT_COMMIT -> COMPILE -> SPAWN_SANDBOX -> DEPLOY
// -> EXECUTE_EXPLOIT -> RECORD_VALIDATION -> RECORD_ONCHAIN ->
// RECORD_REPUTATION -> CLEANUP.
const (
	VStepDecryptProof    = "DECRYPT_PROOF"
	VStepFetchProtocol   = "FETCH_PROTOCOL"
	VStepCloneAtCommit   = "CLONE_AT_COMMIT"
	VStepCompile         = "COMPILE"
	VStepSpawnSandbox    = "SPAWN_SANDBOX"
	VStepDeploy          = "DEPLOY"
	VStepExecuteExploit  = "EXECUTE_EXPLOIT"
	VStepRecordValidation = "RECORD_VALIDATION"
	VStepRecordOnChain   = "RECORD_ONCHAIN"
	VStepRecordReputation = "RECORD_REPUTATION"
	VStepCleanup         = "CLEANUP"
)

// ProofReader is the subset of store.ProofStore ValidatorPipeline needs.
type ProofReader interface {
	Get(ctx context.Context, id string) (*domain.Proof, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.ProofStatus) error
	RecordOnChain(ctx context.Context, id, validationID, txHash string) error
}

// FindingReader is the subset of store.FindingStore ValidatorPipeline needs.
type FindingReader interface {
	Get(ctx context.Context, id string) (*domain.Finding, error)
	UpdateStatus(ctx context.Context, id string, status domain.FindingStatus) error
}

// ScanReader is the subset of store.ScanStore ValidatorPipeline needs to
// recover the commit a finding's proof was generated against.
type ScanReader interface {
	Get(ctx context.Context, id string) (*domain.Scan, error)
}

// ValidationWriter is the subset of store.ValidationStore ValidatorPipeline
// needs.
type ValidationWriter interface {
	Create(ctx context.Context, v *domain.Validation) error
}

// ValidationChain is the subset of chainclient.Client ValidatorPipeline
// needs.
type ValidationChain interface {
	RecordValidation(ctx context.Context, findingID uint64, status domain.ProofStatus, severity domain.Severity, logDigest, proofHash [32]byte) error
}

// ReputationWriter is the subset of store.AgentStore ValidatorPipeline needs.
type ReputationWriter interface {
	RecordFeedback(ctx context.Context, fb *domain.AgentFeedback) error
}

// AgentDirectory resolves an agent's wallet address, needed to address a
// bounty payment to the researcher who submitted the confirmed finding.
type AgentDirectory interface {
	Get(ctx context.Context, id string) (*domain.AgentIdentity, error)
}

// PaymentCreator is the subset of store.PaymentStore ValidatorPipeline needs
// to seed the Payment row a PaymentPipeline worker will process.
type PaymentCreator interface {
	Create(ctx context.Context, p *domain.Payment) error
}

// PaymentEnqueuer is the subset of queue.Queue ValidatorPipeline needs.
type PaymentEnqueuer interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, opts queue.EnqueueOptions) (string, error)
}

// BountyAmountReader is the subset of chainclient.Client ValidatorPipeline
// needs to size the provisional Payment row it creates on a CONFIRMED
// finding; PaymentPipeline later recomputes and verifies this amount
// independently before releasing funds.
type BountyAmountReader interface {
	CalculateBountyAmount(ctx context.Context, protocolID uint64, severity domain.Severity) (*big.Int, error)
}

// PaymentJobPayload is the enqueued payment-queue payload a PaymentPipeline
// worker decodes.
type PaymentJobPayload struct {
	PaymentID string `json:"paymentId"`
}

// ResearcherAttribution resolves the researcher agent credited with a
// finding. Returning ("", nil) means attribution is unknown, in which case
// RECORD_REPUTATION skips crediting that side of the feedback pair (spec.md
// §4.10: "skipped if either agent wallet cannot be resolved").
type ResearcherAttribution interface {
	ResearcherAgentID(ctx context.Context, findingID string) (string, error)
}

// ValidatorPipeline replays a proof's claimed exploit against a fresh
// sandbox deployment of the target at the commit it was generated from, and
// records the CONFIRMED/REJECTED verdict both locally and on-chain (spec.md
// §4.10).
type ValidatorPipeline struct {
	Proofs      ProofReader
	Findings    FindingReader
	Scans       ScanReader
	Protocols   ProtocolReader
	Validations ValidationWriter
	Agents      ReputationWriter
	AgentDirectory AgentDirectory
	Attribution ResearcherAttribution
	Chain       ValidationChain
	BountyAmounts BountyAmountReader
	Payments    PaymentCreator
	PaymentQueue PaymentEnqueuer
	Bus         *bus.Bus

	WorkspaceDir   string
	AnalyzerBinary string
	SandboxBroker  *sandbox.PortBroker
	SandboxConfig  sandbox.Config
	DeployerKey    *ecdsa.PrivateKey
	Keyring        *crypto.EncryptionKeyring

	Logger *slog.Logger

	CloneFn   func(ctx context.Context, workspaceDir, jobID, sourceURL, ref string) (string, error)
	CompileFn func(ctx context.Context, dir, contractPath, contractName string) (*toolchain.CompileResult, error)
}

type validatorRun struct {
	proof      *domain.Proof
	finding    *domain.Finding
	scan       *domain.Scan
	protocol   *domain.Protocol
	payload    proofPayload
	checkout   *Scoped[string]
	sbx        *Scoped[*sandbox.Sandbox]
	compiled   *toolchain.CompileResult
	deployed   *sandbox.DeployResult
	result     *sandbox.ExecutionResult
	validation *domain.Validation
	outcome    domain.ProofStatus
}

func (p *ValidatorPipeline) clone() func(context.Context, string, string, string, string) (string, error) {
	if p.CloneFn != nil {
		return p.CloneFn
	}
	return toolchain.Clone
}

func (p *ValidatorPipeline) compile() func(context.Context, string, string, string) (*toolchain.CompileResult, error) {
	if p.CompileFn != nil {
		return p.CompileFn
	}
	return toolchain.Compile
}

// Process drives proofID through the full validation state machine.
// validatorAgentID identifies the agent performing the replay, recorded on
// both the Validation row and, via RECORD_REPUTATION, the researcher
// feedback pair.
func (p *ValidatorPipeline) Process(ctx context.Context, proofID, validatorAgentID string) error {
	run := &validatorRun{}

	defer func() {
		if run.sbx != nil {
			run.sbx.Release()
		}
		if run.checkout != nil {
			run.checkout.Release()
		}
	}()

	driver := &Driver{Hooks: Hooks{
		After: func(ctx context.Context, step string, stepErr error) {
			state := "running"
			if stepErr != nil {
				state = "failed"
				p.logger().Warn("validation step failed", "proofId", proofID, "step", step, "error", stepErr)
			}
			p.progress(proofID, step, state)
		},
	}}

	steps := []Step{
		{Name: VStepDecryptProof, Run: func(ctx context.Context) error { return p.stepDecrypt(ctx, proofID, run) }},
		{Name: VStepFetchProtocol, Run: func(ctx context.Context) error { return p.stepFetchProtocol(ctx, run) }},
		{Name: VStepCloneAtCommit, Run: func(ctx context.Context) error { return p.stepClone(ctx, run) }},
		{Name: VStepCompile, Run: func(ctx context.Context) error { return p.stepCompile(ctx, run) }},
		{Name: VStepSpawnSandbox, Run: func(ctx context.Context) error { return p.stepSpawnSandbox(ctx, run) }},
		{Name: VStepDeploy, Run: func(ctx context.Context) error { return p.stepDeploy(ctx, run) }},
		{Name: VStepExecuteExploit, Run: func(ctx context.Context) error { return p.stepExecuteExploit(ctx, run) }},
		{Name: VStepRecordValidation, Run: func(ctx context.Context) error { return p.stepRecordValidation(ctx, run, validatorAgentID) }},
		{Name: VStepRecordOnChain, Run: func(ctx context.Context) error { p.stepRecordOnChain(ctx, run); return nil }},
		{Name: VStepRecordReputation, Run: func(ctx context.Context) error { return p.stepRecordReputation(ctx, run, validatorAgentID) }},
	}

	if err := driver.Run(ctx, steps); err != nil {
		if run.proof != nil {
			if terr := p.Proofs.TransitionStatus(ctx, run.proof.ID, domain.ProofValidating, domain.ProofFailed); terr != nil {
				p.logger().Error("failed to mark proof failed", "proofId", proofID, "error", terr)
			}
		}
		p.progress(proofID, VStepCleanup, "failed")
		return err
	}

	p.progress(proofID, VStepCleanup, "done")
	return nil
}

func (p *ValidatorPipeline) stepDecrypt(ctx context.Context, proofID string, run *validatorRun) error {
	proof, err := p.Proofs.Get(ctx, proofID)
	if err != nil {
		return err
	}
	run.proof = proof

	if err := p.Proofs.TransitionStatus(ctx, proof.ID, domain.ProofSubmitted, domain.ProofValidating); err != nil {
		return err
	}

	plaintext, err := crypto.DecryptProof(p.Keyring, proof.EncryptionKeyID, proof.EncryptedPayload)
	if err != nil {
		return domain.Wrap(domain.KindCrypto, "PROOF_DECRYPTION_FAILED", "decrypt-proof", err)
	}
	if err := json.Unmarshal(plaintext, &run.payload); err != nil {
		return domain.Wrap(domain.KindIntegrity, "PROOF_PAYLOAD_MALFORMED", "decrypt-proof", err)
	}

	finding, err := p.Findings.Get(ctx, proof.FindingID)
	if err != nil {
		return err
	}
	run.finding = finding
	return nil
}

func (p *ValidatorPipeline) stepFetchProtocol(ctx context.Context, run *validatorRun) error {
	scan, err := p.Scans.Get(ctx, run.proof.ScanID)
	if err != nil {
		return err
	}
	run.scan = scan

	protocol, err := p.Protocols.Get(ctx, scan.ProtocolID)
	if err != nil {
		return err
	}
	run.protocol = protocol
	return nil
}

func (p *ValidatorPipeline) stepClone(ctx context.Context, run *validatorRun) error {
	ref := run.protocol.Branch
	if run.scan.TargetCommit != nil && *run.scan.TargetCommit != "" {
		ref = *run.scan.TargetCommit
	}
	dir, err := p.clone()(ctx, p.WorkspaceDir, run.proof.ID, run.protocol.SourceURL, ref)
	if err != nil {
		return err
	}
	run.checkout = NewScoped(dir, func() { _ = os.RemoveAll(dir) })
	return nil
}

func (p *ValidatorPipeline) stepCompile(ctx context.Context, run *validatorRun) error {
	result, err := p.compile()(ctx, run.checkout.Value, run.protocol.ContractPath, run.protocol.ContractName)
	if err != nil {
		return err
	}
	run.compiled = result
	return nil
}

func (p *ValidatorPipeline) stepSpawnSandbox(ctx context.Context, run *validatorRun) error {
	sbx, err := sandbox.New(ctx, run.proof.ID, p.SandboxConfig, p.SandboxBroker)
	if err != nil {
		return err
	}
	run.sbx = NewScoped(sbx, func() { _ = sbx.Kill(context.Background()) })
	return nil
}

func (p *ValidatorPipeline) stepDeploy(ctx context.Context, run *validatorRun) error {
	deployed, err := run.sbx.Value.Deploy(ctx, p.DeployerKey, run.compiled.Bytecode)
	if err != nil {
		return err
	}
	run.deployed = deployed
	return nil
}

// stepExecuteExploit replays the proof's step sequence. A failed exploit is
// not a pipeline error: Sandbox.ExecuteExploit reports it in
// ExecutionResult.Validated=false, which drives the CONFIRMED/REJECTED
// decision rather than aborting the run (spec.md §4.9/§4.10).
func (p *ValidatorPipeline) stepExecuteExploit(ctx context.Context, run *validatorRun) error {
	var parsedABI abi.ABI
	if err := json.Unmarshal(run.compiled.ABI, &parsedABI); err != nil {
		return fmt.Errorf("parse compiled abi: %w", err)
	}

	result, err := run.sbx.Value.ExecuteExploit(ctx, p.DeployerKey, run.deployed.Address, parsedABI, run.payload.Steps)
	if err != nil {
		return err
	}
	run.result = result
	if result.Validated {
		run.outcome = domain.ProofConfirmed
	} else {
		run.outcome = domain.ProofRejected
	}
	return nil
}

func (p *ValidatorPipeline) stepRecordValidation(ctx context.Context, run *validatorRun, validatorAgentID string) error {
	validationID := uuid.NewString()
	result := domain.ValidationFalse
	if run.result.Validated {
		result = domain.ValidationTrue
	}

	var failureReason *string
	if run.result.Error != "" {
		failureReason = &run.result.Error
	}

	validation := &domain.Validation{
		ID:               validationID,
		ProofID:          run.proof.ID,
		ScanID:           run.proof.ScanID,
		ProtocolID:       run.protocol.ID,
		ValidatorAgentID: validatorAgentID,
		Result:           result,
		ExecutionLog:     strings.Join(run.result.ExecutionLog, "\n"),
		TransactionHash:  strPtrOrNil(run.result.TransactionHash),
		FailureReason:    failureReason,
	}
	if run.result.GasUsed > 0 {
		gas := run.result.GasUsed
		validation.GasUsed = &gas
	}
	if err := p.Validations.Create(ctx, validation); err != nil {
		return err
	}
	run.validation = validation

	if err := p.Proofs.TransitionStatus(ctx, run.proof.ID, domain.ProofValidating, run.outcome); err != nil {
		return err
	}

	findingStatus := domain.FindingRejected
	if run.outcome == domain.ProofConfirmed {
		findingStatus = domain.FindingConfirmed
	}
	if err := p.Findings.UpdateStatus(ctx, run.finding.ID, findingStatus); err != nil {
		return err
	}

	if run.outcome == domain.ProofConfirmed {
		if err := p.createPaymentJob(ctx, run); err != nil {
			// A failure to create the payment job must not erase an
			// already-confirmed verdict; it is logged and left for the
			// repair tool described in spec.md §4.11 to re-queue.
			p.logger().Error("failed to create payment job for confirmed finding", "findingId", run.finding.ID, "error", err)
		}
	}
	return nil
}

// createPaymentJob seeds a Payment row and enqueues its job, per spec.md
// §4.11's "the Validator pipeline creates and enqueues a Payment job" on a
// CONFIRMED finding. The amount recorded here is provisional: PaymentPipeline
// independently recomputes it from the contract before releasing funds.
func (p *ValidatorPipeline) createPaymentJob(ctx context.Context, run *validatorRun) error {
	if p.Payments == nil || p.PaymentQueue == nil || p.AgentDirectory == nil || p.BountyAmounts == nil {
		return nil
	}

	researcherID, err := p.Attribution.ResearcherAgentID(ctx, run.finding.ID)
	if err != nil || researcherID == "" {
		return fmt.Errorf("resolve researcher agent for finding %s: %w", run.finding.ID, err)
	}
	researcher, err := p.AgentDirectory.Get(ctx, researcherID)
	if err != nil {
		return err
	}

	onChainProtocolID, err := parseOnChainID(run.protocol.OnChainID)
	if err != nil {
		return err
	}
	amountWei, err := p.BountyAmounts.CalculateBountyAmount(ctx, onChainProtocolID, run.finding.Severity)
	if err != nil {
		return err
	}

	paymentID := uuid.NewString()
	payment := &domain.Payment{
		ID:                paymentID,
		VulnerabilityID:   run.finding.ID,
		ResearcherAddress: researcher.WalletAddress,
		Amount:            amountFromWei(amountWei),
		Currency:          "ETH",
		Status:            domain.PaymentPending,
		QueuedAt:          time.Now().UTC(),
	}
	if err := p.Payments.Create(ctx, payment); err != nil {
		return err
	}

	payload, err := json.Marshal(PaymentJobPayload{PaymentID: paymentID})
	if err != nil {
		return err
	}
	_, err = p.PaymentQueue.Enqueue(ctx, "payment-"+paymentID, payload, queue.EnqueueOptions{MaxAttempts: 3})
	return err
}

// amountFromWei converts an on-chain wei amount into a fixed-point Amount
// at 18-decimal scale. Minor is an int64, so amounts beyond ~9.2e18 wei
// (~9.2 ETH) would overflow; bounty payouts are expected well under that,
// but a production build would widen Amount.Minor before handling larger
// token denominations.
func amountFromWei(wei *big.Int) domain.Amount {
	return domain.NewAmount(wei.Int64(), 18)
}

func parseOnChainID(onChainID *string) (uint64, error) {
	if onChainID == nil || *onChainID == "" {
		return 0, fmt.Errorf("protocol has no onChainId")
	}
	var id uint64
	if _, err := fmt.Sscanf(*onChainID, "%d", &id); err != nil {
		return 0, fmt.Errorf("parse onChainId %q: %w", *onChainID, err)
	}
	return id, nil
}

// stepRecordOnChain writes the verdict to the validation registry
// contract. Failures here are logged and swallowed rather than propagated:
// spec.md §4.9 treats on-chain recording as best-effort so a transient RPC
// outage never reverses an already-decided CONFIRMED/REJECTED verdict.
func (p *ValidatorPipeline) stepRecordOnChain(ctx context.Context, run *validatorRun) {
	proofHashHex, err := crypto.ProofHash(run.finding.ID, run.finding.VulnerabilityType, string(run.finding.Severity), run.outcome == domain.ProofConfirmed)
	if err != nil {
		p.logger().Error("failed to compute proof hash", "proofId", run.proof.ID, "error", err)
		return
	}
	proofHash := hexStringTo32(proofHashHex)
	var logDigest [32]byte
	copy(logDigest[:], ethcrypto.Keccak256([]byte(strings.Join(run.result.ExecutionLog, "\n"))))

	// The validation registry is keyed by a numeric on-chain finding ID,
	// but findings here are identified by UUID with no separate on-chain
	// finding registration step; until one exists, a stable uint64 is
	// derived from the UUID so recordValidation has a deterministic
	// argument per finding.
	onChainFindingID := fnvHash64(run.finding.ID)

	if err := p.Chain.RecordValidation(ctx, onChainFindingID, run.outcome, run.finding.Severity, logDigest, proofHash); err != nil {
		p.logger().Warn("recordValidation failed, continuing", "proofId", run.proof.ID, "error", err)
		return
	}
	if err := p.Proofs.RecordOnChain(ctx, run.proof.ID, run.validation.ID, ""); err != nil {
		p.logger().Error("failed to persist on-chain validation reference", "proofId", run.proof.ID, "error", err)
	}
}

// stepRecordReputation credits the researcher and debits/credits the
// validator's implicit track record via a feedback row, skipping either
// side whose agent identity cannot be resolved (spec.md §4.10).
func (p *ValidatorPipeline) stepRecordReputation(ctx context.Context, run *validatorRun, validatorAgentID string) error {
	if p.Attribution == nil || validatorAgentID == "" {
		return nil
	}
	researcherID, err := p.Attribution.ResearcherAgentID(ctx, run.finding.ID)
	if err != nil {
		p.logger().Warn("researcher attribution lookup failed, skipping reputation update", "findingId", run.finding.ID, "error", err)
		return nil
	}
	if researcherID == "" {
		return nil
	}

	feedback := &domain.AgentFeedback{
		ID:                uuid.NewString(),
		ResearcherAgentID: researcherID,
		ValidatorAgentID:  validatorAgentID,
		FeedbackType:      domain.FeedbackForSeverity(run.finding.Severity, run.outcome == domain.ProofConfirmed),
		FindingID:         &run.finding.ID,
		ValidationID:      &run.validation.ID,
	}
	return p.Agents.RecordFeedback(ctx, feedback)
}

func (p *ValidatorPipeline) progress(proofID, step, state string) {
	envelope := bus.Envelope{
		EventType:    "validation:progress",
		Timestamp:    time.Now().UTC(),
		ValidationID: proofID,
		Data:         map[string]any{"step": step, "state": state},
	}
	p.Bus.Publish(bus.ValidationProgress(proofID), envelope)
	p.Bus.Publish(bus.TopicValidationActivity, envelope)
}

func (p *ValidatorPipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func hexStringTo32(hexStr string) [32]byte {
	var out [32]byte
	b := common.FromHex(hexStr)
	copy(out[32-len(b):], b)
	return out
}

func fnvHash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
