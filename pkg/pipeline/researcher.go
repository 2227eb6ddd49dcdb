package pipeline

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/crypto"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/llm"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/sandbox"
	"github.com/vulnmesh/core/pkg/toolchain"
)

// Named steps of the research state machine (spec.md §4.9): CLONE -> COMPILE
// -> DEPLOY -> ANALYZE -> GENERATE_PROOFS -> PERSIST_FINDINGS_AND_PROOFS ->
// SUBMIT_TO_VALIDATION -> CLEANUP.
const (
	RStepClone              = "CLONE"
	RStepCompile            = "COMPILE"
	RStepDeploy             = "DEPLOY"
	RStepAnalyze            = "ANALYZE"
	RStepGenerateProofs     = "GENERATE_PROOFS"
	RStepPersist            = "PERSIST_FINDINGS_AND_PROOFS"
	RStepSubmitToValidation = "SUBMIT_TO_VALIDATION"
	RStepCleanup            = "CLEANUP"
)

// ScanRepo2 is the subset of store.ScanStore ResearcherPipeline needs.
type ScanRepo2 interface {
	Get(ctx context.Context, id string) (*domain.Scan, error)
	MarkStarted(ctx context.Context, id string) error
	UpdateState(ctx context.Context, id string, state domain.ScanState, currentStep string) error
	MarkCompleted(ctx context.Context, id string, state domain.ScanState, toolStatus domain.ToolStatus) error
	MarkFailed(ctx context.Context, id, code, message string) error
}

// ProtocolReader is the subset of store.ProtocolStore ResearcherPipeline
// needs to resolve the protocol a scan belongs to.
type ProtocolReader interface {
	Get(ctx context.Context, id string) (*domain.Protocol, error)
}

// FindingRepo is the subset of store.FindingStore ResearcherPipeline needs.
type FindingRepo interface {
	Create(ctx context.Context, f *domain.Finding) error
}

// ProofRepo is the subset of store.ProofStore ResearcherPipeline needs.
type ProofRepo interface {
	Create(ctx context.Context, p *domain.Proof) error
}

// ValidationEnqueuer is the subset of queue.Queue ResearcherPipeline needs.
type ValidationEnqueuer interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, opts queue.EnqueueOptions) (string, error)
}

// ValidationJobPayload is the enqueued validation-queue payload a
// ValidatorPipeline worker decodes.
type ValidationJobPayload struct {
	ProofID string `json:"proofId"`
}

// candidateFinding bridges static-analyzer and AI-derived findings into one
// shape before PERSIST_FINDINGS_AND_PROOFS writes Finding/Proof rows.
type candidateFinding struct {
	VulnerabilityType string
	Severity          domain.Severity
	FilePath          string
	Line              *int
	Description       string
	Confidence        float64
	Method            domain.AnalysisMethod
	AIConfidence      *float64
}

// ResearcherPipeline clones a protocol at a target commit, compiles and
// deploys it into a disposable sandbox, analyzes it for vulnerabilities
// (static + optional AI), and submits encrypted proofs for validation
// (spec.md §4.9).
type ResearcherPipeline struct {
	Scans     ScanRepo2
	Protocols ProtocolReader
	Findings  FindingRepo
	Proofs    ProofRepo
	Bus       *bus.Bus
	ValidationQueue ValidationEnqueuer

	WorkspaceDir   string
	AnalyzerBinary string
	SandboxBroker  *sandbox.PortBroker
	SandboxConfig  sandbox.Config
	DeployerKey    *ecdsa.PrivateKey
	Keyring        *crypto.EncryptionKeyring
	LLM            llm.Client // nil disables AI-assisted analysis

	Logger *slog.Logger

	CloneFn           func(ctx context.Context, workspaceDir, jobID, sourceURL, ref string) (string, error)
	CompileFn         func(ctx context.Context, dir, contractPath, contractName string) (*toolchain.CompileResult, error)
	RunStaticAnalyzer func(ctx context.Context, binaryPath, dir, contractPath string) ([]toolchain.AnalyzerFinding, error)
}

// proofDraft pairs a candidate finding with the exploit-step sequence
// GENERATE_PROOFS built for it, ready for PERSIST_FINDINGS_AND_PROOFS to
// turn into Finding/Proof rows.
type proofDraft struct {
	finding candidateFinding
	payload proofPayload
}

type researcherRun struct {
	scan       *domain.Scan
	protocol   *domain.Protocol
	checkout   *Scoped[string]
	sbx        *Scoped[*sandbox.Sandbox]
	compiled   *toolchain.CompileResult
	deployed   *sandbox.DeployResult
	findings   []candidateFinding
	drafts     []proofDraft
	proofIDs   []string
	toolStatus domain.ToolStatus
}

func (p *ResearcherPipeline) clone() func(context.Context, string, string, string, string) (string, error) {
	if p.CloneFn != nil {
		return p.CloneFn
	}
	return toolchain.Clone
}

func (p *ResearcherPipeline) compile() func(context.Context, string, string, string) (*toolchain.CompileResult, error) {
	if p.CompileFn != nil {
		return p.CompileFn
	}
	return toolchain.Compile
}

func (p *ResearcherPipeline) analyzer() func(context.Context, string, string, string) ([]toolchain.AnalyzerFinding, error) {
	if p.RunStaticAnalyzer != nil {
		return p.RunStaticAnalyzer
	}
	return toolchain.RunStaticAnalyzer
}

// Process drives a Scan through the full research state machine. On any
// failure CLEANUP still runs (terminating the sandbox and removing the
// checkout directory) because both are owned by Scoped values released
// unconditionally, per spec.md §4.9's "On any failure, CLEANUP runs
// unconditionally."
func (p *ResearcherPipeline) Process(ctx context.Context, scanID string) error {
	scan, err := p.Scans.Get(ctx, scanID)
	if err != nil {
		return err
	}
	protocol, err := p.Protocols.Get(ctx, scan.ProtocolID)
	if err != nil {
		return err
	}
	if err := p.Scans.MarkStarted(ctx, scanID); err != nil {
		return err
	}

	run := &researcherRun{scan: scan, protocol: protocol, toolStatus: domain.ToolOK}

	defer func() {
		if run.sbx != nil {
			run.sbx.Release()
		}
		if run.checkout != nil {
			run.checkout.Release()
		}
	}()

	driver := &Driver{Hooks: Hooks{
		Before: func(ctx context.Context, step string) error {
			return p.Scans.UpdateState(ctx, scanID, domain.ScanRunning, step)
		},
		After: func(ctx context.Context, step string, stepErr error) {
			state := "running"
			if stepErr != nil {
				state = "failed"
			}
			p.progress(scanID, step, state, stepProgress(step), step)
		},
	}}

	steps := []Step{
		{Name: RStepClone, Run: func(ctx context.Context) error { return p.stepClone(ctx, run) }},
		{Name: RStepCompile, Run: func(ctx context.Context) error { return p.stepCompile(ctx, run) }},
		{Name: RStepDeploy, Run: func(ctx context.Context) error { return p.stepDeploy(ctx, run) }},
		{Name: RStepAnalyze, Run: func(ctx context.Context) error { return p.stepAnalyze(ctx, run) }},
		{Name: RStepGenerateProofs, Run: func(ctx context.Context) error { return p.stepGenerateProofs(ctx, run) }},
		{Name: RStepPersist, Run: func(ctx context.Context) error { return p.stepPersist(ctx, run) }},
		{Name: RStepSubmitToValidation, Run: func(ctx context.Context) error { return p.stepSubmit(ctx, run) }},
	}

	if err := driver.Run(ctx, steps); err != nil {
		var stepErr *StepError
		code, message := "SCAN_FAILED", err.Error()
		if asStepError(err, &stepErr) {
			code, message = stepErr.Step, stepErr.Err.Error()
		}
		if merr := p.Scans.MarkFailed(ctx, scanID, code, message); merr != nil {
			p.logger().Error("failed to record scan failure", "scanId", scanID, "error", merr)
		}
		p.progress(scanID, RStepCleanup, "failed", 100, message)
		return err
	}

	if err := p.Scans.MarkCompleted(ctx, scanID, domain.ScanSucceeded, run.toolStatus); err != nil {
		return err
	}
	p.progress(scanID, RStepCleanup, "done", 100, "scan complete")
	return nil
}

func (p *ResearcherPipeline) stepClone(ctx context.Context, run *researcherRun) error {
	ref := run.protocol.Branch
	if run.scan.TargetCommit != nil && *run.scan.TargetCommit != "" {
		ref = *run.scan.TargetCommit
	} else if run.scan.TargetBranch != nil && *run.scan.TargetBranch != "" {
		ref = *run.scan.TargetBranch
	}
	dir, err := p.clone()(ctx, p.WorkspaceDir, run.scan.ID, run.protocol.SourceURL, ref)
	if err != nil {
		return err
	}
	run.checkout = NewScoped(dir, func() { _ = os.RemoveAll(dir) })
	return nil
}

func (p *ResearcherPipeline) stepCompile(ctx context.Context, run *researcherRun) error {
	result, err := p.compile()(ctx, run.checkout.Value, run.protocol.ContractPath, run.protocol.ContractName)
	if err != nil {
		return err
	}
	run.compiled = result
	return nil
}

func (p *ResearcherPipeline) stepDeploy(ctx context.Context, run *researcherRun) error {
	sbx, err := sandbox.New(ctx, run.scan.ID, p.SandboxConfig, p.SandboxBroker)
	if err != nil {
		return err
	}
	run.sbx = NewScoped(sbx, func() { _ = sbx.Kill(context.Background()) })

	deployed, err := sbx.Deploy(ctx, p.DeployerKey, run.compiled.Bytecode)
	if err != nil {
		return err
	}
	run.deployed = deployed
	return nil
}

// stepAnalyze runs the static analyzer and, if an LLM client is configured,
// an AI-assisted pass, merging both into run.findings. Analyzer
// unavailability is recorded as ToolUnavailable rather than failing the
// scan (spec.md §4.9: "the scan still succeeds with only AI-derived
// findings ... slitherStatus=TOOL_UNAVAILABLE is recorded").
func (p *ResearcherPipeline) stepAnalyze(ctx context.Context, run *researcherRun) error {
	staticFindings, err := p.analyzer()(ctx, p.AnalyzerBinary, run.checkout.Value, run.protocol.ContractPath)
	if err != nil {
		var te *toolchain.Error
		if asToolchainError(err, &te) && te.Code == toolchain.ErrAnalyzerUnavailable {
			run.toolStatus = domain.ToolUnavailable
			p.progress(run.scan.ID, RStepAnalyze, "running", stepProgress(RStepAnalyze), "static analyzer unavailable, continuing with AI findings only")
		} else {
			return err
		}
	} else {
		for _, f := range staticFindings {
			line := f.Line
			run.findings = append(run.findings, candidateFinding{
				VulnerabilityType: f.Type,
				Severity:          f.Severity,
				FilePath:          f.Path,
				Line:              &line,
				Description:       f.Message,
				Confidence:        f.Confidence,
				Method:            domain.AnalysisStatic,
			})
		}
	}

	if p.LLM == nil {
		return nil
	}
	aiFindings, err := p.runAIAnalysis(ctx, run)
	if err != nil {
		// AI analysis is a best-effort supplement; a failure here never
		// fails the scan (only the configured static analyzer's presence
		// is load-bearing per spec.md §4.9).
		p.logger().Warn("ai analysis failed, continuing with static findings only", "scanId", run.scan.ID, "error", err)
		return nil
	}
	run.findings = append(run.findings, aiFindings...)
	return nil
}

type aiFindingPayload struct {
	Findings []struct {
		VulnerabilityType string  `json:"vulnerabilityType"`
		Severity          string  `json:"severity"`
		FilePath          string  `json:"filePath"`
		Line              int     `json:"line"`
		Description       string  `json:"description"`
		Confidence        float64 `json:"confidence"`
	} `json:"findings"`
}

func (p *ResearcherPipeline) runAIAnalysis(ctx context.Context, run *researcherRun) ([]candidateFinding, error) {
	prompt := fmt.Sprintf(
		"Review the Solidity contract %s in %s for vulnerabilities. Respond with a single JSON object of the form "+
			`{"findings":[{"vulnerabilityType":"...","severity":"CRITICAL|HIGH|MEDIUM|LOW|INFO","filePath":"...","line":0,"description":"...","confidence":0.0}]}.`,
		run.protocol.ContractName, run.protocol.ContractPath)

	resp, err := p.LLM.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, nil)
	if err != nil {
		return nil, err
	}

	payload, err := extractJSONObject(resp.Content)
	if err != nil {
		return nil, err
	}
	var parsed aiFindingPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal ai findings: %w", err)
	}

	out := make([]candidateFinding, 0, len(parsed.Findings))
	for _, f := range parsed.Findings {
		line := f.Line
		conf := f.Confidence
		out = append(out, candidateFinding{
			VulnerabilityType: f.VulnerabilityType,
			Severity:          domain.Severity(strings.ToUpper(f.Severity)),
			FilePath:          f.FilePath,
			Line:              &line,
			Description:       f.Description,
			Confidence:        f.Confidence,
			Method:            domain.AnalysisAI,
			AIConfidence:      &conf,
		})
	}
	return out, nil
}

// extractJSONObject finds the first top-level {...} object in raw text,
// mirroring the toolchain package's tolerance for interleaved log/prose
// text around a model or tool's structured payload.
func extractJSONObject(raw string) ([]byte, error) {
	start := bytes.IndexByte([]byte(raw), '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var obj json.RawMessage
	if err := json.NewDecoder(strings.NewReader(raw[start:])).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode JSON object in response: %w", err)
	}
	return obj, nil
}

// stepGenerateProofs builds one exploit-step sequence per candidate
// finding: a single call into the deployed contract's first mutating
// (non-view, non-pure) function, tagged with the finding it investigates.
// This is a starting scaffold for the exploit a validator replays, not a
// synthesized attack; a real exploit body is supplied by whichever
// researcher agent (AI or human-in-the-loop) authored the finding and
// would replace this default before SUBMIT_TO_VALIDATION in a fuller
// build.
func (p *ResearcherPipeline) stepGenerateProofs(ctx context.Context, run *researcherRun) error {
	if len(run.findings) == 0 {
		return nil
	}

	var parsedABI abi.ABI
	if err := json.Unmarshal(run.compiled.ABI, &parsedABI); err != nil {
		return fmt.Errorf("parse compiled abi: %w", err)
	}
	method := firstMutatingMethod(parsedABI)

	for _, f := range run.findings {
		run.drafts = append(run.drafts, proofDraft{
			finding: f,
			payload: proofPayload{
				ContractAddress: run.deployed.Address.Hex(),
				Steps:           []sandbox.ExploitStep{{Method: method}},
				Narrative:       f.Description,
			},
		})
	}
	return nil
}

// firstMutatingMethod returns the name of the first non-view, non-pure
// function in the ABI, used as the default exploit entry point.
func firstMutatingMethod(parsedABI abi.ABI) string {
	for _, m := range parsedABI.Methods {
		if m.StateMutability != "view" && m.StateMutability != "pure" {
			return m.Name
		}
	}
	return ""
}

type proofPayload struct {
	ContractAddress string                  `json:"contractAddress"`
	Steps           []sandbox.ExploitStep   `json:"steps"`
	Narrative       string                  `json:"narrative"`
}

func (p *ResearcherPipeline) stepPersist(ctx context.Context, run *researcherRun) error {
	for _, d := range run.drafts {
		findingID := uuid.NewString()
		finding := &domain.Finding{
			ID:                findingID,
			ScanID:            run.scan.ID,
			VulnerabilityType: d.finding.VulnerabilityType,
			Severity:          d.finding.Severity,
			FilePath:          d.finding.FilePath,
			LineNumber:        d.finding.Line,
			Description:       d.finding.Description,
			Confidence:        d.finding.Confidence,
			AnalysisMethod:    d.finding.Method,
			AIConfidence:      d.finding.AIConfidence,
			Status:            domain.FindingPending,
		}
		if err := p.Findings.Create(ctx, finding); err != nil {
			return err
		}

		plaintext, err := json.Marshal(d.payload)
		if err != nil {
			return err
		}
		ciphertext, keyID, err := crypto.EncryptProof(p.Keyring, plaintext)
		if err != nil {
			return domain.Wrap(domain.KindCrypto, "PROOF_ENCRYPTION_FAILED", "generate-proofs", err)
		}

		proofID := uuid.NewString()
		proof := &domain.Proof{
			ID:               proofID,
			FindingID:        findingID,
			ScanID:           run.scan.ID,
			EncryptedPayload: ciphertext,
			EncryptionKeyID:  keyID,
			Status:           domain.ProofSubmitted,
			SubmittedAt:      time.Now().UTC(),
		}
		if err := p.Proofs.Create(ctx, proof); err != nil {
			return err
		}
		run.proofIDs = append(run.proofIDs, proofID)
	}
	return nil
}

// stepSubmit enqueues a validation job per persisted proof, idempotency
// keyed proof-<proofId> (spec.md §4.9).
func (p *ResearcherPipeline) stepSubmit(ctx context.Context, run *researcherRun) error {
	for _, proofID := range run.proofIDs {
		payload, err := json.Marshal(ValidationJobPayload{ProofID: proofID})
		if err != nil {
			return err
		}
		idempotencyKey := "proof-" + proofID
		if _, err := p.ValidationQueue.Enqueue(ctx, idempotencyKey, payload, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
			return err
		}
	}
	return nil
}

func (p *ResearcherPipeline) progress(scanID, step, state string, pct int, message string) {
	p.Bus.Publish(bus.ScanProgress(scanID), bus.Envelope{
		EventType: "scan:progress",
		Timestamp: time.Now().UTC(),
		ScanID:    scanID,
		Data: map[string]any{
			"currentStep": step,
			"state":       state,
			"progress":    pct,
			"message":     message,
		},
	})
	p.Bus.Publish(bus.ScanLogs(scanID), bus.Envelope{
		EventType: "scan:log",
		Timestamp: time.Now().UTC(),
		ScanID:    scanID,
		Data:      map[string]any{"message": message},
	})
}

func (p *ResearcherPipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func stepProgress(step string) int {
	order := []string{RStepClone, RStepCompile, RStepDeploy, RStepAnalyze, RStepGenerateProofs, RStepPersist, RStepSubmitToValidation, RStepCleanup}
	for i, s := range order {
		if s == step {
			return (i + 1) * 100 / len(order)
		}
	}
	return 0
}

func asStepError(err error, target **StepError) bool {
	for err != nil {
		if se, ok := err.(*StepError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func asToolchainError(err error, target **toolchain.Error) bool {
	for err != nil {
		if te, ok := err.(*toolchain.Error); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
