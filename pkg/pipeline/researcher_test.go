package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/crypto"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/llm"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/sandbox"
	"github.com/vulnmesh/core/pkg/toolchain"
)

type fakeFindingRepo struct {
	created []*domain.Finding
}

func (f *fakeFindingRepo) Create(ctx context.Context, fd *domain.Finding) error {
	f.created = append(f.created, fd)
	return nil
}

type fakeProofRepo struct {
	created []*domain.Proof
}

func (f *fakeProofRepo) Create(ctx context.Context, pr *domain.Proof) error {
	f.created = append(f.created, pr)
	return nil
}

type fakeValidationEnqueuer struct {
	enqueued []string
}

func (f *fakeValidationEnqueuer) Enqueue(ctx context.Context, jobID string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	f.enqueued = append(f.enqueued, jobID)
	return jobID, nil
}

func testKeyring(t *testing.T) *crypto.EncryptionKeyring {
	t.Helper()
	kr := crypto.NewEncryptionKeyring()
	if err := kr.GenerateKey("key-v1"); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return kr
}

const sampleTransferABI = `[{"type":"function","name":"transfer","inputs":[],"outputs":[],"stateMutability":"nonpayable"},` +
	`{"type":"function","name":"balanceOf","inputs":[],"outputs":[],"stateMutability":"view"}]`

func TestFirstMutatingMethod_SkipsViewAndPure(t *testing.T) {
	var parsed abi.ABI
	if err := json.Unmarshal([]byte(sampleTransferABI), &parsed); err != nil {
		t.Fatalf("unmarshal abi: %v", err)
	}
	if got := firstMutatingMethod(parsed); got != "transfer" {
		t.Errorf("expected transfer, got %s", got)
	}
}

func TestExtractJSONObject_FindsFirstBrace(t *testing.T) {
	raw := "here is the answer: {\"findings\":[]} trailing text"
	obj, err := extractJSONObject(raw)
	if err != nil {
		t.Fatalf("extractJSONObject: %v", err)
	}
	var payload aiFindingPayload
	if err := json.Unmarshal(obj, &payload); err != nil {
		t.Fatalf("unmarshal extracted object: %v", err)
	}
}

func TestExtractJSONObject_NoObjectFails(t *testing.T) {
	if _, err := extractJSONObject("no json here"); err == nil {
		t.Error("expected an error when no JSON object is present")
	}
}

func TestStepProgress_MonotonicallyIncreases(t *testing.T) {
	order := []string{RStepClone, RStepCompile, RStepDeploy, RStepAnalyze, RStepGenerateProofs, RStepPersist, RStepSubmitToValidation, RStepCleanup}
	prev := -1
	for _, step := range order {
		pct := stepProgress(step)
		if pct <= prev {
			t.Errorf("expected progress to increase at step %s: got %d after %d", step, pct, prev)
		}
		prev = pct
	}
}

type fakeLLM struct {
	response *llm.Response
	err      error
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, options *llm.SamplingOptions) (*llm.Response, error) {
	return f.response, f.err
}

func TestRunAIAnalysis_ParsesFindingsFromResponse(t *testing.T) {
	p := &ResearcherPipeline{
		LLM: &fakeLLM{response: &llm.Response{Content: `noise before {"findings":[{"vulnerabilityType":"REENTRANCY","severity":"high","filePath":"Vault.sol","line":10,"description":"reentrant withdraw","confidence":0.8}]}`}},
	}
	run := &researcherRun{protocol: &domain.Protocol{ContractName: "Vault", ContractPath: "Vault.sol"}}

	findings, err := p.runAIAnalysis(context.Background(), run)
	if err != nil {
		t.Fatalf("runAIAnalysis: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Severity != domain.SeverityHigh {
		t.Errorf("expected severity normalized to HIGH, got %s", f.Severity)
	}
	if f.Method != domain.AnalysisAI {
		t.Errorf("expected AnalysisAI method, got %s", f.Method)
	}
}

func TestRunAIAnalysis_PropagatesLLMError(t *testing.T) {
	p := &ResearcherPipeline{LLM: &fakeLLM{err: errors.New("llm unavailable")}}
	run := &researcherRun{protocol: &domain.Protocol{}}

	if _, err := p.runAIAnalysis(context.Background(), run); err == nil {
		t.Error("expected an error when the LLM call fails")
	}
}

func TestResearcherPipeline_GenerateProofsPersistAndSubmit(t *testing.T) {
	findings := &fakeFindingRepo{}
	proofs := &fakeProofRepo{}
	vq := &fakeValidationEnqueuer{}

	p := &ResearcherPipeline{
		Findings:        findings,
		Proofs:          proofs,
		ValidationQueue: vq,
		Keyring:         testKeyring(t),
	}

	run := &researcherRun{
		scan: &domain.Scan{ID: "scan-1"},
		deployed: &sandbox.DeployResult{Address: common.HexToAddress("0x2222222222222222222222222222222222222222")},
		findings: []candidateFinding{
			{VulnerabilityType: "REENTRANCY", Severity: domain.SeverityHigh, Description: "reentrant withdraw", Confidence: 0.9, Method: domain.AnalysisStatic},
		},
		compiled: &toolchain.CompileResult{Bytecode: []byte{0x60, 0x01}, ABI: json.RawMessage(sampleTransferABI)},
	}

	if err := p.stepGenerateProofs(context.Background(), run); err != nil {
		t.Fatalf("stepGenerateProofs: %v", err)
	}
	if len(run.drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(run.drafts))
	}
	if run.drafts[0].payload.Steps[0].Method != "transfer" {
		t.Errorf("expected exploit step to target the first mutating method, got %s", run.drafts[0].payload.Steps[0].Method)
	}

	if err := p.stepPersist(context.Background(), run); err != nil {
		t.Fatalf("stepPersist: %v", err)
	}
	if len(findings.created) != 1 || len(proofs.created) != 1 {
		t.Fatalf("expected one finding and one proof persisted, got %d/%d", len(findings.created), len(proofs.created))
	}
	if len(run.proofIDs) != 1 {
		t.Fatalf("expected one proof id recorded, got %d", len(run.proofIDs))
	}

	if err := p.stepSubmit(context.Background(), run); err != nil {
		t.Fatalf("stepSubmit: %v", err)
	}
	if len(vq.enqueued) != 1 {
		t.Errorf("expected one validation job enqueued, got %d", len(vq.enqueued))
	}
}

func TestResearcherPipeline_ProgressPublishesToScanTopics(t *testing.T) {
	b := bus.New()
	p := &ResearcherPipeline{Bus: b}

	ch, unsubscribe := b.Subscribe(bus.ScanProgress("scan-1"), 4, false)
	defer unsubscribe()

	p.progress("scan-1", RStepClone, "running", 10, "cloning")

	select {
	case env := <-ch:
		if env.Data["currentStep"] != RStepClone {
			t.Errorf("expected currentStep %s, got %v", RStepClone, env.Data["currentStep"])
		}
	default:
		t.Fatal("expected a progress envelope to be published")
	}
}
