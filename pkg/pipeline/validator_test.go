package pipeline

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/sandbox"
)

type fakeValidationWriter struct {
	created []*domain.Validation
}

func (f *fakeValidationWriter) Create(ctx context.Context, v *domain.Validation) error {
	f.created = append(f.created, v)
	return nil
}

type fakeReputationWriter struct {
	recorded []*domain.AgentFeedback
}

func (f *fakeReputationWriter) RecordFeedback(ctx context.Context, fb *domain.AgentFeedback) error {
	f.recorded = append(f.recorded, fb)
	return nil
}

type fakeAgentDirectory struct {
	agents map[string]*domain.AgentIdentity
}

func (f *fakeAgentDirectory) Get(ctx context.Context, id string) (*domain.AgentIdentity, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, errors.New("agent not found")
	}
	return a, nil
}

type fakePaymentCreator struct {
	created []*domain.Payment
}

func (f *fakePaymentCreator) Create(ctx context.Context, p *domain.Payment) error {
	f.created = append(f.created, p)
	return nil
}

type fakePaymentEnqueuer struct {
	enqueued []string
}

func (f *fakePaymentEnqueuer) Enqueue(ctx context.Context, jobID string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	f.enqueued = append(f.enqueued, jobID)
	return jobID, nil
}

type fakeBountyAmountReader struct {
	amount *big.Int
}

func (f *fakeBountyAmountReader) CalculateBountyAmount(ctx context.Context, protocolID uint64, severity domain.Severity) (*big.Int, error) {
	return f.amount, nil
}

type fakeAttribution struct {
	researcherID string
	err          error
}

func (f *fakeAttribution) ResearcherAgentID(ctx context.Context, findingID string) (string, error) {
	return f.researcherID, f.err
}

type fakeValidationChain struct {
	err   error
	calls int
}

func (f *fakeValidationChain) RecordValidation(ctx context.Context, findingID uint64, status domain.ProofStatus, severity domain.Severity, logDigest, proofHash [32]byte) error {
	f.calls++
	return f.err
}

type fakeProofReader struct {
	proof        *domain.Proof
	transitions  [][2]domain.ProofStatus
	onChainCalls int
}

func (f *fakeProofReader) Get(ctx context.Context, id string) (*domain.Proof, error) {
	return f.proof, nil
}

func (f *fakeProofReader) TransitionStatus(ctx context.Context, id string, from, to domain.ProofStatus) error {
	f.transitions = append(f.transitions, [2]domain.ProofStatus{from, to})
	return nil
}

func (f *fakeProofReader) RecordOnChain(ctx context.Context, id, validationID, txHash string) error {
	f.onChainCalls++
	return nil
}

type fakeFindingReaderV struct {
	finding  *domain.Finding
	statuses []domain.FindingStatus
}

func (f *fakeFindingReaderV) Get(ctx context.Context, id string) (*domain.Finding, error) {
	return f.finding, nil
}

func (f *fakeFindingReaderV) UpdateStatus(ctx context.Context, id string, status domain.FindingStatus) error {
	f.statuses = append(f.statuses, status)
	f.finding.Status = status
	return nil
}

func newValidatorRunForRecord(validated bool) *validatorRun {
	outcome := domain.ProofRejected
	if validated {
		outcome = domain.ProofConfirmed
	}
	return &validatorRun{
		proof:    &domain.Proof{ID: "proof-1", ScanID: "scan-1"},
		finding:  &domain.Finding{ID: "finding-1", Severity: domain.SeverityHigh},
		protocol: &domain.Protocol{ID: "proto-1", OnChainID: onChain("11")},
		result:   &sandbox.ExecutionResult{Validated: validated, ExecutionLog: []string{"step 1 ok"}},
		outcome:  outcome,
	}
}

func TestStepRecordValidation_ConfirmedCreatesPaymentJob(t *testing.T) {
	findings := &fakeFindingReaderV{finding: &domain.Finding{ID: "finding-1", Severity: domain.SeverityHigh}}
	proofs := &fakeProofReader{}
	validations := &fakeValidationWriter{}
	payments := &fakePaymentCreator{}
	pq := &fakePaymentEnqueuer{}

	p := &ValidatorPipeline{
		Proofs:        proofs,
		Findings:      findings,
		Validations:   validations,
		Payments:      payments,
		PaymentQueue:  pq,
		AgentDirectory: &fakeAgentDirectory{agents: map[string]*domain.AgentIdentity{"researcher-1": {ID: "researcher-1", WalletAddress: testAddress()}}},
		Attribution:   &fakeAttribution{researcherID: "researcher-1"},
		BountyAmounts: &fakeBountyAmountReader{amount: big.NewInt(1e15)},
	}
	run := newValidatorRunForRecord(true)
	run.finding = findings.finding

	if err := p.stepRecordValidation(context.Background(), run, "validator-1"); err != nil {
		t.Fatalf("stepRecordValidation: %v", err)
	}
	if len(validations.created) != 1 {
		t.Fatalf("expected one validation row, got %d", len(validations.created))
	}
	if findings.finding.Status != domain.FindingConfirmed {
		t.Errorf("expected finding CONFIRMED, got %s", findings.finding.Status)
	}
	if len(payments.created) != 1 {
		t.Fatalf("expected one payment row created for a confirmed finding, got %d", len(payments.created))
	}
	if len(pq.enqueued) != 1 {
		t.Errorf("expected one payment job enqueued, got %d", len(pq.enqueued))
	}
}

func TestStepRecordValidation_RejectedSkipsPaymentJob(t *testing.T) {
	findings := &fakeFindingReaderV{finding: &domain.Finding{ID: "finding-1", Severity: domain.SeverityHigh}}
	proofs := &fakeProofReader{}
	validations := &fakeValidationWriter{}
	payments := &fakePaymentCreator{}

	p := &ValidatorPipeline{
		Proofs:      proofs,
		Findings:    findings,
		Validations: validations,
		Payments:    payments,
	}
	run := newValidatorRunForRecord(false)
	run.finding = findings.finding

	if err := p.stepRecordValidation(context.Background(), run, "validator-1"); err != nil {
		t.Fatalf("stepRecordValidation: %v", err)
	}
	if findings.finding.Status != domain.FindingRejected {
		t.Errorf("expected finding REJECTED, got %s", findings.finding.Status)
	}
	if len(payments.created) != 0 {
		t.Errorf("expected no payment row for a rejected finding, got %d", len(payments.created))
	}
}

func TestCreatePaymentJob_MissingAttributionReturnsError(t *testing.T) {
	p := &ValidatorPipeline{
		Payments:      &fakePaymentCreator{},
		PaymentQueue:  &fakePaymentEnqueuer{},
		AgentDirectory: &fakeAgentDirectory{agents: map[string]*domain.AgentIdentity{}},
		Attribution:   &fakeAttribution{researcherID: ""},
		BountyAmounts: &fakeBountyAmountReader{amount: big.NewInt(1)},
	}
	run := &validatorRun{
		finding:  &domain.Finding{ID: "finding-1", Severity: domain.SeverityHigh},
		protocol: &domain.Protocol{OnChainID: onChain("1")},
	}
	if err := p.createPaymentJob(context.Background(), run); err == nil {
		t.Error("expected an error when researcher attribution cannot be resolved")
	}
}

func TestStepRecordOnChain_SwallowsChainFailureAndSkipsPersist(t *testing.T) {
	chain := &fakeValidationChain{err: errors.New("rpc down")}
	proofs := &fakeProofReader{}
	p := &ValidatorPipeline{Chain: chain, Proofs: proofs}
	run := &validatorRun{
		proof:      &domain.Proof{ID: "proof-1"},
		finding:    &domain.Finding{ID: "finding-1", VulnerabilityType: "REENTRANCY", Severity: domain.SeverityHigh},
		result:     &sandbox.ExecutionResult{ExecutionLog: []string{"log"}},
		outcome:    domain.ProofConfirmed,
		validation: &domain.Validation{ID: "validation-1"},
	}

	p.stepRecordOnChain(context.Background(), run)

	if chain.calls != 1 {
		t.Errorf("expected RecordValidation to be called once, got %d", chain.calls)
	}
	if proofs.onChainCalls != 0 {
		t.Errorf("expected RecordOnChain not called after a chain failure, got %d calls", proofs.onChainCalls)
	}
}

func TestStepRecordOnChain_PersistsOnChainReferenceOnSuccess(t *testing.T) {
	chain := &fakeValidationChain{}
	proofs := &fakeProofReader{}
	p := &ValidatorPipeline{Chain: chain, Proofs: proofs}
	run := &validatorRun{
		proof:      &domain.Proof{ID: "proof-1"},
		finding:    &domain.Finding{ID: "finding-1", VulnerabilityType: "REENTRANCY", Severity: domain.SeverityHigh},
		result:     &sandbox.ExecutionResult{ExecutionLog: []string{"log"}},
		outcome:    domain.ProofConfirmed,
		validation: &domain.Validation{ID: "validation-1"},
	}

	p.stepRecordOnChain(context.Background(), run)

	if proofs.onChainCalls != 1 {
		t.Errorf("expected RecordOnChain called once, got %d", proofs.onChainCalls)
	}
}

func TestStepRecordReputation_SkipsWhenAttributionUnresolved(t *testing.T) {
	reputation := &fakeReputationWriter{}
	p := &ValidatorPipeline{Agents: reputation, Attribution: &fakeAttribution{researcherID: ""}}
	run := &validatorRun{finding: &domain.Finding{ID: "finding-1"}, outcome: domain.ProofConfirmed}

	if err := p.stepRecordReputation(context.Background(), run, "validator-1"); err != nil {
		t.Fatalf("stepRecordReputation: %v", err)
	}
	if len(reputation.recorded) != 0 {
		t.Errorf("expected no feedback recorded when attribution is unresolved, got %d", len(reputation.recorded))
	}
}

func TestStepRecordReputation_RecordsFeedbackWhenResolved(t *testing.T) {
	reputation := &fakeReputationWriter{}
	p := &ValidatorPipeline{Agents: reputation, Attribution: &fakeAttribution{researcherID: "researcher-1"}}
	run := &validatorRun{
		finding:    &domain.Finding{ID: "finding-1", Severity: domain.SeverityCritical},
		outcome:    domain.ProofConfirmed,
		validation: &domain.Validation{ID: "validation-1"},
	}

	if err := p.stepRecordReputation(context.Background(), run, "validator-1"); err != nil {
		t.Fatalf("stepRecordReputation: %v", err)
	}
	if len(reputation.recorded) != 1 {
		t.Fatalf("expected one feedback row, got %d", len(reputation.recorded))
	}
	if reputation.recorded[0].FeedbackType != domain.FeedbackForSeverity(domain.SeverityCritical, true) {
		t.Errorf("unexpected feedback type: %s", reputation.recorded[0].FeedbackType)
	}
}

func TestParseOnChainID_RejectsNilAndEmpty(t *testing.T) {
	if _, err := parseOnChainID(nil); err == nil {
		t.Error("expected an error for a nil onChainId")
	}
	empty := ""
	if _, err := parseOnChainID(&empty); err == nil {
		t.Error("expected an error for an empty onChainId")
	}
	valid := "42"
	id, err := parseOnChainID(&valid)
	if err != nil {
		t.Fatalf("parseOnChainID: %v", err)
	}
	if id != 42 {
		t.Errorf("expected 42, got %d", id)
	}
}

func TestFnvHash64_Deterministic(t *testing.T) {
	if fnvHash64("finding-1") != fnvHash64("finding-1") {
		t.Error("expected fnvHash64 to be deterministic for the same input")
	}
	if fnvHash64("finding-1") == fnvHash64("finding-2") {
		t.Error("expected different inputs to produce different hashes (in practice)")
	}
}

func TestHexStringTo32_PadsShortValues(t *testing.T) {
	out := hexStringTo32("0x01")
	if out[31] != 0x01 {
		t.Errorf("expected the low byte to hold the value, got %x", out)
	}
	for i := 0; i < 31; i++ {
		if out[i] != 0 {
			t.Errorf("expected leading bytes to be zero-padded, got %x at %d", out[i], i)
		}
	}
}
