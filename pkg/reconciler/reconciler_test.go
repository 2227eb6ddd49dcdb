package reconciler

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/chainclient"
	"github.com/vulnmesh/core/pkg/domain"
)

type fakeChain struct {
	events []BountyReleasedEvent
	head   uint64
}

func (f *fakeChain) FilterBountyReleased(ctx context.Context, fromBlock, toBlock uint64) ([]BountyReleasedEvent, error) {
	var out []BountyReleasedEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	return f.head, nil
}

type fakePaymentRepo struct {
	payments   map[string]*domain.Payment
	paidTxHash string
	reconciled []string
}

func (f *fakePaymentRepo) ListUnreconciled(ctx context.Context) ([]*domain.Payment, error) {
	var out []*domain.Payment
	for _, p := range f.payments {
		if !p.Reconciled {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePaymentRepo) MarkPaid(ctx context.Context, id, txHash string) error {
	f.paidTxHash = txHash
	f.payments[id].TxHash = &txHash
	return nil
}

func (f *fakePaymentRepo) MarkReconciled(ctx context.Context, id string) error {
	f.reconciled = append(f.reconciled, id)
	f.payments[id].Reconciled = true
	return nil
}

type fakeFindingRepo struct{ finding *domain.Finding }

func (f *fakeFindingRepo) Get(ctx context.Context, id string) (*domain.Finding, error) {
	return f.finding, nil
}

type fakeScanRepo struct{ scan *domain.Scan }

func (f *fakeScanRepo) Get(ctx context.Context, id string) (*domain.Scan, error) {
	return f.scan, nil
}

type fakeProtocolRepo struct{ protocol *domain.Protocol }

func (f *fakeProtocolRepo) Get(ctx context.Context, id string) (*domain.Protocol, error) {
	return f.protocol, nil
}

type fakeReconciliationRepo struct {
	created []*domain.PaymentReconciliation
	open    []*domain.PaymentReconciliation
}

func (f *fakeReconciliationRepo) Create(ctx context.Context, r *domain.PaymentReconciliation) error {
	f.created = append(f.created, r)
	return nil
}

func (f *fakeReconciliationRepo) ListOpen(ctx context.Context) ([]*domain.PaymentReconciliation, error) {
	return f.open, nil
}

func (f *fakeReconciliationRepo) Resolve(ctx context.Context, id string, notes string) error {
	return nil
}

type fakeCheckpointRepo struct {
	checkpoint uint64
}

func (f *fakeCheckpointRepo) GetCheckpoint(ctx context.Context, contractAddress, eventName string) (uint64, error) {
	return f.checkpoint, nil
}

func (f *fakeCheckpointRepo) SetCheckpoint(ctx context.Context, contractAddress, eventName string, block uint64) error {
	f.checkpoint = block
	return nil
}

func testRecipient() common.Address {
	return common.HexToAddress("0x3333333333333333333333333333333333333333")
}

func newTestReconciler(t *testing.T, payment *domain.Payment) (*Reconciler, *fakePaymentRepo, *fakeReconciliationRepo, *fakeChain) {
	t.Helper()
	payments := &fakePaymentRepo{payments: map[string]*domain.Payment{payment.ID: payment}}
	findings := &fakeFindingRepo{finding: &domain.Finding{ID: "finding-1", ScanID: "scan-1", Severity: domain.SeverityHigh}}
	scans := &fakeScanRepo{scan: &domain.Scan{ID: "scan-1", ProtocolID: "proto-1"}}
	onChainID := "42"
	protocols := &fakeProtocolRepo{protocol: &domain.Protocol{ID: "proto-1", OnChainID: &onChainID}}
	reconciliations := &fakeReconciliationRepo{}
	checkpoints := &fakeCheckpointRepo{checkpoint: 1}
	chain := &fakeChain{head: 100}

	return &Reconciler{
		Chain:           chain,
		Payments:        payments,
		Findings:        findings,
		Scans:           scans,
		Protocols:       protocols,
		Reconciliations: reconciliations,
		Checkpoints:     checkpoints,
		Bus:             bus.New(),
		ContractAddress: "0xBountyPool",
		PollEvery:       time.Second,
	}, payments, reconciliations, chain
}

func matchingPayment() *domain.Payment {
	return &domain.Payment{
		ID:                "pay-1",
		VulnerabilityID:   "finding-1",
		ResearcherAddress: testRecipient().Hex(),
		Amount:            domain.NewAmount(1_000_000_000_000_000_000, 18),
		Status:            domain.PaymentCompleted,
	}
}

// newTestReconcilerMulti is newTestReconciler generalized to several
// candidate payments, all resolving through the same finding/scan/protocol
// chain, for scenarios where more than one payment can pass findMatch's
// (protocolID, recipient, severity) filter.
func newTestReconcilerMulti(t *testing.T, payments ...*domain.Payment) (*Reconciler, *fakePaymentRepo, *fakeReconciliationRepo, *fakeChain) {
	t.Helper()
	byID := make(map[string]*domain.Payment, len(payments))
	for _, p := range payments {
		byID[p.ID] = p
	}
	paymentRepo := &fakePaymentRepo{payments: byID}
	findings := &fakeFindingRepo{finding: &domain.Finding{ID: "finding-1", ScanID: "scan-1", Severity: domain.SeverityHigh}}
	scans := &fakeScanRepo{scan: &domain.Scan{ID: "scan-1", ProtocolID: "proto-1"}}
	onChainID := "42"
	protocols := &fakeProtocolRepo{protocol: &domain.Protocol{ID: "proto-1", OnChainID: &onChainID}}
	reconciliations := &fakeReconciliationRepo{}
	checkpoints := &fakeCheckpointRepo{checkpoint: 1}
	chain := &fakeChain{head: 100}

	return &Reconciler{
		Chain:           chain,
		Payments:        paymentRepo,
		Findings:        findings,
		Scans:           scans,
		Protocols:       protocols,
		Reconciliations: reconciliations,
		Checkpoints:     checkpoints,
		Bus:             bus.New(),
		ContractAddress: "0xBountyPool",
		PollEvery:       time.Second,
	}, paymentRepo, reconciliations, chain
}

func matchingEvent(block uint64) BountyReleasedEvent {
	return chainclient.BountyReleasedEvent{
		ProtocolID:  42,
		Recipient:   testRecipient(),
		Amount:      big.NewInt(1_000_000_000_000_000_000),
		Severity:    2, // HIGH
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func TestPollOnce_ReconcilesMatchingEventAndAdvancesCheckpoint(t *testing.T) {
	r, payments, reconciliations, chain := newTestReconciler(t, matchingPayment())
	chain.events = []BountyReleasedEvent{matchingEvent(10)}

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if !payments.payments["pay-1"].Reconciled {
		t.Error("expected payment marked reconciled")
	}
	if payments.paidTxHash != common.HexToHash("0xabc").Hex() {
		t.Errorf("expected txHash backfilled, got %s", payments.paidTxHash)
	}
	if len(reconciliations.created) != 0 {
		t.Errorf("expected no discrepancy records for a clean match, got %d", len(reconciliations.created))
	}
	if got, err := r.Checkpoints.GetCheckpoint(context.Background(), "0xBountyPool", eventNameKey); err != nil || got != 100 {
		t.Errorf("expected checkpoint advanced to head 100, got %d (err=%v)", got, err)
	}
}

func TestPollOnce_UnmatchedEventRecordsOrphan(t *testing.T) {
	payment := matchingPayment()
	payment.ResearcherAddress = common.HexToAddress("0x9999999999999999999999999999999999999999").Hex()
	r, _, reconciliations, chain := newTestReconciler(t, payment)
	chain.events = []BountyReleasedEvent{matchingEvent(10)}

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(reconciliations.created) != 1 {
		t.Fatalf("expected one orphan record, got %d", len(reconciliations.created))
	}
	if reconciliations.created[0].Status != domain.ReconOrphaned {
		t.Errorf("expected ORPHANED, got %s", reconciliations.created[0].Status)
	}
}

func TestPollOnce_AmountMismatchIsFlaggedAndPaymentUntouched(t *testing.T) {
	payment := matchingPayment()
	payment.Amount = domain.NewAmount(2_000_000_000_000_000_000, 18) // 2.0 vs event's 1.0
	r, payments, reconciliations, chain := newTestReconciler(t, payment)
	chain.events = []BountyReleasedEvent{matchingEvent(10)}

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if payments.payments["pay-1"].Reconciled {
		t.Error("expected payment left unreconciled on a mismatch")
	}
	if len(reconciliations.created) != 1 || reconciliations.created[0].Status != domain.ReconAmountMismatch {
		t.Fatalf("expected one AMOUNT_MISMATCH record, got %+v", reconciliations.created)
	}
}

func TestPollOnce_DiscrepancyOnConflictingTxHash(t *testing.T) {
	payment := matchingPayment()
	existingTx := common.HexToHash("0xdead").Hex()
	payment.TxHash = &existingTx
	r, payments, reconciliations, chain := newTestReconciler(t, payment)
	chain.events = []BountyReleasedEvent{matchingEvent(10)}

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if payments.payments["pay-1"].Reconciled {
		t.Error("expected payment left unreconciled on a txHash conflict")
	}
	if len(reconciliations.created) != 1 || reconciliations.created[0].Status != domain.ReconDiscrepancy {
		t.Fatalf("expected one DISCREPANCY record, got %+v", reconciliations.created)
	}
}

// TestPollOnce_DisambiguatesByClosestAmount covers the scenario DESIGN.md's
// "findMatch disambiguation" entry documents: two unreconciled payments to
// the same researcher, same protocol, same severity, but different bounty
// amounts. findMatch must settle on the one whose amount matches the event,
// not whichever ListUnreconciled happens to return first.
func TestPollOnce_DisambiguatesByClosestAmount(t *testing.T) {
	closePayment := matchingPayment()
	closePayment.ID = "pay-close"
	closePayment.Amount = domain.NewAmount(1_000_000_000_000_000_000, 18) // exact match

	farPayment := matchingPayment()
	farPayment.ID = "pay-far"
	farPayment.Amount = domain.NewAmount(5_000_000_000_000_000_000, 18) // 5.0, far off

	r, payments, reconciliations, chain := newTestReconcilerMulti(t, farPayment, closePayment)
	chain.events = []BountyReleasedEvent{matchingEvent(10)}

	if err := r.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if !payments.payments["pay-close"].Reconciled {
		t.Error("expected the closest-amount payment reconciled")
	}
	if payments.payments["pay-far"].Reconciled {
		t.Error("expected the far-amount payment left untouched")
	}
	if len(reconciliations.created) != 0 {
		t.Errorf("expected no discrepancy records when the right payment is found, got %d", len(reconciliations.created))
	}
}

func TestReconcileEvent_SkipsAlreadySeenTxHash(t *testing.T) {
	r, _, reconciliations, _ := newTestReconciler(t, matchingPayment())
	r.applyDefaults()
	ev := matchingEvent(10)

	r.reconcileEvent(context.Background(), ev)
	r.reconcileEvent(context.Background(), ev)

	_ = reconciliations
	if len(r.seenTxHashes) != 1 {
		t.Errorf("expected exactly one seen tx hash recorded, got %d", len(r.seenTxHashes))
	}
}

func TestSweepOnce_FlagsStaleCompletedPaymentsAsUnconfirmed(t *testing.T) {
	r, payments, reconciliations, _ := newTestReconciler(t, matchingPayment())
	stalePaidAt := time.Now().UTC().Add(-time.Hour)
	payments.payments["pay-1"].PaidAt = &stalePaidAt
	r.UnconfirmedAfter = 15 * time.Minute

	if err := r.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if len(reconciliations.created) != 1 || reconciliations.created[0].Status != domain.ReconUnconfirmed {
		t.Fatalf("expected one UNCONFIRMED record, got %+v", reconciliations.created)
	}
}

func TestSweepOnce_SkipsRecentPayments(t *testing.T) {
	r, payments, reconciliations, _ := newTestReconciler(t, matchingPayment())
	recentPaidAt := time.Now().UTC()
	payments.payments["pay-1"].PaidAt = &recentPaidAt
	r.UnconfirmedAfter = 15 * time.Minute

	if err := r.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if len(reconciliations.created) != 0 {
		t.Errorf("expected no records for a recently paid payment, got %d", len(reconciliations.created))
	}
}

func TestSweepOnce_SkipsAlreadyFlaggedPayment(t *testing.T) {
	r, payments, reconciliations, _ := newTestReconciler(t, matchingPayment())
	stalePaidAt := time.Now().UTC().Add(-time.Hour)
	payments.payments["pay-1"].PaidAt = &stalePaidAt
	r.UnconfirmedAfter = 15 * time.Minute
	paymentID := "pay-1"
	reconciliations.open = []*domain.PaymentReconciliation{
		{ID: "rec-1", PaymentID: &paymentID, Status: domain.ReconUnconfirmed},
	}

	if err := r.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if len(reconciliations.created) != 0 {
		t.Errorf("expected no duplicate record for an already-flagged payment, got %d", len(reconciliations.created))
	}
}

func TestParseOnChainProtocolID_RejectsNilAndEmpty(t *testing.T) {
	if _, err := parseOnChainProtocolID(nil); !errors.Is(err, errNoOnChainID) {
		t.Errorf("expected errNoOnChainID for nil, got %v", err)
	}
	empty := ""
	if _, err := parseOnChainProtocolID(&empty); !errors.Is(err, errNoOnChainID) {
		t.Errorf("expected errNoOnChainID for empty string, got %v", err)
	}
	valid := "42"
	id, err := parseOnChainProtocolID(&valid)
	if err != nil || id != 42 {
		t.Errorf("expected 42, got %d (err=%v)", id, err)
	}
}
