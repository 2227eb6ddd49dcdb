package pipeline

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/domain"
)

// Named steps of the payment state machine (spec.md §4.11).
const (
	PStepCheckDuplicate  = "CHECK_DUPLICATE"
	PStepValidateAddress = "VALIDATE_ADDRESS"
	PStepVerifyOutcome   = "VERIFY_ONCHAIN_OUTCOME"
	PStepCalculateAmount = "CALCULATE_AMOUNT"
	PStepReleaseBounty   = "RELEASE_BOUNTY"
	PStepRecordSuccess   = "RECORD_SUCCESS"
)

// PaymentRepo is the subset of store.PaymentStore PaymentPipeline needs.
type PaymentRepo interface {
	Get(ctx context.Context, id string) (*domain.Payment, error)
	UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus) error
	MarkPaid(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// FindingStatusReader is the subset of store.FindingStore PaymentPipeline
// needs to confirm the off-chain validation outcome before releasing funds.
type FindingStatusReader interface {
	Get(ctx context.Context, id string) (*domain.Finding, error)
}

// ProtocolOnChainReader is the subset of store.ProtocolStore PaymentPipeline
// needs to resolve a protocol's on-chain registry id.
type ProtocolOnChainReader interface {
	Get(ctx context.Context, id string) (*domain.Protocol, error)
}

// PaymentChain is the subset of chainclient.Client PaymentPipeline needs to
// size and release a bounty payout.
type PaymentChain interface {
	CalculateBountyAmount(ctx context.Context, protocolID uint64, severity domain.Severity) (*big.Int, error)
	ReleaseBounty(ctx context.Context, protocolID uint64, recipient common.Address, severity domain.Severity) (*big.Int, error)
}

// PaymentPipeline releases an on-chain bounty for a CONFIRMED finding,
// enforcing the duplicate guard, address validation, and on-chain outcome
// check spec.md §4.11 requires before any funds move (spec.md §4.11, steps
// 1-6).
type PaymentPipeline struct {
	Payments  PaymentRepo
	Findings  FindingStatusReader
	Scans     ScanReader
	Protocols ProtocolOnChainReader
	Chain     PaymentChain
	Bus       *bus.Bus

	OffChainValidationMode bool // spec.md §4.11 step 3's escape hatch

	Logger *slog.Logger
}

type paymentRun struct {
	payment  *domain.Payment
	finding  *domain.Finding
	scan     *domain.Scan
	protocol *domain.Protocol
	onChainProtocolID uint64
	amount   domain.Amount
}

// Process drives a Payment through the full release state machine. A
// returned error signals the caller's queue handler to retry (transient
// chain errors only); every other terminal outcome — duplicate,
// invalid address, unconfirmed finding, insufficient balance — is handled
// internally and returns nil so the job acknowledges without retrying.
func (p *PaymentPipeline) Process(ctx context.Context, paymentID string) error {
	payment, err := p.Payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	run := &paymentRun{payment: payment}

	// Step 1: duplicate guard.
	p.progress(paymentID, PStepCheckDuplicate)
	if payment.Status == domain.PaymentCompleted {
		p.logger().Info("payment already completed, acknowledging duplicate job", "paymentId", paymentID)
		return nil
	}

	// Step 2: address checksum validation.
	p.progress(paymentID, PStepValidateAddress)
	if !common.IsHexAddress(payment.ResearcherAddress) || payment.ResearcherAddress != common.HexToAddress(payment.ResearcherAddress).Hex() {
		return p.fail(ctx, run, "invalid researcher address checksum")
	}

	finding, err := p.Findings.Get(ctx, payment.VulnerabilityID)
	if err != nil {
		return err
	}
	run.finding = finding
	scan, err := p.Scans.Get(ctx, finding.ScanID)
	if err != nil {
		return err
	}
	run.scan = scan
	protocol, err := p.Protocols.Get(ctx, scan.ProtocolID)
	if err != nil {
		return err
	}
	run.protocol = protocol

	// Step 3: verify the validation outcome is CONFIRMED. The off-chain
	// validation mode flag (spec.md §4.11 step 3) exists for deployments
	// that skip ChainClient.recordValidation entirely and trust the local
	// Finding/Validation rows as authoritative; both modes check the same
	// off-chain status here since ValidatorPipeline's RECORD_ONCHAIN step
	// is already best-effort and never the source of truth for this check.
	p.progress(paymentID, PStepVerifyOutcome)
	if finding.Status != domain.FindingConfirmed {
		return p.fail(ctx, run, "validation outcome is not CONFIRMED")
	}

	onChainProtocolID, err := parseOnChainID(protocol.OnChainID)
	if err != nil {
		return p.fail(ctx, run, err.Error())
	}
	run.onChainProtocolID = onChainProtocolID

	// Step 4: map severity -> expected amount.
	p.progress(paymentID, PStepCalculateAmount)
	expected, err := p.Chain.CalculateBountyAmount(ctx, onChainProtocolID, finding.Severity)
	if err != nil {
		return domain.Wrap(domain.KindTransient, "BOUNTY_AMOUNT_LOOKUP_FAILED", "calculate-amount", err)
	}
	run.amount = amountFromWei(expected)

	if err := p.Payments.UpdateStatus(ctx, payment.ID, domain.PaymentProcessing); err != nil {
		return err
	}

	// Step 5: release, branching InsufficientBalance vs. network/timeout.
	p.progress(paymentID, PStepReleaseBounty)
	released, err := p.Chain.ReleaseBounty(ctx, onChainProtocolID, common.HexToAddress(payment.ResearcherAddress), finding.Severity)
	if err != nil {
		var de *domain.Error
		if asDomainError(err, &de) {
			if de.Kind == domain.KindPermanentChain {
				return p.fail(ctx, run, "Insufficient pool balance")
			}
		}
		// Transient (timeout, RPC unavailable, nonce race): re-raise so the
		// queue's exponential backoff retries, up to its configured max
		// attempts (spec.md §4.11: "up to 3 with exponential backoff").
		return err
	}
	run.amount = amountFromWei(released)

	// Step 6: record success.
	p.progress(paymentID, PStepRecordSuccess)
	return p.recordSuccess(ctx, run)
}

func (p *PaymentPipeline) recordSuccess(ctx context.Context, run *paymentRun) error {
	// chainclient.ReleaseBounty does not surface the settlement transaction
	// hash in its return value (only the released amount, read back via
	// getBounty); the Reconciler is the source of truth for txHash, set
	// when it observes the matching BountyReleased event. MarkPaid is
	// still called here with an empty hash so status/paidAt move forward
	// immediately; the reconciler backfills txHash and reconciled=true.
	if err := p.Payments.MarkPaid(ctx, run.payment.ID, ""); err != nil {
		return err
	}
	p.logger().Info("payment released", "paymentId", run.payment.ID, "amount", run.amount.Human())
	p.emit(run.payment.ID, "payment:released", map[string]any{"amount": run.amount.Human()})
	return nil
}

func (p *PaymentPipeline) fail(ctx context.Context, run *paymentRun, reason string) error {
	if err := p.Payments.MarkFailed(ctx, run.payment.ID, reason); err != nil {
		p.logger().Error("failed to record payment failure", "paymentId", run.payment.ID, "error", err)
	}
	p.logger().Warn("payment failed, acknowledging (no retry)", "paymentId", run.payment.ID, "reason", reason)
	p.emit(run.payment.ID, "payment:failed", map[string]any{"reason": reason})
	return nil
}

// progress publishes a payment:progress event naming the step about to run.
func (p *PaymentPipeline) progress(paymentID, step string) {
	p.emit(paymentID, "payment:progress", map[string]any{"step": step})
}

func (p *PaymentPipeline) emit(paymentID, eventType string, data map[string]any) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(bus.PaymentProgress(paymentID), bus.Envelope{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		PaymentID: paymentID,
		Data:      data,
	})
}

func (p *PaymentPipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func asDomainError(err error, target **domain.Error) bool {
	for err != nil {
		if de, ok := err.(*domain.Error); ok {
			*target = de
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
