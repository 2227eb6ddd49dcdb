// Package domain holds the platform's entity types, the fixed-precision
// Amount type, and the error taxonomy shared by every other package.
package domain

import "time"

type ProtocolStatus string

const (
	ProtocolPending      ProtocolStatus = "PENDING"
	ProtocolRegistered   ProtocolStatus = "REGISTERED"
	ProtocolActive       ProtocolStatus = "ACTIVE"
	ProtocolPaused       ProtocolStatus = "PAUSED"
	ProtocolDeactivated  ProtocolStatus = "DEACTIVATED"
)

// Protocol is a registered smart-contract bounty target.
type Protocol struct {
	ID              string
	OwnerID         string
	OwnerAddress    string
	SourceURL       string
	Branch          string
	ContractPath    string
	ContractName    string
	Status          ProtocolStatus
	OnChainID       *string
	TotalBountyPool Amount
	AvailableBounty Amount
	PaidBounty      Amount
	RiskScore       *int
	// LastScanID is a derived convenience pointer for dashboards, never
	// authoritative — supplemental field, see SPEC_FULL.md §3.
	LastScanID *string
	CreatedAt  time.Time
}

type ScanState string

const (
	ScanQueued   ScanState = "QUEUED"
	ScanRunning  ScanState = "RUNNING"
	ScanSucceeded ScanState = "SUCCEEDED"
	ScanFailed   ScanState = "FAILED"
	ScanCanceled ScanState = "CANCELED"
)

// ToolStatus records whether the static analyzer ran, supplemental field
// carried for scenario 6 (analyzer unavailable).
type ToolStatus string

const (
	ToolOK            ToolStatus = "OK"
	ToolUnavailable   ToolStatus = "TOOL_UNAVAILABLE"
)

type Scan struct {
	ID            string
	ProtocolID    string
	State         ScanState
	CurrentStep   string
	TargetBranch  *string
	TargetCommit  *string
	RetryCount    int
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorCode     *string
	ErrorMessage  *string
	ToolStatus    ToolStatus
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

type AnalysisMethod string

const (
	AnalysisStatic AnalysisMethod = "STATIC"
	AnalysisAI     AnalysisMethod = "AI"
	AnalysisHybrid AnalysisMethod = "HYBRID"
)

type FindingStatus string

const (
	FindingPending   FindingStatus = "PENDING"
	FindingValidated FindingStatus = "VALIDATED"
	FindingRejected  FindingStatus = "REJECTED"
	FindingDuplicate FindingStatus = "DUPLICATE"
	FindingConfirmed FindingStatus = "CONFIRMED"
)

type Finding struct {
	ID                    string
	ScanID                string
	VulnerabilityType     string
	Severity              Severity
	FilePath              string
	LineNumber            *int
	Description           string
	Confidence            float64
	AnalysisMethod        AnalysisMethod
	AIConfidence          *float64
	Status                FindingStatus
	ValidatedAt           *time.Time
	CodeSnippet           *string
	RemediationSuggestion *string
}

type ProofStatus string

const (
	ProofSubmitted ProofStatus = "SUBMITTED"
	ProofValidating ProofStatus = "VALIDATING"
	ProofConfirmed ProofStatus = "CONFIRMED"
	ProofRejected  ProofStatus = "REJECTED"
	ProofFailed    ProofStatus = "FAILED"
)

// proofTransitions enumerates the only allowed forward edges (spec.md §3):
// SUBMITTED -> VALIDATING -> (CONFIRMED | REJECTED | FAILED). No back-transitions.
var proofTransitions = map[ProofStatus][]ProofStatus{
	ProofSubmitted:  {ProofValidating},
	ProofValidating: {ProofConfirmed, ProofRejected, ProofFailed},
}

// CanTransitionProof reports whether from->to is an allowed proof transition.
func CanTransitionProof(from, to ProofStatus) bool {
	for _, allowed := range proofTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Proof struct {
	ID                   string
	FindingID            string
	ScanID               string
	EncryptedPayload     []byte
	EncryptionKeyID      string
	ResearcherSignature  string
	Status               ProofStatus
	SubmittedAt          time.Time
	ValidatedAt          *time.Time
	OnChainValidationID  *string
	OnChainTxHash        *string
}

type ValidationResult string

const (
	ValidationTrue  ValidationResult = "TRUE"
	ValidationFalse ValidationResult = "FALSE"
	ValidationError ValidationResult = "ERROR"
)

type Validation struct {
	ID              string
	ProofID         string
	ScanID          string
	ProtocolID      string
	ValidatorAgentID string
	Result          ValidationResult
	ExecutionLog    string
	StateChanges    *string
	TransactionHash *string
	GasUsed         *uint64
	FailureReason   *string
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
)

type Payment struct {
	ID                string
	VulnerabilityID   string
	ResearcherAddress string
	Amount            Amount
	Currency          string
	Status            PaymentStatus
	TxHash            *string
	OnChainBountyID    *string
	FailureReason     *string
	RetryCount        int
	Reconciled        bool
	ReconciledAt      *time.Time
	QueuedAt          time.Time
	ProcessedAt       *time.Time
	PaidAt            *time.Time
}

type ReconciliationStatus string

const (
	ReconOrphaned        ReconciliationStatus = "ORPHANED"
	ReconAmountMismatch  ReconciliationStatus = "AMOUNT_MISMATCH"
	ReconDiscrepancy     ReconciliationStatus = "DISCREPANCY"
	ReconMissingPayment  ReconciliationStatus = "MISSING_PAYMENT"
	ReconUnconfirmed     ReconciliationStatus = "UNCONFIRMED"
	ReconResolved        ReconciliationStatus = "RESOLVED"
)

type PaymentReconciliation struct {
	ID             string
	PaymentID      *string
	OnChainBountyID string
	TxHash         string
	Amount         Amount
	Status         ReconciliationStatus
	DiscoveredAt   time.Time
	ResolvedAt     *time.Time
	Notes          string
}

type AgentType string

const (
	AgentResearcher AgentType = "RESEARCHER"
	AgentValidator  AgentType = "VALIDATOR"
)

type AgentIdentity struct {
	ID             string
	WalletAddress  string
	AgentType      AgentType
	Active         bool
	OnChainTokenID *string
	RegisteredAt   time.Time
	// DisplayName is an optional human label, never used for authorization
	// decisions — supplemental field, see SPEC_FULL.md §3.
	DisplayName *string
}

type AgentReputation struct {
	AgentIdentityID string
	ConfirmedCount  int
	RejectedCount   int
	InconclusiveCount int
	TotalSubmissions int
	Score           float64
	LastUpdated     time.Time
}

type FeedbackType string

const (
	FeedbackConfirmedCritical     FeedbackType = "CONFIRMED_CRITICAL"
	FeedbackConfirmedHigh         FeedbackType = "CONFIRMED_HIGH"
	FeedbackConfirmedMedium       FeedbackType = "CONFIRMED_MEDIUM"
	FeedbackConfirmedLow          FeedbackType = "CONFIRMED_LOW"
	FeedbackConfirmedInformational FeedbackType = "CONFIRMED_INFORMATIONAL"
	FeedbackRejected              FeedbackType = "REJECTED"
)

// FeedbackForSeverity maps (severity, validated) -> feedbackType per spec.md §4.10.
func FeedbackForSeverity(sev Severity, validated bool) FeedbackType {
	if !validated {
		return FeedbackRejected
	}
	switch sev {
	case SeverityCritical:
		return FeedbackConfirmedCritical
	case SeverityHigh:
		return FeedbackConfirmedHigh
	case SeverityMedium:
		return FeedbackConfirmedMedium
	case SeverityLow:
		return FeedbackConfirmedLow
	default:
		return FeedbackConfirmedInformational
	}
}

type AgentFeedback struct {
	ID               string
	ResearcherAgentID string
	ValidatorAgentID string
	FeedbackType     FeedbackType
	OnChainFeedbackID *string
	FindingID        *string
	ValidationID     *string
	CreatedAt        time.Time
}

type EscrowTxKind string

const (
	EscrowDeposit       EscrowTxKind = "DEPOSIT"
	EscrowSubmissionFee EscrowTxKind = "SUBMISSION_FEE"
	EscrowWithdrawal    EscrowTxKind = "WITHDRAWAL"
)

type Escrow struct {
	AgentIdentityID string
	Balance         Amount
	TotalDeposited  Amount
	TotalDeducted   Amount
}

type EscrowTransaction struct {
	ID        string
	EscrowID  string
	Kind      EscrowTxKind
	Amount    Amount
	TxHash    *string
	CreatedAt time.Time
}

type FeeRequestType string

const (
	FeeProtocolRegistration FeeRequestType = "PROTOCOL_REGISTRATION"
	FeeFindingSubmission    FeeRequestType = "FINDING_SUBMISSION"
	FeeScanRequest          FeeRequestType = "SCAN_REQUEST_FEE"
)

type FeeRequestStatus string

const (
	FeePending   FeeRequestStatus = "PENDING"
	FeeCompleted FeeRequestStatus = "COMPLETED"
	FeeExpired   FeeRequestStatus = "EXPIRED"
)

type FeeRequest struct {
	ID              string
	RequestType     FeeRequestType
	RequesterAddress string
	Amount          Amount
	Status          FeeRequestStatus
	TxHash          *string
	Fingerprint     *string
	ProtocolID      *string
	ExpiresAt       time.Time
	CompletedAt     *time.Time
}

type EventListenerState struct {
	ContractAddress   string
	EventName         string
	LastProcessedBlock uint64
}
