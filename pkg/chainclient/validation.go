package chainclient

import (
	"context"
	"math/big"

	"github.com/vulnmesh/core/pkg/domain"
)

const recordValidationGasLimit = 180_000

// validationOutcome maps a domain.ProofStatus to the uint8 the validation
// registry contract stores; only the two terminal states are ever recorded
// on-chain per spec.md §4.9 ("the proof is CONFIRMED iff ... validated=true;
// otherwise REJECTED").
func validationOutcome(status domain.ProofStatus) uint8 {
	if status == domain.ProofConfirmed {
		return 1
	}
	return 0
}

// RecordValidation writes a finding's validation outcome on-chain: outcome,
// severity, finding ID, a digest of the sandbox execution log, and the
// proof hash (keccak-256, computed off-chain by pkg/crypto). Per spec.md
// §4.9 this is best-effort: failures here must not fail the overall
// validation, so callers should treat a non-nil error as log-and-continue.
func (c *Client) RecordValidation(ctx context.Context, findingID uint64, status domain.ProofStatus, severity domain.Severity, logDigest, proofHash [32]byte) error {
	_, err := c.send(ctx, "validationRegistry", c.addresses.ValidationRegistry, validationRegistryABI,
		"recordValidation", recordValidationGasLimit,
		new(big.Int).SetUint64(findingID), validationOutcome(status), severityIndex(severity), logDigest, proofHash)
	return err
}
