package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ProtocolRegistrationInput is the subset of registration fields that feed
// the fee-dedup fingerprint (spec.md §4.7).
type ProtocolRegistrationInput struct {
	OwnerAddress string
	SourceURL    string
	Branch       string
	ContractPath string
	ContractName string
}

// Fingerprint lowercases and trims each field, joins with "|", and returns
// the SHA-256 hex digest. Returns ("", false) if any field is empty — the
// fingerprint is not applicable in that case (spec.md §4.7).
func Fingerprint(in ProtocolRegistrationInput) (string, bool) {
	fields := []string{in.OwnerAddress, in.SourceURL, in.Branch, in.ContractPath, in.ContractName}
	normalized := make([]string, len(fields))
	for i, f := range fields {
		n := strings.ToLower(strings.TrimSpace(f))
		if n == "" {
			return "", false
		}
		normalized[i] = n
	}
	joined := strings.Join(normalized, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:]), true
}
