package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SigSeparator is a field separator constant. Neither Fingerprint (which
// joins with "|") nor ProofHash (which hashes canonical JSON) uses it.
const SigSeparator = ":"

// CanonicalMarshal produces RFC 8785 JSON Canonicalization Scheme (JCS)
// output for v: json.Marshal first (map keys sorted, stable field order),
// then jcs.Transform for the full spec (number formatting, no insignificant
// whitespace). Adapted from the teacher's pkg/canonicalize, which used this
// same gowebpki/jcs library for artifact hashing.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform failed: %w", err)
	}
	return out, nil
}
