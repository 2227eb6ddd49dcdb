package crypto

import (
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds multiple Ed25519 signers keyed by ID, supporting rotation:
// Sign uses whichever key is currently active; VerifyKey checks against the
// key named by its keyID argument. Adapted
// from the teacher's pkg/crypto.KeyRing, trimmed to the general Signer
// interface now that DecisionRecord/Receipt types no longer exist in this
// domain.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]*Ed25519Signer
}

func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]*Ed25519Signer)}
}

func (k *KeyRing) AddKey(s *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID] = s
}

func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
}

// activeKeyLocked deterministically picks the lexicographically last key ID
// as "active," matching the teacher's rotation convention. Caller must hold
// at least a read lock.
func (k *KeyRing) activeKeyLocked() (string, error) {
	var keys []string
	for id := range k.signers {
		keys = append(keys, id)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("no keyring keys available")
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

// Sign signs with the active key and returns (signature, keyID).
func (k *KeyRing) Sign(data []byte) (string, string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	id, err := k.activeKeyLocked()
	if err != nil {
		return "", "", err
	}
	sig, err := k.signers[id].Sign(data)
	return sig, id, err
}

// VerifyKey verifies a signature against a specific key ID.
func (k *KeyRing) VerifyKey(keyID string, message, signature []byte) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[keyID]
	if !ok {
		return false, fmt.Errorf("unknown key: %s", keyID)
	}
	return s.Verify(message, signature), nil
}
