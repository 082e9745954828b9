// Package signature implements the multi-party approval engine gating the
// verify→result transition. Three independently keyed signer types must each
// approve the same payload hash before a verification block is admitted.
package signature

import (
	"time"

	"github.com/google/uuid"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// SignerType identifies one of the three required approval parties.
type SignerType string

const (
	SignerAIVerifier      SignerType = "ai-verifier"
	SignerHumanVerifier   SignerType = "human-verifier"
	SignerAdminController SignerType = "admin-controller"
)

// RequiredSigners lists every signer type a full verification needs, in
// canonical presentation order.
var RequiredSigners = []SignerType{SignerAIVerifier, SignerHumanVerifier, SignerAdminController}

// Valid reports whether t is one of the three known signer types.
func (t SignerType) Valid() bool {
	switch t {
	case SignerAIVerifier, SignerHumanVerifier, SignerAdminController:
		return true
	}
	return false
}

// Status is the approval state of one signature.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Signature is one approval token. SignatureHash is derived
// deterministically from the signer identity, the endorsed data hash and
// the signing timestamp, all through the canonical JSON routine.
type Signature struct {
	SignatureID    string     `json:"signature_id"`
	SignerType     SignerType `json:"signer_type"`
	SignerKey      string     `json:"signer_key"`
	SignedDataHash string     `json:"signed_data_hash"`
	SignatureHash  string     `json:"signature_hash"`
	Status         Status     `json:"status"`
	CreatedAt      string     `json:"created_at"`
	SignedAt       string     `json:"signed_at,omitempty"`
}

// New derives a pending signature over dataHash at the given instant.
func New(signerType SignerType, signerKey, dataHash string, now time.Time) (*Signature, error) {
	createdAt := now.UTC().Format(time.RFC3339Nano)
	sigHash, err := canonical.Hash(map[string]interface{}{
		"signer_type": string(signerType),
		"signer_key":  signerKey,
		"data_hash":   dataHash,
		"timestamp":   createdAt,
	})
	if err != nil {
		return nil, err
	}
	return &Signature{
		SignatureID:    uuid.New().String(),
		SignerType:     signerType,
		SignerKey:      signerKey,
		SignedDataHash: dataHash,
		SignatureHash:  sigHash,
		Status:         StatusPending,
		CreatedAt:      createdAt,
	}, nil
}

// Approve marks the signature approved at now.
func (s *Signature) Approve(now time.Time) {
	s.Status = StatusApproved
	s.SignedAt = now.UTC().Format(time.RFC3339Nano)
}

// Reject marks the signature rejected at now. Rejection is permanent for
// this attempt; a fresh verification starts a new signature set.
func (s *Signature) Reject(now time.Time) {
	s.Status = StatusRejected
	s.SignedAt = now.UTC().Format(time.RFC3339Nano)
}

// Verify checks the signature against the expected payload hash and the
// authorized key for its signer type.
func (s *Signature) Verify(expectedDataHash, authorizedKey string) bool {
	if s.SignedDataHash != expectedDataHash {
		return false
	}
	if !s.SignerType.Valid() || s.SignerKey != authorizedKey {
		return false
	}
	return s.Status == StatusApproved
}

// keysByType maps each signer type to its authorized key.
type keysByType map[SignerType]string

// Keyring holds the configured authorized key per signer type.
type Keyring struct {
	keys keysByType
}

// NewKeyring builds a keyring from the three configured keys.
func NewKeyring(aiKey, humanKey, adminKey string) *Keyring {
	return &Keyring{keys: keysByType{
		SignerAIVerifier:      aiKey,
		SignerHumanVerifier:   humanKey,
		SignerAdminController: adminKey,
	}}
}

// KeyFor returns the authorized key for a signer type.
func (k *Keyring) KeyFor(t SignerType) (string, error) {
	key, ok := k.keys[t]
	if !ok {
		return "", domain.E(domain.KindNotFound, "no authorized key for signer type %q", t)
	}
	return key, nil
}
