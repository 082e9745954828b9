// Package zkp provides a pluggable proof-of-integrity interface with a
// hash-based stand-in implementation. The wire shape is stable so a real
// proving system (Groth16, PLONK) can replace the internals later without
// changing callers.
package zkp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
)

// Algorithm names the proving scheme embedded in exported proofs.
const Algorithm = "mock-zkp-sha256"

// Proof is one commitment/challenge/response triple over a data hash.
type Proof struct {
	ProofID    string `json:"proof_id"`
	ProofData  string `json:"proof_data"`
	Commitment string `json:"commitment"`
	Challenge  string `json:"challenge"`
	Response   string `json:"response"`
	CreatedAt  string `json:"created_at"`
}

// Envelope is the standardized export format for a proof.
type Envelope struct {
	Proof     Proof  `json:"proof"`
	Algorithm string `json:"algorithm"`
	Version   string `json:"version"`
}

// Engine generates and verifies proofs and retains them by ID.
type Engine struct {
	mu     sync.RWMutex
	proofs map[string]*Proof
	rand   func(n int) (string, error)
	clock  func() time.Time
}

// NewEngine returns an engine backed by crypto/rand.
func NewEngine() *Engine {
	return &Engine{
		proofs: make(map[string]*Proof),
		rand:   randomHex,
		clock:  time.Now,
	}
}

// WithRandom overrides the randomness source for testing.
func (e *Engine) WithRandom(r func(n int) (string, error)) *Engine {
	e.rand = r
	return e
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Generate produces a proof of knowledge of dataHash. The commitment binds
// the hash to a fresh nonce, the challenge is random, and the response
// hashes commitment, challenge and data together.
func (e *Engine) Generate(dataHash string) (*Proof, error) {
	nonce, err := e.rand(32)
	if err != nil {
		return nil, fmt.Errorf("zkp: nonce: %w", err)
	}
	challenge, err := e.rand(32)
	if err != nil {
		return nil, fmt.Errorf("zkp: challenge: %w", err)
	}
	proofID, err := e.rand(16)
	if err != nil {
		return nil, fmt.Errorf("zkp: proof id: %w", err)
	}

	commitment := canonical.HashString(dataHash + ":" + nonce)
	proof := &Proof{
		ProofID:    proofID,
		ProofData:  dataHash,
		Commitment: commitment,
		Challenge:  challenge,
		Response:   response(commitment, challenge, dataHash),
		CreatedAt:  e.clock().UTC().Format(time.RFC3339Nano),
	}

	e.mu.Lock()
	e.proofs[proof.ProofID] = proof
	e.mu.Unlock()
	return proof, nil
}

// Verify checks that the proof endorses dataHash and that its response is
// consistent with the commitment and challenge.
func (e *Engine) Verify(proof *Proof, dataHash string) bool {
	if proof == nil || proof.ProofData != dataHash {
		return false
	}
	return proof.Response == response(proof.Commitment, proof.Challenge, dataHash)
}

// GenerateIntegrity proves that a sheet's result hash and its chain block
// hash belong together, without exposing the result itself.
func (e *Engine) GenerateIntegrity(sheetID, resultHash, blockHash string) (*Proof, error) {
	return e.Generate(integrityHash(sheetID, resultHash, blockHash))
}

// VerifyIntegrity checks an integrity proof against the same three inputs.
func (e *Engine) VerifyIntegrity(sheetID, resultHash, blockHash string, proof *Proof) bool {
	return e.Verify(proof, integrityHash(sheetID, resultHash, blockHash))
}

// Get returns a retained proof by ID.
func (e *Engine) Get(proofID string) (*Proof, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.proofs[proofID]
	return p, ok
}

// Export wraps a proof in the versioned envelope.
func (e *Engine) Export(proof *Proof) Envelope {
	return Envelope{Proof: *proof, Algorithm: Algorithm, Version: "1.0.0"}
}

func response(commitment, challenge, dataHash string) string {
	return canonical.HashString(commitment + ":" + challenge + ":" + dataHash)
}

func integrityHash(sheetID, resultHash, blockHash string) string {
	return canonical.HashString(sheetID + ":" + resultHash + ":" + blockHash)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
