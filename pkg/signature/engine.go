package signature

import (
	"time"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// Engine collects signatures for one pending verification attempt. It is
// not safe for concurrent use; the lifecycle holds the per-sheet lock while
// driving it.
type Engine struct {
	keyring     *Keyring
	payloadHash string
	collected   map[SignerType]*Signature
	order       []SignerType
	clock       func() time.Time
}

// NewEngine starts a fresh signature set over payloadHash.
func NewEngine(keyring *Keyring, payloadHash string) *Engine {
	return &Engine{
		keyring:     keyring,
		payloadHash: payloadHash,
		collected:   make(map[SignerType]*Signature),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Add accepts a signature after checking the signer type, the authorized
// key, and that no prior approved signature of that type exists. Accepted
// signatures are approved immediately.
func (e *Engine) Add(signerType SignerType, signerKey string) (*Signature, error) {
	if !signerType.Valid() {
		return nil, domain.E(domain.KindInvalidState, "unknown signer type %q", signerType)
	}
	authorized, err := e.keyring.KeyFor(signerType)
	if err != nil {
		return nil, err
	}
	if signerKey != authorized {
		return nil, domain.E(domain.KindHashMismatch, "key not authorized for signer type %q", signerType)
	}
	if existing, ok := e.collected[signerType]; ok && existing.Status == StatusApproved {
		return nil, domain.E(domain.KindAlreadyExists, "approved signature already present for %q", signerType)
	}

	now := e.clock()
	sig, err := New(signerType, signerKey, e.payloadHash, now)
	if err != nil {
		return nil, err
	}
	sig.Approve(now)
	if _, ok := e.collected[signerType]; !ok {
		e.order = append(e.order, signerType)
	}
	e.collected[signerType] = sig
	return sig, nil
}

// Missing lists the signer types without an approved signature, in the
// canonical required order.
func (e *Engine) Missing() []string {
	var missing []string
	for _, t := range RequiredSigners {
		sig, ok := e.collected[t]
		if !ok || sig.Status != StatusApproved {
			missing = append(missing, string(t))
		}
	}
	return missing
}

// FullySigned reports whether all three types are present, approved, and
// endorse the payload hash.
func (e *Engine) FullySigned() bool {
	if len(e.Missing()) > 0 {
		return false
	}
	for _, t := range RequiredSigners {
		authorized, err := e.keyring.KeyFor(t)
		if err != nil {
			return false
		}
		if !e.collected[t].Verify(e.payloadHash, authorized) {
			return false
		}
	}
	return true
}

// Signatures returns the collected signatures in submission order.
func (e *Engine) Signatures() []Signature {
	out := make([]Signature, 0, len(e.order))
	for _, t := range e.order {
		out = append(out, *e.collected[t])
	}
	return out
}

// ApprovalProof is the emitted evidence that a verification was fully
// signed.
type ApprovalProof struct {
	ProofHash  string      `json:"proof_hash"`
	Signatures []Signature `json:"signatures"`
	Timestamp  string      `json:"timestamp"`
	Verified   bool        `json:"verified"`
}

// Prove emits the approval proof, or signatures_incomplete listing the
// absent signer types.
func (e *Engine) Prove() (*ApprovalProof, error) {
	if !e.FullySigned() {
		return nil, domain.SignaturesIncomplete(e.Missing())
	}
	ts := e.clock().UTC().Format(time.RFC3339Nano)
	sigs := e.Signatures()
	proofHash, err := canonical.Hash(map[string]interface{}{
		"signatures": sigs,
		"timestamp":  ts,
		"verified":   true,
	})
	if err != nil {
		return nil, err
	}
	return &ApprovalProof{
		ProofHash:  proofHash,
		Signatures: sigs,
		Timestamp:  ts,
		Verified:   true,
	}, nil
}

// ValidateSet checks a detached signature set (e.g. read back from the
// chain) for the three required approved signer types.
func ValidateSet(sigs []Signature) error {
	seen := make(map[SignerType]bool)
	for _, s := range sigs {
		if s.Status == StatusApproved {
			seen[s.SignerType] = true
		}
	}
	var missing []string
	for _, t := range RequiredSigners {
		if !seen[t] {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		return domain.SignaturesIncomplete(missing)
	}
	return nil
}
