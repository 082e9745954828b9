package signature

import (
	"errors"
	"testing"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

func testKeyring() *Keyring {
	return NewKeyring("ai-key", "human-key", "admin-key")
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return func() time.Time { return at }
}

func TestAddApprovesSignature(t *testing.T) {
	e := NewEngine(testKeyring(), "payload-hash").WithClock(fixedClock())
	sig, err := e.Add(SignerAIVerifier, "ai-key")
	if err != nil {
		t.Fatal(err)
	}
	if sig.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", sig.Status)
	}
	if sig.SignedDataHash != "payload-hash" {
		t.Fatal("signature should endorse the payload hash")
	}
	if len(sig.SignatureHash) != 64 {
		t.Fatalf("signature hash should be 64 hex digits, got %d", len(sig.SignatureHash))
	}
}

func TestAddDeterministicHash(t *testing.T) {
	a := NewEngine(testKeyring(), "h").WithClock(fixedClock())
	b := NewEngine(testKeyring(), "h").WithClock(fixedClock())
	sa, err := a.Add(SignerAIVerifier, "ai-key")
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.Add(SignerAIVerifier, "ai-key")
	if err != nil {
		t.Fatal(err)
	}
	if sa.SignatureHash != sb.SignatureHash {
		t.Fatal("signature hash must be deterministic for identical inputs")
	}
}

func TestAddRejectsUnknownType(t *testing.T) {
	e := NewEngine(testKeyring(), "h")
	if _, err := e.Add(SignerType("intruder"), "k"); err == nil {
		t.Fatal("expected error for unknown signer type")
	}
}

func TestAddRejectsWrongKey(t *testing.T) {
	e := NewEngine(testKeyring(), "h")
	_, err := e.Add(SignerHumanVerifier, "not-the-key")
	if err == nil {
		t.Fatal("expected error for unauthorized key")
	}
	if domain.KindOf(err) != domain.KindHashMismatch {
		t.Fatalf("unexpected kind %s", domain.KindOf(err))
	}
}

func TestAddRejectsDuplicateSigner(t *testing.T) {
	e := NewEngine(testKeyring(), "h")
	if _, err := e.Add(SignerAdminController, "admin-key"); err != nil {
		t.Fatal(err)
	}
	_, err := e.Add(SignerAdminController, "admin-key")
	if !domain.IsKind(err, domain.KindAlreadyExists) {
		t.Fatalf("expected already_exists, got %v", err)
	}
}

func TestMissingListsAbsentTypes(t *testing.T) {
	e := NewEngine(testKeyring(), "h")
	if _, err := e.Add(SignerAIVerifier, "ai-key"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Add(SignerHumanVerifier, "human-key"); err != nil {
		t.Fatal(err)
	}
	missing := e.Missing()
	if len(missing) != 1 || missing[0] != string(SignerAdminController) {
		t.Fatalf("expected only admin-controller missing, got %v", missing)
	}
}

func TestProveRequiresAllThree(t *testing.T) {
	e := NewEngine(testKeyring(), "h")
	if _, err := e.Add(SignerAIVerifier, "ai-key"); err != nil {
		t.Fatal(err)
	}
	_, err := e.Prove()
	if !domain.IsKind(err, domain.KindSignaturesIncomplete) {
		t.Fatalf("expected signatures_incomplete, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || len(de.Missing) != 2 {
		t.Fatalf("expected two missing types, got %v", err)
	}
}

func TestProveEmitsProof(t *testing.T) {
	e := NewEngine(testKeyring(), "payload-hash").WithClock(fixedClock())
	for _, c := range []struct {
		t SignerType
		k string
	}{
		{SignerAIVerifier, "ai-key"},
		{SignerHumanVerifier, "human-key"},
		{SignerAdminController, "admin-key"},
	} {
		if _, err := e.Add(c.t, c.k); err != nil {
			t.Fatal(err)
		}
	}
	if !e.FullySigned() {
		t.Fatal("expected fully signed")
	}
	proof, err := e.Prove()
	if err != nil {
		t.Fatal(err)
	}
	if !proof.Verified || len(proof.Signatures) != 3 || len(proof.ProofHash) != 64 {
		t.Fatalf("malformed proof: %+v", proof)
	}
}

func TestValidateSet(t *testing.T) {
	clock := fixedClock()
	mk := func(st SignerType, status Status) Signature {
		s, err := New(st, "k", "h", clock())
		if err != nil {
			t.Fatal(err)
		}
		s.Status = status
		return *s
	}

	err := ValidateSet([]Signature{
		mk(SignerAIVerifier, StatusApproved),
		mk(SignerHumanVerifier, StatusApproved),
		mk(SignerAdminController, StatusApproved),
	})
	if err != nil {
		t.Fatalf("complete set rejected: %v", err)
	}

	err = ValidateSet([]Signature{
		mk(SignerAIVerifier, StatusApproved),
		mk(SignerHumanVerifier, StatusApproved),
		mk(SignerAdminController, StatusPending),
	})
	if !domain.IsKind(err, domain.KindSignaturesIncomplete) {
		t.Fatalf("expected signatures_incomplete, got %v", err)
	}
}
