package ai

import (
	"context"
	"fmt"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// MockConfidence is deliberately at most 0.7 so every mock-derived
// decision trips the human review gate.
const MockConfidence = 0.7

// Mock is a deterministic stand-in provider. Outputs derive from content
// hashes so repeated runs agree, and every response is flagged.
type Mock struct{}

// NewMock returns the stand-in provider.
func NewMock() *Mock { return &Mock{} }

var mockFlags = []string{"mock_provider"}

func (m *Mock) SolveQuestion(_ context.Context, question, subject string) (*Answer, error) {
	return &Answer{
		Output:     pickOption(question + subject),
		Reasoning:  "mock provider response",
		Confidence: MockConfidence,
		Flags:      mockFlags,
	}, nil
}

func (m *Mock) VerifyAnswer(_ context.Context, question, aiSolution, officialKey, _ string) (*Verification, error) {
	status := "mismatch"
	if aiSolution == officialKey {
		status = "match"
	}
	return &Verification{
		MatchStatus:  status,
		Confidence:   MockConfidence,
		FlagForHuman: true,
		Reasoning:    "mock provider cannot attest key correctness",
	}, nil
}

func (m *Mock) EvaluateObjection(_ context.Context, question, officialKey, objection string) (*Answer, error) {
	return &Answer{
		Output:     "uphold_official_key",
		Reasoning:  "mock provider defers to the official key",
		Confidence: MockConfidence,
		Flags:      mockFlags,
	}, nil
}

func (m *Mock) DetectBubbles(_ context.Context, image []byte, totalQuestions int) (*BubbleResult, error) {
	res := &BubbleResult{
		Answers:    make(map[string]string, totalQuestions),
		Confidence: make(map[string]float64, totalQuestions),
		Flags:      mockFlags,
	}
	seed := canonical.HashBytes(image)
	for i := 1; i <= totalQuestions; i++ {
		q := fmt.Sprintf("%d", i)
		res.Answers[q] = pickOption(seed + q)
		res.Confidence[q] = MockConfidence
	}
	return res, nil
}

func (m *Mock) DetectDamage(_ context.Context, image []byte) (*domain.QualityInput, error) {
	// Assume a readable but unattested sheet; the low score forces
	// reconstruction review rather than silent approval.
	return &domain.QualityInput{
		HasDamage:       true,
		DamageTypes:     []string{"unassessed"},
		QualityScore:    0.6,
		Recoverable:     true,
		AssessmentModel: "mock",
	}, nil
}

func (m *Mock) ReconstructSheet(_ context.Context, image []byte, _ *domain.QualityInput) (*Reconstruction, error) {
	return &Reconstruction{
		Image:      image,
		ImageHash:  canonical.HashBytes(image),
		Confidence: MockConfidence,
		Regions:    []string{"passthrough"},
	}, nil
}

// pickOption maps arbitrary text onto a stable A-D choice.
func pickOption(seed string) string {
	h := canonical.HashString(seed)
	return string(rune('A' + int(h[0]%4)))
}
