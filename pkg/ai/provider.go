// Package ai abstracts the external model provider used for answer-key
// verification, bubble detection, damage assessment and sheet
// reconstruction. A deterministic mock stands in when the real provider
// is unreachable; its low confidence routes every decision to a human.
package ai

import (
	"context"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// Answer is the generic provider response for text tasks.
type Answer struct {
	Output     string   `json:"output"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Confidence float64  `json:"confidence"`
	Flags      []string `json:"flags,omitempty"`
}

// Verification compares an AI solution against the official key.
type Verification struct {
	MatchStatus  string  `json:"match_status"` // match, mismatch, partial
	Confidence   float64 `json:"confidence"`
	FlagForHuman bool    `json:"flag_for_human"`
	Reasoning    string  `json:"reasoning,omitempty"`
}

// BubbleResult is the detected answer grid of one sheet.
type BubbleResult struct {
	Answers    map[string]string  `json:"answers"`
	Confidence map[string]float64 `json:"confidence"`
	Flags      []string           `json:"flags,omitempty"`
}

// Reconstruction is a repaired rendering of a damaged sheet.
type Reconstruction struct {
	Image      []byte   `json:"-"`
	ImageHash  string   `json:"image_hash"`
	Confidence float64  `json:"confidence"`
	Regions    []string `json:"reconstructed_regions,omitempty"`
}

// Provider is the external model surface. Every method blocks on the
// context and returns external_failed for transport problems.
type Provider interface {
	SolveQuestion(ctx context.Context, question, subject string) (*Answer, error)
	VerifyAnswer(ctx context.Context, question, aiSolution, officialKey, subject string) (*Verification, error)
	EvaluateObjection(ctx context.Context, question, officialKey, objection string) (*Answer, error)
	DetectBubbles(ctx context.Context, image []byte, totalQuestions int) (*BubbleResult, error)
	DetectDamage(ctx context.Context, image []byte) (*domain.QualityInput, error)
	ReconstructSheet(ctx context.Context, image []byte, damage *domain.QualityInput) (*Reconstruction, error)
}

// HumanReviewThreshold is the confidence floor below which any provider
// output must be confirmed by a person.
const HumanReviewThreshold = 0.7

// NeedsHumanReview applies the confidence gate shared by all tasks.
func NeedsHumanReview(confidence float64, flags []string) bool {
	return confidence < HumanReviewThreshold || len(flags) > 0
}
