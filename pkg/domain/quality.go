package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DamageSeverity buckets the damage found on a scanned sheet.
type DamageSeverity string

const (
	SeverityNone   DamageSeverity = ""
	SeverityLow    DamageSeverity = "low"
	SeverityMedium DamageSeverity = "medium"
	SeverityHigh   DamageSeverity = "high"
	SeveritySevere DamageSeverity = "severe"
)

// QualityInput is the raw outcome of damage detection on a scanned image.
type QualityInput struct {
	HasDamage         bool     `json:"has_damage"`
	DamageTypes       []string `json:"damage_types,omitempty"`
	QualityScore      float64  `json:"overall_quality_score"`
	Recoverable       bool     `json:"is_recoverable"`
	TotalDamageCount  int      `json:"total_damage_count"`
	SevereDamageCount int      `json:"severe_damage_count"`
	AssessmentModel   string   `json:"assessment_model,omitempty"`
}

// DecodeQualityInput parses a detector document. Absent is_recoverable
// means recoverable; only an explicit false marks a sheet unrecoverable.
func DecodeQualityInput(data []byte) (*QualityInput, error) {
	in := QualityInput{Recoverable: true}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, Wrap(KindInvalidState, err, "bad quality assessment document")
	}
	return &in, nil
}

// QualityAssessment is the derived verdict recorded on the chain and used
// by the lifecycle gate.
type QualityAssessment struct {
	AssessmentID string `json:"assessment_id,omitempty"`
	SheetID      string `json:"sheet_id,omitempty"`

	QualityInput
	DamageSeverity DamageSeverity `json:"damage_severity,omitempty"`

	RequiresReconstruction bool   `json:"requires_reconstruction"`
	RequiresIntervention   bool   `json:"requires_human_intervention"`
	ApprovedForEvaluation  bool   `json:"approved_for_evaluation"`
	FlaggedForReview       bool   `json:"flagged_for_review"`
	FlagReason             string `json:"flag_reason,omitempty"`

	AssessedAt time.Time `json:"assessed_at,omitempty"`
}

// AssessQuality applies the gating rules to a damage-detection outcome.
// Approval needs an undamaged sheet, or score >= 0.7 on a recoverable one.
// Human intervention fires for unrecoverable damage, more than 3 severe
// regions, or score < 0.5.
func AssessQuality(in QualityInput) QualityAssessment {
	a := QualityAssessment{QualityInput: in}

	switch {
	case in.SevereDamageCount > 5:
		a.DamageSeverity = SeveritySevere
	case in.SevereDamageCount > 2:
		a.DamageSeverity = SeverityHigh
	case in.TotalDamageCount > 5:
		a.DamageSeverity = SeverityMedium
	case in.HasDamage:
		a.DamageSeverity = SeverityLow
	}

	a.RequiresReconstruction = in.HasDamage && in.QualityScore < 0.7 && in.Recoverable
	a.RequiresIntervention = !in.Recoverable || in.SevereDamageCount > 3 || in.QualityScore < 0.5
	a.ApprovedForEvaluation = !in.HasDamage || (in.QualityScore >= 0.7 && in.Recoverable)
	a.FlaggedForReview = a.RequiresIntervention || (in.HasDamage && in.QualityScore < 0.6)

	switch {
	case !in.Recoverable:
		a.FlagReason = "sheet damage is too severe and not recoverable"
	case in.SevereDamageCount > 3:
		a.FlagReason = fmt.Sprintf("sheet has %d severe damage regions", in.SevereDamageCount)
	case in.QualityScore < 0.5:
		a.FlagReason = fmt.Sprintf("overall quality score too low: %.2f", in.QualityScore)
	case a.FlaggedForReview:
		a.FlagReason = "quality assessment requires human review"
	}
	return a
}
