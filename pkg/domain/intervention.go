package domain

import "time"

// InterventionType names the condition that queued the manual action.
type InterventionType string

const (
	InterventionQualityReview InterventionType = "quality_review"
	InterventionMarksMismatch InterventionType = "marks_mismatch"
	InterventionLowConfidence InterventionType = "low_confidence"
	InterventionKeyFlagged    InterventionType = "answer_key_flagged"
)

// InterventionPriority orders the operator queue.
type InterventionPriority string

const (
	PriorityLow    InterventionPriority = "low"
	PriorityMedium InterventionPriority = "medium"
	PriorityHigh   InterventionPriority = "high"
)

// InterventionStatus tracks resolution progress.
type InterventionStatus string

const (
	InterventionPending   InterventionStatus = "pending"
	InterventionResolved  InterventionStatus = "resolved"
	InterventionDismissed InterventionStatus = "dismissed"
)

// HumanIntervention is a queued manual action produced when a pipeline stage
// flags a condition. Resolved by an authorized operator.
type HumanIntervention struct {
	InterventionID string               `json:"intervention_id"`
	SheetID        string               `json:"sheet_id"`
	Type           InterventionType     `json:"intervention_type"`
	PipelineStage  string               `json:"pipeline_stage"`
	Reason         string               `json:"reason"`
	Priority       InterventionPriority `json:"priority"`
	Status         InterventionStatus   `json:"status"`
	Resolution     string               `json:"resolution,omitempty"`
	ResolvedBy     string               `json:"resolved_by,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	ResolvedAt     *time.Time           `json:"resolved_at,omitempty"`
}
