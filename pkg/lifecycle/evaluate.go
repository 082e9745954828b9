package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/evaluation"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

// EvaluateInput scores detected answers against an approved key.
type EvaluateInput struct {
	SheetID     string             `json:"sheet_id"`
	KeyID       string             `json:"key_id"`
	Detected    map[string]string  `json:"detected_answers"`
	Confidence  map[string]float64 `json:"confidence,omitempty"`
	ManualTotal *float64           `json:"manual_total,omitempty"`
	Actor       string             `json:"-"`
}

// EvaluationOutcome is the recorded scoring verdict. A perfect evaluation
// has a manual total within tolerance of the automated one; a mismatch
// requires investigation and queues an intervention.
type EvaluationOutcome struct {
	EvaluationID          string                          `json:"evaluation_id"`
	SheetID               string                          `json:"sheet_id"`
	KeyID                 string                          `json:"key_id"`
	Evaluation            *evaluation.Evaluation          `json:"evaluation"`
	ManualTotal           *float64                        `json:"manual_total,omitempty"`
	MarksMatch            bool                            `json:"marks_match"`
	Discrepancy           float64                         `json:"discrepancy"`
	IsPerfectEvaluation   bool                            `json:"is_perfect_evaluation"`
	RequiresInvestigation bool                            `json:"requires_investigation"`
	Analysis              *evaluation.DiscrepancyAnalysis `json:"discrepancy_analysis,omitempty"`
	BlockHash             string                          `json:"block_hash"`
}

// Evaluate scores a sheet against an approved answer key and appends the
// evaluation block. A manual-total mismatch beyond tolerance records the
// discrepancy analysis and queues a high-priority intervention; the sheet
// status is unchanged either way.
func (m *Machine) Evaluate(ctx context.Context, in EvaluateInput) (*EvaluationOutcome, error) {
	if in.SheetID == "" || in.KeyID == "" || len(in.Detected) == 0 {
		return nil, domain.E(domain.KindInvalidState, "evaluation requires sheet_id, key_id and detected answers")
	}

	record, err := m.store.GetAnswerKey(ctx, in.KeyID)
	if err != nil {
		return nil, err
	}
	if record.Status != string(evaluation.KeyApproved) {
		return nil, domain.E(domain.KindInvalidState,
			"answer key %s is %q, not approved", in.KeyID, record.Status)
	}
	key, err := evaluation.ParseKey(record.Key)
	if err != nil {
		return nil, err
	}

	mu := m.lock(in.SheetID)
	mu.Lock()
	defer mu.Unlock()

	sheet, err := m.loadSheet(ctx, in.SheetID)
	if err != nil {
		return nil, err
	}
	switch sheet.Status {
	case domain.StatusBubbleDetected, domain.StatusScored, domain.StatusVerified, domain.StatusCompleted:
	default:
		return nil, domain.E(domain.KindInvalidState,
			"sheet %s cannot be evaluated in state %q", in.SheetID, sheet.Status)
	}

	ev, err := evaluation.Evaluate(in.Detected, key, in.Confidence)
	if err != nil {
		return nil, err
	}

	out := &EvaluationOutcome{
		EvaluationID: newID(),
		SheetID:      in.SheetID,
		KeyID:        in.KeyID,
		Evaluation:   ev,
		ManualTotal:  in.ManualTotal,
		MarksMatch:   true,
	}
	if in.ManualTotal != nil {
		match, diff := evaluation.VerifyTally(ev.TotalMarks, *in.ManualTotal, evaluation.DefaultTolerance)
		out.MarksMatch = match
		out.Discrepancy = diff
		out.IsPerfectEvaluation = match
		out.RequiresInvestigation = !match
		if !match {
			out.Analysis = evaluation.AnalyzeDiscrepancy(ev.Details, ev.TotalMarks, *in.ManualTotal)
		}
	}

	contentHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":    in.SheetID,
		"key_id":      in.KeyID,
		"total_marks": ev.TotalMarks,
		"marks_match": out.MarksMatch,
	})
	if err != nil {
		return nil, err
	}

	payload := ledger.PayloadFrom(
		"sheet_id", in.SheetID,
		"key_id", in.KeyID,
		"total_marks", ev.TotalMarks,
		"percentage", ev.Percentage,
		"grade", ev.Grade,
		"marks_match", out.MarksMatch,
		"discrepancy", out.Discrepancy,
		"content_hash", contentHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeEvaluation, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		out.BlockHash = b.Hash
		created := m.clock().UTC().Format(time.RFC3339Nano)
		if err := tx.InsertEvaluation(ctx, out.EvaluationID, in.SheetID, in.KeyID, out, created); err != nil {
			return err
		}
		if out.RequiresInvestigation {
			iv := &domain.HumanIntervention{
				InterventionID: newID(),
				SheetID:        in.SheetID,
				Type:           evaluation.InterventionFor(out.Analysis),
				PipelineStage:  "evaluation",
				Reason:         fmt.Sprintf("automated total %.2f disagrees with manual total %.2f by %.2f", out.Analysis.AutomatedTotal, out.Analysis.ManualTotal, out.Analysis.Discrepancy),
				Priority:       domain.PriorityHigh,
				Status:         domain.InterventionPending,
				CreatedAt:      m.clock().UTC(),
			}
			if err := tx.InsertIntervention(ctx, iv); err != nil {
				return err
			}
		}
		return tx.InsertStage(ctx, m.stageRow(in.SheetID, Command("evaluate"), b.Hash))
	})
	if err != nil {
		return nil, err
	}
	out.BlockHash = b.Hash

	m.auditEvent(in.SheetID, "evaluation_recorded", map[string]interface{}{
		"key_id":      in.KeyID,
		"total_marks": ev.TotalMarks,
		"grade":       ev.Grade,
		"marks_match": out.MarksMatch,
		"discrepancy": out.Discrepancy,
	}, b.Hash, in.Actor)

	return out, nil
}
