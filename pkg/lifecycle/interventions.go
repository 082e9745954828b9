package lifecycle

import (
	"context"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

// ResolveInput closes one pending intervention.
type ResolveInput struct {
	InterventionID string `json:"intervention_id"`
	SheetID        string `json:"sheet_id"`
	Resolution     string `json:"resolution"`
	ResolvedBy     string `json:"resolved_by"`
	Dismiss        bool   `json:"dismiss,omitempty"`
}

// ResolveIntervention records the operator's decision on the chain and
// closes the intervention row. Resolving a quality review on a rejected
// sheet sends it back to scanned so the quality gate can run again;
// dismissal leaves the rejection in place.
func (m *Machine) ResolveIntervention(ctx context.Context, in ResolveInput) (*ledger.Block, error) {
	if in.InterventionID == "" || in.SheetID == "" || in.ResolvedBy == "" {
		return nil, domain.E(domain.KindInvalidState, "resolution requires intervention_id, sheet_id and resolved_by")
	}

	mu := m.lock(in.SheetID)
	mu.Lock()
	defer mu.Unlock()

	status := domain.InterventionResolved
	if in.Dismiss {
		status = domain.InterventionDismissed
	}

	// Sheet may be absent for paper-level interventions (flagged keys).
	sheet, sheetErr := m.loadSheet(ctx, in.SheetID)
	if sheetErr != nil && !domain.IsKind(sheetErr, domain.KindNotFound) {
		return nil, sheetErr
	}
	reopen := !in.Dismiss && sheet != nil && sheet.Status == domain.StatusQualityRejected

	payload := ledger.PayloadFrom(
		"intervention_id", in.InterventionID,
		"sheet_id", in.SheetID,
		"status", string(status),
		"resolution", in.Resolution,
		"resolved_by", in.ResolvedBy,
	)
	b, err := m.appendBlock(ctx, ledger.TypeHumanIntervention, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		now := m.clock().UTC().Format(time.RFC3339Nano)
		if err := tx.ResolveIntervention(ctx, in.InterventionID, status, in.Resolution, in.ResolvedBy, now); err != nil {
			return err
		}
		if reopen {
			sheet.Status = domain.StatusScanned
			sheet.QualityHash = ""
			sheet.QualityBlock = -1
			sheet.NeedsReconstruction = false
			sheet.UpdatedAt = m.clock().UTC()
			if err := tx.UpdateSheet(ctx, sheet); err != nil {
				return err
			}
		}
		return tx.InsertStage(ctx, m.stageRow(in.SheetID, Command("resolveIntervention"), b.Hash))
	})
	if err != nil {
		return nil, err
	}

	m.auditEvent(in.SheetID, "intervention_resolved", map[string]interface{}{
		"intervention_id": in.InterventionID,
		"status":          string(status),
		"resolution":      in.Resolution,
		"reopened":        reopen,
	}, b.Hash, in.ResolvedBy)
	return b, nil
}

// PendingInterventions lists the operator queue.
func (m *Machine) PendingInterventions(ctx context.Context, limit int) ([]*domain.HumanIntervention, error) {
	return m.store.ListInterventions(ctx, domain.InterventionPending, limit)
}
