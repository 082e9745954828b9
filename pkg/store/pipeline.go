package store

import (
	"context"
	"encoding/json"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// InsertQualityAssessment records a quality verdict. The full assessment
// document is stored as JSON alongside the gating flag.
func (t *Tx) InsertQualityAssessment(ctx context.Context, a *domain.QualityAssessment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return pfail(err, "encode quality assessment")
	}
	_, err = t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO quality_assessments (assessment_id, sheet_id, assessment, approved, assessed_at)
		 VALUES (?, ?, ?, ?, ?)`),
		a.AssessmentID, a.SheetID, string(doc),
		boolInt(a.ApprovedForEvaluation), formatTime(a.AssessedAt))
	if err != nil {
		return pfail(err, "insert quality assessment %s", a.AssessmentID)
	}
	return nil
}

// QualityForSheet returns a sheet's assessments, oldest first.
func (s *Store) QualityForSheet(ctx context.Context, sheetID string) ([]*domain.QualityAssessment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT assessment FROM quality_assessments WHERE sheet_id = ? ORDER BY assessed_at ASC`),
		sheetID)
	if err != nil {
		return nil, pfail(err, "list quality assessments for %s", sheetID)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.QualityAssessment
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, pfail(err, "scan quality row")
		}
		var a domain.QualityAssessment
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, pfail(err, "decode quality assessment")
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// InsertEvaluation records a full evaluation document for a sheet.
func (t *Tx) InsertEvaluation(ctx context.Context, evaluationID, sheetID, keyID string, doc interface{}, createdAt string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return pfail(err, "encode evaluation")
	}
	_, err = t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO evaluation_results (evaluation_id, sheet_id, key_id, evaluation, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		evaluationID, sheetID, keyID, string(raw), createdAt)
	if err != nil {
		return pfail(err, "insert evaluation %s", evaluationID)
	}
	return nil
}

// EvaluationForSheet returns the latest evaluation document for a sheet.
func (s *Store) EvaluationForSheet(ctx context.Context, sheetID string, out interface{}) error {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT evaluation FROM evaluation_results WHERE sheet_id = ?
		 ORDER BY created_at DESC LIMIT 1`), sheetID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		return domain.E(domain.KindNotFound, "no evaluation for sheet %s", sheetID)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return pfail(err, "decode evaluation for sheet %s", sheetID)
	}
	return nil
}

// InsertIntervention queues a manual action.
func (t *Tx) InsertIntervention(ctx context.Context, iv *domain.HumanIntervention) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO human_interventions (intervention_id, sheet_id, intervention_type,
			pipeline_stage, reason, priority, status, resolution, resolved_by,
			created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		iv.InterventionID, iv.SheetID, string(iv.Type), nullable(iv.PipelineStage),
		iv.Reason, string(iv.Priority), string(iv.Status), nullable(iv.Resolution),
		nullable(iv.ResolvedBy), formatTime(iv.CreatedAt), nullableTime(iv.ResolvedAt))
	if err != nil {
		return pfail(err, "insert intervention %s", iv.InterventionID)
	}
	return nil
}

// ResolveIntervention closes an intervention with a resolution note.
func (t *Tx) ResolveIntervention(ctx context.Context, interventionID string, status domain.InterventionStatus, resolution, resolvedBy, resolvedAt string) error {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE human_interventions SET status = ?, resolution = ?, resolved_by = ?, resolved_at = ?
		 WHERE intervention_id = ? AND status = 'pending'`),
		string(status), resolution, resolvedBy, resolvedAt, interventionID)
	if err != nil {
		return pfail(err, "resolve intervention %s", interventionID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.E(domain.KindInvalidState, "intervention %s is not pending", interventionID)
	}
	return nil
}

// ListInterventions returns interventions by status, oldest first.
func (s *Store) ListInterventions(ctx context.Context, status domain.InterventionStatus, limit int) ([]*domain.HumanIntervention, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT intervention_id, sheet_id, intervention_type, pipeline_stage, reason,
			priority, status, resolution, resolved_by, created_at, resolved_at
		 FROM human_interventions WHERE status = ? ORDER BY created_at ASC LIMIT ?`),
		string(status), limit)
	if err != nil {
		return nil, pfail(err, "list interventions")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.HumanIntervention
	for rows.Next() {
		var (
			iv                     domain.HumanIntervention
			ivType, prio, st       string
			stage, resolution      *string
			resolvedBy, resolvedAt *string
			createdAt              string
		)
		if err := rows.Scan(&iv.InterventionID, &iv.SheetID, &ivType, &stage,
			&iv.Reason, &prio, &st, &resolution, &resolvedBy, &createdAt, &resolvedAt); err != nil {
			return nil, pfail(err, "scan intervention row")
		}
		iv.Type = domain.InterventionType(ivType)
		iv.Priority = domain.InterventionPriority(prio)
		iv.Status = domain.InterventionStatus(st)
		iv.PipelineStage = deref(stage)
		iv.Resolution = deref(resolution)
		iv.ResolvedBy = deref(resolvedBy)
		iv.CreatedAt = parseTime(createdAt)
		if resolvedAt != nil {
			at := parseTime(*resolvedAt)
			iv.ResolvedAt = &at
		}
		out = append(out, &iv)
	}
	return out, rows.Err()
}

// InsertStage appends one pipeline stage record.
func (t *Tx) InsertStage(ctx context.Context, st *domain.PipelineStage) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO pipeline_stages (stage_id, sheet_id, stage, status, block_hash, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		st.StageID, st.SheetID, st.Stage, st.Status, nullable(st.BlockHash),
		formatTime(st.StartedAt))
	if err != nil {
		return pfail(err, "insert stage %s for sheet %s", st.Stage, st.SheetID)
	}
	return nil
}

// StagesForSheet returns a sheet's pipeline history, oldest first.
func (s *Store) StagesForSheet(ctx context.Context, sheetID string) ([]*domain.PipelineStage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT stage_id, sheet_id, stage, status, block_hash, started_at
		 FROM pipeline_stages WHERE sheet_id = ? ORDER BY started_at ASC`), sheetID)
	if err != nil {
		return nil, pfail(err, "list stages for sheet %s", sheetID)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.PipelineStage
	for rows.Next() {
		var (
			st        domain.PipelineStage
			blockHash *string
			startedAt string
		)
		if err := rows.Scan(&st.StageID, &st.SheetID, &st.Stage, &st.Status,
			&blockHash, &startedAt); err != nil {
			return nil, pfail(err, "scan stage row")
		}
		st.BlockHash = deref(blockHash)
		st.StartedAt = parseTime(startedAt)
		out = append(out, &st)
	}
	return out, rows.Err()
}
