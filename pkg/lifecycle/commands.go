package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/objectstore"
	"github.com/scantrust-labs/omrledger/pkg/signature"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

func newID() string { return uuid.New().String() }

// ScanInput creates a sheet from one uploaded scan.
type ScanInput struct {
	SheetID     string `json:"sheet_id"`
	RollNumber  string `json:"roll_number"`
	ExamID      string `json:"exam_id"`
	StudentName string `json:"student_name,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Image       []byte `json:"-"`
	Actor       string `json:"-"`
}

// CreateScan registers a new sheet and appends its scan block. Calling it
// again with an identical payload returns the original block; a divergent
// payload for the same sheet id is a conflict.
func (m *Machine) CreateScan(ctx context.Context, in ScanInput) (*ledger.Block, *domain.Sheet, error) {
	if in.SheetID == "" || in.RollNumber == "" || in.ExamID == "" {
		return nil, nil, domain.E(domain.KindInvalidState, "scan requires sheet_id, roll_number and exam_id")
	}
	if len(in.Image) > 0 {
		computed := canonical.HashBytes(in.Image)
		if in.FileHash != "" && in.FileHash != computed {
			return nil, nil, domain.E(domain.KindHashMismatch,
				"declared file hash %s does not match scan content %s", in.FileHash, computed)
		}
		in.FileHash = computed
	}

	contentHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":    in.SheetID,
		"roll_number": in.RollNumber,
		"exam_id":     in.ExamID,
		"file_hash":   in.FileHash,
	})
	if err != nil {
		return nil, nil, err
	}

	mu := m.lock(in.SheetID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := m.loadSheet(ctx, in.SheetID); err == nil {
		if existing.ScanHash == contentHash {
			b, err := m.chain.Get(existing.ScanBlock)
			return b, existing, err
		}
		return nil, nil, domain.E(domain.KindAlreadyExists,
			"sheet %s already exists with a different scan payload", in.SheetID)
	} else if !domain.IsKind(err, domain.KindNotFound) {
		return nil, nil, err
	}

	objectURL := ""
	if m.objects != nil && len(in.Image) > 0 {
		name := in.FileName
		if name == "" {
			name = in.SheetID + ".png"
		}
		key := objectstore.BuildKey("sheets", name, in.Image, m.clock())
		objectURL, err = m.objects.Put(ctx, key, in.Image, "image/png")
		if err != nil {
			return nil, nil, err
		}
	}

	now := m.clock().UTC()
	sheet := &domain.Sheet{
		SheetID:          in.SheetID,
		RollNumber:       in.RollNumber,
		ExamID:           in.ExamID,
		StudentName:      in.StudentName,
		OriginalFileHash: in.FileHash,
		ObjectStoreURL:   objectURL,
		Status:           domain.StatusScanned,
		ScanHash:         contentHash,
		ScanBlock:        -1, QualityBlock: -1, BubbleBlock: -1,
		ScoreBlock: -1, VerifyBlock: -1, ResultBlock: -1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	payload := ledger.PayloadFrom(
		"sheet_id", in.SheetID,
		"roll_number", in.RollNumber,
		"exam_id", in.ExamID,
		"file_hash", in.FileHash,
		"content_hash", contentHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeScan, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		sheet.ScanBlock = b.Index
		if err := tx.InsertSheet(ctx, sheet); err != nil {
			return err
		}
		return tx.InsertStage(ctx, m.stageRow(in.SheetID, CmdCreateScan, b.Hash))
	})
	if err != nil {
		return nil, nil, err
	}

	m.auditEvent(in.SheetID, "scan_created", map[string]interface{}{
		"roll_number":  in.RollNumber,
		"exam_id":      in.ExamID,
		"file_hash":    in.FileHash,
		"content_hash": contentHash,
	}, b.Hash, in.Actor)
	return b, sheet, nil
}

// QualityOutcome is the verdict of one quality assessment.
type QualityOutcome struct {
	Assessment *domain.QualityAssessment `json:"assessment"`
	Block      *ledger.Block             `json:"-"`
	BlockHash  string                    `json:"block_hash"`
	NewStatus  domain.SheetStatus        `json:"status"`
}

// AssessQuality applies the quality gate to a damage-detection result. The
// assessment block is appended either way; a failing gate moves the sheet
// to quality_rejected and queues a high-priority review.
func (m *Machine) AssessQuality(ctx context.Context, sheetID string, in domain.QualityInput, actor string) (*QualityOutcome, error) {
	contentHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":   sheetID,
		"assessment": in,
	})
	if err != nil {
		return nil, err
	}

	mu := m.lock(sheetID)
	mu.Lock()
	defer mu.Unlock()

	sheet, err := m.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	if sheet.QualityHash == contentHash && sheet.QualityBlock >= 0 {
		b, err := m.chain.Get(sheet.QualityBlock)
		if err != nil {
			return nil, err
		}
		assessments, err := m.store.QualityForSheet(ctx, sheetID)
		if err != nil {
			return nil, err
		}
		out := &QualityOutcome{Block: b, BlockHash: b.Hash, NewStatus: sheet.Status}
		if len(assessments) > 0 {
			out.Assessment = assessments[len(assessments)-1]
		}
		return out, nil
	}
	if err := guard(sheet, CmdAssessQuality); err != nil {
		return nil, err
	}

	a := domain.AssessQuality(in)
	a.AssessmentID = newID()
	a.SheetID = sheetID
	a.AssessedAt = m.clock().UTC()

	next := domain.StatusQualityAssessed
	if a.RequiresIntervention {
		next = domain.StatusQualityRejected
	}

	payload := ledger.PayloadFrom(
		"sheet_id", sheetID,
		"quality_score", a.QualityScore,
		"damage_severity", string(a.DamageSeverity),
		"approved", a.ApprovedForEvaluation,
		"content_hash", contentHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeQualityAssessment, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		sheet.Status = next
		sheet.QualityHash = contentHash
		sheet.QualityBlock = b.Index
		sheet.NeedsReconstruction = a.RequiresReconstruction
		sheet.UpdatedAt = m.clock().UTC()
		if err := tx.UpdateSheet(ctx, sheet); err != nil {
			return err
		}
		if err := tx.InsertQualityAssessment(ctx, &a); err != nil {
			return err
		}
		if a.RequiresIntervention {
			iv := &domain.HumanIntervention{
				InterventionID: newID(),
				SheetID:        sheetID,
				Type:           domain.InterventionQualityReview,
				PipelineStage:  string(CmdAssessQuality),
				Reason:         a.FlagReason,
				Priority:       domain.PriorityHigh,
				Status:         domain.InterventionPending,
				CreatedAt:      m.clock().UTC(),
			}
			if err := tx.InsertIntervention(ctx, iv); err != nil {
				return err
			}
		}
		return tx.InsertStage(ctx, m.stageRow(sheetID, CmdAssessQuality, b.Hash))
	})
	if err != nil {
		return nil, err
	}

	event := "quality_assessed"
	if a.RequiresIntervention {
		event = "quality_rejected"
	}
	m.auditEvent(sheetID, event, map[string]interface{}{
		"quality_score":   a.QualityScore,
		"damage_severity": string(a.DamageSeverity),
		"approved":        a.ApprovedForEvaluation,
		"flag_reason":     a.FlagReason,
	}, b.Hash, actor)

	return &QualityOutcome{Assessment: &a, Block: b, BlockHash: b.Hash, NewStatus: next}, nil
}

// DetectQuality runs the provider's damage detection over the scan image
// and feeds the outcome through AssessQuality.
func (m *Machine) DetectQuality(ctx context.Context, sheetID string, image []byte, actor string) (*QualityOutcome, error) {
	in, err := m.provider.DetectDamage(ctx, image)
	if err != nil {
		return nil, err
	}
	return m.AssessQuality(ctx, sheetID, *in, actor)
}

// Reconstruct repairs a damaged but recoverable sheet through the
// provider. Confidence at or above 0.7 approves the reconstruction and
// unblocks bubble detection; anything lower leaves the sheet unapproved.
// No block is appended; the sheet record and audit trail carry the change.
func (m *Machine) Reconstruct(ctx context.Context, sheetID string, image []byte, actor string) (bool, error) {
	mu := m.lock(sheetID)
	mu.Lock()
	defer mu.Unlock()

	sheet, err := m.loadSheet(ctx, sheetID)
	if err != nil {
		return false, err
	}
	if sheet.Status != domain.StatusQualityAssessed || !sheet.NeedsReconstruction {
		return false, domain.E(domain.KindInvalidState,
			"sheet %s does not need reconstruction in state %q", sheetID, sheet.Status)
	}

	var damage *domain.QualityInput
	if assessments, err := m.store.QualityForSheet(ctx, sheetID); err == nil && len(assessments) > 0 {
		damage = &assessments[len(assessments)-1].QualityInput
	}
	rec, err := m.provider.ReconstructSheet(ctx, image, damage)
	if err != nil {
		return false, err
	}
	if rec.Confidence < 0.7 {
		m.auditEvent(sheetID, "reconstruction_insufficient", map[string]interface{}{
			"confidence": rec.Confidence,
			"image_hash": rec.ImageHash,
		}, "", actor)
		return false, nil
	}

	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		sheet.Status = domain.StatusReconstructed
		sheet.NeedsReconstruction = false
		sheet.UpdatedAt = m.clock().UTC()
		if err := tx.UpdateSheet(ctx, sheet); err != nil {
			return err
		}
		return tx.InsertStage(ctx, m.stageRow(sheetID, CmdReconstruct, ""))
	})
	if err != nil {
		return false, err
	}

	m.auditEvent(sheetID, "sheet_reconstructed", map[string]interface{}{
		"confidence":            rec.Confidence,
		"image_hash":            rec.ImageHash,
		"reconstructed_regions": rec.Regions,
	}, "", actor)
	return true, nil
}

// BubbleInput carries one sheet's detected answer grid.
type BubbleInput struct {
	SheetID    string             `json:"sheet_id"`
	Answers    map[string]string  `json:"answers"`
	Confidence map[string]float64 `json:"confidence,omitempty"`
	Model      string             `json:"model,omitempty"`
	Actor      string             `json:"-"`
}

// CreateBubble records the detected answers and appends the bubble block.
func (m *Machine) CreateBubble(ctx context.Context, in BubbleInput) (*ledger.Block, error) {
	if in.SheetID == "" || len(in.Answers) == 0 {
		return nil, domain.E(domain.KindInvalidState, "bubble detection requires sheet_id and answers")
	}
	contentHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id": in.SheetID,
		"answers":  in.Answers,
	})
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
	if sheet.BubbleHash == contentHash && sheet.BubbleBlock >= 0 {
		return m.chain.Get(sheet.BubbleBlock)
	}
	if sheet.BubbleBlock >= 0 {
		return nil, domain.E(domain.KindAlreadyExists,
			"sheet %s already has bubble detection with a different payload", in.SheetID)
	}
	if err := guard(sheet, CmdCreateBubble); err != nil {
		return nil, err
	}
	if sheet.Status == domain.StatusQualityAssessed && sheet.NeedsReconstruction {
		return nil, domain.E(domain.KindInvalidState,
			"sheet %s needs reconstruction before bubble detection", in.SheetID)
	}

	payload := ledger.PayloadFrom(
		"sheet_id", in.SheetID,
		"answers", in.Answers,
		"total_detected", len(in.Answers),
		"model", in.Model,
		"content_hash", contentHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeBubble, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		sheet.Status = domain.StatusBubbleDetected
		sheet.BubbleHash = contentHash
		sheet.BubbleBlock = b.Index
		sheet.UpdatedAt = m.clock().UTC()
		if err := tx.UpdateSheet(ctx, sheet); err != nil {
			return err
		}
		return tx.InsertStage(ctx, m.stageRow(in.SheetID, CmdCreateBubble, b.Hash))
	})
	if err != nil {
		return nil, err
	}

	m.auditEvent(in.SheetID, "bubble_detected", map[string]interface{}{
		"total_detected": len(in.Answers),
		"model":          in.Model,
		"content_hash":   contentHash,
	}, b.Hash, in.Actor)
	return b, nil
}

// DetectAnswers runs the provider's bubble detection over the scan image
// and records the outcome through CreateBubble.
func (m *Machine) DetectAnswers(ctx context.Context, sheetID string, image []byte, totalQuestions int, actor string) (*ledger.Block, error) {
	res, err := m.provider.DetectBubbles(ctx, image, totalQuestions)
	if err != nil {
		return nil, err
	}
	return m.CreateBubble(ctx, BubbleInput{
		SheetID:    sheetID,
		Answers:    res.Answers,
		Confidence: res.Confidence,
		Model:      "provider",
		Actor:      actor,
	})
}

// ScoreInput carries the scoring model's predictions for one sheet.
type ScoreInput struct {
	SheetID     string            `json:"sheet_id"`
	Model       string            `json:"model"`
	Predictions map[string]string `json:"predictions"`
	Confidence  float64           `json:"confidence"`
	Actor       string            `json:"-"`
}

// CreateScore records the model predictions and appends the score block.
func (m *Machine) CreateScore(ctx context.Context, in ScoreInput) (*ledger.Block, error) {
	if in.SheetID == "" || in.Model == "" {
		return nil, domain.E(domain.KindInvalidState, "scoring requires sheet_id and model")
	}
	contentHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":    in.SheetID,
		"model":       in.Model,
		"predictions": in.Predictions,
	})
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
	if sheet.ScoreHash == contentHash && sheet.ScoreBlock >= 0 {
		return m.chain.Get(sheet.ScoreBlock)
	}
	if sheet.ScoreBlock >= 0 {
		return nil, domain.E(domain.KindAlreadyExists,
			"sheet %s already scored with a different payload", in.SheetID)
	}
	if err := guard(sheet, CmdCreateScore); err != nil {
		return nil, err
	}

	payload := ledger.PayloadFrom(
		"sheet_id", in.SheetID,
		"model", in.Model,
		"predictions", in.Predictions,
		"confidence", in.Confidence,
		"content_hash", contentHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeScore, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		sheet.Status = domain.StatusScored
		sheet.ScoreHash = contentHash
		sheet.ScoreBlock = b.Index
		sheet.UpdatedAt = m.clock().UTC()
		if err := tx.UpdateSheet(ctx, sheet); err != nil {
			return err
		}
		return tx.InsertStage(ctx, m.stageRow(in.SheetID, CmdCreateScore, b.Hash))
	})
	if err != nil {
		return nil, err
	}

	m.auditEvent(in.SheetID, "score_created", map[string]interface{}{
		"model":        in.Model,
		"confidence":   in.Confidence,
		"content_hash": contentHash,
	}, b.Hash, in.Actor)
	return b, nil
}

// SignerSubmission is one party's approval of a verification payload.
type SignerSubmission struct {
	SignerType signature.SignerType `json:"signer_type"`
	SignerKey  string               `json:"signer_key"`
}

// CreateVerify collects the three required signatures over the sheet's
// stage hashes and appends the verify block. Any missing or invalid
// signature fails the command with no block; the sheet stays scored.
func (m *Machine) CreateVerify(ctx context.Context, sheetID string, submissions []SignerSubmission, actor string) (*ledger.Block, error) {
	mu := m.lock(sheetID)
	mu.Lock()
	defer mu.Unlock()

	sheet, err := m.loadSheet(ctx, sheetID)
	if err != nil {
		return nil, err
	}

	payloadHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":    sheetID,
		"scan_hash":   sheet.ScanHash,
		"bubble_hash": sheet.BubbleHash,
		"score_hash":  sheet.ScoreHash,
	})
	if err != nil {
		return nil, err
	}
	if sheet.VerifyHash == payloadHash && sheet.VerifyBlock >= 0 {
		return m.chain.Get(sheet.VerifyBlock)
	}
	if err := guard(sheet, CmdCreateVerify); err != nil {
		return nil, err
	}

	eng := signature.NewEngine(m.keyring, payloadHash).WithClock(m.clock)
	for _, sub := range submissions {
		if _, err := eng.Add(sub.SignerType, sub.SignerKey); err != nil {
			return nil, err
		}
	}
	proof, err := eng.Prove()
	if err != nil {
		return nil, err
	}

	attempt, err := m.verifyAttempt(ctx, sheetID)
	if err != nil {
		return nil, err
	}

	payload := ledger.PayloadFrom(
		"sheet_id", sheetID,
		"payload_hash", payloadHash,
		"proof_hash", proof.ProofHash,
		"signer_count", len(proof.Signatures),
		"content_hash", payloadHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeVerify, payload, proof.Signatures, func(tx *store.Tx, b *ledger.Block) error {
		sheet.Status = domain.StatusVerified
		sheet.VerifyHash = payloadHash
		sheet.VerifyBlock = b.Index
		sheet.UpdatedAt = m.clock().UTC()
		if err := tx.UpdateSheet(ctx, sheet); err != nil {
			return err
		}
		for i := range proof.Signatures {
			if err := tx.InsertSignature(ctx, sheetID, attempt, &proof.Signatures[i]); err != nil {
				return err
			}
		}
		return tx.InsertStage(ctx, m.stageRow(sheetID, CmdCreateVerify, b.Hash))
	})
	if err != nil {
		return nil, err
	}

	m.auditEvent(sheetID, "verification_completed", map[string]interface{}{
		"payload_hash": payloadHash,
		"proof_hash":   proof.ProofHash,
		"signers":      len(proof.Signatures),
		"attempt":      attempt,
	}, b.Hash, actor)
	return b, nil
}

// verifyAttempt numbers the signature sets for one sheet. A rejected or
// failed verification leaves no verify stage row, so attempts count prior
// completed verify stages plus one.
func (m *Machine) verifyAttempt(ctx context.Context, sheetID string) (int, error) {
	stages, err := m.store.StagesForSheet(ctx, sheetID)
	if err != nil {
		return 0, err
	}
	attempt := 1
	for _, st := range stages {
		if st.Stage == string(CmdCreateVerify) {
			attempt++
		}
	}
	return attempt, nil
}

// RecheckInput asks for a re-evaluation of specific questions on a
// completed sheet.
type RecheckInput struct {
	SheetID     string   `json:"sheet_id"`
	Questions   []string `json:"questions_to_recheck"`
	Reason      string   `json:"reason"`
	RequestedBy string   `json:"requested_by"`
}

// RequestRecheck layers a recheck block on a completed sheet. The original
// result is retained; the sheet status does not change.
func (m *Machine) RequestRecheck(ctx context.Context, in RecheckInput) (*ledger.Block, *domain.RecheckRequest, error) {
	if in.SheetID == "" || len(in.Questions) == 0 {
		return nil, nil, domain.E(domain.KindInvalidState, "recheck requires sheet_id and questions")
	}
	recheckHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":  in.SheetID,
		"questions": in.Questions,
		"reason":    in.Reason,
	})
	if err != nil {
		return nil, nil, err
	}

	mu := m.lock(in.SheetID)
	mu.Lock()
	defer mu.Unlock()

	sheet, err := m.loadSheet(ctx, in.SheetID)
	if err != nil {
		return nil, nil, err
	}
	if err := guard(sheet, CmdRequestRecheck); err != nil {
		return nil, nil, err
	}

	existing, err := m.store.RechecksForSheet(ctx, in.SheetID)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range existing {
		if r.RecheckHash == recheckHash {
			b, err := m.chain.Get(r.BlockIndex)
			return b, r, err
		}
	}

	req := &domain.RecheckRequest{
		RequestID:   newID(),
		SheetID:     in.SheetID,
		RequestedBy: in.RequestedBy,
		Reason:      in.Reason,
		Questions:   in.Questions,
		Status:      domain.RecheckPending,
		RecheckHash: recheckHash,
		RequestedAt: m.clock().UTC(),
	}
	payload := ledger.PayloadFrom(
		"sheet_id", in.SheetID,
		"request_id", req.RequestID,
		"questions", in.Questions,
		"reason", in.Reason,
		"content_hash", recheckHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeRecheck, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		req.BlockIndex = b.Index
		if err := tx.InsertRecheck(ctx, req); err != nil {
			return err
		}
		return tx.InsertStage(ctx, m.stageRow(in.SheetID, CmdRequestRecheck, b.Hash))
	})
	if err != nil {
		return nil, nil, err
	}

	m.auditEvent(in.SheetID, "recheck_requested", map[string]interface{}{
		"request_id": req.RequestID,
		"questions":  in.Questions,
		"reason":     in.Reason,
	}, b.Hash, in.RequestedBy)
	return b, req, nil
}

// CompleteRecheck closes a pending recheck request. No block is appended;
// the request row and audit trail record the outcome.
func (m *Machine) CompleteRecheck(ctx context.Context, sheetID, requestID string, status domain.RecheckStatus, actor string) error {
	if status != domain.RecheckCompleted && status != domain.RecheckRejected {
		return domain.E(domain.KindInvalidState, "recheck can only close as completed or rejected")
	}
	mu := m.lock(sheetID)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock().UTC()
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateRecheckStatus(ctx, requestID, status, "", &now)
	})
	if err != nil {
		return err
	}
	m.auditEvent(sheetID, "recheck_closed", map[string]interface{}{
		"request_id": requestID,
		"status":     string(status),
	}, "", actor)
	return nil
}
