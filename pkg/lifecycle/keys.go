package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/scantrust-labs/omrledger/pkg/ai"
	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/evaluation"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/objectstore"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

// PaperInput uploads one question paper.
type PaperInput struct {
	ExamID         string  `json:"exam_id"`
	Subject        string  `json:"subject"`
	Title          string  `json:"title,omitempty"`
	TotalQuestions int     `json:"total_questions"`
	TotalMarks     float64 `json:"total_marks"`
	File           []byte  `json:"-"`
	FileName       string  `json:"file_name,omitempty"`
	UploadedBy     string  `json:"uploaded_by"`
}

// UploadQuestionPaper anchors a question paper's hash on the chain and
// stores the file when an object store is configured.
func (m *Machine) UploadQuestionPaper(ctx context.Context, in PaperInput) (*domain.QuestionPaper, *ledger.Block, error) {
	if in.ExamID == "" || in.Subject == "" || len(in.File) == 0 {
		return nil, nil, domain.E(domain.KindInvalidState, "paper upload requires exam_id, subject and file")
	}
	fileHash := canonical.HashBytes(in.File)

	objectURL := ""
	if m.objects != nil {
		name := in.FileName
		if name == "" {
			name = in.ExamID + "_" + in.Subject + ".pdf"
		}
		key := objectstore.BuildKey("papers", name, in.File, m.clock())
		url, err := m.objects.Put(ctx, key, in.File, "application/pdf")
		if err != nil {
			return nil, nil, err
		}
		objectURL = url
	}

	paper := &domain.QuestionPaper{
		PaperID:        newID(),
		ExamID:         in.ExamID,
		Subject:        in.Subject,
		Title:          in.Title,
		FileHash:       fileHash,
		ObjectStoreURL: objectURL,
		TotalQuestions: in.TotalQuestions,
		TotalMarks:     in.TotalMarks,
		UploadedBy:     in.UploadedBy,
		CreatedAt:      m.clock().UTC(),
	}

	payload := ledger.PayloadFrom(
		"paper_id", paper.PaperID,
		"exam_id", in.ExamID,
		"subject", in.Subject,
		"file_hash", fileHash,
		"total_questions", in.TotalQuestions,
	)
	b, err := m.appendBlock(ctx, ledger.TypeQuestionPaperUpload, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		paper.BlockIndex = b.Index
		return tx.InsertQuestionPaper(ctx, paper)
	})
	if err != nil {
		return nil, nil, err
	}

	m.auditEvent(paper.PaperID, "question_paper_uploaded", map[string]interface{}{
		"exam_id":   in.ExamID,
		"subject":   in.Subject,
		"file_hash": fileHash,
	}, b.Hash, in.UploadedBy)
	return paper, b, nil
}

// UploadAnswerKey registers a raw key for a paper. The key starts in the
// uploaded state; no block is appended until AI verification.
func (m *Machine) UploadAnswerKey(ctx context.Context, paperID string, rawKey []byte, actor string) (*domain.AnswerKeyRecord, error) {
	paper, err := m.store.GetQuestionPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	key, err := evaluation.ParseKey(rawKey)
	if err != nil {
		return nil, err
	}
	keyHash, err := key.Hash()
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	record := &domain.AnswerKeyRecord{
		KeyID:     newID(),
		PaperID:   paper.PaperID,
		ExamID:    paper.ExamID,
		Subject:   paper.Subject,
		Key:       json.RawMessage(rawKey),
		KeyHash:   keyHash,
		Status:    string(evaluation.KeyUploaded),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertAnswerKey(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	m.auditEvent(paperID, "answer_key_uploaded", map[string]interface{}{
		"key_id":    record.KeyID,
		"key_hash":  keyHash,
		"questions": len(key),
	}, "", actor)
	return record, nil
}

// VerifyAnswerKey runs the provider over every question of an uploaded
// key: solve independently, then compare the solution to the official
// answer. Disagreements and low-confidence verdicts flag the question.
// The aggregate lands on the chain as an answer_key_verified block.
func (m *Machine) VerifyAnswerKey(ctx context.Context, keyID, actor string) (*domain.AnswerKeyRecord, *ledger.Block, error) {
	record, err := m.store.GetAnswerKey(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	if record.Status != string(evaluation.KeyUploaded) {
		return nil, nil, domain.E(domain.KindInvalidState,
			"answer key %s is %q; only uploaded keys can be verified", keyID, record.Status)
	}
	key, err := evaluation.ParseKey(record.Key)
	if err != nil {
		return nil, nil, err
	}

	var flagged []int
	var confidenceSum float64
	questions := key.Questions()
	for _, label := range questions {
		entry := key[label]
		solved, err := m.provider.SolveQuestion(ctx, label, record.Subject)
		if err != nil {
			return nil, nil, err
		}
		verdict, err := m.provider.VerifyAnswer(ctx, label, solved.Output, entry.Answer, record.Subject)
		if err != nil {
			return nil, nil, err
		}
		confidenceSum += verdict.Confidence
		if verdict.MatchStatus != "match" || ai.NeedsHumanReview(verdict.Confidence, nil) {
			flagged = append(flagged, questionOrdinal(label, questions))
		}
	}
	avgConfidence := confidenceSum / float64(len(questions))

	status := evaluation.KeyVerified
	if len(flagged) > 0 {
		status = evaluation.KeyFlagged
	}

	payload := ledger.PayloadFrom(
		"key_id", keyID,
		"paper_id", record.PaperID,
		"key_hash", record.KeyHash,
		"status", string(status),
		"flagged_count", len(flagged),
		"ai_confidence", avgConfidence,
	)
	b, err := m.appendBlock(ctx, ledger.TypeAnswerKeyVerified, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		record.Status = string(status)
		record.AIConfidence = avgConfidence
		record.FlaggedQuestions = flagged
		record.BlockIndex = b.Index
		record.UpdatedAt = m.clock().UTC()
		if err := tx.UpdateAnswerKey(ctx, record); err != nil {
			return err
		}
		if status == evaluation.KeyFlagged {
			iv := &domain.HumanIntervention{
				InterventionID: newID(),
				SheetID:        record.PaperID,
				Type:           domain.InterventionKeyFlagged,
				PipelineStage:  "answer_key_verification",
				Reason:         "AI verification flagged questions in the answer key",
				Priority:       domain.PriorityHigh,
				Status:         domain.InterventionPending,
				CreatedAt:      m.clock().UTC(),
			}
			return tx.InsertIntervention(ctx, iv)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.auditEvent(record.PaperID, "answer_key_verified", map[string]interface{}{
		"key_id":        keyID,
		"status":        string(status),
		"flagged":       flagged,
		"ai_confidence": avgConfidence,
	}, b.Hash, actor)
	return record, b, nil
}

// ApproveAnswerKey applies operator corrections and marks the key
// approved, anchoring the final hash with an answer_key_approved block.
func (m *Machine) ApproveAnswerKey(ctx context.Context, keyID string, corrections map[string]evaluation.KeyEntry, approvedBy string) (*domain.AnswerKeyRecord, *ledger.Block, error) {
	record, err := m.store.GetAnswerKey(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	switch record.Status {
	case string(evaluation.KeyVerified), string(evaluation.KeyFlagged):
	default:
		return nil, nil, domain.E(domain.KindInvalidState,
			"answer key %s is %q; only verified or flagged keys can be approved", keyID, record.Status)
	}
	key, err := evaluation.ParseKey(record.Key)
	if err != nil {
		return nil, nil, err
	}

	if len(corrections) > 0 {
		key = key.ApplyCorrections(corrections)
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return nil, nil, err
	}
	keyHash, err := key.Hash()
	if err != nil {
		return nil, nil, err
	}

	payload := ledger.PayloadFrom(
		"key_id", keyID,
		"paper_id", record.PaperID,
		"key_hash", keyHash,
		"corrections", len(corrections),
		"approved_by", approvedBy,
	)
	b, err := m.appendBlock(ctx, ledger.TypeAnswerKeyApproved, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		record.Key = raw
		record.KeyHash = keyHash
		record.Status = string(evaluation.KeyApproved)
		record.ApprovedBy = approvedBy
		record.BlockIndex = b.Index
		record.UpdatedAt = m.clock().UTC()
		return tx.UpdateAnswerKey(ctx, record)
	})
	if err != nil {
		return nil, nil, err
	}

	m.auditEvent(record.PaperID, "answer_key_approved", map[string]interface{}{
		"key_id":      keyID,
		"key_hash":    keyHash,
		"corrections": len(corrections),
	}, b.Hash, approvedBy)
	return record, b, nil
}

// questionOrdinal extracts the 1-based question number for a label.
func questionOrdinal(label string, ordered []string) int {
	for i, l := range ordered {
		if l == label {
			return i + 1
		}
	}
	return 0
}
