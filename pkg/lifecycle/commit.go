package lifecycle

import (
	"context"
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/evaluation"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

// CommitInput publishes the final outcome for one verified sheet.
type CommitInput struct {
	SheetID string                 `json:"sheet_id"`
	Eval    *evaluation.Evaluation `json:"evaluation"`
	Actor   string                 `json:"-"`
}

// CommitResult appends the result block, publishes the result row with its
// QR payload and integrity proof, and completes the sheet. The lifecycle
// hash binds every stage hash into the result so the whole pipeline is
// verifiable from one value.
func (m *Machine) CommitResult(ctx context.Context, in CommitInput) (*domain.Result, *ledger.Block, error) {
	if in.SheetID == "" || in.Eval == nil {
		return nil, nil, domain.E(domain.KindInvalidState, "result commit requires sheet_id and an evaluation")
	}

	mu := m.lock(in.SheetID)
	mu.Lock()
	defer mu.Unlock()

	sheet, err := m.loadSheet(ctx, in.SheetID)
	if err != nil {
		return nil, nil, err
	}

	resultHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":        in.SheetID,
		"roll_number":     sheet.RollNumber,
		"total_marks":     in.Eval.TotalMarks,
		"percentage":      in.Eval.Percentage,
		"grade":           in.Eval.Grade,
		"correct_answers": in.Eval.Correct,
	})
	if err != nil {
		return nil, nil, err
	}
	if sheet.ResultHash == resultHash && sheet.ResultBlock >= 0 {
		b, err := m.chain.Get(sheet.ResultBlock)
		if err != nil {
			return nil, nil, err
		}
		r, err := m.store.GetResult(ctx, in.SheetID)
		return r, b, err
	}
	if err := guard(sheet, CmdCommitResult); err != nil {
		return nil, nil, err
	}

	lifecycleHash, err := canonical.Hash(map[string]interface{}{
		"scan_hash":    sheet.ScanHash,
		"quality_hash": sheet.QualityHash,
		"bubble_hash":  sheet.BubbleHash,
		"score_hash":   sheet.ScoreHash,
		"verify_hash":  sheet.VerifyHash,
		"result_hash":  resultHash,
	})
	if err != nil {
		return nil, nil, err
	}

	result := &domain.Result{
		ResultID:       newID(),
		SheetID:        in.SheetID,
		RollNumber:     sheet.RollNumber,
		TotalQuestions: in.Eval.TotalQuestions,
		Correct:        in.Eval.Correct,
		Incorrect:      in.Eval.Incorrect,
		Unanswered:     in.Eval.Unanswered,
		TotalMarks:     in.Eval.TotalMarks,
		Percentage:     in.Eval.Percentage,
		Grade:          in.Eval.Grade,
		ResultHash:     resultHash,
		PublishedAt:    m.clock().UTC(),
	}

	payload := ledger.PayloadFrom(
		"sheet_id", in.SheetID,
		"roll_number", sheet.RollNumber,
		"result_hash", resultHash,
		"lifecycle_hash", lifecycleHash,
		"total_marks", in.Eval.TotalMarks,
		"percentage", in.Eval.Percentage,
		"grade", in.Eval.Grade,
		"content_hash", resultHash,
	)
	b, err := m.appendBlock(ctx, ledger.TypeResult, payload, nil, func(tx *store.Tx, b *ledger.Block) error {
		result.BlockHash = b.Hash

		qrPayload, qrPNG, err := m.buildQR(sheet.RollNumber, resultHash, b.Hash)
		if err != nil {
			return err
		}
		result.QRPayload = qrPayload
		result.QRCodePNG = qrPNG

		proof, err := m.proofs.GenerateIntegrity(in.SheetID, resultHash, b.Hash)
		if err != nil {
			return err
		}
		result.ProofHash = proof.Response

		sheet.Status = domain.StatusCompleted
		sheet.ResultHash = resultHash
		sheet.ResultBlock = b.Index
		sheet.UpdatedAt = m.clock().UTC()
		if err := tx.UpdateSheet(ctx, sheet); err != nil {
			return err
		}
		if err := tx.InsertResult(ctx, result); err != nil {
			return err
		}
		return tx.InsertStage(ctx, m.stageRow(in.SheetID, CmdCommitResult, b.Hash))
	})
	if err != nil {
		return nil, nil, err
	}

	if m.results != nil {
		if err := m.results.Put(ctx, sheet.ExamID, result); err != nil {
			m.logger.Warn("result cache put failed", "sheet_id", in.SheetID, "error", err)
		}
	}

	m.auditEvent(in.SheetID, "result_committed", map[string]interface{}{
		"result_hash":    resultHash,
		"lifecycle_hash": lifecycleHash,
		"total_marks":    in.Eval.TotalMarks,
		"grade":          in.Eval.Grade,
	}, b.Hash, in.Actor)

	return result, b, nil
}

// buildQR encodes the public verification payload as a QR PNG. The payload
// is the canonical JSON form so any verifier rehashes it identically.
func (m *Machine) buildQR(rollNumber, resultHash, blockHash string) (string, string, error) {
	payload, err := canonical.MarshalString(map[string]interface{}{
		"roll_number":     rollNumber,
		"result_hash":     resultHash,
		"blockchain_hash": blockHash,
		"verify_url":      m.verifyURLBase + "/" + rollNumber,
	})
	if err != nil {
		return "", "", err
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return "", "", domain.Wrap(domain.KindExternalFailed, err, "qr encode for roll %s", rollNumber)
	}
	return payload, base64.StdEncoding.EncodeToString(png), nil
}

// LookupResult serves the published result, preferring the cache and
// falling back to the store. Cache errors degrade silently to the store.
func (m *Machine) LookupResult(ctx context.Context, rollNumber, examID string) (*domain.Result, error) {
	if m.results != nil && examID != "" {
		if r, err := m.results.GetByRoll(ctx, rollNumber, examID); err == nil && r != nil {
			return r, nil
		}
	}
	sheet, err := m.store.GetSheetByRoll(ctx, rollNumber, examID)
	if err != nil {
		return nil, err
	}
	r, err := m.store.GetResult(ctx, sheet.SheetID)
	if err != nil {
		return nil, err
	}
	if m.results != nil {
		if err := m.results.Put(ctx, sheet.ExamID, r); err != nil {
			m.logger.Debug("result cache refill failed", "roll", rollNumber, "error", err)
		}
	}
	return r, nil
}

// VerifyResult checks a published result against the chain and its
// integrity proof.
func (m *Machine) VerifyResult(ctx context.Context, sheetID string) (bool, error) {
	sheet, err := m.loadSheet(ctx, sheetID)
	if err != nil {
		return false, err
	}
	if sheet.ResultBlock < 0 {
		return false, domain.E(domain.KindInvalidState, "sheet %s has no committed result", sheetID)
	}
	b, err := m.chain.Get(sheet.ResultBlock)
	if err != nil {
		return false, err
	}
	if b.Data.GetString("result_hash") != sheet.ResultHash {
		return false, nil
	}
	recomputed, err := b.ComputeHash()
	if err != nil {
		return false, err
	}
	return recomputed == b.Hash, nil
}
