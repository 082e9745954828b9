package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// InsertResult publishes a sheet's final result row. The unique index on
// sheet_id makes double publication surface as already_exists.
func (t *Tx) InsertResult(ctx context.Context, r *domain.Result) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO results (result_id, sheet_id, roll_number, total_questions, correct,
			incorrect, unanswered, total_marks, percentage, grade, result_hash,
			block_hash, proof_hash, qr_payload, qr_code_png, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ResultID, r.SheetID, r.RollNumber, r.TotalQuestions, r.Correct,
		r.Incorrect, r.Unanswered, r.TotalMarks, r.Percentage, r.Grade,
		r.ResultHash, r.BlockHash, nullable(r.ProofHash), nullable(r.QRPayload),
		nullable(r.QRCodePNG), formatTime(r.PublishedAt))
	if err != nil {
		return domain.Wrap(domain.KindAlreadyExists, err, "result for sheet %s", r.SheetID)
	}
	return nil
}

// GetResult loads the published result for a sheet.
func (s *Store) GetResult(ctx context.Context, sheetID string) (*domain.Result, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT result_id, sheet_id, roll_number, total_questions, correct, incorrect,
			unanswered, total_marks, percentage, grade, result_hash, block_hash,
			proof_hash, qr_payload, qr_code_png, published_at
		 FROM results WHERE sheet_id = ?`), sheetID)

	var (
		r                           domain.Result
		proofHash, qrPayload, qrPNG *string
		publishedAt                 string
	)
	err := row.Scan(&r.ResultID, &r.SheetID, &r.RollNumber, &r.TotalQuestions,
		&r.Correct, &r.Incorrect, &r.Unanswered, &r.TotalMarks, &r.Percentage,
		&r.Grade, &r.ResultHash, &r.BlockHash, &proofHash, &qrPayload, &qrPNG,
		&publishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.KindNotFound, "no result for sheet %s", sheetID)
		}
		return nil, pfail(err, "scan result row")
	}
	r.ProofHash = deref(proofHash)
	r.QRPayload = deref(qrPayload)
	r.QRCodePNG = deref(qrPNG)
	r.PublishedAt = parseTime(publishedAt)
	return &r, nil
}

// InsertRecheck records a recheck request.
func (t *Tx) InsertRecheck(ctx context.Context, r *domain.RecheckRequest) error {
	questions, err := json.Marshal(r.Questions)
	if err != nil {
		return pfail(err, "encode recheck questions")
	}
	_, err = t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO recheck_requests (request_id, sheet_id, requested_by, reason,
			questions, status, recheck_hash, block_index, requested_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.RequestID, r.SheetID, r.RequestedBy, r.Reason, string(questions),
		string(r.Status), nullable(r.RecheckHash), r.BlockIndex,
		formatTime(r.RequestedAt), nullableTime(r.CompletedAt))
	if err != nil {
		return pfail(err, "insert recheck %s", r.RequestID)
	}
	return nil
}

// UpdateRecheckStatus moves a recheck request forward.
func (t *Tx) UpdateRecheckStatus(ctx context.Context, requestID string, status domain.RecheckStatus, recheckHash string, completedAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE recheck_requests SET status = ?, recheck_hash = ?, completed_at = ?
		 WHERE request_id = ?`),
		string(status), nullable(recheckHash), nullableTime(completedAt), requestID)
	if err != nil {
		return pfail(err, "update recheck %s", requestID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.E(domain.KindNotFound, "recheck %s not found", requestID)
	}
	return nil
}

// RechecksForSheet lists a sheet's recheck requests, oldest first.
func (s *Store) RechecksForSheet(ctx context.Context, sheetID string) ([]*domain.RecheckRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT request_id, sheet_id, requested_by, reason, questions, status,
			recheck_hash, block_index, requested_at, completed_at
		 FROM recheck_requests WHERE sheet_id = ? ORDER BY requested_at ASC`), sheetID)
	if err != nil {
		return nil, pfail(err, "list rechecks for sheet %s", sheetID)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.RecheckRequest
	for rows.Next() {
		var (
			r           domain.RecheckRequest
			questions   string
			status      string
			recheckHash *string
			requestedAt string
			completedAt *string
		)
		if err := rows.Scan(&r.RequestID, &r.SheetID, &r.RequestedBy, &r.Reason,
			&questions, &status, &recheckHash, &r.BlockIndex, &requestedAt, &completedAt); err != nil {
			return nil, pfail(err, "scan recheck row")
		}
		if err := json.Unmarshal([]byte(questions), &r.Questions); err != nil {
			return nil, pfail(err, "decode recheck questions")
		}
		r.Status = domain.RecheckStatus(status)
		r.RecheckHash = deref(recheckHash)
		r.RequestedAt = parseTime(requestedAt)
		if completedAt != nil {
			at := parseTime(*completedAt)
			r.CompletedAt = &at
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// InsertQuestionPaper persists an uploaded paper.
func (t *Tx) InsertQuestionPaper(ctx context.Context, p *domain.QuestionPaper) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO question_papers (paper_id, exam_id, subject, title, file_hash,
			object_store_url, total_questions, total_marks, uploaded_by, block_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.PaperID, p.ExamID, p.Subject, nullable(p.Title), p.FileHash,
		nullable(p.ObjectStoreURL), p.TotalQuestions, p.TotalMarks,
		p.UploadedBy, p.BlockIndex, formatTime(p.CreatedAt))
	if err != nil {
		return domain.Wrap(domain.KindAlreadyExists, err, "question paper %s", p.PaperID)
	}
	return nil
}

// GetQuestionPaper loads one paper by ID.
func (s *Store) GetQuestionPaper(ctx context.Context, paperID string) (*domain.QuestionPaper, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT paper_id, exam_id, subject, title, file_hash, object_store_url,
			total_questions, total_marks, uploaded_by, block_index, created_at
		 FROM question_papers WHERE paper_id = ?`), paperID)

	var (
		p                domain.QuestionPaper
		title, objectURL *string
		createdAt        string
	)
	err := row.Scan(&p.PaperID, &p.ExamID, &p.Subject, &title, &p.FileHash,
		&objectURL, &p.TotalQuestions, &p.TotalMarks, &p.UploadedBy,
		&p.BlockIndex, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.KindNotFound, "question paper %s not found", paperID)
		}
		return nil, pfail(err, "scan question paper row")
	}
	p.Title = deref(title)
	p.ObjectStoreURL = deref(objectURL)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// InsertAnswerKey persists a key record.
func (t *Tx) InsertAnswerKey(ctx context.Context, k *domain.AnswerKeyRecord) error {
	flagged, err := json.Marshal(k.FlaggedQuestions)
	if err != nil {
		return pfail(err, "encode flagged questions")
	}
	_, err = t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO answer_keys (key_id, paper_id, exam_id, subject, key_json, key_hash,
			status, ai_confidence, flagged_questions, approved_by, block_index,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		k.KeyID, k.PaperID, k.ExamID, nullable(k.Subject), string(k.Key), k.KeyHash,
		k.Status, k.AIConfidence, string(flagged), nullable(k.ApprovedBy),
		k.BlockIndex, formatTime(k.CreatedAt), formatTime(k.UpdatedAt))
	if err != nil {
		return domain.Wrap(domain.KindAlreadyExists, err, "answer key %s", k.KeyID)
	}
	return nil
}

// UpdateAnswerKey rewrites a key's mutable columns after verification,
// correction or approval.
func (t *Tx) UpdateAnswerKey(ctx context.Context, k *domain.AnswerKeyRecord) error {
	flagged, err := json.Marshal(k.FlaggedQuestions)
	if err != nil {
		return pfail(err, "encode flagged questions")
	}
	res, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE answer_keys SET key_json = ?, key_hash = ?, status = ?, ai_confidence = ?,
			flagged_questions = ?, approved_by = ?, block_index = ?, updated_at = ?
		 WHERE key_id = ?`),
		string(k.Key), k.KeyHash, k.Status, k.AIConfidence, string(flagged),
		nullable(k.ApprovedBy), k.BlockIndex, formatTime(k.UpdatedAt), k.KeyID)
	if err != nil {
		return pfail(err, "update answer key %s", k.KeyID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.E(domain.KindNotFound, "answer key %s not found", k.KeyID)
	}
	return nil
}

// GetAnswerKey loads a key record.
func (s *Store) GetAnswerKey(ctx context.Context, keyID string) (*domain.AnswerKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT key_id, paper_id, exam_id, subject, key_json, key_hash, status,
			ai_confidence, flagged_questions, approved_by, block_index, created_at, updated_at
		 FROM answer_keys WHERE key_id = ?`), keyID)
	return scanAnswerKey(row, keyID)
}

// ApprovedKeyForPaper loads the approved key for a question paper.
func (s *Store) ApprovedKeyForPaper(ctx context.Context, paperID string) (*domain.AnswerKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT key_id, paper_id, exam_id, subject, key_json, key_hash, status,
			ai_confidence, flagged_questions, approved_by, block_index, created_at, updated_at
		 FROM answer_keys WHERE paper_id = ? AND status = 'approved'
		 ORDER BY updated_at DESC LIMIT 1`), paperID)
	return scanAnswerKey(row, "approved for paper "+paperID)
}

func scanAnswerKey(row *sql.Row, ref string) (*domain.AnswerKeyRecord, error) {
	var (
		k                    domain.AnswerKeyRecord
		subject, approvedBy  *string
		keyJSON, flagged     string
		confidence           sql.NullFloat64
		createdAt, updatedAt string
	)
	err := row.Scan(&k.KeyID, &k.PaperID, &k.ExamID, &subject, &keyJSON, &k.KeyHash,
		&k.Status, &confidence, &flagged, &approvedBy, &k.BlockIndex,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.KindNotFound, "answer key %s not found", ref)
		}
		return nil, pfail(err, "scan answer key row")
	}
	k.Subject = deref(subject)
	k.ApprovedBy = deref(approvedBy)
	k.Key = json.RawMessage(keyJSON)
	if flagged != "" {
		if err := json.Unmarshal([]byte(flagged), &k.FlaggedQuestions); err != nil {
			return nil, pfail(err, "decode flagged questions")
		}
	}
	if confidence.Valid {
		k.AIConfidence = confidence.Float64
	}
	k.CreatedAt = parseTime(createdAt)
	k.UpdatedAt = parseTime(updatedAt)
	return &k, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
