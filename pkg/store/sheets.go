package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

const sheetColumns = `sheet_id, roll_number, exam_id, student_name, original_file_hash,
	object_store_url, status, scan_hash, quality_hash, bubble_hash, score_hash,
	verify_hash, result_hash, scan_block, quality_block, bubble_block, score_block,
	verify_block, result_block, needs_reconstruction, created_at, updated_at`

// InsertSheet creates the sheet row. A duplicate (roll_number, exam_id)
// pair violates the unique index and surfaces as already_exists.
func (t *Tx) InsertSheet(ctx context.Context, sh *domain.Sheet) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO sheets (`+sheetColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sheetArgs(sh)...)
	if err != nil {
		return domain.Wrap(domain.KindAlreadyExists, err, "sheet %s insert", sh.SheetID)
	}
	return nil
}

// UpdateSheet rewrites the mutable columns of an existing sheet row.
func (t *Tx) UpdateSheet(ctx context.Context, sh *domain.Sheet) error {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(
		`UPDATE sheets SET status = ?, scan_hash = ?, quality_hash = ?, bubble_hash = ?,
			score_hash = ?, verify_hash = ?, result_hash = ?, scan_block = ?,
			quality_block = ?, bubble_block = ?, score_block = ?, verify_block = ?,
			result_block = ?, needs_reconstruction = ?, object_store_url = ?, updated_at = ?
		 WHERE sheet_id = ?`),
		string(sh.Status), nullable(sh.ScanHash), nullable(sh.QualityHash),
		nullable(sh.BubbleHash), nullable(sh.ScoreHash), nullable(sh.VerifyHash),
		nullable(sh.ResultHash), sh.ScanBlock, sh.QualityBlock, sh.BubbleBlock,
		sh.ScoreBlock, sh.VerifyBlock, sh.ResultBlock, boolInt(sh.NeedsReconstruction),
		nullable(sh.ObjectStoreURL), formatTime(sh.UpdatedAt), sh.SheetID)
	if err != nil {
		return pfail(err, "sheet %s update", sh.SheetID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.E(domain.KindNotFound, "sheet %s not found", sh.SheetID)
	}
	return nil
}

// GetSheet loads one sheet by ID.
func (s *Store) GetSheet(ctx context.Context, sheetID string) (*domain.Sheet, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+sheetColumns+` FROM sheets WHERE sheet_id = ?`), sheetID)
	return scanSheet(row, sheetID)
}

// GetSheetByRoll loads one sheet by roll number, optionally narrowed by
// exam. Without an exam id the roll must identify exactly one sheet.
func (s *Store) GetSheetByRoll(ctx context.Context, rollNumber, examID string) (*domain.Sheet, error) {
	if examID != "" {
		row := s.db.QueryRowContext(ctx, s.rebind(
			`SELECT `+sheetColumns+` FROM sheets WHERE roll_number = ? AND exam_id = ?`),
			rollNumber, examID)
		return scanSheet(row, rollNumber+"/"+examID)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+sheetColumns+` FROM sheets WHERE roll_number = ? LIMIT 2`), rollNumber)
	if err != nil {
		return nil, pfail(err, "load sheet for roll %s", rollNumber)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Sheet
	for rows.Next() {
		sh, err := scanSheetRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, pfail(err, "load sheet for roll %s", rollNumber)
	}
	switch len(out) {
	case 0:
		return nil, domain.E(domain.KindNotFound, "no sheet for roll %s", rollNumber)
	case 1:
		return out[0], nil
	default:
		return nil, domain.E(domain.KindInvalidState,
			"roll %s appears in more than one exam; pass exam_id", rollNumber)
	}
}

// ListSheets returns sheets, optionally filtered by status, newest first.
func (s *Store) ListSheets(ctx context.Context, status domain.SheetStatus, limit int) ([]*domain.Sheet, error) {
	query := `SELECT ` + sheetColumns + ` FROM sheets`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, pfail(err, "list sheets")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Sheet
	for rows.Next() {
		sh, err := scanSheetRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func sheetArgs(sh *domain.Sheet) []interface{} {
	return []interface{}{
		sh.SheetID, sh.RollNumber, sh.ExamID, nullable(sh.StudentName),
		sh.OriginalFileHash, nullable(sh.ObjectStoreURL), string(sh.Status),
		nullable(sh.ScanHash), nullable(sh.QualityHash), nullable(sh.BubbleHash),
		nullable(sh.ScoreHash), nullable(sh.VerifyHash), nullable(sh.ResultHash),
		sh.ScanBlock, sh.QualityBlock, sh.BubbleBlock, sh.ScoreBlock,
		sh.VerifyBlock, sh.ResultBlock, boolInt(sh.NeedsReconstruction),
		formatTime(sh.CreatedAt), formatTime(sh.UpdatedAt),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSheet(row *sql.Row, ref string) (*domain.Sheet, error) {
	sh, err := scanSheetFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.E(domain.KindNotFound, "sheet %s not found", ref)
		}
		return nil, err
	}
	return sh, nil
}

func scanSheetRow(rows *sql.Rows) (*domain.Sheet, error) {
	return scanSheetFrom(rows)
}

func scanSheetFrom(r rowScanner) (*domain.Sheet, error) {
	var (
		sh                               domain.Sheet
		status                           string
		studentName, objectURL           *string
		scanH, qualityH, bubbleH, scoreH *string
		verifyH, resultH                 *string
		needsReconstruction              int
		createdAt, updatedAt             string
	)
	err := r.Scan(&sh.SheetID, &sh.RollNumber, &sh.ExamID, &studentName,
		&sh.OriginalFileHash, &objectURL, &status, &scanH, &qualityH, &bubbleH,
		&scoreH, &verifyH, &resultH, &sh.ScanBlock, &sh.QualityBlock,
		&sh.BubbleBlock, &sh.ScoreBlock, &sh.VerifyBlock, &sh.ResultBlock,
		&needsReconstruction, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, pfail(err, "scan sheet row")
	}
	sh.Status = domain.SheetStatus(status)
	sh.StudentName = deref(studentName)
	sh.ObjectStoreURL = deref(objectURL)
	sh.ScanHash = deref(scanH)
	sh.QualityHash = deref(qualityH)
	sh.BubbleHash = deref(bubbleH)
	sh.ScoreHash = deref(scoreH)
	sh.VerifyHash = deref(verifyH)
	sh.ResultHash = deref(resultH)
	sh.NeedsReconstruction = needsReconstruction != 0
	sh.CreatedAt = parseTime(createdAt)
	sh.UpdatedAt = parseTime(updatedAt)
	return &sh, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
