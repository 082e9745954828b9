package domain

import "time"

// SheetStatus is the lifecycle state of an answer sheet.
type SheetStatus string

const (
	StatusUploaded        SheetStatus = "uploaded"
	StatusScanned         SheetStatus = "scanned"
	StatusQualityAssessed SheetStatus = "quality_assessed"
	StatusQualityRejected SheetStatus = "quality_rejected"
	StatusReconstructed   SheetStatus = "reconstructed_approved"
	StatusBubbleDetected  SheetStatus = "bubble_detected"
	StatusScored          SheetStatus = "scored"
	StatusVerified        SheetStatus = "verified"
	StatusCompleted       SheetStatus = "completed"
	StatusRescanRequested SheetStatus = "rescan_requested"
)

// Terminal reports whether no further lifecycle command may advance the
// sheet. Completed sheets are not terminal: they still accept rechecks.
func (s SheetStatus) Terminal() bool {
	return s == StatusQualityRejected || s == StatusRescanRequested
}

// Sheet is the lifecycle record for one answer sheet. Created by createScan,
// mutated only by the state machine, never deleted.
type Sheet struct {
	SheetID          string      `json:"sheet_id"`
	RollNumber       string      `json:"roll_number"`
	ExamID           string      `json:"exam_id"`
	StudentName      string      `json:"student_name,omitempty"`
	OriginalFileHash string      `json:"original_file_hash"`
	ObjectStoreURL   string      `json:"object_store_url,omitempty"`
	Status           SheetStatus `json:"status"`

	// Per-stage content hashes, used for idempotency and the lifecycle hash.
	ScanHash    string `json:"scan_hash,omitempty"`
	QualityHash string `json:"quality_hash,omitempty"`
	BubbleHash  string `json:"bubble_hash,omitempty"`
	ScoreHash   string `json:"score_hash,omitempty"`
	VerifyHash  string `json:"verify_hash,omitempty"`
	ResultHash  string `json:"result_hash,omitempty"`

	// Chain references (block indexes; -1 when absent).
	ScanBlock    int64 `json:"scan_block"`
	QualityBlock int64 `json:"quality_block"`
	BubbleBlock  int64 `json:"bubble_block"`
	ScoreBlock   int64 `json:"score_block"`
	VerifyBlock  int64 `json:"verify_block"`
	ResultBlock  int64 `json:"result_block"`

	// Sub-flag set by a quality assessment that found recoverable damage.
	NeedsReconstruction bool `json:"needs_reconstruction,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageHash returns the stored content hash for a named stage, or "".
func (s *Sheet) StageHash(stage string) string {
	switch stage {
	case "scan":
		return s.ScanHash
	case "quality_assessment":
		return s.QualityHash
	case "bubble":
		return s.BubbleHash
	case "score":
		return s.ScoreHash
	case "verify":
		return s.VerifyHash
	case "result":
		return s.ResultHash
	}
	return ""
}
