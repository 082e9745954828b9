package domain

import "time"

// Result is the published outcome for one sheet.
type Result struct {
	ResultID       string    `json:"result_id"`
	SheetID        string    `json:"sheet_id"`
	RollNumber     string    `json:"roll_number"`
	TotalQuestions int       `json:"total_questions"`
	Correct        int       `json:"correct_answers"`
	Incorrect      int       `json:"incorrect_answers"`
	Unanswered     int       `json:"unanswered"`
	TotalMarks     float64   `json:"total_marks"`
	Percentage     float64   `json:"percentage"`
	Grade          string    `json:"grade"`
	ResultHash     string    `json:"result_hash"`
	BlockHash      string    `json:"block_hash"`
	ProofHash      string    `json:"proof_hash,omitempty"`
	QRPayload      string    `json:"qr_payload,omitempty"`
	QRCodePNG      string    `json:"qr_code_png,omitempty"` // base64
	PublishedAt    time.Time `json:"published_at"`
}

// RecheckStatus tracks a re-evaluation request.
type RecheckStatus string

const (
	RecheckPending    RecheckStatus = "pending"
	RecheckInProgress RecheckStatus = "in-progress"
	RecheckCompleted  RecheckStatus = "completed"
	RecheckRejected   RecheckStatus = "rejected"
)

// RecheckRequest layers a re-evaluation on a completed sheet. The original
// result is retained; changes are recorded alongside it.
type RecheckRequest struct {
	RequestID   string        `json:"request_id"`
	SheetID     string        `json:"sheet_id"`
	RequestedBy string        `json:"requested_by"`
	Reason      string        `json:"reason"`
	Questions   []string      `json:"questions_to_recheck"`
	Status      RecheckStatus `json:"status"`
	RecheckHash string        `json:"recheck_hash,omitempty"`
	BlockIndex  int64         `json:"block_index"`
	RequestedAt time.Time     `json:"requested_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// PipelineStage is one ordered per-sheet processing record mirroring a
// lifecycle command.
type PipelineStage struct {
	StageID   string    `json:"stage_id"`
	SheetID   string    `json:"sheet_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	BlockHash string    `json:"block_hash,omitempty"`
	StartedAt time.Time `json:"started_at"`
}
