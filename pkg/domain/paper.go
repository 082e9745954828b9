package domain

import (
	"encoding/json"
	"time"
)

// QuestionPaper is an uploaded exam paper anchored on the chain before any
// of its sheets are evaluated.
type QuestionPaper struct {
	PaperID        string    `json:"paper_id"`
	ExamID         string    `json:"exam_id"`
	Subject        string    `json:"subject"`
	Title          string    `json:"title,omitempty"`
	FileHash       string    `json:"file_hash"`
	ObjectStoreURL string    `json:"object_store_url,omitempty"`
	TotalQuestions int       `json:"total_questions"`
	TotalMarks     float64   `json:"total_marks"`
	UploadedBy     string    `json:"uploaded_by"`
	BlockIndex     int64     `json:"block_index"`
	CreatedAt      time.Time `json:"created_at"`
}

// AnswerKeyRecord tracks a key through upload, AI verification and human
// approval. Key holds the raw key document; the evaluation package owns its
// interpretation.
type AnswerKeyRecord struct {
	KeyID            string          `json:"key_id"`
	PaperID          string          `json:"paper_id"`
	ExamID           string          `json:"exam_id"`
	Subject          string          `json:"subject,omitempty"`
	Key              json.RawMessage `json:"key"`
	KeyHash          string          `json:"key_hash"`
	Status           string          `json:"status"`
	AIConfidence     float64         `json:"ai_confidence,omitempty"`
	FlaggedQuestions []int           `json:"flagged_questions,omitempty"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	BlockIndex       int64           `json:"block_index"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
