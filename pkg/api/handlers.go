package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/evaluation"
	"github.com/scantrust-labs/omrledger/pkg/lifecycle"
)

const maxBodyBytes = 16 << 20 // scans and papers ride base64 in the body

// decode reads a JSON body into v with the size cap applied.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// decodeImage accepts an optional base64 field.
func decodeImage(w http.ResponseWriter, b64 string) ([]byte, bool) {
	if b64 == "" {
		return nil, true
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		WriteBadRequest(w, "image_b64 is not valid base64")
		return nil, false
	}
	return img, true
}

type scanRequest struct {
	SheetID     string `json:"sheet_id"`
	RollNumber  string `json:"roll_number"`
	ExamID      string `json:"exam_id"`
	StudentName string `json:"student_name,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ImageB64    string `json:"image_b64,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

func (s *Server) handleScanCreate(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decode(w, r, &req) {
		return
	}
	img, ok := decodeImage(w, req.ImageB64)
	if !ok {
		return
	}

	block, sheet, err := s.machine.CreateScan(r.Context(), lifecycle.ScanInput{
		SheetID:     req.SheetID,
		RollNumber:  req.RollNumber,
		ExamID:      req.ExamID,
		StudentName: req.StudentName,
		FileHash:    req.FileHash,
		FileName:    req.FileName,
		Image:       img,
		Actor:       req.Actor,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sheet":       sheet,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

type qualityRequest struct {
	SheetID    string          `json:"sheet_id"`
	Assessment json.RawMessage `json:"assessment,omitempty"`
	ImageB64   string          `json:"image_b64,omitempty"`
	Actor      string          `json:"actor,omitempty"`
}

// handleQualityAssess records a quality verdict. With an explicit
// assessment in the body it is applied as-is; otherwise the image is run
// through the damage detection provider.
func (s *Server) handleQualityAssess(w http.ResponseWriter, r *http.Request) {
	var req qualityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SheetID == "" {
		WriteBadRequest(w, "Missing required field: sheet_id")
		return
	}

	var out *lifecycle.QualityOutcome
	var err error
	switch {
	case len(req.Assessment) > 0:
		in, derr := domain.DecodeQualityInput(req.Assessment)
		if derr != nil {
			WriteBadRequest(w, "Malformed assessment document")
			return
		}
		out, err = s.machine.AssessQuality(r.Context(), req.SheetID, *in, req.Actor)
	case req.ImageB64 != "":
		img, ok := decodeImage(w, req.ImageB64)
		if !ok {
			return
		}
		out, err = s.machine.DetectQuality(r.Context(), req.SheetID, img, req.Actor)
	default:
		WriteBadRequest(w, "Provide either an assessment or an image_b64 to assess")
		return
	}
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

type reconstructRequest struct {
	SheetID  string `json:"sheet_id"`
	ImageB64 string `json:"image_b64"`
	Actor    string `json:"actor,omitempty"`
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	var req reconstructRequest
	if !decode(w, r, &req) {
		return
	}
	img, ok := decodeImage(w, req.ImageB64)
	if !ok {
		return
	}
	approved, err := s.machine.Reconstruct(r.Context(), req.SheetID, img, req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sheet_id": req.SheetID,
		"approved": approved,
	})
}

func (s *Server) handleBubbleCreate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.BubbleInput
	if !decode(w, r, &req) {
		return
	}
	block, err := s.machine.CreateBubble(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sheet_id":    req.SheetID,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

func (s *Server) handleScoreCreate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ScoreInput
	if !decode(w, r, &req) {
		return
	}
	block, err := s.machine.CreateScore(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sheet_id":    req.SheetID,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

type verifyRequest struct {
	SheetID    string                       `json:"sheet_id"`
	Signatures []lifecycle.SignerSubmission `json:"signatures"`
	Actor      string                       `json:"actor,omitempty"`
}

func (s *Server) handleVerifyCreate(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	block, err := s.machine.CreateVerify(r.Context(), req.SheetID, req.Signatures, req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sheet_id":    req.SheetID,
		"block_index": block.Index,
		"block_hash":  block.Hash,
		"signatures":  len(block.Signatures),
	})
}

type commitRequest struct {
	SheetID    string                 `json:"sheet_id"`
	Evaluation *evaluation.Evaluation `json:"evaluation"`
	Actor      string                 `json:"actor,omitempty"`
}

func (s *Server) handleResultCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decode(w, r, &req) {
		return
	}
	result, block, err := s.machine.CommitResult(r.Context(), lifecycle.CommitInput{
		SheetID: req.SheetID,
		Eval:    req.Evaluation,
		Actor:   req.Actor,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"result":      result,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

func (s *Server) handleRecheckCreate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.RecheckInput
	if !decode(w, r, &req) {
		return
	}
	block, recheck, err := s.machine.RequestRecheck(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"recheck":     recheck,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

type recheckCompleteRequest struct {
	SheetID   string `json:"sheet_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Actor     string `json:"actor,omitempty"`
}

func (s *Server) handleRecheckComplete(w http.ResponseWriter, r *http.Request) {
	var req recheckCompleteRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.machine.CompleteRecheck(r.Context(), req.SheetID, req.RequestID,
		domain.RecheckStatus(req.Status), req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": req.RequestID,
		"status":     req.Status,
	})
}

// handleResultLookup resolves a published result. exam_id is optional;
// without it the roll number must be unambiguous across exams.
func (s *Server) handleResultLookup(w http.ResponseWriter, r *http.Request) {
	roll := r.PathValue("roll")
	examID := r.URL.Query().Get("exam_id")
	result, err := s.machine.LookupResult(r.Context(), roll, examID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleResultVerify(w http.ResponseWriter, r *http.Request) {
	roll := r.PathValue("roll")
	examID := r.URL.Query().Get("exam_id")
	sheet, err := s.store.GetSheetByRoll(r.Context(), roll, examID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	ok, err := s.machine.VerifyResult(r.Context(), sheet.SheetID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"roll_number": roll,
		"sheet_id":    sheet.SheetID,
		"verified":    ok,
		"result_hash": sheet.ResultHash,
	})
}

func (s *Server) handleChainStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.chain.Stats())
}

func (s *Server) handleChainValidate(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.chain.Validate())
}

func (s *Server) handleChainBlock(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseInt(r.PathValue("index"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "Block index must be an integer")
		return
	}
	block, err := s.chain.Get(index)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, block)
}

func (s *Server) handleChainExport(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"blocks": s.chain.Export(),
	})
}

func (s *Server) handleChainProof(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseInt(r.PathValue("index"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "Block index must be an integer")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		WriteBadRequest(w, "Missing required query parameter: key")
		return
	}
	proof, err := s.chain.Proof(index, key)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, proof)
}

func (s *Server) handleSheetGet(w http.ResponseWriter, r *http.Request) {
	sheetID := r.PathValue("sheet_id")
	sheet, err := s.store.GetSheet(r.Context(), sheetID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	stages, err := s.store.StagesForSheet(r.Context(), sheetID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sheet":  sheet,
		"stages": stages,
	})
}

// handleAuditReport serves the sheet's audit timeline with its integrity
// verdict and the chain blocks the entries anchor to.
func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	sheetID := r.PathValue("sheet_id")
	timeline, err := s.audit.Timeline(sheetID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	intact, brokenAt, err := s.audit.VerifyIntegrity(sheetID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sheet_id":     sheetID,
		"entries":      timeline,
		"entry_count":  len(timeline),
		"intact":       intact,
		"broken_entry": brokenAt,
		"chain_blocks": len(s.chain.FindBySheet(sheetID)),
	})
}

// handleAuditExport serves the canonical-form log document so an external
// auditor can re-hash it.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	raw, err := s.audit.Export(r.PathValue("sheet_id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type paperRequest struct {
	ExamID         string  `json:"exam_id"`
	Subject        string  `json:"subject"`
	Title          string  `json:"title,omitempty"`
	TotalQuestions int     `json:"total_questions"`
	TotalMarks     float64 `json:"total_marks"`
	FileB64        string  `json:"file_b64"`
	FileName       string  `json:"file_name,omitempty"`
	UploadedBy     string  `json:"uploaded_by"`
}

func (s *Server) handlePaperUpload(w http.ResponseWriter, r *http.Request) {
	var req paperRequest
	if !decode(w, r, &req) {
		return
	}
	file, ok := decodeImage(w, req.FileB64)
	if !ok {
		return
	}
	paper, block, err := s.machine.UploadQuestionPaper(r.Context(), lifecycle.PaperInput{
		ExamID:         req.ExamID,
		Subject:        req.Subject,
		Title:          req.Title,
		TotalQuestions: req.TotalQuestions,
		TotalMarks:     req.TotalMarks,
		File:           file,
		FileName:       req.FileName,
		UploadedBy:     req.UploadedBy,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"paper":       paper,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

type keyUploadRequest struct {
	PaperID string          `json:"paper_id"`
	Key     json.RawMessage `json:"key"`
	Actor   string          `json:"actor,omitempty"`
}

func (s *Server) handleKeyUpload(w http.ResponseWriter, r *http.Request) {
	var req keyUploadRequest
	if !decode(w, r, &req) {
		return
	}
	record, err := s.machine.UploadAnswerKey(r.Context(), req.PaperID, req.Key, req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

type keyActionRequest struct {
	KeyID       string                         `json:"key_id"`
	Corrections map[string]evaluation.KeyEntry `json:"corrections,omitempty"`
	Actor       string                         `json:"actor,omitempty"`
}

func (s *Server) handleKeyVerify(w http.ResponseWriter, r *http.Request) {
	var req keyActionRequest
	if !decode(w, r, &req) {
		return
	}
	record, block, err := s.machine.VerifyAnswerKey(r.Context(), req.KeyID, req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"key":         record,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

func (s *Server) handleKeyApprove(w http.ResponseWriter, r *http.Request) {
	var req keyActionRequest
	if !decode(w, r, &req) {
		return
	}
	record, block, err := s.machine.ApproveAnswerKey(r.Context(), req.KeyID, req.Corrections, req.Actor)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"key":         record,
		"block_index": block.Index,
		"block_hash":  block.Hash,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.EvaluateInput
	if !decode(w, r, &req) {
		return
	}
	out, err := s.machine.Evaluate(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleInterventionList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	pending, err := s.machine.PendingInterventions(r.Context(), limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"interventions": pending,
		"count":         len(pending),
	})
}

func (s *Server) handleInterventionResolve(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ResolveInput
	if !decode(w, r, &req) {
		return
	}
	block, err := s.machine.ResolveIntervention(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"intervention_id": req.InterventionID,
		"block_index":     block.Index,
		"block_hash":      block.Hash,
	})
}
