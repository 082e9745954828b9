package api

import (
	"log/slog"
	"net/http"

	"github.com/scantrust-labs/omrledger/pkg/audit"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/lifecycle"
	"github.com/scantrust-labs/omrledger/pkg/observability"
	"github.com/scantrust-labs/omrledger/pkg/store"
)

// Server wires the lifecycle machine and its read models into HTTP routes.
type Server struct {
	machine *lifecycle.Machine
	chain   *ledger.Chain
	store   *store.Store
	audit   *audit.Logger

	tokens  *TokenValidator
	limiter *GlobalRateLimiter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Options configures the optional server collaborators.
type Options struct {
	// TokenSecret signs operator tokens; empty disables the protected
	// endpoints (fail closed).
	TokenSecret string
	// RateRPS and RateBurst bound per-client traffic. Zero disables
	// rate limiting.
	RateRPS   int
	RateBurst int
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// NewServer builds the route table around a lifecycle machine.
func NewServer(m *lifecycle.Machine, chain *ledger.Chain, st *store.Store, log *audit.Logger, opts Options) *Server {
	s := &Server{
		machine: m,
		chain:   chain,
		store:   st,
		audit:   log,
		tokens:  NewTokenValidator(opts.TokenSecret),
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.RateRPS > 0 {
		s.limiter = NewGlobalRateLimiter(opts.RateRPS, opts.RateBurst)
	}
	return s
}

// Tokens exposes the validator so the binary can mint operator tokens.
func (s *Server) Tokens() *TokenValidator { return s.tokens }

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Pipeline commands.
	mux.HandleFunc("POST /api/scan/create", s.handleScanCreate)
	mux.HandleFunc("POST /api/quality/assess", s.handleQualityAssess)
	mux.HandleFunc("POST /api/reconstruct", s.handleReconstruct)
	mux.HandleFunc("POST /api/bubble/create", s.handleBubbleCreate)
	mux.HandleFunc("POST /api/score/create", s.handleScoreCreate)
	mux.HandleFunc("POST /api/verify/create", s.handleVerifyCreate)
	mux.HandleFunc("POST /api/result/commit", s.handleResultCommit)
	mux.HandleFunc("POST /api/recheck/create", s.handleRecheckCreate)
	mux.HandleFunc("POST /api/recheck/complete", RequireOperator(s.tokens, s.handleRecheckComplete))

	// Published results.
	mux.HandleFunc("GET /api/result/{roll}", s.handleResultLookup)
	mux.HandleFunc("GET /api/result/{roll}/verify", s.handleResultVerify)

	// Chain inspection.
	mux.HandleFunc("GET /api/blockchain/stats", s.handleChainStats)
	mux.HandleFunc("GET /api/blockchain/validate", s.handleChainValidate)
	mux.HandleFunc("GET /api/blockchain/block/{index}", s.handleChainBlock)
	mux.HandleFunc("GET /api/blockchain/export", s.handleChainExport)
	mux.HandleFunc("GET /api/blockchain/proof/{index}", s.handleChainProof)

	// Sheets and audit.
	mux.HandleFunc("GET /api/sheet/{sheet_id}", s.handleSheetGet)
	mux.HandleFunc("GET /api/audit/{sheet_id}/report", s.handleAuditReport)
	mux.HandleFunc("GET /api/audit/{sheet_id}/export", s.handleAuditExport)

	// Answer keys and evaluation.
	mux.HandleFunc("POST /api/paper/upload", s.handlePaperUpload)
	mux.HandleFunc("POST /api/key/upload", s.handleKeyUpload)
	mux.HandleFunc("POST /api/key/verify", s.handleKeyVerify)
	mux.HandleFunc("POST /api/key/approve", RequireOperator(s.tokens, s.handleKeyApprove))
	mux.HandleFunc("POST /api/evaluate", s.handleEvaluate)

	// Operator queue.
	mux.HandleFunc("GET /api/interventions", RequireOperator(s.tokens, s.handleInterventionList))
	mux.HandleFunc("POST /api/interventions/resolve", RequireOperator(s.tokens, s.handleInterventionResolve))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return RequestLogger(s.logger, s.metrics)(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"blocks": s.chain.Length(),
	})
}
