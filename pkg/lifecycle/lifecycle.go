// Package lifecycle drives answer sheets through the evaluation pipeline.
// Every transition is one public command: it checks the current state
// against an explicit transition table, appends exactly one block, persists
// the relational rows in the same transaction as the block insert, emits an
// audit event, and updates the sheet status. Per-sheet striped locks keep
// commands for one sheet strictly ordered without serializing others.
package lifecycle

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/ai"
	"github.com/scantrust-labs/omrledger/pkg/audit"
	"github.com/scantrust-labs/omrledger/pkg/cache"
	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/objectstore"
	"github.com/scantrust-labs/omrledger/pkg/observability"
	"github.com/scantrust-labs/omrledger/pkg/signature"
	"github.com/scantrust-labs/omrledger/pkg/store"
	"github.com/scantrust-labs/omrledger/pkg/zkp"
)

// Command names one lifecycle transition.
type Command string

const (
	CmdCreateScan     Command = "createScan"
	CmdAssessQuality  Command = "assessQuality"
	CmdReconstruct    Command = "reconstruct"
	CmdCreateBubble   Command = "createBubble"
	CmdCreateScore    Command = "createScore"
	CmdCreateVerify   Command = "createVerify"
	CmdCommitResult   Command = "commitResult"
	CmdRequestRecheck Command = "requestRecheck"
)

// transition is one row of the state table. Commands not listed for the
// sheet's current status are refused with invalid_state.
type transition struct {
	pre   []domain.SheetStatus
	next  domain.SheetStatus
	block ledger.BlockType
}

var transitions = map[Command]transition{
	CmdAssessQuality: {
		pre:   []domain.SheetStatus{domain.StatusScanned},
		next:  domain.StatusQualityAssessed,
		block: ledger.TypeQualityAssessment,
	},
	CmdCreateBubble: {
		pre:   []domain.SheetStatus{domain.StatusQualityAssessed, domain.StatusReconstructed},
		next:  domain.StatusBubbleDetected,
		block: ledger.TypeBubble,
	},
	CmdCreateScore: {
		pre:   []domain.SheetStatus{domain.StatusBubbleDetected},
		next:  domain.StatusScored,
		block: ledger.TypeScore,
	},
	CmdCreateVerify: {
		pre:   []domain.SheetStatus{domain.StatusScored},
		next:  domain.StatusVerified,
		block: ledger.TypeVerify,
	},
	CmdCommitResult: {
		pre:   []domain.SheetStatus{domain.StatusVerified},
		next:  domain.StatusCompleted,
		block: ledger.TypeResult,
	},
	CmdRequestRecheck: {
		pre:   []domain.SheetStatus{domain.StatusCompleted},
		next:  domain.StatusCompleted,
		block: ledger.TypeRecheck,
	},
}

// Config assembles a Machine. Chain, Store, Audit and Keyring are
// required; the rest default to sensible stand-ins.
type Config struct {
	Chain    *ledger.Chain
	Store    *store.Store
	Audit    *audit.Logger
	Keyring  *signature.Keyring
	Proofs   *zkp.Engine
	Provider ai.Provider
	Objects  objectstore.Store
	Results  *cache.ResultCache
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// VerifyURLBase prefixes the public result-verification link embedded
	// in QR payloads, e.g. "https://results.example.org/verify".
	VerifyURLBase string
}

const lockStripes = 64

// Machine executes lifecycle commands.
type Machine struct {
	chain    *ledger.Chain
	store    *store.Store
	audit    *audit.Logger
	keyring  *signature.Keyring
	proofs   *zkp.Engine
	provider ai.Provider
	objects  objectstore.Store
	results  *cache.ResultCache
	metrics  *observability.Metrics
	logger   *slog.Logger

	verifyURLBase string
	clock         func() time.Time
	locks         [lockStripes]sync.Mutex
}

// New validates the wiring and returns a ready machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Chain == nil || cfg.Store == nil || cfg.Audit == nil || cfg.Keyring == nil {
		return nil, domain.E(domain.KindInvalidState, "lifecycle requires chain, store, audit and keyring")
	}
	m := &Machine{
		chain:         cfg.Chain,
		store:         cfg.Store,
		audit:         cfg.Audit,
		keyring:       cfg.Keyring,
		proofs:        cfg.Proofs,
		provider:      cfg.Provider,
		objects:       cfg.Objects,
		results:       cfg.Results,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		verifyURLBase: cfg.VerifyURLBase,
		clock:         time.Now,
	}
	if m.proofs == nil {
		m.proofs = zkp.NewEngine()
	}
	if m.provider == nil {
		m.provider = ai.NewMock()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// WithClock overrides the clock for testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

func (m *Machine) lock(sheetID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sheetID))
	return &m.locks[h.Sum32()%lockStripes]
}

// guard checks the transition table against the sheet's current status.
// Rejected sheets answer with quality_rejected so callers can distinguish
// the blocked-pending-intervention case from plain ordering mistakes.
func guard(sh *domain.Sheet, cmd Command) error {
	if sh.Status == domain.StatusQualityRejected {
		return domain.E(domain.KindQualityRejected,
			"sheet %s is quality-rejected; resolve the pending intervention first", sh.SheetID)
	}
	if sh.Status == domain.StatusRescanRequested {
		return domain.E(domain.KindInvalidState, "sheet %s awaits a rescan", sh.SheetID)
	}
	tr, ok := transitions[cmd]
	if !ok {
		return domain.E(domain.KindInvalidState, "unknown command %q", cmd)
	}
	for _, pre := range tr.pre {
		if sh.Status == pre {
			return nil
		}
	}
	return domain.E(domain.KindInvalidState,
		"command %s not allowed in state %q for sheet %s", cmd, sh.Status, sh.SheetID)
}

// loadSheet fetches the sheet or reports not_found.
func (m *Machine) loadSheet(ctx context.Context, sheetID string) (*domain.Sheet, error) {
	return m.store.GetSheet(ctx, sheetID)
}

// appendBlock mines and appends one block whose relational rows are
// written by persist inside the same transaction as the block insert. The
// chain rolls the block back if persist fails. Signatures, when present,
// ride alongside the block and are attached before the insert; they are
// not part of the block hash.
func (m *Machine) appendBlock(ctx context.Context, blockType ledger.BlockType, payload *ledger.Payload, sigs []signature.Signature, persist func(tx *store.Tx, b *ledger.Block) error) (*ledger.Block, error) {
	started := m.clock()
	b, err := m.chain.Append(ctx, blockType, payload, func(b *ledger.Block) error {
		b.Signatures = sigs
		return m.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.InsertBlock(ctx, b); err != nil {
				return err
			}
			if persist == nil {
				return nil
			}
			return persist(tx, b)
		})
	})
	if err != nil {
		m.metrics.RecordAppendFailure(ctx, string(blockType), string(domain.KindOf(err)))
		return nil, err
	}
	m.metrics.RecordAppend(ctx, string(blockType), m.clock().Sub(started))
	return b, nil
}

// auditEvent records the command on the audit trail. Audit failures never
// undo an already-committed block; they are logged and surfaced to ops via
// the log stream instead.
func (m *Machine) auditEvent(sheetID, eventType string, data map[string]interface{}, blockHash, actor string) {
	_, err := m.audit.Append(audit.Record{
		SheetID:   sheetID,
		EventType: eventType,
		EventData: data,
		BlockHash: blockHash,
		Actor:     actor,
	})
	if err != nil {
		m.logger.Error("audit append failed",
			"sheet_id", sheetID, "event_type", eventType, "error", err)
	}
}

// stageRow builds the pipeline stage record for one command.
func (m *Machine) stageRow(sheetID string, cmd Command, blockHash string) *domain.PipelineStage {
	return &domain.PipelineStage{
		StageID:   newID(),
		SheetID:   sheetID,
		Stage:     string(cmd),
		Status:    "completed",
		BlockHash: blockHash,
		StartedAt: m.clock().UTC(),
	}
}
