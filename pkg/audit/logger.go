// Package audit maintains the append-only JSON evidence trail: one log
// file per sheet plus a master log across all sheets. Every entry carries
// an event hash so later mutation of a log file is detectable.
package audit

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
)

const masterLogName = "master_log.json"

// Entry is one audit record. EventHash covers the sheet, event type, event
// data and timestamp through the canonical JSON routine.
type Entry struct {
	LogID     string                 `json:"log_id"`
	SheetID   string                 `json:"sheet_id"`
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data"`
	BlockHash string                 `json:"blockchain_hash,omitempty"`
	Actor     string                 `json:"actor"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp string                 `json:"timestamp"`
	EventHash string                 `json:"event_hash"`
}

// SheetLog is the on-disk document for one sheet.
type SheetLog struct {
	SheetID    string  `json:"sheet_id"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	EntryCount int     `json:"entry_count"`
	Entries    []Entry `json:"entries"`
}

// MasterLog mirrors every entry across all sheets.
type MasterLog struct {
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	EntryCount int     `json:"entry_count"`
	Entries    []Entry `json:"entries"`
}

// Record is the caller-supplied part of an entry.
type Record struct {
	SheetID   string
	EventType string
	EventData map[string]interface{}
	BlockHash string
	Actor     string
	Metadata  map[string]interface{}
}

const lockStripes = 32

// Logger writes and reads the audit trail. Sheet files are guarded by
// striped locks so unrelated sheets do not serialize; the master log has
// its own lock.
type Logger struct {
	dir      string
	stripes  [lockStripes]sync.Mutex
	masterMu sync.Mutex
	clock    func() time.Time
}

// NewLogger creates the log directory if needed.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.Wrap(domain.KindPersistenceFailed, err, "audit directory %s", dir)
	}
	return &Logger{dir: dir, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

func (l *Logger) sheetPath(sheetID string) string {
	return filepath.Join(l.dir, sheetID+".json")
}

func (l *Logger) masterPath() string {
	return filepath.Join(l.dir, masterLogName)
}

func (l *Logger) stripe(sheetID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sheetID))
	return &l.stripes[h.Sum32()%lockStripes]
}

// Append records an event in the sheet log and the master log. The entry
// hash is computed before the write so verification can recompute it from
// the stored fields alone.
func (l *Logger) Append(rec Record) (*Entry, error) {
	if rec.SheetID == "" || rec.EventType == "" {
		return nil, domain.E(domain.KindInvalidState, "audit entry needs sheet_id and event_type")
	}
	if rec.Actor == "" {
		rec.Actor = "system"
	}
	if rec.EventData == nil {
		rec.EventData = map[string]interface{}{}
	}

	now := l.clock().UTC().Format(time.RFC3339Nano)
	eventHash, err := canonical.Hash(map[string]interface{}{
		"sheet_id":   rec.SheetID,
		"event_type": rec.EventType,
		"event_data": rec.EventData,
		"timestamp":  now,
	})
	if err != nil {
		return nil, err
	}
	entry := Entry{
		LogID:     uuid.New().String(),
		SheetID:   rec.SheetID,
		EventType: rec.EventType,
		EventData: rec.EventData,
		BlockHash: rec.BlockHash,
		Actor:     rec.Actor,
		Metadata:  rec.Metadata,
		Timestamp: now,
		EventHash: eventHash,
	}

	mu := l.stripe(rec.SheetID)
	mu.Lock()
	err = l.appendSheet(rec.SheetID, entry, now)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	l.masterMu.Lock()
	err = l.appendMaster(entry, now)
	l.masterMu.Unlock()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (l *Logger) appendSheet(sheetID string, entry Entry, now string) error {
	path := l.sheetPath(sheetID)
	var log SheetLog
	if err := readJSON(path, &log); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		log = SheetLog{SheetID: sheetID, CreatedAt: now}
	}
	log.Entries = append(log.Entries, entry)
	log.UpdatedAt = now
	log.EntryCount = len(log.Entries)
	return writeJSONAtomic(path, &log)
}

func (l *Logger) appendMaster(entry Entry, now string) error {
	path := l.masterPath()
	var log MasterLog
	if err := readJSON(path, &log); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		log = MasterLog{CreatedAt: now}
	}
	log.Entries = append(log.Entries, entry)
	log.UpdatedAt = now
	log.EntryCount = len(log.Entries)
	return writeJSONAtomic(path, &log)
}

// SheetLog loads the full log document for one sheet.
func (l *Logger) SheetLog(sheetID string) (*SheetLog, error) {
	mu := l.stripe(sheetID)
	mu.Lock()
	defer mu.Unlock()

	var log SheetLog
	if err := readJSON(l.sheetPath(sheetID), &log); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.E(domain.KindNotFound, "no audit log for sheet %s", sheetID)
		}
		return nil, err
	}
	return &log, nil
}

// Timeline returns the sheet's entries in timestamp order.
func (l *Logger) Timeline(sheetID string) ([]Entry, error) {
	log, err := l.SheetLog(sheetID)
	if err != nil {
		return nil, err
	}
	entries := append([]Entry(nil), log.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
	return entries, nil
}

// ByType filters one sheet's entries by event type.
func (l *Logger) ByType(sheetID, eventType string) ([]Entry, error) {
	log, err := l.SheetLog(sheetID)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range log.Entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByBlockHash searches the master log for entries tied to a chain block.
func (l *Logger) ByBlockHash(blockHash string) ([]Entry, error) {
	l.masterMu.Lock()
	defer l.masterMu.Unlock()

	var log MasterLog
	if err := readJSON(l.masterPath(), &log); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, e := range log.Entries {
		if e.BlockHash == blockHash {
			out = append(out, e)
		}
	}
	return out, nil
}

// VerifyIntegrity recomputes every entry hash in the sheet log. It returns
// the log id of the first corrupted entry, or "" when the log is intact.
func (l *Logger) VerifyIntegrity(sheetID string) (bool, string, error) {
	log, err := l.SheetLog(sheetID)
	if err != nil {
		return false, "", err
	}
	for _, e := range log.Entries {
		expected, err := canonical.Hash(map[string]interface{}{
			"sheet_id":   e.SheetID,
			"event_type": e.EventType,
			"event_data": e.EventData,
			"timestamp":  e.Timestamp,
		})
		if err != nil {
			return false, e.LogID, err
		}
		if expected != e.EventHash {
			return false, e.LogID, nil
		}
	}
	return true, "", nil
}

func readJSON(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.Wrap(domain.KindPersistenceFailed, err, "corrupt audit file %s", path)
	}
	return nil
}

// writeJSONAtomic writes to a temp file in the same directory and renames
// it over the target, so readers never observe a partial document.
func writeJSONAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".audit-*")
	if err != nil {
		return domain.Wrap(domain.KindPersistenceFailed, err, "audit temp file for %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.Wrap(domain.KindPersistenceFailed, err, "audit write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.Wrap(domain.KindPersistenceFailed, err, "audit close %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return domain.Wrap(domain.KindPersistenceFailed, err, "audit replace %s", path)
	}
	return nil
}
