package audit

import (
	"encoding/json"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
)

// Report summarizes one sheet's audit trail.
type Report struct {
	SheetID           string         `json:"sheet_id"`
	TotalEvents       int            `json:"total_events"`
	EventTypes        map[string]int `json:"event_types"`
	FirstEvent        string         `json:"first_event,omitempty"`
	LastEvent         string         `json:"last_event,omitempty"`
	BlockHashes       []string       `json:"blockchain_hashes"`
	IntegrityVerified bool           `json:"integrity_verified"`
	CorruptedEntry    string         `json:"corrupted_entry,omitempty"`
	GeneratedAt       string         `json:"generated_at"`
}

// Report builds the audit summary, including an integrity verification of
// every entry hash.
func (l *Logger) Report(sheetID string) (*Report, error) {
	log, err := l.SheetLog(sheetID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		SheetID:     sheetID,
		TotalEvents: len(log.Entries),
		EventTypes:  make(map[string]int),
		BlockHashes: []string{},
		GeneratedAt: l.clock().UTC().Format(time.RFC3339Nano),
	}
	for _, e := range log.Entries {
		r.EventTypes[e.EventType]++
		if e.BlockHash != "" {
			r.BlockHashes = append(r.BlockHashes, e.BlockHash)
		}
	}
	if len(log.Entries) > 0 {
		r.FirstEvent = log.Entries[0].Timestamp
		r.LastEvent = log.Entries[len(log.Entries)-1].Timestamp
	}

	ok, corrupted, err := l.VerifyIntegrity(sheetID)
	if err != nil {
		return nil, err
	}
	r.IntegrityVerified = ok
	r.CorruptedEntry = corrupted
	return r, nil
}

// Export serializes one sheet's log in RFC 8785 canonical form, suitable
// for handing to an external auditor who will re-hash it.
func (l *Logger) Export(sheetID string) ([]byte, error) {
	log, err := l.SheetLog(sheetID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return canonical.TransformRFC8785(raw)
}
