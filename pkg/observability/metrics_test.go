package observability

import (
	"context"
	"testing"
	"time"
)

func TestNewRegistersInstruments(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatal(err)
	}
	// No meter provider is configured in tests; all instruments are
	// no-ops and recording must not panic.
	ctx := context.Background()
	m.RecordAppend(ctx, "scan", 12*time.Millisecond)
	m.RecordAppendFailure(ctx, "scan", "persistence_failed")
	m.RecordRequest(ctx, "/api/scan/create", 200, 3*time.Millisecond)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordAppend(context.Background(), "scan", 0)
	m.RecordAppendFailure(context.Background(), "scan", "x")
	m.RecordRequest(context.Background(), "/", 500, 0)
}
