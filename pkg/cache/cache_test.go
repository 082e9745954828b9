package cache

import (
	"context"
	"testing"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// liveCache connects to a local Redis and skips when none is running.
func liveCache(t *testing.T) *ResultCache {
	t.Helper()
	c := New("localhost:6379", "", 15)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	return c
}

func TestKeys(t *testing.T) {
	if got := sheetKey("S-1"); got != "result:sheet:S-1" {
		t.Fatalf("unexpected sheet key %q", got)
	}
	if got := rollKey("R-42", "EX-1"); got != "result:roll:R-42:EX-1" {
		t.Fatalf("unexpected roll key %q", got)
	}
}

func TestPutGetInvalidate(t *testing.T) {
	c := liveCache(t).WithTTL(time.Minute)
	ctx := context.Background()

	r := &domain.Result{
		ResultID:   "res-1",
		SheetID:    "S-cache-1",
		RollNumber: "R-cache-42",
		TotalMarks: 68,
		Grade:      "B",
		ResultHash: "hash",
	}
	if err := c.Put(ctx, "EX-1", r); err != nil {
		t.Fatal(err)
	}

	bySheet, err := c.GetBySheet(ctx, "S-cache-1")
	if err != nil {
		t.Fatal(err)
	}
	if bySheet == nil || bySheet.Grade != "B" {
		t.Fatalf("cache lost result: %+v", bySheet)
	}

	byRoll, err := c.GetByRoll(ctx, "R-cache-42", "EX-1")
	if err != nil {
		t.Fatal(err)
	}
	if byRoll == nil || byRoll.ResultID != "res-1" {
		t.Fatalf("roll lookup failed: %+v", byRoll)
	}

	if err := c.Invalidate(ctx, "EX-1", r); err != nil {
		t.Fatal(err)
	}
	gone, err := c.GetBySheet(ctx, "S-cache-1")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Fatal("invalidated entry still cached")
	}
}

func TestGetMissReturnsNil(t *testing.T) {
	c := liveCache(t)
	got, err := c.GetBySheet(context.Background(), "never-stored")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("miss must be (nil, nil), got %+v", got)
	}
}
