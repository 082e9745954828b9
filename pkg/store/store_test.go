package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/ledger"
)

func newMockStore(t *testing.T, dialect Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, dialect), mock
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	got := pg.rebind(`INSERT INTO t (a, b) VALUES (?, ?)`)
	want := `INSERT INTO t (a, b) VALUES ($1, $2)`
	if got != want {
		t.Fatalf("rebind: got %q, want %q", got, want)
	}

	lite := &Store{dialect: DialectSQLite}
	if q := lite.rebind(`SELECT ?`); q != `SELECT ?` {
		t.Fatalf("sqlite must keep ? bindings, got %q", q)
	}
}

func TestOpenSelectsDialect(t *testing.T) {
	s, err := Open("postgres://user:pw@localhost/omr")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.dialect != DialectPostgres {
		t.Fatalf("expected postgres dialect, got %s", s.dialect)
	}

	s2, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if s2.dialect != DialectSQLite {
		t.Fatalf("expected sqlite dialect, got %s", s2.dialect)
	}
}

func TestInsertBlockEncodesPayload(t *testing.T) {
	s, mock := newMockStore(t, DialectSQLite)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO blocks`).
		WithArgs(int64(1), "2026-03-14T09:26:53.000000Z", "scan",
			`{"sheet_id":"S-1"}`, "prev", int64(7), "root", "hash", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	block := &ledger.Block{
		Index:        1,
		Timestamp:    "2026-03-14T09:26:53.000000Z",
		BlockType:    ledger.TypeScan,
		Data:         ledger.PayloadFrom("sheet_id", "S-1"),
		PreviousHash: "prev",
		Nonce:        7,
		MerkleRoot:   "root",
		Hash:         "hash",
	}
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertBlock(context.Background(), block)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadBlocksDecodesPayload(t *testing.T) {
	s, mock := newMockStore(t, DialectSQLite)

	rows := sqlmock.NewRows([]string{
		"idx", "ts", "block_type", "data", "previous_hash", "nonce", "merkle_root", "hash", "signatures",
	}).AddRow(int64(0), "t0", "genesis", `{"message":"hello"}`, "0", int64(0), "r0", "h0", nil).
		AddRow(int64(1), "t1", "scan", `{"sheet_id":"S-1","score":68.0}`, "h0", int64(3), "r1", "h1", nil)
	mock.ExpectQuery(`SELECT .+ FROM blocks ORDER BY idx ASC`).WillReturnRows(rows)

	blocks, err := s.LoadBlocks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[1].Data.GetString("sheet_id") != "S-1" {
		t.Fatal("payload lost sheet_id")
	}
	// json.Number round trip preserves the written number text.
	if blocks[1].Data.GetString("score") != "68.0" {
		t.Fatalf("payload number text changed: %q", blocks[1].Data.GetString("score"))
	}
}

func TestGetSheetNotFound(t *testing.T) {
	s, mock := newMockStore(t, DialectSQLite)
	mock.ExpectQuery(`FROM sheets WHERE sheet_id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"sheet_id"}))

	_, err := s.GetSheet(context.Background(), "missing")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t, DialectSQLite)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(*Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSheetRoundTripAgainstSQLite(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	sheet := &domain.Sheet{
		SheetID:          "S-1",
		RollNumber:       "R-42",
		ExamID:           "EX-1",
		StudentName:      "Asha",
		OriginalFileHash: "filehash",
		Status:           domain.StatusScanned,
		ScanHash:         "scanhash",
		ScanBlock:        1,
		QualityBlock:     -1,
		BubbleBlock:      -1,
		ScoreBlock:       -1,
		VerifyBlock:      -1,
		ResultBlock:      -1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertSheet(ctx, sheet)
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSheet(ctx, "S-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RollNumber != "R-42" || got.Status != domain.StatusScanned || got.ScanBlock != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at changed: %v vs %v", got.CreatedAt, now)
	}

	// Duplicate (roll_number, exam_id) violates the unique index.
	dup := *sheet
	dup.SheetID = "S-2"
	err = s.WithTx(ctx, func(tx *Tx) error { return tx.InsertSheet(ctx, &dup) })
	if !domain.IsKind(err, domain.KindAlreadyExists) {
		t.Fatalf("expected already_exists, got %v", err)
	}

	// Status update and lookup by roll number.
	got.Status = domain.StatusQualityAssessed
	got.QualityHash = "qhash"
	got.QualityBlock = 2
	got.UpdatedAt = now.Add(time.Second)
	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.UpdateSheet(ctx, got) }); err != nil {
		t.Fatal(err)
	}
	byRoll, err := s.GetSheetByRoll(ctx, "R-42", "EX-1")
	if err != nil {
		t.Fatal(err)
	}
	if byRoll.Status != domain.StatusQualityAssessed || byRoll.QualityBlock != 2 {
		t.Fatalf("update lost: %+v", byRoll)
	}

	// Without an exam id the roll resolves while it is unique.
	bare, err := s.GetSheetByRoll(ctx, "R-42", "")
	if err != nil {
		t.Fatal(err)
	}
	if bare.SheetID != "S-1" {
		t.Fatalf("bare roll lookup found %s", bare.SheetID)
	}
	other := *sheet
	other.SheetID = "S-3"
	other.ExamID = "EX-2"
	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertSheet(ctx, &other) }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSheetByRoll(ctx, "R-42", ""); !domain.IsKind(err, domain.KindInvalidState) {
		t.Fatalf("two exams must make the bare roll ambiguous, got %v", err)
	}

	listed, err := s.ListSheets(ctx, domain.StatusQualityAssessed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one quality_assessed sheet, got %d", len(listed))
	}
}

func TestChainPersistAndReplayAgainstSQLite(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	chain, err := ledger.New(1)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range chain.Export() {
		if err := s.InsertBlock(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	// Append through the sink so persistence and chain stay coupled.
	_, err = chain.Append(ctx, ledger.TypeScan,
		ledger.PayloadFrom("sheet_id", "S-1", "file_hash", "abc"),
		func(b *ledger.Block) error {
			return s.WithTx(ctx, func(tx *Tx) error { return tx.InsertBlock(ctx, b) })
		})
	if err != nil {
		t.Fatal(err)
	}

	replayed, err := s.ReplayChain(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if replayed == nil || replayed.Length() != 2 {
		t.Fatalf("replay lost blocks: %+v", replayed)
	}
	if replayed.Latest().Hash != chain.Latest().Hash {
		t.Fatal("replayed head differs from live chain")
	}
	if res := replayed.Validate(); !res.Valid {
		t.Fatalf("replayed chain invalid: %+v", res)
	}
}

func TestReplayChainEmptyTable(t *testing.T) {
	s, mock := newMockStore(t, DialectSQLite)
	mock.ExpectQuery(`SELECT .+ FROM blocks ORDER BY idx ASC`).
		WillReturnRows(sqlmock.NewRows([]string{
			"idx", "ts", "block_type", "data", "previous_hash", "nonce", "merkle_root", "hash", "signatures",
		}))

	chain, err := s.ReplayChain(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	if chain != nil {
		t.Fatal("empty table must yield a nil chain so the caller starts fresh")
	}
}
