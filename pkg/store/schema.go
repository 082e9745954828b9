package store

import "context"

// migrations are dialect-neutral: TEXT/INTEGER/REAL types and ? bindings
// work on both postgres and sqlite.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		idx            BIGINT PRIMARY KEY,
		ts             TEXT NOT NULL,
		block_type     TEXT NOT NULL,
		data           TEXT NOT NULL,
		previous_hash  TEXT NOT NULL,
		nonce          BIGINT NOT NULL,
		merkle_root    TEXT NOT NULL,
		hash           TEXT NOT NULL,
		signatures     TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS blocks_hash ON blocks (hash)`,
	`CREATE INDEX IF NOT EXISTS blocks_type ON blocks (block_type)`,

	`CREATE TABLE IF NOT EXISTS sheets (
		sheet_id            TEXT PRIMARY KEY,
		roll_number         TEXT NOT NULL,
		exam_id             TEXT NOT NULL,
		student_name        TEXT,
		original_file_hash  TEXT NOT NULL,
		object_store_url    TEXT,
		status              TEXT NOT NULL,
		scan_hash           TEXT,
		quality_hash        TEXT,
		bubble_hash         TEXT,
		score_hash          TEXT,
		verify_hash         TEXT,
		result_hash         TEXT,
		scan_block          BIGINT NOT NULL DEFAULT -1,
		quality_block       BIGINT NOT NULL DEFAULT -1,
		bubble_block        BIGINT NOT NULL DEFAULT -1,
		score_block         BIGINT NOT NULL DEFAULT -1,
		verify_block        BIGINT NOT NULL DEFAULT -1,
		result_block        BIGINT NOT NULL DEFAULT -1,
		needs_reconstruction INTEGER NOT NULL DEFAULT 0,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sheets_roll_exam ON sheets (roll_number, exam_id)`,
	`CREATE INDEX IF NOT EXISTS sheets_status ON sheets (status)`,

	`CREATE TABLE IF NOT EXISTS signatures (
		signature_id     TEXT PRIMARY KEY,
		sheet_id         TEXT NOT NULL REFERENCES sheets (sheet_id),
		attempt          INTEGER NOT NULL,
		signer_type      TEXT NOT NULL,
		signer_key       TEXT NOT NULL,
		signed_data_hash TEXT NOT NULL,
		signature_hash   TEXT NOT NULL,
		status           TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		signed_at        TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS signatures_one_per_signer
		ON signatures (sheet_id, attempt, signer_type)`,

	`CREATE TABLE IF NOT EXISTS results (
		result_id       TEXT PRIMARY KEY,
		sheet_id        TEXT NOT NULL REFERENCES sheets (sheet_id),
		roll_number     TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		correct         INTEGER NOT NULL,
		incorrect       INTEGER NOT NULL,
		unanswered      INTEGER NOT NULL,
		total_marks     REAL NOT NULL,
		percentage      REAL NOT NULL,
		grade           TEXT NOT NULL,
		result_hash     TEXT NOT NULL,
		block_hash      TEXT NOT NULL,
		proof_hash      TEXT,
		qr_payload      TEXT,
		qr_code_png     TEXT,
		published_at    TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS results_sheet ON results (sheet_id)`,

	`CREATE TABLE IF NOT EXISTS recheck_requests (
		request_id   TEXT PRIMARY KEY,
		sheet_id     TEXT NOT NULL REFERENCES sheets (sheet_id),
		requested_by TEXT NOT NULL,
		reason       TEXT NOT NULL,
		questions    TEXT,
		status       TEXT NOT NULL,
		recheck_hash TEXT,
		block_index  BIGINT NOT NULL DEFAULT -1,
		requested_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS recheck_sheet ON recheck_requests (sheet_id)`,

	`CREATE TABLE IF NOT EXISTS question_papers (
		paper_id         TEXT PRIMARY KEY,
		exam_id          TEXT NOT NULL,
		subject          TEXT NOT NULL,
		title            TEXT,
		file_hash        TEXT NOT NULL,
		object_store_url TEXT,
		total_questions  INTEGER NOT NULL,
		total_marks      REAL NOT NULL,
		uploaded_by      TEXT NOT NULL,
		block_index      BIGINT NOT NULL DEFAULT -1,
		created_at       TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS answer_keys (
		key_id            TEXT PRIMARY KEY,
		paper_id          TEXT NOT NULL REFERENCES question_papers (paper_id),
		exam_id           TEXT NOT NULL,
		subject           TEXT,
		key_json          TEXT NOT NULL,
		key_hash          TEXT NOT NULL,
		status            TEXT NOT NULL,
		ai_confidence     REAL,
		flagged_questions TEXT,
		approved_by       TEXT,
		block_index       BIGINT NOT NULL DEFAULT -1,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS answer_keys_paper ON answer_keys (paper_id)`,

	`CREATE TABLE IF NOT EXISTS quality_assessments (
		assessment_id TEXT PRIMARY KEY,
		sheet_id      TEXT NOT NULL REFERENCES sheets (sheet_id),
		assessment    TEXT NOT NULL,
		approved      INTEGER NOT NULL,
		assessed_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS quality_sheet ON quality_assessments (sheet_id)`,

	`CREATE TABLE IF NOT EXISTS evaluation_results (
		evaluation_id TEXT PRIMARY KEY,
		sheet_id      TEXT NOT NULL REFERENCES sheets (sheet_id),
		key_id        TEXT NOT NULL,
		evaluation    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS evaluation_sheet ON evaluation_results (sheet_id)`,

	`CREATE TABLE IF NOT EXISTS human_interventions (
		intervention_id TEXT PRIMARY KEY,
		sheet_id        TEXT NOT NULL,
		intervention_type TEXT NOT NULL,
		pipeline_stage  TEXT,
		reason          TEXT NOT NULL,
		priority        TEXT NOT NULL,
		status          TEXT NOT NULL,
		resolution      TEXT,
		resolved_by     TEXT,
		created_at      TEXT NOT NULL,
		resolved_at     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS interventions_status ON human_interventions (status)`,

	`CREATE TABLE IF NOT EXISTS pipeline_stages (
		stage_id   TEXT PRIMARY KEY,
		sheet_id   TEXT NOT NULL,
		stage      TEXT NOT NULL,
		status     TEXT NOT NULL,
		block_hash TEXT,
		started_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stages_sheet ON pipeline_stages (sheet_id)`,
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return pfail(err, "migration failed")
		}
	}
	return nil
}
