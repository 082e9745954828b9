package store

import (
	"context"
	"encoding/json"

	"github.com/scantrust-labs/omrledger/pkg/ledger"
	"github.com/scantrust-labs/omrledger/pkg/signature"
)

const blockColumns = `idx, ts, block_type, data, previous_hash, nonce, merkle_root, hash, signatures`

// InsertBlock persists one mined block. The payload and signatures are
// stored as JSON so replay reproduces the exact hash inputs.
func (t *Tx) InsertBlock(ctx context.Context, b *ledger.Block) error {
	return insertBlock(ctx, t.s, t.tx, b)
}

// InsertBlock outside a transaction; replay tooling uses this.
func (s *Store) InsertBlock(ctx context.Context, b *ledger.Block) error {
	return insertBlock(ctx, s, s.db, b)
}

func insertBlock(ctx context.Context, s *Store, e execer, b *ledger.Block) error {
	data, err := json.Marshal(b.Data)
	if err != nil {
		return pfail(err, "encode block %d payload", b.Index)
	}
	var sigs []byte
	if len(b.Signatures) > 0 {
		sigs, err = json.Marshal(b.Signatures)
		if err != nil {
			return pfail(err, "encode block %d signatures", b.Index)
		}
	}
	_, err = e.ExecContext(ctx, s.rebind(
		`INSERT INTO blocks (`+blockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.Index, b.Timestamp, string(b.BlockType), string(data),
		b.PreviousHash, b.Nonce, b.MerkleRoot, b.Hash, nullable(string(sigs)))
	if err != nil {
		return pfail(err, "insert block %d", b.Index)
	}
	return nil
}

// LoadBlocks reads every persisted block in index order.
func (s *Store) LoadBlocks(ctx context.Context) ([]*ledger.Block, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+blockColumns+` FROM blocks ORDER BY idx ASC`))
	if err != nil {
		return nil, pfail(err, "load blocks")
	}
	defer func() { _ = rows.Close() }()

	var blocks []*ledger.Block
	for rows.Next() {
		var (
			b         ledger.Block
			blockType string
			data      string
			sigs      *string
		)
		if err := rows.Scan(&b.Index, &b.Timestamp, &blockType, &data,
			&b.PreviousHash, &b.Nonce, &b.MerkleRoot, &b.Hash, &sigs); err != nil {
			return nil, pfail(err, "scan block row")
		}
		b.BlockType = ledger.BlockType(blockType)
		b.Data = ledger.NewPayload()
		if err := json.Unmarshal([]byte(data), b.Data); err != nil {
			return nil, pfail(err, "decode block %d payload", b.Index)
		}
		if sigs != nil && *sigs != "" {
			if err := json.Unmarshal([]byte(*sigs), &b.Signatures); err != nil {
				return nil, pfail(err, "decode block %d signatures", b.Index)
			}
		}
		blocks = append(blocks, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, pfail(err, "iterate block rows")
	}
	return blocks, nil
}

// ReplayChain rehydrates the chain from persisted blocks, running the full
// validation walk. An empty table yields (nil, nil) so the caller can
// start a fresh chain.
func (s *Store) ReplayChain(ctx context.Context, difficulty int) (*ledger.Chain, error) {
	blocks, err := s.LoadBlocks(ctx)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return ledger.NewFromBlocks(blocks, difficulty)
}

// InsertSignature records one approval signature for a sheet's
// verification attempt.
func (t *Tx) InsertSignature(ctx context.Context, sheetID string, attempt int, sig *signature.Signature) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(
		`INSERT INTO signatures (signature_id, sheet_id, attempt, signer_type, signer_key,
			signed_data_hash, signature_hash, status, created_at, signed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sig.SignatureID, sheetID, attempt, string(sig.SignerType), sig.SignerKey,
		sig.SignedDataHash, sig.SignatureHash, string(sig.Status),
		sig.CreatedAt, nullable(sig.SignedAt))
	if err != nil {
		return pfail(err, "insert signature %s for sheet %s", sig.SignerType, sheetID)
	}
	return nil
}

// SignaturesForSheet returns the signatures of one verification attempt.
func (s *Store) SignaturesForSheet(ctx context.Context, sheetID string, attempt int) ([]signature.Signature, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT signature_id, signer_type, signer_key, signed_data_hash,
			signature_hash, status, created_at, signed_at
		 FROM signatures WHERE sheet_id = ? AND attempt = ? ORDER BY created_at ASC`),
		sheetID, attempt)
	if err != nil {
		return nil, pfail(err, "load signatures for sheet %s", sheetID)
	}
	defer func() { _ = rows.Close() }()

	var out []signature.Signature
	for rows.Next() {
		var (
			sig        signature.Signature
			signerType string
			status     string
			signedAt   *string
		)
		if err := rows.Scan(&sig.SignatureID, &signerType, &sig.SignerKey,
			&sig.SignedDataHash, &sig.SignatureHash, &status, &sig.CreatedAt, &signedAt); err != nil {
			return nil, pfail(err, "scan signature row")
		}
		sig.SignerType = signature.SignerType(signerType)
		sig.Status = signature.Status(status)
		if signedAt != nil {
			sig.SignedAt = *signedAt
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// nullable maps "" onto NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
