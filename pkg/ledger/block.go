// Package ledger implements the tamper-evident block chain recording every
// lifecycle event of an answer sheet. Each block links to its predecessor by
// hash, carries a Merkle root over its payload values, and is mined to a
// configurable proof-of-work difficulty before admission.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/canonical"
	"github.com/scantrust-labs/omrledger/pkg/domain"
	"github.com/scantrust-labs/omrledger/pkg/merkle"
	"github.com/scantrust-labs/omrledger/pkg/signature"
)

// BlockType classifies what lifecycle event a block records.
type BlockType string

const (
	TypeGenesis             BlockType = "genesis"
	TypeScan                BlockType = "scan"
	TypeQualityAssessment   BlockType = "quality_assessment"
	TypeQualityHumanReview  BlockType = "quality_human_review"
	TypeBubble              BlockType = "bubble"
	TypeScore               BlockType = "score"
	TypeVerify              BlockType = "verify"
	TypeResult              BlockType = "result"
	TypeRecheck             BlockType = "recheck"
	TypeQuestionPaperUpload BlockType = "question_paper_upload"
	TypeAnswerKeyVerified   BlockType = "answer_key_verified"
	TypeAnswerKeyApproved   BlockType = "answer_key_approved"
	TypeEvaluation          BlockType = "evaluation"
	TypeHumanIntervention   BlockType = "human_intervention"
)

// Valid reports whether t is a known block type.
func (t BlockType) Valid() bool {
	switch t {
	case TypeGenesis, TypeScan, TypeQualityAssessment, TypeQualityHumanReview,
		TypeBubble, TypeScore, TypeVerify, TypeResult, TypeRecheck,
		TypeQuestionPaperUpload, TypeAnswerKeyVerified, TypeAnswerKeyApproved,
		TypeEvaluation, TypeHumanIntervention:
		return true
	}
	return false
}

// timestampLayout is fixed-width so block timestamps sort lexically and
// rehash identically after an export round trip.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Block is one chain entry. Hash covers index, timestamp, type, data,
// previous hash, nonce and Merkle root through the canonical JSON routine;
// signatures ride alongside and are not part of the block hash.
type Block struct {
	Index        int64                 `json:"index"`
	Timestamp    string                `json:"timestamp"`
	BlockType    BlockType             `json:"block_type"`
	Data         *Payload              `json:"data"`
	PreviousHash string                `json:"previous_hash"`
	Nonce        int64                 `json:"nonce"`
	MerkleRoot   string                `json:"merkle_root"`
	Hash         string                `json:"hash"`
	Signatures   []signature.Signature `json:"signatures,omitempty"`
}

func newBlock(index int64, blockType BlockType, data *Payload, previousHash string, at time.Time) (*Block, error) {
	if data == nil {
		data = NewPayload()
	}
	leaves, err := data.StringValues()
	if err != nil {
		return nil, err
	}
	return &Block{
		Index:        index,
		Timestamp:    at.UTC().Format(timestampLayout),
		BlockType:    blockType,
		Data:         data,
		PreviousHash: previousHash,
		MerkleRoot:   merkle.Root(leaves),
	}, nil
}

// ComputeHash derives the block hash for the current nonce.
func (b *Block) ComputeHash() (string, error) {
	return canonical.Hash(map[string]interface{}{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"block_type":    string(b.BlockType),
		"data":          b.Data.Map(),
		"previous_hash": b.PreviousHash,
		"nonce":         b.Nonce,
		"merkle_root":   b.MerkleRoot,
	})
}

// ComputeMerkleRoot recomputes the root over the payload values.
func (b *Block) ComputeMerkleRoot() (string, error) {
	leaves, err := b.Data.StringValues()
	if err != nil {
		return "", err
	}
	return merkle.Root(leaves), nil
}

// HasValidPrefix reports whether the block hash meets the difficulty target.
func (b *Block) HasValidPrefix(difficulty int) bool {
	return strings.HasPrefix(b.Hash, strings.Repeat("0", difficulty))
}

// mine searches nonces from zero until the hash carries the required prefix
// or the attempt budget runs out. The context is checked every few thousand
// attempts so a cancelled request does not burn the full budget.
func (b *Block) mine(ctx context.Context, difficulty int, maxAttempts int64) error {
	prefix := strings.Repeat("0", difficulty)
	for attempt := int64(0); attempt < maxAttempts; attempt++ {
		if attempt%4096 == 0 {
			select {
			case <-ctx.Done():
				return domain.Wrap(domain.KindMiningBudgetExceeded, ctx.Err(), "mining cancelled at nonce %d", b.Nonce)
			default:
			}
		}
		b.Nonce = attempt
		hash, err := b.ComputeHash()
		if err != nil {
			return err
		}
		if strings.HasPrefix(hash, prefix) {
			b.Hash = hash
			return nil
		}
	}
	return domain.E(domain.KindMiningBudgetExceeded,
		"no hash with %d leading zeros found within %d attempts", difficulty, maxAttempts)
}
