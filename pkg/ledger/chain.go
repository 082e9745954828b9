package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/merkle"
)

const (
	// GenesisPreviousHash anchors block zero.
	GenesisPreviousHash = "0000000000000000000000000000000000000000000000000000000000000000"

	// DefaultDifficulty is the number of leading zero hex digits a mined
	// block hash must carry.
	DefaultDifficulty = 4

	// DefaultMaxAttempts bounds the nonce search per block.
	DefaultMaxAttempts = 10_000_000
)

// Sink receives a freshly mined block while the chain lock is held. A
// non-nil error rolls the block back, so persistence and the in-memory
// chain never diverge.
type Sink func(*Block) error

// Chain is the in-memory block chain. The difficulty is fixed at
// construction; all appended blocks are mined against it.
type Chain struct {
	mu          sync.RWMutex
	blocks      []*Block
	difficulty  int
	maxAttempts int64
	clock       func() time.Time
}

// New creates a chain with a genesis block. The genesis block is not mined
// and keeps nonce zero.
func New(difficulty int) (*Chain, error) {
	c := &Chain{
		difficulty:  difficulty,
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
	}
	genesis, err := newBlock(0, TypeGenesis,
		PayloadFrom("message", "OMR evaluation ledger genesis"),
		GenesisPreviousHash, c.clock())
	if err != nil {
		return nil, err
	}
	genesis.Hash, err = genesis.ComputeHash()
	if err != nil {
		return nil, err
	}
	c.blocks = []*Block{genesis}
	return c, nil
}

// WithMaxAttempts overrides the mining attempt budget.
func (c *Chain) WithMaxAttempts(n int64) *Chain {
	c.maxAttempts = n
	return c
}

// WithClock overrides the clock for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Difficulty returns the proof-of-work target.
func (c *Chain) Difficulty() int { return c.difficulty }

// Append mines and links a new block. The sink, if non-nil, runs inside
// the critical section after the block is attached; a sink error detaches
// the block again and is returned to the caller.
func (c *Chain) Append(ctx context.Context, blockType BlockType, data *Payload, sink Sink) (*Block, error) {
	if !blockType.Valid() {
		return nil, domainInvalidType(blockType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.blocks[len(c.blocks)-1]
	block, err := newBlock(prev.Index+1, blockType, data, prev.Hash, c.clock())
	if err != nil {
		return nil, err
	}
	if err := block.mine(ctx, c.difficulty, c.maxAttempts); err != nil {
		return nil, err
	}

	c.blocks = append(c.blocks, block)
	if sink != nil {
		if err := sink(block); err != nil {
			c.blocks = c.blocks[:len(c.blocks)-1]
			return nil, domainSinkFailed(block, err)
		}
	}
	return block, nil
}

// Get returns the block at index.
func (c *Chain) Get(index int64) (*Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= int64(len(c.blocks)) {
		return nil, domainBlockNotFound(index)
	}
	return c.blocks[index], nil
}

// Latest returns the most recent block.
func (c *Chain) Latest() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

// Length returns the number of blocks including genesis.
func (c *Chain) Length() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.blocks))
}

// FindBySheet returns every block whose payload names the sheet, in chain
// order.
func (c *Chain) FindBySheet(sheetID string) []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Block
	for _, b := range c.blocks {
		if b.Data.GetString("sheet_id") == sheetID {
			out = append(out, b)
		}
	}
	return out
}

// FindByType returns every block of the given type, in chain order.
func (c *Chain) FindByType(blockType BlockType) []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Block
	for _, b := range c.blocks {
		if b.BlockType == blockType {
			out = append(out, b)
		}
	}
	return out
}

// Proof produces a Merkle inclusion proof for one payload value of the
// block at index. The key must exist in the block payload.
func (c *Chain) Proof(index int64, key string) (*merkle.InclusionProof, error) {
	block, err := c.Get(index)
	if err != nil {
		return nil, err
	}
	keys := block.Data.Keys()
	leafIndex := -1
	for i, k := range keys {
		if k == key {
			leafIndex = i
			break
		}
	}
	if leafIndex < 0 {
		return nil, domainLeafNotFound(index, key)
	}
	values, err := block.Data.StringValues()
	if err != nil {
		return nil, err
	}
	return merkle.Build(values).Prove(leafIndex)
}

// ValidationResult reports the first defect found during a full chain
// walk, or Valid=true when every block checks out.
type ValidationResult struct {
	Valid       bool   `json:"valid"`
	BlockCount  int64  `json:"block_count"`
	FailedIndex int64  `json:"failed_index,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Validate recomputes every block hash, Merkle root, difficulty prefix and
// backward link. The genesis block is exempt from the prefix check.
func (c *Chain) Validate() ValidationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return validateBlocks(c.blocks, c.difficulty)
}

func validateBlocks(blocks []*Block, difficulty int) ValidationResult {
	fail := func(i int64, reason string) ValidationResult {
		return ValidationResult{BlockCount: int64(len(blocks)), FailedIndex: i, Reason: reason}
	}
	prefix := strings.Repeat("0", difficulty)

	for i, b := range blocks {
		if b.Index != int64(i) {
			return fail(int64(i), "index mismatch")
		}
		root, err := b.ComputeMerkleRoot()
		if err != nil {
			return fail(b.Index, "merkle root not computable: "+err.Error())
		}
		if root != b.MerkleRoot {
			return fail(b.Index, "merkle root mismatch")
		}
		hash, err := b.ComputeHash()
		if err != nil {
			return fail(b.Index, "hash not computable: "+err.Error())
		}
		if hash != b.Hash {
			return fail(b.Index, "hash mismatch")
		}
		if i == 0 {
			if b.PreviousHash != GenesisPreviousHash {
				return fail(0, "genesis previous hash mismatch")
			}
			continue
		}
		if b.PreviousHash != blocks[i-1].Hash {
			return fail(b.Index, "broken link to previous block")
		}
		if !strings.HasPrefix(b.Hash, prefix) {
			return fail(b.Index, "difficulty prefix not satisfied")
		}
	}
	return ValidationResult{Valid: true, BlockCount: int64(len(blocks))}
}

// Stats summarizes the chain for the operational surface.
type Stats struct {
	BlockCount  int64               `json:"block_count"`
	Difficulty  int                 `json:"difficulty"`
	LatestHash  string              `json:"latest_hash"`
	LatestIndex int64               `json:"latest_index"`
	ByType      map[BlockType]int64 `json:"blocks_by_type"`
}

// Stats counts blocks by type and reports the chain head.
func (c *Chain) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		BlockCount: int64(len(c.blocks)),
		Difficulty: c.difficulty,
		ByType:     make(map[BlockType]int64),
	}
	for _, b := range c.blocks {
		s.ByType[b.BlockType]++
	}
	head := c.blocks[len(c.blocks)-1]
	s.LatestHash = head.Hash
	s.LatestIndex = head.Index
	return s
}

// Export returns a snapshot copy of every block for serialization. Blocks
// are shallow-copied; payloads are shared and must be treated read-only.
func (c *Chain) Export() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Block, len(c.blocks))
	for i, b := range c.blocks {
		cp := *b
		out[i] = &cp
	}
	return out
}

// NewFromBlocks rehydrates a chain from persisted blocks, replaying the
// full validation before accepting them. A defect surfaces as
// integrity_violation and the chain is not constructed.
func NewFromBlocks(blocks []*Block, difficulty int) (*Chain, error) {
	if len(blocks) == 0 {
		return nil, domainEmptyReplay()
	}
	if res := validateBlocks(blocks, difficulty); !res.Valid {
		return nil, domainReplayFailed(res)
	}
	return &Chain{
		blocks:      blocks,
		difficulty:  difficulty,
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
	}, nil
}
