package ledger

import (
	"github.com/scantrust-labs/omrledger/pkg/domain"
)

func domainInvalidType(t BlockType) error {
	return domain.E(domain.KindInvalidState, "unknown block type %q", t)
}

func domainSinkFailed(b *Block, err error) error {
	return domain.Wrap(domain.KindPersistenceFailed, err,
		"block %d (%s) rolled back", b.Index, b.BlockType)
}

func domainBlockNotFound(index int64) error {
	return domain.E(domain.KindNotFound, "no block at index %d", index)
}

func domainLeafNotFound(index int64, key string) error {
	return domain.E(domain.KindNotFound, "block %d has no payload key %q", index, key)
}

func domainEmptyReplay() error {
	return domain.E(domain.KindIntegrityViolation, "replay produced no blocks, genesis missing")
}

func domainReplayFailed(res ValidationResult) error {
	return domain.E(domain.KindIntegrityViolation,
		"replayed chain invalid at block %d: %s", res.FailedIndex, res.Reason)
}
