// Package merkle aggregates block payload values into a single root hash.
// Leaves are the string-coerced payload values in insertion order; an odd
// level duplicates its last hash before pairing.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// Tree holds every level of node hashes, leaves first.
type Tree struct {
	Leaves []string   `json:"leaves"`
	Levels [][]string `json:"levels"`
	Root   string     `json:"root"`
}

// HashLeaf hashes a single leaf value.
func HashLeaf(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// Root computes the Merkle root of values without retaining the tree.
// An empty input yields the hash of the empty string, so every block has a
// well-defined root.
func Root(values []string) string {
	return Build(values).Root
}

// Build constructs the full tree for values.
func Build(values []string) *Tree {
	if len(values) == 0 {
		empty := sha256.Sum256(nil)
		return &Tree{Root: hex.EncodeToString(empty[:])}
	}

	leaves := make([]string, len(values))
	for i, v := range values {
		leaves[i] = HashLeaf(v)
	}

	tree := &Tree{Leaves: leaves}
	level := leaves
	for {
		tree.Levels = append(tree.Levels, level)
		if len(level) == 1 {
			break
		}
		level = nextLevel(level)
	}
	tree.Root = level[0]
	return tree
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	next := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		next[i/2] = combine(hashes[i], hashes[i+1])
	}
	return next
}

// combine hashes the hex concatenation of two child hashes. The hex text,
// not the raw digest bytes, is the node preimage; validation depends on it.
func combine(left, right string) string {
	h := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(h[:])
}
