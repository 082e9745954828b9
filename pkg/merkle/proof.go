package merkle

import "fmt"

// InclusionProof shows that one leaf value participates in a root.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// ProofStep carries one sibling hash; Side is the side the sibling sits on.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove produces an inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}

	proof := &InclusionProof{
		LeafIndex: index,
		LeafHash:  t.Leaves[index],
		Root:      t.Root,
	}

	pos := index
	for _, level := range t.Levels {
		if len(level) == 1 {
			break
		}
		padded := level
		if len(padded)%2 != 0 {
			padded = append(append([]string{}, padded...), padded[len(padded)-1])
		}
		if pos%2 == 0 {
			proof.Path = append(proof.Path, ProofStep{Side: "R", SiblingHash: padded[pos+1]})
		} else {
			proof.Path = append(proof.Path, ProofStep{Side: "L", SiblingHash: padded[pos-1]})
		}
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from the proof path and compares it to the
// expected root. An empty expectedRoot falls back to the proof's own root.
func Verify(proof *InclusionProof, expectedRoot string) bool {
	if expectedRoot == "" {
		expectedRoot = proof.Root
	} else if proof.Root != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = combine(step.SiblingHash, current)
		} else {
			current = combine(current, step.SiblingHash)
		}
	}
	return current == expectedRoot
}
