package anchor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

const (
	leafPrefix = "veritrail:anchor:leaf:v1"
	nodePrefix = "veritrail:anchor:node:v1"
)

// Tree is a Merkle tree over a sealed anchor batch.
type Tree struct {
	LeafHashes []string   `json:"leaf_hashes"`
	Root       string     `json:"root"`
	Levels     [][]string `json:"levels"`
}

// InclusionProof proves one leaf belongs to a sealed batch root.
type InclusionProof struct {
	LeafHash string      `json:"leaf_hash"`
	Root     string      `json:"root"`
	Path     []ProofStep `json:"path"`
}

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

func leafHash(canonical []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.Write(canonical)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

// BuildTree constructs a Merkle tree bottom-up from leaf hashes. An odd
// level duplicates its last hash.
func BuildTree(leafHashes []string) *Tree {
	tree := &Tree{LeafHashes: leafHashes}
	if len(leafHashes) == 0 {
		return tree
	}

	level := make([]string, len(leafHashes))
	copy(level, leafHashes)

	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

// Prove returns the inclusion proof for the given leaf hash, or false when
// the leaf is not in the tree.
func (t *Tree) Prove(leaf string) (InclusionProof, bool) {
	idx := -1
	for i, h := range t.LeafHashes {
		if h == leaf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return InclusionProof{}, false
	}

	proof := InclusionProof{LeafHash: leaf, Root: t.Root}
	for _, level := range t.Levels[:len(t.Levels)-1] {
		padded := level
		if len(padded)%2 != 0 {
			padded = append(append([]string{}, padded...), padded[len(padded)-1])
		}
		if idx%2 == 0 {
			proof.Path = append(proof.Path, ProofStep{Side: "R", SiblingHash: padded[idx+1]})
		} else {
			proof.Path = append(proof.Path, ProofStep{Side: "L", SiblingHash: padded[idx-1]})
		}
		idx /= 2
	}
	return proof, true
}

// VerifyInclusion replays the proof path and checks the computed root.
func VerifyInclusion(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.Root != expectedRoot {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == proof.Root
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
