/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vocabulary

import (
	"bytes"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Class is the classification of a token's byte sequence against a healing
// constraint's remaining bytes.
type Class int

const (
	// ClassIncompatible means the token neither matches nor extends the
	// remaining constraint.
	ClassIncompatible Class = iota
	// ClassExactMatch means the token bytes equal the remaining constraint.
	ClassExactMatch
	// ClassValidPrefix means the token bytes are a strict prefix of the
	// remaining constraint; more healing steps are needed.
	ClassValidPrefix
	// ClassValidExtension means the remaining constraint is a strict prefix
	// of the token bytes; selecting the token satisfies and overshoots the
	// constraint.
	ClassValidExtension
)

// Classify classifies tokenBytes against the remaining constraint bytes using
// plain byte-lexicographic comparison.
func Classify(tokenBytes, remaining []byte) Class {
	switch {
	case len(tokenBytes) == 0:
		return ClassIncompatible
	case bytes.Equal(tokenBytes, remaining):
		return ClassExactMatch
	case bytes.HasPrefix(remaining, tokenBytes):
		return ClassValidPrefix
	case bytes.HasPrefix(tokenBytes, remaining):
		return ClassValidExtension
	default:
		return ClassIncompatible
	}
}

// ConstraintMatches partitions the non-incompatible vocabulary ids for a
// given remaining constraint.
type ConstraintMatches struct {
	// Exact holds ids whose bytes equal the remaining constraint.
	Exact sets.Set[uint32]
	// Prefixes holds ids whose bytes are a strict prefix of the constraint.
	Prefixes sets.Set[uint32]
	// Extensions holds ids whose bytes strictly extend the constraint.
	Extensions sets.Set[uint32]
}

// Allowed returns the union of all eligible ids.
func (m ConstraintMatches) Allowed() sets.Set[uint32] {
	return m.Exact.Union(m.Prefixes).Union(m.Extensions)
}

// Empty reports whether no token is eligible.
func (m ConstraintMatches) Empty() bool {
	return m.Exact.Len() == 0 && m.Prefixes.Len() == 0 && m.Extensions.Len() == 0
}

// node is a trie node in the index arena. Children point at arena offsets
// rather than heap nodes so the whole index is a flat, read-only structure.
type node struct {
	children map[byte]int32
	tokenIDs []uint32
}

// Index is an immutable byte trie over all non-special vocabulary entries.
// It is built once per vocabulary and may be shared across any number of
// concurrent requests without locking.
type Index struct {
	vocab *Vocabulary
	nodes []node
}

// BuildIndex constructs the trie index for the given vocabulary.
// Special tokens are not inserted: they carry no literal prompt bytes and
// must never participate in healing.
func BuildIndex(v *Vocabulary) *Index {
	ix := &Index{
		vocab: v,
		nodes: []node{{}}, // root at offset 0
	}

	for id := range v.tokens {
		//nolint:gosec // vocabulary sizes are far below uint32 range
		uid := uint32(id)
		if v.IsSpecial(uid) || len(v.tokens[id]) == 0 {
			continue
		}
		ix.insert(v.tokens[id], uid)
	}

	return ix
}

func (ix *Index) insert(b []byte, id uint32) {
	cur := int32(0)
	for _, c := range b {
		child, ok := ix.nodes[cur].children[c]
		if !ok {
			ix.nodes = append(ix.nodes, node{})
			child = int32(len(ix.nodes) - 1) //nolint:gosec // arena size bounded by total vocab bytes
			if ix.nodes[cur].children == nil {
				ix.nodes[cur].children = make(map[byte]int32)
			}
			ix.nodes[cur].children[c] = child
		}
		cur = child
	}
	ix.nodes[cur].tokenIDs = append(ix.nodes[cur].tokenIDs, id)
}

// Vocabulary returns the vocabulary the index was built from.
func (ix *Index) Vocabulary() *Vocabulary {
	return ix.vocab
}

// Size returns the vocabulary size the index covers.
func (ix *Index) Size() int {
	return ix.vocab.Size()
}

// walk descends the trie along b and returns the arena offset of the node
// reached, or false if b is not a path in the trie.
func (ix *Index) walk(b []byte) (int32, bool) {
	cur := int32(0)
	for _, c := range b {
		child, ok := ix.nodes[cur].children[c]
		if !ok {
			return 0, false
		}
		cur = child
	}
	return cur, true
}

// collect gathers every token id terminating at or below the given node.
func (ix *Index) collect(root int32, into sets.Set[uint32]) {
	stack := []int32{root}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		into.Insert(ix.nodes[cur].tokenIDs...)
		for _, child := range ix.nodes[cur].children {
			stack = append(stack, child)
		}
	}
}

// IsPrefixOfSomeToken reports whether at least one token's byte sequence
// starts with b. The empty prefix matches every token.
func (ix *Index) IsPrefixOfSomeToken(b []byte) bool {
	_, ok := ix.walk(b)
	return ok
}

// HasStrictExtension reports whether some token's byte sequence is strictly
// longer than b and starts with b. A trailing prompt token whose bytes fail
// this test is vocabulary-maximal and gains nothing from healing.
func (ix *Index) HasStrictExtension(b []byte) bool {
	n, ok := ix.walk(b)
	if !ok {
		return false
	}
	return len(ix.nodes[n].children) > 0
}

// TokensWithPrefix returns all ids whose byte sequence starts with b.
func (ix *Index) TokensWithPrefix(b []byte) sets.Set[uint32] {
	ids := sets.New[uint32]()
	n, ok := ix.walk(b)
	if !ok {
		return ids
	}
	ix.collect(n, ids)
	return ids
}

// MatchConstraint classifies every eligible vocabulary token against the
// remaining constraint in a single trie walk: terminals passed on the way
// down are strict prefixes, terminals at the constraint node are exact
// matches, and terminals strictly below it are extensions. The walk is
// O(len(remaining)) plus the size of the matched subtree, not O(vocabulary).
func (ix *Index) MatchConstraint(remaining []byte) ConstraintMatches {
	matches := ConstraintMatches{
		Exact:      sets.New[uint32](),
		Prefixes:   sets.New[uint32](),
		Extensions: sets.New[uint32](),
	}
	if len(remaining) == 0 {
		return matches
	}

	cur := int32(0)
	for _, c := range remaining {
		child, ok := ix.nodes[cur].children[c]
		if !ok {
			return matches
		}
		cur = child
		if len(ix.nodes[cur].tokenIDs) > 0 {
			matches.Prefixes.Insert(ix.nodes[cur].tokenIDs...)
		}
	}

	// cur is now the node for the full remaining constraint; its own
	// terminals were just filed under Prefixes and must be reclassified.
	matches.Prefixes.Delete(ix.nodes[cur].tokenIDs...)
	matches.Exact.Insert(ix.nodes[cur].tokenIDs...)

	for _, child := range ix.nodes[cur].children {
		ix.collect(child, matches.Extensions)
	}

	return matches
}

// GreedyEncode tokenizes text by repeated longest-match trie lookup.
// It fails if some byte position cannot be matched by any token, which only
// happens for vocabularies without full byte coverage.
func (ix *Index) GreedyEncode(text []byte) ([]uint32, error) {
	var out []uint32

	pos := 0
	for pos < len(text) {
		cur := int32(0)
		lastID := uint32(0)
		lastEnd := -1

		for i := pos; i < len(text); i++ {
			child, ok := ix.nodes[cur].children[text[i]]
			if !ok {
				break
			}
			cur = child
			if len(ix.nodes[cur].tokenIDs) > 0 {
				lastID = ix.nodes[cur].tokenIDs[0]
				lastEnd = i + 1
			}
		}

		if lastEnd < 0 {
			return nil, fmt.Errorf("no vocabulary token matches byte 0x%02x at offset %d", text[pos], pos)
		}

		out = append(out, lastID)
		pos = lastEnd
	}

	return out, nil
}
