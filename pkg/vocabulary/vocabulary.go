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

// Package vocabulary holds the immutable token vocabulary and the byte-trie
// index used for prefix and constraint queries during token healing.
package vocabulary

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ErrInvalidVocabulary is returned when a vocabulary cannot be constructed.
var ErrInvalidVocabulary = errors.New("invalid vocabulary")

// Token is an immutable (id, byte-sequence) vocabulary entry.
type Token struct {
	ID    uint32
	Bytes []byte
}

// Vocabulary is an ordered, id-indexed sequence of token byte representations.
// It owns no mutable state after construction and is safe for concurrent use.
type Vocabulary struct {
	tokens  [][]byte
	special sets.Set[uint32]

	fingerprintOnce sync.Once
	fingerprint     uint64
}

// Option configures a Vocabulary during construction.
type Option func(*Vocabulary)

// WithSpecialTokens marks the given token ids as special/control tokens.
// Special tokens carry no literal prompt bytes and are excluded from healing.
func WithSpecialTokens(ids ...uint32) Option {
	return func(v *Vocabulary) {
		v.special.Insert(ids...)
	}
}

// New constructs a Vocabulary from the id-ordered token byte sequences.
// It fails with ErrInvalidVocabulary if the vocabulary is empty or if two
// distinct non-special ids map to identical, non-empty byte sequences.
// Special tokens and unused (empty) slots are exempt from the duplicate
// check: tokenizers routinely decode several of them to the same bytes, and
// none of them carry literal prompt text.
func New(tokenBytes [][]byte, opts ...Option) (*Vocabulary, error) {
	if len(tokenBytes) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrInvalidVocabulary)
	}

	v := &Vocabulary{
		tokens:  make([][]byte, len(tokenBytes)),
		special: sets.New[uint32](),
	}

	for _, opt := range opts {
		opt(v)
	}

	seen := make(map[string]uint32, len(tokenBytes))
	for id, b := range tokenBytes {
		//nolint:gosec // vocabulary sizes are far below uint32 range
		uid := uint32(id)

		owned := make([]byte, len(b))
		copy(owned, b)
		v.tokens[id] = owned

		if len(b) == 0 || v.special.Has(uid) {
			continue
		}

		if prev, dup := seen[string(b)]; dup {
			return nil, fmt.Errorf("%w: ids %d and %d map to identical byte sequence %q",
				ErrInvalidVocabulary, prev, uid, b)
		}
		seen[string(b)] = uid
	}

	return v, nil
}

// Size returns the number of vocabulary entries.
func (v *Vocabulary) Size() int {
	return len(v.tokens)
}

// TokenBytes returns the byte sequence of the given token id, or nil if the
// id is out of range. Callers must not mutate the returned slice.
func (v *Vocabulary) TokenBytes(id uint32) []byte {
	if int(id) >= len(v.tokens) {
		return nil
	}
	return v.tokens[id]
}

// Token returns the Token for the given id.
func (v *Vocabulary) Token(id uint32) (Token, bool) {
	if int(id) >= len(v.tokens) {
		return Token{}, false
	}
	return Token{ID: id, Bytes: v.tokens[id]}, true
}

// IsSpecial reports whether the given id is a special/control token.
func (v *Vocabulary) IsSpecial(id uint32) bool {
	return v.special.Has(id)
}

// SpecialTokens returns a copy of the special-token id set.
func (v *Vocabulary) SpecialTokens() sets.Set[uint32] {
	return v.special.Clone()
}

// Decode concatenates the byte sequences of the given token ids.
// Ids out of range contribute no bytes.
func (v *Vocabulary) Decode(ids []uint32) []byte {
	var out []byte
	for _, id := range ids {
		out = append(out, v.TokenBytes(id)...)
	}
	return out
}

// Fingerprint returns a deterministic digest of the vocabulary contents,
// computed once. The digest is the lower 64 bits of the SHA-256 of the
// canonical-CBOR encoding of the byte table, so it is stable across processes.
func (v *Vocabulary) Fingerprint() uint64 {
	v.fingerprintOnce.Do(func() {
		encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
		if err != nil {
			return
		}

		b, err := encMode.Marshal(v.tokens)
		if err != nil {
			return
		}

		sum := sha256.Sum256(b)
		v.fingerprint = binary.BigEndian.Uint64(sum[24:])
	})

	return v.fingerprint
}
