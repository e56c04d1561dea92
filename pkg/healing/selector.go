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

package healing

import (
	"github.com/llm-d/llm-d-token-healing/pkg/vocabulary"
)

// BackupSelector decides how many trailing prompt tokens to discard and
// reconstructs the byte constraint their texts impose on regeneration.
type BackupSelector struct {
	index       *vocabulary.Index
	maxBackup   int
	skipSpecial bool
}

// NewBackupSelector creates a selector over the given index.
func NewBackupSelector(index *vocabulary.Index, maxBackup int, skipSpecial bool) *BackupSelector {
	return &BackupSelector{
		index:       index,
		maxBackup:   maxBackup,
		skipSpecial: skipSpecial,
	}
}

// Select scans backward from the end of promptTokens and returns the number
// of trailing tokens to discard together with the exact byte concatenation
// of their texts.
//
// A trailing token is discarded only while the byte string formed by it plus
// the already-discarded suffix is a strict prefix of some longer vocabulary
// entry: a different tokenization spanning the boundary could then have been
// chosen had more context been available. The scan stops at the first
// vocabulary-maximal suffix, at the configured maximum, at a special token,
// or before the prompt would become empty. If nothing is eligible, healing
// is a no-op: k=0 and an empty constraint.
func (s *BackupSelector) Select(promptTokens []uint32) (int, []byte) {
	vocab := s.index.Vocabulary()

	k := 0
	var constraint []byte

	for k < s.maxBackup && k < len(promptTokens)-1 {
		id := promptTokens[len(promptTokens)-1-k]

		if s.skipSpecial && vocab.IsSpecial(id) {
			break
		}

		tokenBytes := vocab.TokenBytes(id)
		if len(tokenBytes) == 0 {
			// unknown or empty token; nothing to heal across this boundary
			break
		}

		candidate := make([]byte, 0, len(tokenBytes)+len(constraint))
		candidate = append(candidate, tokenBytes...)
		candidate = append(candidate, constraint...)

		if !s.index.HasStrictExtension(candidate) {
			break
		}

		constraint = candidate
		k++
	}

	return k, constraint
}
