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

//nolint:testpackage // shares the in-package test vocabulary helpers
package healing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenHealer_DefaultConfig(t *testing.T) {
	ix := buildHealingTestIndex(t)

	healer, err := NewTokenHealer(ix, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxBackupTokens, healer.config.MaxBackupTokens)
	assert.True(t, healer.config.DisableForSpecialTokens)
}

func TestTokenHealer_PrepareEmptyPrompt(t *testing.T) {
	ix := buildHealingTestIndex(t)
	healer, err := NewTokenHealer(ix, nil)
	require.NoError(t, err)

	tokens, state, err := healer.Prepare(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, tokens)
	assert.True(t, state.Satisfied())
}

func TestTokenHealer_PrepareMaximalBoundaryIsNoop(t *testing.T) {
	ix := buildHealingTestIndex(t)
	healer, err := NewTokenHealer(ix, nil)
	require.NoError(t, err)

	// "abc:" tokenizes to ["abc", ":"]; no vocabulary entry extends ":".
	prompt, err := ix.GreedyEncode([]byte("abc:"))
	require.NoError(t, err)

	tokens, state, err := healer.Prepare(t.Context(), prompt)
	require.NoError(t, err)
	assert.Equal(t, prompt, tokens)
	assert.True(t, state.Satisfied())
	assert.Empty(t, state.Remaining())
}

// TestTokenHealer_PrepareReconstruction checks the healing invariant: the
// truncated prompt bytes plus the pending constraint reproduce the original
// prompt bytes exactly.
func TestTokenHealer_PrepareReconstruction(t *testing.T) {
	ix := buildHealingTestIndex(t)
	healer, err := NewTokenHealer(ix, nil)
	require.NoError(t, err)

	texts := []string{
		"abc: f",
		"ab",
		"a b",
		" fin",
		"abc",
		"b c a",
		"abc: fine",
	}
	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			prompt, err := ix.GreedyEncode([]byte(text))
			require.NoError(t, err)

			truncated, state, err := healer.Prepare(t.Context(), prompt)
			require.NoError(t, err)

			vocab := ix.Vocabulary()
			reconstructed := append(vocab.Decode(truncated), state.Remaining()...)
			assert.Equal(t, vocab.Decode(prompt), reconstructed)
		})
	}
}

// TestTokenHealer_EndToEnd drives the full flow for a prompt that ends
// mid-word at a whitespace boundary: "abc: f" backs up to "abc:" with
// constraint " f", and the masked distributions force the space-prefixed
// word even though the bare word scores higher.
func TestTokenHealer_EndToEnd(t *testing.T) {
	ix := buildHealingTestIndex(t)
	healer, err := NewTokenHealer(ix, nil)
	require.NoError(t, err)

	prompt, err := ix.GreedyEncode([]byte("abc: f"))
	require.NoError(t, err)

	truncated, state, err := healer.Prepare(t.Context(), prompt)
	require.NoError(t, err)
	require.False(t, state.Satisfied())
	assert.Equal(t, []byte(" f"), state.Remaining())
	assert.Equal(t, []byte("abc:"), ix.Vocabulary().Decode(truncated))

	// The raw model prefers the un-prefixed word "fine" (id 7); the mask
	// must force " fine" (id 6) instead.
	logits := make([]float32, ix.Size())
	logits[7] = 5.0 // "fine"
	logits[6] = 1.0 // " fine"
	logits[9] = 0.5 // " "

	masked, err := healer.Filter(t.Context(), state, logits)
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(masked[7]), -1))
	assert.Equal(t, float32(1.0), masked[6])
	assert.Equal(t, float32(0.5), masked[9])

	sampled := argmaxToken(masked)
	require.Equal(t, uint32(6), sampled)

	require.NoError(t, healer.Advance(state, sampled))
	assert.True(t, state.Satisfied())

	generated := append(ix.Vocabulary().Decode(truncated), ix.Vocabulary().TokenBytes(sampled)...)
	assert.Equal(t, []byte("abc: fine"), generated)
}

// TestTokenHealer_EndToEndMultiStep exercises a constraint that takes more
// than one sampled token to satisfy.
func TestTokenHealer_EndToEndMultiStep(t *testing.T) {
	ix := buildHealingTestIndex(t)
	healer, err := NewTokenHealer(ix, nil)
	require.NoError(t, err)

	prompt, err := ix.GreedyEncode([]byte(": f"))
	require.NoError(t, err)

	truncated, state, err := healer.Prepare(t.Context(), prompt)
	require.NoError(t, err)
	require.Equal(t, []byte(" f"), state.Remaining())

	// Prefer the bare space token so that satisfying the constraint takes
	// two steps: " " then a token starting with "f".
	var generated []byte
	for steps := 0; !state.Satisfied(); steps++ {
		require.Less(t, steps, 10, "constraint not satisfied within bound")

		logits := make([]float32, ix.Size())
		logits[9] = 3.0  // " "
		logits[10] = 2.0 // "f"
		logits[7] = 1.0  // "fine"

		masked, err := healer.Filter(t.Context(), state, logits)
		require.NoError(t, err)

		sampled := argmaxToken(masked)
		require.NoError(t, healer.Advance(state, sampled))
		generated = append(generated, ix.Vocabulary().TokenBytes(sampled)...)
	}

	full := append(ix.Vocabulary().Decode(truncated), generated...)
	assert.Equal(t, []byte(": f"), full[:3])
}

func TestNoopHealer(t *testing.T) {
	h := noopHealer{}

	prompt := []uint32{1, 2, 3}
	tokens, state, err := h.Prepare(t.Context(), prompt)
	require.NoError(t, err)
	assert.Equal(t, prompt, tokens)
	assert.True(t, state.Satisfied())

	logits := []float32{1, 2, 3}
	out, err := h.Filter(t.Context(), state, logits)
	require.NoError(t, err)
	assert.Equal(t, logits, out)

	require.NoError(t, h.Advance(state, 0))
}

// argmaxToken returns the id of the highest finite logit.
func argmaxToken(logits []float32) uint32 {
	best := uint32(0)
	bestVal := float32(math.Inf(-1))
	for id, v := range logits {
		if v > bestVal {
			best = uint32(id)
			bestVal = v
		}
	}
	return best
}
