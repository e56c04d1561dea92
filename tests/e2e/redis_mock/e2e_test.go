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

//nolint:testpackage // allow tests to run in the same package
package e2e

import (
	"math"
	"time"

	"github.com/llm-d/llm-d-token-healing/pkg/healing/settings"
)

// TestHealPromptE2E verifies the full flow: a prompt ending mid-word is
// backed up across the tokenization boundary and a greedy sampler driven
// through the masked logits reproduces the discarded bytes before
// continuing freely.
func (s *HealingSuite) TestHealPromptE2E() {
	healer, err := s.registry.HealerFor(s.ctx, defaultModelName)
	s.Require().NoError(err)

	promptTokens := s.encodePrompt("The answer is: ever")

	truncated, state, err := healer.Prepare(s.ctx, promptTokens)
	s.Require().NoError(err)
	s.Require().False(state.Satisfied())
	s.Equal([]byte(" ever"), state.Remaining())
	s.Less(len(truncated), len(promptTokens))

	generated := make([]byte, 0)
	for steps := 0; !state.Satisfied(); steps++ {
		s.Require().Less(steps, 16, "constraint not satisfied within bound")

		masked, err := healer.Filter(s.ctx, state, s.preferLongTokens())
		s.Require().NoError(err)

		sampled := s.argmax(masked)
		s.Require().NoError(healer.Advance(state, sampled))
		generated = append(generated, s.index.Vocabulary().TokenBytes(sampled)...)
	}

	full := append(s.index.Vocabulary().Decode(truncated), generated...)
	s.Equal("The answer is: everything", string(full))
}

// TestSettingsInteropWithRedis verifies the wire format: settings written
// through the registry land in Redis as JSON another replica can read.
func (s *HealingSuite) TestSettingsInteropWithRedis() {
	err := s.registry.Settings().Set(s.ctx, defaultModelName, settings.ModelSettings{Disabled: true})
	s.Require().NoError(err)

	raw, err := s.server.Get("tokenhealing:settings:" + defaultModelName)
	s.Require().NoError(err)
	s.JSONEq(`{"disabled":true}`, raw)

	stored, err := s.registry.Settings().Get(s.ctx, defaultModelName)
	s.Require().NoError(err)
	s.Require().NotNil(stored)
	s.True(stored.Disabled)
}

// TestDisableViaRedis verifies that raw settings written to Redis by an
// operator take effect: the model's healer never constrains anything.
func (s *HealingSuite) TestDisableViaRedis() {
	err := s.server.Set("tokenhealing:settings:"+defaultModelName, `{"disabled":true}`)
	s.Require().NoError(err)

	healer, err := s.registry.HealerFor(s.ctx, defaultModelName)
	s.Require().NoError(err)

	promptTokens := s.encodePrompt("The answer is: ever")
	truncated, state, err := healer.Prepare(s.ctx, promptTokens)
	s.Require().NoError(err)
	s.Equal(promptTokens, truncated)
	s.True(state.Satisfied())

	// The vocabulary is never fetched for a disabled model.
	s.Equal(int32(0), s.source.fetches.Load())
}

// TestMaxBackupOverrideViaRedis verifies that a per-model bound stored in
// Redis limits how many trailing tokens are discarded.
func (s *HealingSuite) TestMaxBackupOverrideViaRedis() {
	err := s.server.Set("tokenhealing:settings:"+defaultModelName, `{"maxBackupTokens":1}`)
	s.Require().NoError(err)

	healer, err := s.registry.HealerFor(s.ctx, defaultModelName)
	s.Require().NoError(err)

	// "The answer is: f" backs up two tokens (" " and "f") by default;
	// the override keeps the backup to one.
	promptTokens := s.encodePrompt("The answer is: f")
	truncated, state, err := healer.Prepare(s.ctx, promptTokens)
	s.Require().NoError(err)
	s.Equal(len(promptTokens)-1, len(truncated))
	s.Equal([]byte("f"), state.Remaining())
}

// TestWarmAndEvict verifies background warm-up builds the healer once and
// eviction forces a rebuild on next use.
func (s *HealingSuite) TestWarmAndEvict() {
	s.registry.Warm(defaultModelName)
	s.Require().Eventually(func() bool {
		return s.source.fetches.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Warm build is shared; a request for the same model must not refetch.
	_, err := s.registry.HealerFor(s.ctx, defaultModelName)
	s.Require().NoError(err)
	s.Equal(int32(1), s.source.fetches.Load())

	s.registry.Evict(defaultModelName)

	_, err = s.registry.HealerFor(s.ctx, defaultModelName)
	s.Require().NoError(err)
	s.Equal(int32(2), s.source.fetches.Load())
}

// preferLongTokens mimics a model that scores longer tokens higher and
// strongly prefers " everything".
func (s *HealingSuite) preferLongTokens() []float32 {
	logits := make([]float32, s.index.Size())
	for id := range logits {
		logits[id] = float32(len(s.index.Vocabulary().TokenBytes(uint32(id)))) * 0.1
	}
	for id := range logits {
		if string(s.index.Vocabulary().TokenBytes(uint32(id))) == " everything" {
			logits[id] = 5.0
		}
	}
	return logits
}

func (s *HealingSuite) argmax(logits []float32) uint32 {
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
