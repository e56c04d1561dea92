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

// Package healing removes tokenization-boundary artifacts when a tokenized
// prompt is extended by a model: it discards trailing prompt tokens that a
// longer vocabulary entry could span, then constrains the first generated
// token(s) until the discarded bytes have been reproduced verbatim.
package healing

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-token-healing/pkg/utils/logging"
	"github.com/llm-d/llm-d-token-healing/pkg/vocabulary"
)

// defaultMaxBackupTokens bounds how many trailing tokens may be discarded.
const defaultMaxBackupTokens = 3

// Config holds the configuration for a TokenHealer.
type Config struct {
	// MaxBackupTokens is the upper bound on discarded trailing tokens.
	MaxBackupTokens int `json:"maxBackupTokens"`
	// DisableForSpecialTokens excludes special/control tokens from backup
	// eligibility.
	DisableForSpecialTokens bool `json:"disableForSpecialTokens"`
	// MaskCacheConfig configures memoization of allowed-token sets.
	MaskCacheConfig *MaskCacheConfig `json:"maskCacheConfig"`
}

// DefaultConfig returns a default configuration for a TokenHealer.
func DefaultConfig() *Config {
	return &Config{
		MaxBackupTokens:         defaultMaxBackupTokens,
		DisableForSpecialTokens: true,
		MaskCacheConfig:         DefaultMaskCacheConfig(),
	}
}

// Healer is the public surface a generation pipeline needs: truncate the
// prompt once before generation, mask each step's distribution, and report
// each sampled token until the constraint state is satisfied.
type Healer interface {
	// Prepare truncates the prompt and derives the constraint state.
	// The returned tokens replace the original prompt tokens as model input.
	Prepare(ctx context.Context, promptTokens []uint32) ([]uint32, *ConstraintState, error)
	// Filter masks a logit vector against the state's remaining constraint.
	Filter(ctx context.Context, state *ConstraintState, logits []float32) ([]float32, error)
	// FilterProbs masks and renormalizes a probability vector.
	FilterProbs(ctx context.Context, state *ConstraintState, probs []float32) ([]float32, error)
	// Advance transitions the state on the token the sampler drew.
	Advance(state *ConstraintState, tokenID uint32) error
}

// TokenHealer composes the backup selector and the constraint automaton over
// a shared vocabulary index. It holds no per-request state: one TokenHealer
// serves any number of concurrent generation requests.
type TokenHealer struct {
	config    *Config
	index     *vocabulary.Index
	selector  *BackupSelector
	automaton *Automaton
}

var _ Healer = &TokenHealer{}

// NewTokenHealer creates a TokenHealer over the given index.
func NewTokenHealer(index *vocabulary.Index, config *Config) (*TokenHealer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	masks, err := newMaskCache(config.MaskCacheConfig, index.Vocabulary().Fingerprint())
	if err != nil {
		return nil, err
	}

	return &TokenHealer{
		config:    config,
		index:     index,
		selector:  NewBackupSelector(index, config.MaxBackupTokens, config.DisableForSpecialTokens),
		automaton: NewAutomaton(index, masks),
	}, nil
}

// Prepare invokes the backup selector and returns the truncated prompt
// together with the request's constraint state. An empty prompt, or a prompt
// whose trailing token is vocabulary-maximal, yields the prompt unchanged
// with an already-satisfied state.
func (h *TokenHealer) Prepare(ctx context.Context, promptTokens []uint32) ([]uint32, *ConstraintState, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("healing.Prepare")

	if len(promptTokens) == 0 {
		return promptTokens, newSatisfiedState(), nil
	}

	k, constraint := h.selector.Select(promptTokens)
	if k == 0 {
		traceLogger.Info("no trailing token eligible for backup", "prompt-tokens", len(promptTokens))
		return promptTokens, newSatisfiedState(), nil
	}

	truncated := promptTokens[:len(promptTokens)-k]
	traceLogger.Info("backed up prompt boundary",
		"discarded-tokens", k, "constraint", string(constraint), "prompt-tokens", len(promptTokens))

	return truncated, newPendingState(constraint), nil
}

// Filter delegates to the automaton.
func (h *TokenHealer) Filter(ctx context.Context, state *ConstraintState, logits []float32) ([]float32, error) {
	return h.automaton.Filter(ctx, state, logits)
}

// FilterProbs delegates to the automaton.
func (h *TokenHealer) FilterProbs(ctx context.Context, state *ConstraintState, probs []float32) ([]float32, error) {
	return h.automaton.FilterProbs(ctx, state, probs)
}

// Advance delegates to the automaton.
func (h *TokenHealer) Advance(state *ConstraintState, tokenID uint32) error {
	return h.automaton.Advance(state, tokenID)
}

// noopHealer satisfies Healer without ever constraining generation. It backs
// healers for models with healing disabled by fleet settings.
type noopHealer struct{}

var _ Healer = noopHealer{}

func (noopHealer) Prepare(_ context.Context, promptTokens []uint32) ([]uint32, *ConstraintState, error) {
	return promptTokens, newSatisfiedState(), nil
}

func (noopHealer) Filter(_ context.Context, _ *ConstraintState, logits []float32) ([]float32, error) {
	return logits, nil
}

func (noopHealer) FilterProbs(_ context.Context, _ *ConstraintState, probs []float32) ([]float32, error) {
	return probs, nil
}

func (noopHealer) Advance(*ConstraintState, uint32) error {
	return nil
}
