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
	"context"
	"errors"
	"fmt"
	"math"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-token-healing/pkg/utils/logging"
	"github.com/llm-d/llm-d-token-healing/pkg/vocabulary"
)

// ErrUnsatisfiableConstraint is returned when no vocabulary token can make
// progress on the remaining constraint. The automaton degrades to Satisfied
// so generation proceeds unconstrained instead of deadlocking.
var ErrUnsatisfiableConstraint = errors.New("unsatisfiable healing constraint")

var negInf = float32(math.Inf(-1))

// ConstraintState tracks the bytes that generated tokens must still
// reproduce for one in-flight generation request. It is created by Prepare,
// mutated only by Advance, and must not be shared across requests.
type ConstraintState struct {
	remaining []byte
	satisfied bool
}

// newPendingState returns a state holding the given constraint bytes, or an
// already-satisfied state if the constraint is empty.
func newPendingState(constraint []byte) *ConstraintState {
	if len(constraint) == 0 {
		return newSatisfiedState()
	}

	owned := make([]byte, len(constraint))
	copy(owned, constraint)
	return &ConstraintState{remaining: owned}
}

func newSatisfiedState() *ConstraintState {
	return &ConstraintState{satisfied: true}
}

// Satisfied reports whether the constraint has been fully reproduced.
func (s *ConstraintState) Satisfied() bool {
	return s == nil || s.satisfied
}

// Remaining returns a copy of the constraint bytes still to be reproduced.
func (s *ConstraintState) Remaining() []byte {
	if s.Satisfied() {
		return nil
	}

	out := make([]byte, len(s.remaining))
	copy(out, s.remaining)
	return out
}

// Automaton is the stepwise constraint resolver: it masks per-step token
// distributions against the remaining constraint and advances the state on
// each sampled token until the constraint is satisfied. It holds no
// per-request state and is safe for concurrent use.
type Automaton struct {
	index *vocabulary.Index
	masks *maskCache
}

// NewAutomaton creates an Automaton over the given index. The mask cache is
// optional; a nil cache disables memoization of allowed-token sets.
func NewAutomaton(index *vocabulary.Index, masks *maskCache) *Automaton {
	return &Automaton{index: index, masks: masks}
}

// allowedTokens returns the ids eligible under the remaining constraint,
// consulting the mask cache first.
func (a *Automaton) allowedTokens(remaining []byte) []uint32 {
	if ids, ok := a.masks.Get(remaining); ok {
		return ids
	}

	ids := a.index.MatchConstraint(remaining).Allowed().UnsortedList()
	a.masks.Set(remaining, ids)
	return ids
}

// Filter masks the logit vector against the state's remaining constraint:
// every incompatible token is forced to -Inf so the caller's softmax assigns
// it zero probability and renormalizes the rest. Once the state is satisfied
// the input is returned unchanged.
//
// If no eligible token carries a finite logit, the state is forced to
// Satisfied and ErrUnsatisfiableConstraint is returned alongside the
// unmodified logits, so the caller can log and continue unconstrained.
func (a *Automaton) Filter(ctx context.Context, state *ConstraintState, logits []float32) ([]float32, error) {
	if state.Satisfied() {
		return logits, nil
	}

	if len(logits) != a.index.Size() {
		return nil, fmt.Errorf("logits length %d does not match vocabulary size %d",
			len(logits), a.index.Size())
	}

	allowed := a.allowedTokens(state.remaining)

	masked := make([]float32, len(logits))
	for i := range masked {
		masked[i] = negInf
	}

	viable := false
	for _, id := range allowed {
		masked[id] = logits[id]
		if logits[id] > negInf && !math.IsNaN(float64(logits[id])) {
			viable = true
		}
	}

	if !viable {
		klog.FromContext(ctx).V(logging.DEFAULT).Info(
			"no eligible token for healing constraint, abandoning healing",
			"remaining", string(state.remaining))
		state.remaining = nil
		state.satisfied = true
		return logits, ErrUnsatisfiableConstraint
	}

	return masked, nil
}

// FilterProbs is the probability-domain variant of Filter: incompatible
// tokens receive probability zero and the surviving mass is renormalized to
// sum to one.
func (a *Automaton) FilterProbs(ctx context.Context, state *ConstraintState, probs []float32) ([]float32, error) {
	if state.Satisfied() {
		return probs, nil
	}

	if len(probs) != a.index.Size() {
		return nil, fmt.Errorf("probs length %d does not match vocabulary size %d",
			len(probs), a.index.Size())
	}

	allowed := a.allowedTokens(state.remaining)

	masked := make([]float32, len(probs))
	var total float64
	for _, id := range allowed {
		masked[id] = probs[id]
		total += float64(probs[id])
	}

	if total <= 0 {
		klog.FromContext(ctx).V(logging.DEFAULT).Info(
			"no eligible token for healing constraint, abandoning healing",
			"remaining", string(state.remaining))
		state.remaining = nil
		state.satisfied = true
		return probs, ErrUnsatisfiableConstraint
	}

	for _, id := range allowed {
		masked[id] = float32(float64(masked[id]) / total)
	}

	return masked, nil
}

// Advance transitions the state on the token the caller's sampler drew.
// Exact matches and valid extensions terminate healing; valid prefixes strip
// the token's bytes off the front of the constraint. Sampling a token the
// mask excluded is a caller bug and returns an error without mutating state.
// Advancing a satisfied state is a no-op.
func (a *Automaton) Advance(state *ConstraintState, tokenID uint32) error {
	if state.Satisfied() {
		return nil
	}

	tokenBytes := a.index.Vocabulary().TokenBytes(tokenID)
	switch vocabulary.Classify(tokenBytes, state.remaining) {
	case vocabulary.ClassExactMatch, vocabulary.ClassValidExtension:
		state.remaining = nil
		state.satisfied = true
	case vocabulary.ClassValidPrefix:
		state.remaining = state.remaining[len(tokenBytes):]
	case vocabulary.ClassIncompatible:
		return fmt.Errorf("token %d (%q) is incompatible with remaining constraint %q",
			tokenID, tokenBytes, state.remaining)
	}

	return nil
}
