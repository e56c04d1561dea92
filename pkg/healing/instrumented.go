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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-token-healing/pkg/healing/metrics"
)

// instrumentedHealer decorates a Healer with Prometheus metrics.
type instrumentedHealer struct {
	next Healer
}

var _ Healer = &instrumentedHealer{}

// NewInstrumentedHealer wraps a Healer so that preparations, discarded
// tokens, filter calls and abandoned constraints are recorded. Callers must
// have called metrics.Register() for the values to be exported.
func NewInstrumentedHealer(next Healer) Healer {
	return &instrumentedHealer{next: next}
}

func (m *instrumentedHealer) Prepare(ctx context.Context, promptTokens []uint32) ([]uint32, *ConstraintState, error) {
	truncated, state, err := m.next.Prepare(ctx, promptTokens)

	metrics.Prepares.Inc()
	if err == nil {
		if discarded := len(promptTokens) - len(truncated); discarded > 0 {
			metrics.HealedPrompts.Inc()
			metrics.DiscardedTokens.Add(float64(discarded))
			metrics.BackupDepth.Observe(float64(discarded))
		}
	}

	return truncated, state, err
}

func (m *instrumentedHealer) Filter(ctx context.Context, state *ConstraintState, logits []float32) ([]float32, error) {
	timer := prometheus.NewTimer(metrics.FilterLatency)
	defer timer.ObserveDuration()

	metrics.FilterRequests.Inc()

	masked, err := m.next.Filter(ctx, state, logits)
	if errors.Is(err, ErrUnsatisfiableConstraint) {
		metrics.UnsatisfiableConstraints.Inc()
	}

	return masked, err
}

func (m *instrumentedHealer) FilterProbs(ctx context.Context, state *ConstraintState, probs []float32) ([]float32, error) {
	timer := prometheus.NewTimer(metrics.FilterLatency)
	defer timer.ObserveDuration()

	metrics.FilterRequests.Inc()

	masked, err := m.next.FilterProbs(ctx, state, probs)
	if errors.Is(err, ErrUnsatisfiableConstraint) {
		metrics.UnsatisfiableConstraints.Inc()
	}

	return masked, err
}

func (m *instrumentedHealer) Advance(state *ConstraintState, tokenID uint32) error {
	return m.next.Advance(state, tokenID)
}
