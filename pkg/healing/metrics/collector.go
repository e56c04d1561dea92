// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Prepares counts how many Prepare() calls have been made.
	Prepares = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenhealing", Subsystem: "healer", Name: "prepares_total",
		Help: "Total number of prompt preparations",
	})
	// HealedPrompts counts prompts whose boundary was actually backed up.
	HealedPrompts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenhealing", Subsystem: "healer", Name: "healed_prompts_total",
		Help: "Number of prompts with at least one discarded trailing token",
	})
	// DiscardedTokens counts trailing tokens discarded across all prompts.
	DiscardedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenhealing", Subsystem: "healer", Name: "discarded_tokens_total",
		Help: "Total number of trailing prompt tokens discarded for healing",
	})
	// FilterRequests counts how many Filter() calls have been made.
	FilterRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenhealing", Subsystem: "healer", Name: "filter_requests_total",
		Help: "Total number of per-step distribution filter calls",
	})
	// UnsatisfiableConstraints counts constraints abandoned mid-flight.
	UnsatisfiableConstraints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenhealing", Subsystem: "healer", Name: "unsatisfiable_constraints_total",
		Help: "Number of healing constraints abandoned because no token was eligible",
	})
	// FilterLatency logs latency of filter calls.
	FilterLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tokenhealing", Subsystem: "healer", Name: "filter_latency_seconds",
		Help:    "Latency of Filter calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
	// BackupDepth observes how many tokens each healed prompt backed up.
	BackupDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tokenhealing", Subsystem: "healer", Name: "backup_depth",
		Help:    "Distribution of discarded trailing tokens per healed prompt",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Prepares, HealedPrompts, DiscardedTokens,
		FilterRequests, UnsatisfiableConstraints,
		FilterLatency, BackupDepth,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func counterValue(c prometheus.Counter) (float64, bool) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, false
	}
	return m.GetCounter().GetValue(), true
}

func logMetrics(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("tokenhealing.metrics")

	prepares, ok := counterValue(Prepares)
	if !ok {
		return
	}
	healed, ok := counterValue(HealedPrompts)
	if !ok {
		return
	}
	discarded, ok := counterValue(DiscardedTokens)
	if !ok {
		return
	}
	filters, ok := counterValue(FilterRequests)
	if !ok {
		return
	}
	unsatisfiable, ok := counterValue(UnsatisfiableConstraints)
	if !ok {
		return
	}

	var latencyMetric dto.Metric
	if err := FilterLatency.Write(&latencyMetric); err != nil {
		return
	}
	latencyCount := latencyMetric.GetHistogram().GetSampleCount()
	latencySum := latencyMetric.GetHistogram().GetSampleSum()

	avgLatency := 0.0
	if latencyCount > 0 {
		avgLatency = latencySum / float64(latencyCount)
	}

	logger.Info("healing metrics",
		"prepares", prepares,
		"healed-prompts", healed,
		"discarded-tokens", discarded,
		"filter-requests", filters,
		"unsatisfiable-constraints", unsatisfiable,
		"avg-filter-latency-seconds", avgLatency,
	)
}
