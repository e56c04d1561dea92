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

package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-token-healing/pkg/utils"
	"github.com/llm-d/llm-d-token-healing/pkg/utils/logging"
)

// Warmer is the registry surface the event pool drives.
type Warmer interface {
	// Warm schedules a background healer build for the model.
	Warm(modelName string)
	// Evict drops the model's cached healer.
	Evict(modelName string)
}

// Config holds the configuration for the event processing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to connect to (e.g., "tcp://indexer:5557").
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter (e.g., "model@").
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		TopicFilter: "model@",
		Concurrency: 4,
	}
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the sequence number of the message.
	Seq uint64
	// PodIdentifier is the identifier of the pod that sent the event.
	// This will be extracted from the ZMQ topic.
	PodIdentifier string
}

// Pool is a sharded worker pool that processes events from a ZMQ subscriber.
// It ensures that events for the same PodIdentifier are processed in order.
type Pool struct {
	queues      []workqueue.TypedRateLimitingInterface[*Message]
	concurrency int
	subscriber  *zmqSubscriber
	warmer      Warmer
	wg          sync.WaitGroup
}

// NewPool creates a Pool with a sharded worker setup.
func NewPool(cfg *Config, warmer Warmer) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Pool{
		queues:      make([]workqueue.TypedRateLimitingInterface[*Message], cfg.Concurrency),
		concurrency: cfg.Concurrency,
		warmer:      warmer,
	}

	for i := 0; i < p.concurrency; i++ {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}

	p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	return p
}

// Start begins the worker pool and the ZMQ subscriber.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting sharded event processing pool", "workers", p.concurrency)

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		// Each worker is given its own dedicated queue shard.
		go p.worker(ctx, i)
	}

	go p.subscriber.Start(ctx)
}

// Shutdown gracefully stops the pool and its subscriber.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Shutting down event processing pool...")

	for _, queue := range p.queues {
		queue.ShutDown()
	}

	p.wg.Wait()
	logger.Info("event processing pool shut down.")
}

// AddTask is called by the subscriber to add a message to the processing queue.
// It hashes the PodIdentifier to select a queue, ensuring messages for the
// same pod always go to the same worker (ordered queue).
func (p *Pool) AddTask(task *Message) {
	// Use an FNV-1a hash to deterministically select a queue.
	h := fnv.New32a()
	_, err := h.Write([]byte(task.PodIdentifier))
	if err != nil {
		return
	}

	//nolint:gosec // if concurrency overflows then the world is in trouble anyway
	queueIndex := h.Sum32() % uint32(p.concurrency)
	p.queues[queueIndex].Add(task)
}

// worker is the main processing loop for a single worker goroutine.
// It processes messages from its dedicated queue using the workqueue pattern.
func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]
	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(task *Message) {
			defer queue.Done(task)
			p.processEvent(ctx, task)
			// Task succeeded, remove it from the queue.
			queue.Forget(task)
		}(task)

		// Check if context was cancelled after processing a task.
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processEvent deserializes the message payload and forwards each event to
// the warmer.
func (p *Pool) processEvent(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG)
	debugLogger.Info("Processing event", "topic", msg.Topic, "seq", msg.Seq)

	var eventBatch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &eventBatch); err != nil {
		// This is likely a "poison pill" message that can't be unmarshalled.
		// We log the error but do not retry it.
		debugLogger.Error(err, "Failed to unmarshal event batch, dropping message")
		return
	}

	events := make([]event, 0, len(eventBatch.Events))
	for _, rawEvent := range eventBatch.Events {
		parsed, err := decodeTaggedEvent(rawEvent)
		if err != nil {
			debugLogger.Error(err, "Failed to decode tagged event, skipping")
			continue
		}
		events = append(events, parsed)
	}

	debugLogger.Info("Decoded event batch", "ts", eventBatch.TS,
		"events", utils.SliceMap(events, func(e event) string {
			return e.ToTaggedUnion()[0].(string) //nolint:errcheck // tag is always a string
		}))

	for _, ev := range events {
		switch typed := ev.(type) {
		case ModelLoaded:
			p.warmer.Warm(typed.ModelName)
		case ModelRemoved:
			p.warmer.Evict(typed.ModelName)
		}
	}
}

// decodeTaggedEvent unpacks one tag-prefixed event array into its concrete
// event type.
func decodeTaggedEvent(raw msgpack.RawMessage) (event, error) {
	var taggedUnion []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &taggedUnion); err != nil {
		return nil, err
	}
	if len(taggedUnion) < 2 {
		return nil, fmt.Errorf("tagged union has %d parts, want at least 2", len(taggedUnion))
	}

	var tag string
	if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
		return nil, err
	}

	var modelName string
	if err := msgpack.Unmarshal(taggedUnion[1], &modelName); err != nil {
		return nil, err
	}

	switch tag {
	case ModelLoadedEventTag:
		return ModelLoaded{ModelName: modelName}, nil
	case ModelRemovedEventTag:
		return ModelRemoved{ModelName: modelName}, nil
	default:
		return nil, &UnknownEventError{Tag: tag}
	}
}

// UnknownEventError reports an event tag this subscriber does not handle.
type UnknownEventError struct {
	Tag string
}

func (e *UnknownEventError) Error() string {
	return "unknown event tag: " + e.Tag
}
