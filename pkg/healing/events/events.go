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

// Package events subscribes to model-lifecycle events published by serving
// pods and keeps the healer registry warm: a model load triggers a
// background vocabulary-index build, an unload drops the cached healer.
package events

import (
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// ModelLoadedEventTag is the tag for ModelLoaded events.
	ModelLoadedEventTag = "ModelLoaded"
	// ModelRemovedEventTag is the tag for ModelRemoved events.
	ModelRemovedEventTag = "ModelRemoved"
)

// event is a marker interface for model-lifecycle events.
type event interface {
	isEvent()
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events.
// It is encoded as an array to match the publisher's format.
type EventBatch struct {
	_      struct{} `msgpack:",array"`
	TS     float64
	Events []msgpack.RawMessage
}

// ModelLoaded event: a pod finished loading a model and will serve it.
type ModelLoaded struct {
	_         struct{} `msgpack:",array"`
	ModelName string
}

// ToTaggedUnion encodes the event as a tag-prefixed array.
func (ml ModelLoaded) ToTaggedUnion() []any {
	return []any{
		ModelLoadedEventTag,
		ml.ModelName,
	}
}

func (ModelLoaded) isEvent() {}

// ModelRemoved event: a pod unloaded a model.
type ModelRemoved struct {
	_         struct{} `msgpack:",array"`
	ModelName string
}

// ToTaggedUnion encodes the event as a tag-prefixed array.
func (mr ModelRemoved) ToTaggedUnion() []any {
	return []any{
		ModelRemovedEventTag,
		mr.ModelName,
	}
}

func (ModelRemoved) isEvent() {}
