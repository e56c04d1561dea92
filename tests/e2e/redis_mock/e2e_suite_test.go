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
	"context"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/llm-d/llm-d-token-healing/pkg/healing"
	"github.com/llm-d/llm-d-token-healing/pkg/healing/settings"
	"github.com/llm-d/llm-d-token-healing/pkg/vocabulary"
)

const defaultModelName = "test-org/byte-level-model"

// testWords are the multi-byte vocabulary entries layered over the byte
// alphabet for the e2e model.
var testWords = []string{
	"The", " answer", " is",
	" ever", " every", " everything",
	" fine", "fine",
}

// staticVocabularySource serves one fixed vocabulary for every model and
// counts fetches, so tests can observe healer builds and rebuilds.
type staticVocabularySource struct {
	vocab   *vocabulary.Vocabulary
	fetches atomic.Int32
}

func (s *staticVocabularySource) Vocabulary(_ context.Context, _ string) (*vocabulary.Vocabulary, error) {
	s.fetches.Add(1)
	return s.vocab, nil
}

// HealingSuite defines a testify test suite for end-to-end testing of the
// healer registry against a Redis-backed settings store. It uses a mock
// Redis server (miniredis) and a byte-level vocabulary.
type HealingSuite struct {
	suite.Suite

	ctx      context.Context
	cancel   context.CancelFunc
	server   *miniredis.Miniredis
	rdb      *redis.Client
	source   *staticVocabularySource
	index    *vocabulary.Index
	registry *healing.Registry
}

// SetupTest initializes the mock Redis, the vocabulary source and the
// registry before each test.
func (s *HealingSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.server, err = miniredis.Run()
	s.Require().NoError(err)

	s.rdb = redis.NewClient(&redis.Options{Addr: s.server.Addr()})

	table := make([][]byte, 0, 256+len(testWords))
	for b := 0; b < 256; b++ {
		table = append(table, []byte{byte(b)})
	}
	for _, w := range testWords {
		table = append(table, []byte(w))
	}

	vocab, err := vocabulary.New(table)
	s.Require().NoError(err)

	s.source = &staticVocabularySource{vocab: vocab}
	s.index = vocabulary.BuildIndex(vocab)

	config := healing.DefaultRegistryConfig()
	config.SettingsConfig = &settings.Config{
		RedisConfig: &settings.RedisConfig{Address: s.server.Addr()},
	}

	s.registry, err = healing.NewRegistry(config, s.source)
	s.Require().NoError(err)

	go s.registry.Run(s.ctx)
}

// TearDownTest cleans up resources and stops the mock Redis after each test.
func (s *HealingSuite) TearDownTest() {
	s.cancel()
	if s.server != nil {
		s.server.Close()
	}
}

// encodePrompt greedily tokenizes a prompt with the e2e vocabulary.
func (s *HealingSuite) encodePrompt(text string) []uint32 {
	tokens, err := s.index.GreedyEncode([]byte(text))
	s.Require().NoError(err)
	s.Require().NotEmpty(tokens)
	return tokens
}

// TestHealingSuite runs the HealingSuite using testify's suite runner.
func TestHealingSuite(t *testing.T) {
	suite.Run(t, new(HealingSuite))
}
