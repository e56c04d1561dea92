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

package settings_test

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-token-healing/pkg/healing/settings"
)

// createRedisStoreForTesting creates a RedisStore backed by a mock Redis
// server for testing.
func createRedisStoreForTesting(t *testing.T) settings.Store {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)

	t.Cleanup(func() {
		server.Close()
	})

	store, err := settings.NewRedisStore(&settings.RedisConfig{
		Address: server.Addr(),
	})
	require.NoError(t, err)
	return store
}

func TestRedisStoreBehavior(t *testing.T) {
	testCommonStoreBehavior(t, createRedisStoreForTesting)
}
