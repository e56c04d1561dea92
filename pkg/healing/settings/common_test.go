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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-token-healing/pkg/healing/settings"
)

// testCommonStoreBehavior runs the behaviors every Store backend must share.
func testCommonStoreBehavior(t *testing.T, createStore func(t *testing.T) settings.Store) {
	t.Helper()

	t.Run("get absent returns nil", func(t *testing.T) {
		store := createStore(t)

		got, err := store.Get(t.Context(), "unknown-model")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("set then get", func(t *testing.T) {
		store := createStore(t)

		maxBackup := 1
		want := settings.ModelSettings{MaxBackupTokens: &maxBackup}
		require.NoError(t, store.Set(t.Context(), "model-a", want))

		got, err := store.Get(t.Context(), "model-a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)
	})

	t.Run("set overwrites", func(t *testing.T) {
		store := createStore(t)

		require.NoError(t, store.Set(t.Context(), "model-a", settings.ModelSettings{Disabled: true}))
		require.NoError(t, store.Set(t.Context(), "model-a", settings.ModelSettings{Disabled: false}))

		got, err := store.Get(t.Context(), "model-a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.False(t, got.Disabled)
	})

	t.Run("delete", func(t *testing.T) {
		store := createStore(t)

		require.NoError(t, store.Set(t.Context(), "model-a", settings.ModelSettings{Disabled: true}))
		require.NoError(t, store.Delete(t.Context(), "model-a"))

		got, err := store.Get(t.Context(), "model-a")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("models are independent", func(t *testing.T) {
		store := createStore(t)

		require.NoError(t, store.Set(t.Context(), "model-a", settings.ModelSettings{Disabled: true}))

		got, err := store.Get(t.Context(), "model-b")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
