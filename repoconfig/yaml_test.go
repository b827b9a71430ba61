// Copyright 2024 Ridgelines, Inc.
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

package repoconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal(t *testing.T) {
	t.Run("parsesMapping", func(t *testing.T) {
		values, err := Unmarshal([]byte("greeting: hi\ncount: 3\n"))
		require.NoError(t, err)

		assert.Equal(t, "hi", values["greeting"])
		assert.Equal(t, 3, values["count"])
	})

	t.Run("emptyFile", func(t *testing.T) {
		values, err := Unmarshal([]byte("# only a comment\n"))
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("invalidYAML", func(t *testing.T) {
		_, err := Unmarshal([]byte("greeting: [unclosed\n"))
		assert.Error(t, err)
	})
}

func TestMerge(t *testing.T) {
	defaults := map[string]interface{}{
		"greeting": "hello",
		"enabled":  true,
	}

	t.Run("overridesWin", func(t *testing.T) {
		merged := Merge(defaults, map[string]interface{}{"greeting": "welcome"})

		assert.Equal(t, "welcome", merged["greeting"])
		assert.Equal(t, true, merged["enabled"])
	})

	t.Run("nilOverrides", func(t *testing.T) {
		merged := Merge(defaults, nil)
		assert.Equal(t, defaults, merged)
	})

	t.Run("inputsUnchanged", func(t *testing.T) {
		_ = Merge(defaults, map[string]interface{}{"greeting": "welcome"})
		assert.Equal(t, "hello", defaults["greeting"])
	})
}
