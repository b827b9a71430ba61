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
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Unmarshal parses b as a YAML mapping with string keys. An empty or
// all-comment file parses to an empty mapping.
func Unmarshal(b []byte) (map[string]interface{}, error) {
	var values map[string]interface{}
	if err := yaml.Unmarshal(b, &values); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if values == nil {
		values = make(map[string]interface{})
	}
	return values, nil
}

// Merge returns a new mapping with every key of defaults, overwritten by
// any key that overrides also defines. The merge is shallow: nested
// mappings are replaced, not combined. Neither input is modified.
func Merge(defaults, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
