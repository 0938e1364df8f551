// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package manager

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// toMap converts a record to its generic JSON shape. The JSON round
// trip applies the same field names and omissions the wire encoding
// uses, so indexed field paths match what clients send in queries.
func toMap(rec interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "manager: error encoding record")
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "manager: error decoding record")
	}
	return out, nil
}

// project computes the indexed_data projection of a record. With
// configured indexed fields only those paths are copied, otherwise the
// whole payload is indexed.
func (m *Manager[T]) project(rec *T) (map[string]interface{}, error) {
	full, err := toMap(rec)
	if err != nil {
		return nil, err
	}
	if len(m.indexedFields) == 0 {
		return full, nil
	}
	out := map[string]interface{}{}
	for _, path := range m.indexedFields {
		v, ok := lookupDotted(full, path)
		if !ok {
			continue
		}
		setDotted(out, path, v)
	}
	return out, nil
}

// splitPath accepts both JSON-Pointer-style paths ("/user/email") and
// dotted paths ("user.email") and returns the segments.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if strings.Contains(path, "/") {
		return strings.Split(path, "/")
	}
	return strings.Split(path, ".")
}

func lookupDotted(data map[string]interface{}, path string) (interface{}, bool) {
	segments := splitPath(path)
	var current interface{} = data
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setDotted(data map[string]interface{}, path string, v interface{}) {
	segments := strings.Split(path, ".")
	current := data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = v
}
