// Copyright 2024 The emqx-go Authors
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

// Package extract turns JSON message payloads into flat, typed key/value
// pairs for the topic key index.
package extract

import (
	"bytes"
	"encoding/json"
)

// MaxDepth is the number of object levels that are flattened into dotted
// keys. Objects found below it are kept as JSON text.
const MaxDepth = 3

// Keys maps dotted key paths to their values.
type Keys map[string]Value

// Extract parses payload as strict JSON and flattens the root object.
// It returns nil when the payload is not JSON, when the root is not an
// object, or when the object yields no keys; callers then store the payload
// as opaque text.
func Extract(payload []byte) Keys {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	if !json.Valid(trimmed) {
		return nil
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &root); err != nil {
		return nil
	}

	keys := make(Keys)
	flatten(root, "", 0, keys)
	if len(keys) == 0 {
		return nil
	}
	return keys
}

func flatten(obj map[string]json.RawMessage, prefix string, depth int, out Keys) {
	for name, raw := range obj {
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}

		switch raw[0] {
		case '{':
			if depth+1 < MaxDepth {
				var child map[string]json.RawMessage
				if err := json.Unmarshal(raw, &child); err == nil {
					flatten(child, key, depth+1, out)
					continue
				}
			}
			out[key] = Nested(compact(raw))
		case '[':
			out[key] = Nested(compact(raw))
		case '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				out[key] = Nested(string(raw))
				continue
			}
			out[key] = String(s)
		case 't', 'f':
			out[key] = Bool(raw[0] == 't')
		case 'n':
			out[key] = Nested("null")
		default:
			var f float64
			if err := json.Unmarshal(raw, &f); err != nil {
				// Out of float64 range; keep the literal text.
				out[key] = Nested(string(raw))
				continue
			}
			v := Number(f)
			v.Raw = string(raw)
			out[key] = v
		}
	}
}

func compact(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
