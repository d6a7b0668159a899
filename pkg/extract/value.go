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

package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Type is the inferred primitive type of an extracted value.
type Type string

const (
	TypeNumber  Type = "number"
	TypeString  Type = "string"
	TypeBoolean Type = "boolean"
	// TypeNested marks values kept as JSON text: arrays, null, and objects
	// below the flattening depth.
	TypeNested Type = "nested"
)

// Value is a tagged extracted value. Only the field selected by Type is
// meaningful, except Raw which always holds the JSON text of the value.
type Value struct {
	Type Type
	Num  float64
	Str  string
	Bool bool
	Raw  string
}

// Number returns a number value.
func Number(f float64) Value {
	return Value{Type: TypeNumber, Num: f, Raw: strconv.FormatFloat(f, 'g', -1, 64)}
}

// String returns a string value.
func String(s string) Value {
	raw, _ := json.Marshal(s)
	return Value{Type: TypeString, Str: s, Raw: string(raw)}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{Type: TypeBoolean, Bool: b, Raw: strconv.FormatBool(b)}
}

// Nested returns a value holding raw JSON text.
func Nested(raw string) Value {
	return Value{Type: TypeNested, Raw: raw}
}

// String renders the value the way it is stored as a topic key's last value:
// numbers and booleans in canonical form, strings unquoted, nested values as
// JSON text.
func (v Value) String() string {
	switch v.Type {
	case TypeNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case TypeString:
		return v.Str
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Raw
	}
}

// Interface returns the value as a plain Go value.
func (v Value) Interface() any {
	switch v.Type {
	case TypeNumber:
		return v.Num
	case TypeString:
		return v.Str
	case TypeBoolean:
		return v.Bool
	default:
		return json.RawMessage(v.Raw)
	}
}

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNumber:
		return v.Num == o.Num
	case TypeString:
		return v.Str == o.Str
	case TypeBoolean:
		return v.Bool == o.Bool
	default:
		return v.Raw == o.Raw
	}
}

type wireValue struct {
	Type  Type            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	switch v.Type {
	case TypeNumber:
		raw = json.RawMessage(strconv.FormatFloat(v.Num, 'g', -1, 64))
	case TypeString:
		b, err := json.Marshal(v.Str)
		if err != nil {
			return nil, err
		}
		raw = b
	case TypeBoolean:
		raw = json.RawMessage(strconv.FormatBool(v.Bool))
	case TypeNested:
		if v.Raw == "" {
			raw = json.RawMessage("null")
		} else {
			raw = json.RawMessage(v.Raw)
		}
	default:
		return nil, fmt.Errorf("extract: unknown value type %q", v.Type)
	}
	return json.Marshal(wireValue{Type: v.Type, Value: raw})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case TypeNumber:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return fmt.Errorf("extract: number value: %w", err)
		}
		*v = Number(f)
	case TypeString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("extract: string value: %w", err)
		}
		*v = String(s)
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return fmt.Errorf("extract: boolean value: %w", err)
		}
		*v = Bool(b)
	case TypeNested:
		*v = Nested(string(w.Value))
	default:
		return fmt.Errorf("extract: unknown value type %q", w.Type)
	}
	return nil
}
