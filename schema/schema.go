// Copyright 2023 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schema declares the typed field schemas of the emitted streams and
// converts raw API JSON elements into records conforming to them.
package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"github.com/stockparfait/errors"
)

// FieldType is the enum of declared field types. Each type has an explicit
// coercion from raw JSON values; anything that fails the coercion is a schema
// violation rather than a silently passed-through value.
type FieldType uint8

const (
	String FieldType = iota
	Number
	Integer
	Boolean
	Timestamp // coerced to Date; daily streams carry no time of day
	Object
)

var fieldTypeNames = map[FieldType]string{
	String:    "string",
	Number:    "number",
	Integer:   "integer",
	Boolean:   "boolean",
	Timestamp: "timestamp",
	Object:    "object",
}

// String converts the enum value to a string.
func (t FieldType) String() string {
	if s, ok := fieldTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON implements json.Marshaler, so a Schema prints with readable
// type names in the discovery catalog.
func (t FieldType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *FieldType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Annotate(err, "FieldType JSON must be a string")
	}
	for ft, name := range fieldTypeNames {
		if name == s {
			*t = ft
			return nil
		}
	}
	return errors.Reason("unknown field type: '%s'", s)
}

// Field is a single declared field of a stream schema. Required fields
// (primary keys and replication cursors) must be present and non-null in
// every record.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
}

// Schema is the ordered field schema of one stream.
type Schema []Field

// FieldNames lists the declared field names in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Get finds a field declaration by name.
func (s Schema) Get(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Select returns the sub-schema containing only the named fields, preserving
// the declared order. Required fields are always kept, so a catalog cannot
// deselect a primary key or a cursor.
func (s Schema) Select(names []string) Schema {
	selected := make(map[string]bool, len(names))
	for _, n := range names {
		selected[n] = true
	}
	var sub Schema
	for _, f := range s {
		if f.Required || selected[f.Name] {
			sub = append(sub, f)
		}
	}
	return sub
}

// Record is one emitted data row: field name -> coerced value. The values are
// string, float64, int64, bool, Date, map[string]interface{} or nil.
type Record map[string]interface{}

// ViolationError reports a record element that cannot be coerced to its
// declared schema. Essential marks violations of required fields, which always
// fail the stream; others may be skipped in lenient mode.
type ViolationError struct {
	Field     string
	Essential bool
	reason    string
}

func (e *ViolationError) Error() string {
	return "field '" + e.Field + "': " + e.reason
}

func violation(f Field, format string, args ...interface{}) *ViolationError {
	return &ViolationError{
		Field:     f.Name,
		Essential: f.Required,
		reason:    errors.Reason(format, args...).Error(),
	}
}

// IsEssentialViolation checks whether err is a schema violation of a required
// field anywhere in its chain.
func IsEssentialViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v) && v.Essential
}

// Coerce converts a raw JSON value to the declared field type. A nil input
// stays nil (a null field), which Map then checks against Required.
func Coerce(v interface{}, t FieldType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Number:
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, errors.Reason("'%s' is not a number", n)
			}
			return f, nil
		}
	case Integer:
		switch n := v.(type) {
		case float64:
			i := int64(n)
			if float64(i) != n {
				return nil, errors.Reason("%v is not an integer", n)
			}
			return i, nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, errors.Reason("'%s' is not an integer", n)
			}
			return i, nil
		}
	case Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Timestamp:
		if s, ok := v.(string); ok {
			d, err := NewDateFromString(s)
			if err != nil {
				return nil, errors.Annotate(err, "'%s' is not a timestamp", s)
			}
			return d, nil
		}
	case Object:
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
	}
	return nil, errors.Reason("expected %s but found %T: %v", t, v, v)
}

// ToSnakeCase converts a camelCase API field name to the snake_case name used
// in the declared schemas, e.g. adjClose -> adj_close.
func ToSnakeCase(camel string) string {
	var b strings.Builder
	runes := []rune(camel)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) ||
				(i+1 < len(runes) && !unicode.IsUpper(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Map converts one raw API element into a Record conforming to the schema.
// Raw keys are snake-cased before matching; undeclared raw fields are dropped.
// In lenient mode a failed coercion of a non-required field drops the field
// and reports its name in the second return value; violations of required
// fields always fail.
func (s Schema) Map(raw map[string]interface{}, lenient bool) (Record, []string, error) {
	byName := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		byName[ToSnakeCase(k)] = v
	}
	rec := make(Record, len(s))
	var skipped []string
	for _, f := range s {
		v, err := Coerce(byName[f.Name], f.Type)
		if err != nil {
			if !f.Required && lenient {
				skipped = append(skipped, f.Name)
				continue
			}
			return nil, skipped, violation(f, "%s", err.Error())
		}
		if v == nil && f.Required {
			return nil, skipped, violation(f, "required field is missing or null")
		}
		rec[f.Name] = v
	}
	return rec, skipped, nil
}
