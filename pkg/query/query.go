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

// Package query models filter trees, sorts and pagination over
// resource metadata and indexed payload fields. The AST is built at
// runtime from field path strings; each meta store translates it into
// its own query plan in one place.
package query

import (
	"reflect"
	"time"
)

// Operator is a comparison operator of a condition leaf.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpRegex      Operator = "regex"
	OpInList     Operator = "in_list"
	OpNotInList  Operator = "not_in_list"
	OpIsNull     Operator = "is_null"
	OpExists     Operator = "exists"
	OpIsNA       Operator = "isna"
)

// Transform is a unary operation applied to the field value before the
// operator is evaluated.
type Transform string

const (
	// TransformIdentity compares the value as is.
	TransformIdentity Transform = ""
	// TransformLength compares the length of a string or array.
	TransformLength Transform = "length"
)

// LogicOp joins the nodes of a group.
type LogicOp string

const (
	LogicAnd LogicOp = "and"
	LogicOr  LogicOp = "or"
	LogicNot LogicOp = "not"
)

// Node is a node of the condition tree: either a *Condition leaf or a
// *Group.
type Node interface {
	isNode()
}

// Condition is a leaf comparing one field against a value.
type Condition struct {
	FieldPath string      `json:"field_path"`
	Op        Operator    `json:"operator"`
	Value     interface{} `json:"value,omitempty"`
	Transform Transform   `json:"field_transform,omitempty"`
}

func (*Condition) isNode() {}

// Group combines child nodes with a logical operator. A "not" group
// negates the conjunction of its children.
type Group struct {
	Logic LogicOp `json:"logic_op"`
	Nodes []Node  `json:"conditions"`
}

func (*Group) isNode() {}

// SortType distinguishes meta key sorts from data field sorts.
type SortType string

const (
	SortMeta SortType = "meta"
	SortData SortType = "data"
)

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "+"
	Descending Direction = "-"
)

// Sort orders results either by a meta key (created_time, updated_time,
// resource_id) or by an indexed data field path.
type Sort struct {
	Type      SortType  `json:"type"`
	Key       string    `json:"key,omitempty"`
	FieldPath string    `json:"field_path,omitempty"`
	Direction Direction `json:"direction"`
}

// Query is a filter over resource metadata. The explicit shortcut
// fields are additive AND constraints on top of Conditions.
type Query struct {
	Conditions *Group `json:"conditions,omitempty"`
	Sorts      []Sort `json:"sorts,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`

	IsDeleted        *bool      `json:"is_deleted,omitempty"`
	CreatedTimeStart *time.Time `json:"created_time_start,omitempty"`
	CreatedTimeEnd   *time.Time `json:"created_time_end,omitempty"`
	UpdatedTimeStart *time.Time `json:"updated_time_start,omitempty"`
	UpdatedTimeEnd   *time.Time `json:"updated_time_end,omitempty"`
	CreatedBy        string     `json:"created_by,omitempty"`
	UpdatedBy        string     `json:"updated_by,omitempty"`
}

// Clone returns a shallow copy with an independent shortcut set. The
// condition tree is shared; trees are treated as immutable.
func (q *Query) Clone() *Query {
	if q == nil {
		return &Query{}
	}
	c := *q
	c.Sorts = append([]Sort(nil), q.Sorts...)
	return &c
}

// Meta field keys that resolve to meta columns instead of indexed data.
const (
	MetaFieldResourceID    = "resource_id"
	MetaFieldCreatedTime   = "created_time"
	MetaFieldUpdatedTime   = "updated_time"
	MetaFieldCreatedBy     = "created_by"
	MetaFieldUpdatedBy     = "updated_by"
	MetaFieldIsDeleted     = "is_deleted"
	MetaFieldSchemaVersion = "schema_version"
)

// IsMetaField reports whether a field path addresses a meta field
// rather than an indexed payload field. The resolution happens here,
// once, so the backends never re-decide it per leaf.
func IsMetaField(path string) bool {
	switch path {
	case MetaFieldResourceID, MetaFieldCreatedTime, MetaFieldUpdatedTime,
		MetaFieldCreatedBy, MetaFieldUpdatedBy, MetaFieldIsDeleted,
		MetaFieldSchemaVersion:
		return true
	}
	return false
}

// NormalizeValue coerces a bind value to its underlying plain
// representation: named string/int/float/bool types (enums) become
// their base value, slices become []interface{} of normalized
// elements. time.Time and nil pass through.
func NormalizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if t, ok := v.(time.Time); ok {
		return t
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = NormalizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		for _, k := range rv.MapKeys() {
			out[toString(k.Interface())] = NormalizeValue(rv.MapIndex(k).Interface())
		}
		return out
	default:
		return v
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return ""
}
