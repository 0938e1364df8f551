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

package query

import "time"

// FieldRef is a fluent handle on a field path; its methods produce
// condition leaves.
//
//	query.Field("price").Between(40, 60)
//	query.Field("tags").Length().Gte(2)
type FieldRef struct {
	path      string
	transform Transform
}

// Field returns a reference to a field path. Meta field names
// (created_time, is_deleted, ...) address meta fields, everything else
// addresses indexed payload fields.
func Field(path string) FieldRef { return FieldRef{path: path} }

// Length applies the length transform to the field.
func (f FieldRef) Length() FieldRef {
	f.transform = TransformLength
	return f
}

func (f FieldRef) cond(op Operator, v interface{}) *Condition {
	return &Condition{FieldPath: f.path, Op: op, Value: NormalizeValue(v), Transform: f.transform}
}

// Eq compares for equality.
func (f FieldRef) Eq(v interface{}) *Condition { return f.cond(OpEq, v) }

// Ne compares for inequality.
func (f FieldRef) Ne(v interface{}) *Condition { return f.cond(OpNe, v) }

// Gt compares greater than.
func (f FieldRef) Gt(v interface{}) *Condition { return f.cond(OpGt, v) }

// Gte compares greater than or equal.
func (f FieldRef) Gte(v interface{}) *Condition { return f.cond(OpGte, v) }

// Lt compares less than.
func (f FieldRef) Lt(v interface{}) *Condition { return f.cond(OpLt, v) }

// Lte compares less than or equal.
func (f FieldRef) Lte(v interface{}) *Condition { return f.cond(OpLte, v) }

// Contains matches substrings of strings and members of lists.
func (f FieldRef) Contains(v interface{}) *Condition { return f.cond(OpContains, v) }

// StartsWith matches string prefixes.
func (f FieldRef) StartsWith(v string) *Condition { return f.cond(OpStartsWith, v) }

// EndsWith matches string suffixes.
func (f FieldRef) EndsWith(v string) *Condition { return f.cond(OpEndsWith, v) }

// Regex matches against a regular expression.
func (f FieldRef) Regex(pattern string) *Condition { return f.cond(OpRegex, pattern) }

// In matches any of the given values.
func (f FieldRef) In(vs ...interface{}) *Condition { return f.cond(OpInList, vs) }

// NotIn matches none of the given values.
func (f FieldRef) NotIn(vs ...interface{}) *Condition { return f.cond(OpNotInList, vs) }

// IsNull matches fields that are present and null.
func (f FieldRef) IsNull() *Condition { return f.cond(OpIsNull, nil) }

// Exists matches fields that are present, null or not.
func (f FieldRef) Exists() *Condition { return f.cond(OpExists, nil) }

// IsNA matches fields that are absent or null.
func (f FieldRef) IsNA() *Condition { return f.cond(OpIsNA, nil) }

// Between matches values in the inclusive range [lo, hi].
func (f FieldRef) Between(lo, hi interface{}) *Group {
	return And(f.cond(OpGte, lo), f.cond(OpLte, hi))
}

// Asc sorts ascending by this field.
func (f FieldRef) Asc() Sort { return f.sort(Ascending) }

// Desc sorts descending by this field.
func (f FieldRef) Desc() Sort { return f.sort(Descending) }

func (f FieldRef) sort(d Direction) Sort {
	if IsMetaField(f.path) {
		return Sort{Type: SortMeta, Key: f.path, Direction: d}
	}
	return Sort{Type: SortData, FieldPath: f.path, Direction: d}
}

// And joins nodes conjunctively.
func And(nodes ...Node) *Group { return &Group{Logic: LogicAnd, Nodes: nodes} }

// Or joins nodes disjunctively.
func Or(nodes ...Node) *Group { return &Group{Logic: LogicOr, Nodes: nodes} }

// Not negates a node.
func Not(node Node) *Group { return &Group{Logic: LogicNot, Nodes: []Node{node}} }

// Builder assembles a Query step by step.
type Builder struct {
	q Query
}

// NewBuilder returns an empty query builder.
func NewBuilder() *Builder { return &Builder{} }

// Where ANDs a node into the condition tree.
func (b *Builder) Where(n Node) *Builder {
	if n == nil {
		return b
	}
	if b.q.Conditions == nil {
		if g, ok := n.(*Group); ok && g.Logic == LogicAnd {
			b.q.Conditions = g
			return b
		}
		b.q.Conditions = And(n)
		return b
	}
	if b.q.Conditions.Logic == LogicAnd {
		b.q.Conditions.Nodes = append(b.q.Conditions.Nodes, n)
		return b
	}
	b.q.Conditions = And(b.q.Conditions, n)
	return b
}

// SortBy appends sorts.
func (b *Builder) SortBy(sorts ...Sort) *Builder {
	b.q.Sorts = append(b.q.Sorts, sorts...)
	return b
}

// Limit caps the number of results. Zero means unlimited.
func (b *Builder) Limit(n int) *Builder {
	b.q.Limit = n
	return b
}

// Offset skips the first n results.
func (b *Builder) Offset(n int) *Builder {
	b.q.Offset = n
	return b
}

// Page sets limit and offset from a zero-based page number.
func (b *Builder) Page(page, size int) *Builder {
	b.q.Limit = size
	b.q.Offset = page * size
	return b
}

// Deleted constrains the soft-delete flag.
func (b *Builder) Deleted(deleted bool) *Builder {
	b.q.IsDeleted = &deleted
	return b
}

// CreatedAfter constrains created_time >= t.
func (b *Builder) CreatedAfter(t time.Time) *Builder {
	b.q.CreatedTimeStart = &t
	return b
}

// CreatedBefore constrains created_time <= t.
func (b *Builder) CreatedBefore(t time.Time) *Builder {
	b.q.CreatedTimeEnd = &t
	return b
}

// UpdatedAfter constrains updated_time >= t.
func (b *Builder) UpdatedAfter(t time.Time) *Builder {
	b.q.UpdatedTimeStart = &t
	return b
}

// UpdatedBefore constrains updated_time <= t.
func (b *Builder) UpdatedBefore(t time.Time) *Builder {
	b.q.UpdatedTimeEnd = &t
	return b
}

// CreatedBy constrains the creator.
func (b *Builder) CreatedBy(subject string) *Builder {
	b.q.CreatedBy = subject
	return b
}

// UpdatedBy constrains the last writer.
func (b *Builder) UpdatedBy(subject string) *Builder {
	b.q.UpdatedBy = subject
	return b
}

// Build returns the assembled query.
func (b *Builder) Build() *Query {
	q := b.q
	return &q
}
