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

import (
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// Matches evaluates the query's shortcut filters and condition tree
// against one meta record. Pagination and sorts are not applied here.
func Matches(m *resource.Meta, q *Query) (bool, error) {
	if q == nil {
		return true, nil
	}
	if q.IsDeleted != nil && m.IsDeleted != *q.IsDeleted {
		return false, nil
	}
	if q.CreatedTimeStart != nil && m.CreatedTime.Before(*q.CreatedTimeStart) {
		return false, nil
	}
	if q.CreatedTimeEnd != nil && m.CreatedTime.After(*q.CreatedTimeEnd) {
		return false, nil
	}
	if q.UpdatedTimeStart != nil && m.UpdatedTime.Before(*q.UpdatedTimeStart) {
		return false, nil
	}
	if q.UpdatedTimeEnd != nil && m.UpdatedTime.After(*q.UpdatedTimeEnd) {
		return false, nil
	}
	if q.CreatedBy != "" && m.CreatedBy != q.CreatedBy {
		return false, nil
	}
	if q.UpdatedBy != "" && m.UpdatedBy != q.UpdatedBy {
		return false, nil
	}
	if q.Conditions == nil {
		return true, nil
	}
	return evalNode(m, q.Conditions)
}

func evalNode(m *resource.Meta, n Node) (bool, error) {
	switch t := n.(type) {
	case *Condition:
		return evalCondition(m, t)
	case *Group:
		return evalGroup(m, t)
	default:
		return false, errors.Errorf("query: unknown node type %T", n)
	}
}

func evalGroup(m *resource.Meta, g *Group) (bool, error) {
	switch g.Logic {
	case LogicAnd, LogicNot:
		all := true
		for _, n := range g.Nodes {
			ok, err := evalNode(m, n)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if g.Logic == LogicNot {
			return !all, nil
		}
		return all, nil
	case LogicOr:
		for _, n := range g.Nodes {
			ok, err := evalNode(m, n)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, errors.Errorf("query: unknown logic op %q", g.Logic)
	}
}

// FieldValue resolves a field path against a meta record. The second
// return reports whether the path is present at all.
func FieldValue(m *resource.Meta, path string) (interface{}, bool) {
	switch path {
	case MetaFieldResourceID:
		return m.ResourceID, true
	case MetaFieldCreatedTime:
		return m.CreatedTime, true
	case MetaFieldUpdatedTime:
		return m.UpdatedTime, true
	case MetaFieldCreatedBy:
		return m.CreatedBy, true
	case MetaFieldUpdatedBy:
		return m.UpdatedBy, true
	case MetaFieldIsDeleted:
		return m.IsDeleted, true
	case MetaFieldSchemaVersion:
		return m.SchemaVersion, true
	}
	return lookupPath(m.IndexedData, path)
}

// lookupPath descends nested maps along a dotted path.
func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
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

func evalCondition(m *resource.Meta, c *Condition) (bool, error) {
	val, present := FieldValue(m, c.FieldPath)
	if c.Transform == TransformLength {
		val, present = lengthOf(val, present)
	}

	switch c.Op {
	case OpExists:
		return present, nil
	case OpIsNull:
		return present && val == nil, nil
	case OpIsNA:
		return !present || val == nil, nil
	}

	if !present {
		// a missing field satisfies nothing but the presence operators
		// and not_in_list
		return c.Op == OpNotInList, nil
	}

	target := NormalizeValue(c.Value)
	val = NormalizeValue(val)

	switch c.Op {
	case OpEq:
		return valuesEqual(val, target), nil
	case OpNe:
		return !valuesEqual(val, target), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareValues(val, target)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpContains:
		if list, ok := val.([]interface{}); ok {
			for _, item := range list {
				if valuesEqual(item, target) {
					return true, nil
				}
			}
			return false, nil
		}
		s, ok1 := val.(string)
		sub, ok2 := target.(string)
		return ok1 && ok2 && strings.Contains(s, sub), nil
	case OpStartsWith:
		s, ok1 := val.(string)
		prefix, ok2 := target.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix), nil
	case OpEndsWith:
		s, ok1 := val.(string)
		suffix, ok2 := target.(string)
		return ok1 && ok2 && strings.HasSuffix(s, suffix), nil
	case OpRegex:
		s, ok1 := val.(string)
		pattern, ok2 := target.(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, errors.Wrapf(err, "query: bad regex %q", pattern)
		}
		return re.MatchString(s), nil
	case OpInList:
		list, ok := target.([]interface{})
		if !ok {
			return false, nil
		}
		for _, item := range list {
			if valuesEqual(val, item) {
				return true, nil
			}
		}
		return false, nil
	case OpNotInList:
		list, ok := target.([]interface{})
		if !ok {
			return true, nil
		}
		for _, item := range list {
			if valuesEqual(val, item) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, errors.Errorf("query: unknown operator %q", c.Op)
	}
}

func lengthOf(val interface{}, present bool) (interface{}, bool) {
	if !present {
		return nil, false
	}
	switch t := NormalizeValue(val).(type) {
	case string:
		return int64(len(t)), true
	case []interface{}:
		return int64(len(t)), true
	default:
		return nil, true
	}
}

func valuesEqual(a, b interface{}) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(NormalizeValue(a), NormalizeValue(b))
}

// compareValues orders two scalars. The bool reports comparability.
func compareValues(a, b interface{}) (int, bool) {
	if at, ok := a.(time.Time); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt), true
		}
		return 0, false
	}
	if bt, ok := b.(time.Time); ok {
		if at, ok := toTime(a); ok {
			return at.Compare(bt), true
		}
		return 0, false
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	ab, aok2 := a.(bool)
	bb, bok2 := b.(bool)
	if aok2 && bok2 {
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		if f, ok := toFloat(v); ok {
			sec := int64(f)
			nsec := int64((f - float64(sec)) * 1e9)
			return time.Unix(sec, nsec), true
		}
		return time.Time{}, false
	}
}

// SortMetas orders metas in place according to the sort list. Without
// sorts the order is created_time ascending, resource id as tiebreak,
// so pagination stays deterministic.
func SortMetas(metas []*resource.Meta, sorts []Sort) {
	if len(sorts) == 0 {
		sorts = []Sort{{Type: SortMeta, Key: MetaFieldCreatedTime, Direction: Ascending}}
	}
	sort.SliceStable(metas, func(i, j int) bool {
		for _, s := range sorts {
			path := s.Key
			if s.Type == SortData {
				path = s.FieldPath
			}
			vi, _ := FieldValue(metas[i], path)
			vj, _ := FieldValue(metas[j], path)
			cmp, ok := compareValues(NormalizeValue(vi), NormalizeValue(vj))
			if !ok {
				// missing or incomparable values sort last
				switch {
				case vi == nil && vj == nil:
					continue
				case vi == nil:
					return false
				case vj == nil:
					return true
				default:
					continue
				}
			}
			if cmp == 0 {
				continue
			}
			if s.Direction == Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return metas[i].ResourceID < metas[j].ResourceID
	})
}

// Window applies offset and limit to a sorted result set. Negative
// values behave as unset, matching the SQL compilation.
func Window(metas []*resource.Meta, limit, offset int) []*resource.Meta {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(metas) {
		return []*resource.Meta{}
	}
	metas = metas[offset:]
	if limit > 0 && limit < len(metas) {
		metas = metas[:limit]
	}
	return metas
}
