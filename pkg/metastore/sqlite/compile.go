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

package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opencloud-eu/resmgr/pkg/query"
)

// compileSelect turns a query into a SELECT over resource_meta. The
// condition tree compiles to a WHERE clause with bind parameters only,
// field paths end up inside json_extract paths built from quoted
// segments. paged also emits ORDER BY, LIMIT and OFFSET.
func compileSelect(what string, q *query.Query, paged bool) (string, []interface{}, error) {
	var sb strings.Builder
	args := []interface{}{}
	fmt.Fprintf(&sb, "SELECT %s FROM resource_meta", what)

	where, whereArgs, err := compileWhere(q)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
		args = append(args, whereArgs...)
	}

	if paged {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(compileOrder(q))
		limit := -1
		offset := 0
		if q != nil {
			if q.Limit > 0 {
				limit = q.Limit
			}
			if q.Offset > 0 {
				offset = q.Offset
			}
		}
		fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", limit, offset)
	}
	return sb.String(), args, nil
}

func compileWhere(q *query.Query) (string, []interface{}, error) {
	if q == nil {
		return "", nil, nil
	}
	clauses := []string{}
	args := []interface{}{}

	if q.IsDeleted != nil {
		clauses = append(clauses, "is_deleted = ?")
		args = append(args, boolToInt(*q.IsDeleted))
	}
	if q.CreatedTimeStart != nil {
		clauses = append(clauses, "created_time >= ?")
		args = append(args, timeToUnix(*q.CreatedTimeStart))
	}
	if q.CreatedTimeEnd != nil {
		clauses = append(clauses, "created_time <= ?")
		args = append(args, timeToUnix(*q.CreatedTimeEnd))
	}
	if q.UpdatedTimeStart != nil {
		clauses = append(clauses, "updated_time >= ?")
		args = append(args, timeToUnix(*q.UpdatedTimeStart))
	}
	if q.UpdatedTimeEnd != nil {
		clauses = append(clauses, "updated_time <= ?")
		args = append(args, timeToUnix(*q.UpdatedTimeEnd))
	}
	if q.CreatedBy != "" {
		clauses = append(clauses, "created_by = ?")
		args = append(args, q.CreatedBy)
	}
	if q.UpdatedBy != "" {
		clauses = append(clauses, "updated_by = ?")
		args = append(args, q.UpdatedBy)
	}
	if q.Conditions != nil {
		clause, treeArgs, err := compileNode(q.Conditions)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, treeArgs...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func compileNode(n query.Node) (string, []interface{}, error) {
	switch t := n.(type) {
	case *query.Condition:
		return compileCondition(t)
	case *query.Group:
		return compileGroup(t)
	default:
		return "", nil, errors.Errorf("sqlite: unknown query node type %T", n)
	}
}

func compileGroup(g *query.Group) (string, []interface{}, error) {
	if len(g.Nodes) == 0 {
		return "1", nil, nil
	}
	parts := make([]string, 0, len(g.Nodes))
	args := []interface{}{}
	for _, n := range g.Nodes {
		clause, nodeArgs, err := compileNode(n)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, clause)
		args = append(args, nodeArgs...)
	}
	switch g.Logic {
	case query.LogicAnd:
		return "(" + strings.Join(parts, " AND ") + ")", args, nil
	case query.LogicOr:
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	case query.LogicNot:
		return "NOT (" + strings.Join(parts, " AND ") + ")", args, nil
	default:
		return "", nil, errors.Errorf("sqlite: unknown logic op %q", g.Logic)
	}
}

// jsonPath builds a json_extract path from a dotted field path, quoting
// each segment so dots in the SQL path cannot be injected through field
// names.
func jsonPath(fieldPath string) string {
	segments := strings.Split(fieldPath, ".")
	var sb strings.Builder
	sb.WriteByte('$')
	for _, seg := range segments {
		sb.WriteString(`."`)
		sb.WriteString(strings.ReplaceAll(seg, `"`, ``))
		sb.WriteByte('"')
	}
	return sb.String()
}

type compiledField struct {
	// expr extracts the field value
	expr string
	// typeExpr yields the JSON type, or "" for meta columns
	typeExpr string
	meta     bool
	numeric  string // CAST expression for ordering comparisons
}

func compileField(c *query.Condition) (compiledField, error) {
	if query.IsMetaField(c.FieldPath) {
		f := compiledField{expr: c.FieldPath, meta: true, numeric: c.FieldPath}
		if c.Transform == query.TransformLength {
			f.expr = fmt.Sprintf("length(%s)", c.FieldPath)
			f.numeric = f.expr
		}
		return f, nil
	}
	path := jsonPath(c.FieldPath)
	f := compiledField{
		expr:     fmt.Sprintf("json_extract(indexed_data, '%s')", path),
		typeExpr: fmt.Sprintf("json_type(indexed_data, '%s')", path),
	}
	if c.Transform == query.TransformLength {
		f.expr = fmt.Sprintf(
			"(CASE %s WHEN 'text' THEN length(%s) WHEN 'array' THEN json_array_length(indexed_data, '%s') END)",
			f.typeExpr, f.expr, path)
		f.numeric = f.expr
		return f, nil
	}
	f.numeric = fmt.Sprintf("CAST(%s AS REAL)", f.expr)
	return f, nil
}

// bindValue converts a normalized condition value to its SQL binding.
// Times bind as unix seconds against meta columns and as RFC3339
// strings against indexed data, matching how each side is stored.
func bindValue(v interface{}, meta bool) interface{} {
	switch t := v.(type) {
	case time.Time:
		if meta {
			return timeToUnix(t)
		}
		return t.Format(time.RFC3339Nano)
	case bool:
		return boolToInt(t)
	default:
		return v
	}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func compileCondition(c *query.Condition) (string, []interface{}, error) {
	f, err := compileField(c)
	if err != nil {
		return "", nil, err
	}
	value := query.NormalizeValue(c.Value)

	switch c.Op {
	case query.OpExists:
		if f.meta {
			return "1", nil, nil
		}
		return fmt.Sprintf("%s IS NOT NULL", f.typeExpr), nil, nil
	case query.OpIsNull:
		if f.meta {
			return fmt.Sprintf("%s IS NULL", f.expr), nil, nil
		}
		return fmt.Sprintf("%s = 'null'", f.typeExpr), nil, nil
	case query.OpIsNA:
		if f.meta {
			return fmt.Sprintf("%s IS NULL", f.expr), nil, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s = 'null')", f.typeExpr, f.typeExpr), nil, nil
	}

	switch c.Op {
	case query.OpEq, query.OpNe:
		op := "="
		if c.Op == query.OpNe {
			op = "!="
		}
		if list, ok := value.([]interface{}); ok && !f.meta {
			// whole-array equality compares normalized JSON text
			encoded, err := json.Marshal(list)
			if err != nil {
				return "", nil, errors.Wrap(err, "sqlite: error encoding list value")
			}
			return fmt.Sprintf("json(%s) %s json(?)", f.expr, op), []interface{}{string(encoded)}, nil
		}
		return fmt.Sprintf("%s %s ?", f.expr, op), []interface{}{bindValue(value, f.meta)}, nil

	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		op := map[query.Operator]string{
			query.OpGt: ">", query.OpGte: ">=", query.OpLt: "<", query.OpLte: "<=",
		}[c.Op]
		expr := f.expr
		if _, isNum := toNumeric(value); isNum {
			expr = f.numeric
		}
		return fmt.Sprintf("%s %s ?", expr, op), []interface{}{bindValue(value, f.meta)}, nil

	case query.OpContains:
		s, isString := value.(string)
		if f.meta {
			if !isString {
				return "0", nil, nil
			}
			return fmt.Sprintf(`%s LIKE '%%' || ? || '%%' ESCAPE '\'`, f.expr),
				[]interface{}{escapeLike(s)}, nil
		}
		// substring match on strings, membership on arrays
		path := jsonPath(c.FieldPath)
		member := fmt.Sprintf(
			"(%s = 'array' AND EXISTS (SELECT 1 FROM json_each(indexed_data, '%s') WHERE json_each.value = ?))",
			f.typeExpr, path)
		if !isString {
			return member, []interface{}{bindValue(value, false)}, nil
		}
		substr := fmt.Sprintf(`(%s = 'text' AND %s LIKE '%%' || ? || '%%' ESCAPE '\')`,
			f.typeExpr, f.expr)
		return "(" + member + " OR " + substr + ")",
			[]interface{}{bindValue(value, false), escapeLike(s)}, nil

	case query.OpStartsWith:
		s, ok := value.(string)
		if !ok {
			return "0", nil, nil
		}
		return fmt.Sprintf(`%s LIKE ? || '%%' ESCAPE '\'`, f.expr), []interface{}{escapeLike(s)}, nil

	case query.OpEndsWith:
		s, ok := value.(string)
		if !ok {
			return "0", nil, nil
		}
		return fmt.Sprintf(`%s LIKE '%%' || ? ESCAPE '\'`, f.expr), []interface{}{escapeLike(s)}, nil

	case query.OpRegex:
		pattern, ok := value.(string)
		if !ok {
			return "0", nil, nil
		}
		return fmt.Sprintf("%s REGEXP ?", f.expr), []interface{}{pattern}, nil

	case query.OpInList, query.OpNotInList:
		list, ok := value.([]interface{})
		if !ok {
			if c.Op == query.OpNotInList {
				return "1", nil, nil
			}
			return "0", nil, nil
		}
		if len(list) == 0 {
			if c.Op == query.OpNotInList {
				return "1", nil, nil
			}
			return "0", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")
		args := make([]interface{}, 0, len(list))
		for _, item := range list {
			args = append(args, bindValue(item, f.meta))
		}
		if c.Op == query.OpInList {
			return fmt.Sprintf("%s IN (%s)", f.expr, placeholders), args, nil
		}
		// absent fields satisfy not_in_list
		if f.meta {
			return fmt.Sprintf("%s NOT IN (%s)", f.expr, placeholders), args, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", f.typeExpr, f.expr, placeholders), args, nil

	default:
		return "", nil, errors.Errorf("sqlite: unknown operator %q", c.Op)
	}
}

func toNumeric(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// compileOrder emits the ORDER BY expression list. Without sorts the
// order is created_time, resource_id, so pagination stays stable.
func compileOrder(q *query.Query) string {
	sorts := []query.Sort{}
	if q != nil {
		sorts = q.Sorts
	}
	if len(sorts) == 0 {
		return "created_time ASC, resource_id ASC"
	}
	parts := make([]string, 0, len(sorts)+1)
	for _, s := range sorts {
		dir := "ASC"
		if s.Direction == query.Descending {
			dir = "DESC"
		}
		if s.Type == query.SortMeta && query.IsMetaField(s.Key) {
			parts = append(parts, fmt.Sprintf("%s %s", s.Key, dir))
			continue
		}
		path := s.FieldPath
		if path == "" {
			path = s.Key
		}
		parts = append(parts,
			fmt.Sprintf("json_extract(indexed_data, '%s') %s", jsonPath(path), dir))
	}
	parts = append(parts, "resource_id ASC")
	return strings.Join(parts, ", ")
}
