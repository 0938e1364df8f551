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

// The qb wire parameter is a tiny expression language:
//
//	QB["price"].between(40, 60) & QB["tags"].length() >= 2
//	QB.filter(QB["name"].starts_with("W")).sort("-created_time").limit(10)
//
// It is parsed by a hand written lexer and recursive descent parser
// over a finite allowlist of methods and operators. This is a security
// boundary: anything outside the allowlist is rejected with a
// QueryParse error, there is no fallback to a general evaluator.
//
// Operator precedence, loose to tight: `|`, `&`, `~`, comparisons.
// Comparisons bind tighter than `&`/`|` so conjunctions of comparisons
// need no extra parentheses.

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
)

// ParseQB parses a qb expression into a query, using the wall clock
// for the relative date helpers.
func ParseQB(input string) (*Query, error) {
	return ParseQBAt(input, time.Now())
}

// ParseQBAt parses a qb expression with a pinned "now" for the
// relative date helpers (today, last_n_days, ...).
func ParseQBAt(input string, now time.Time) (*Query, error) {
	p := &qbParser{lex: newQBLexer(input), now: now}
	if err := p.advance(); err != nil {
		return nil, err
	}
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.tok.text)
	}
	switch t := v.(type) {
	case qbNode:
		return NewBuilder().Where(t.node).Build(), nil
	case *qbQuery:
		return t.build(), nil
	default:
		return nil, errtypes.QueryParse("expression does not evaluate to a filter")
	}
}

// token kinds
type qbTokKind int

const (
	tokEOF qbTokKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokAmp
	tokPipe
	tokTilde
	tokMinus
	tokEq
	tokNe
	tokGt
	tokGte
	tokLt
	tokLte
)

type qbToken struct {
	kind qbTokKind
	text string
	pos  int
}

type qbLexer struct {
	input string
	pos   int
}

func newQBLexer(input string) *qbLexer { return &qbLexer{input: input} }

func (l *qbLexer) next() (qbToken, error) {
	for l.pos < len(l.input) && isSpace(l.input[l.pos]) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.input) {
		return qbToken{kind: tokEOF, pos: start}, nil
	}
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return qbToken{tokLParen, "(", start}, nil
	case c == ')':
		l.pos++
		return qbToken{tokRParen, ")", start}, nil
	case c == '[':
		l.pos++
		return qbToken{tokLBracket, "[", start}, nil
	case c == ']':
		l.pos++
		return qbToken{tokRBracket, "]", start}, nil
	case c == ',':
		l.pos++
		return qbToken{tokComma, ",", start}, nil
	case c == '.':
		l.pos++
		return qbToken{tokDot, ".", start}, nil
	case c == '&':
		l.pos++
		return qbToken{tokAmp, "&", start}, nil
	case c == '|':
		l.pos++
		return qbToken{tokPipe, "|", start}, nil
	case c == '~':
		l.pos++
		return qbToken{tokTilde, "~", start}, nil
	case c == '-':
		l.pos++
		return qbToken{tokMinus, "-", start}, nil
	case c == '=':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return qbToken{tokEq, "==", start}, nil
		}
		return qbToken{}, errtypes.QueryParse(fmt.Sprintf("unexpected '=' at %d", start))
	case c == '!':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return qbToken{tokNe, "!=", start}, nil
		}
		return qbToken{}, errtypes.QueryParse(fmt.Sprintf("unexpected '!' at %d", start))
	case c == '>':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return qbToken{tokGte, ">=", start}, nil
		}
		l.pos++
		return qbToken{tokGt, ">", start}, nil
	case c == '<':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return qbToken{tokLte, "<=", start}, nil
		}
		l.pos++
		return qbToken{tokLt, "<", start}, nil
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c >= '0' && c <= '9':
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return qbToken{tokIdent, l.input[start:l.pos], start}, nil
	default:
		return qbToken{}, errtypes.QueryParse(fmt.Sprintf("unexpected character %q at %d", c, start))
	}
}

func (l *qbLexer) peekAt(i int) byte {
	if i < len(l.input) {
		return l.input[i]
	}
	return 0
}

func (l *qbLexer) lexString(quote byte) (qbToken, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case quote:
			l.pos++
			return qbToken{tokString, sb.String(), start}, nil
		case '\\':
			l.pos++
			if l.pos >= len(l.input) {
				return qbToken{}, errtypes.QueryParse("unterminated string")
			}
			switch l.input[l.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(l.input[l.pos])
			default:
				return qbToken{}, errtypes.QueryParse(fmt.Sprintf("unsupported escape at %d", l.pos))
			}
			l.pos++
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return qbToken{}, errtypes.QueryParse("unterminated string")
}

func (l *qbLexer) lexNumber() (qbToken, error) {
	start := l.pos
	kind := tokInt
	for l.pos < len(l.input) && l.input[l.pos] >= '0' && l.input[l.pos] <= '9' {
		l.pos++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' &&
		l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9' {
		kind = tokFloat
		l.pos++
		for l.pos < len(l.input) && l.input[l.pos] >= '0' && l.input[l.pos] <= '9' {
			l.pos++
		}
	}
	return qbToken{kind, l.input[start:l.pos], start}, nil
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isIdentPart(c byte) bool { return isIdentStart(c) || (c >= '0' && c <= '9') }

// evaluation values
type qbRoot struct{}

type qbField struct{ ref FieldRef }

type qbNode struct{ node Node }

type qbSort struct{ s Sort }

type qbQuery struct {
	conds   []Node
	sorts   []Sort
	limit   int
	offset  int
	hasPage bool
	page    int
	size    int
}

func (q *qbQuery) build() *Query {
	b := NewBuilder()
	for _, n := range q.conds {
		b.Where(n)
	}
	b.SortBy(q.sorts...)
	if q.hasPage {
		b.Page(q.page, q.size)
	} else {
		b.Limit(q.limit)
		b.Offset(q.offset)
	}
	return b.Build()
}

type qbParser struct {
	lex *qbLexer
	tok qbToken
	now time.Time
}

func (p *qbParser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *qbParser) errorf(format string, args ...interface{}) error {
	return errtypes.QueryParse(fmt.Sprintf(format, args...) + fmt.Sprintf(" (at %d)", p.tok.pos))
}

func (p *qbParser) expect(kind qbTokKind, what string) error {
	if p.tok.kind != kind {
		return p.errorf("expected %s, got %q", what, p.tok.text)
	}
	return p.advance()
}

// parseOr := parseAnd ("|" parseAnd)*
func (p *qbParser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPipe {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		ln, err := p.asNode(left)
		if err != nil {
			return nil, err
		}
		rn, err := p.asNode(right)
		if err != nil {
			return nil, err
		}
		left = qbNode{Or(ln, rn)}
	}
	return left, nil
}

// parseAnd := parseUnary ("&" parseUnary)*
func (p *qbParser) parseAnd() (interface{}, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAmp {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		ln, err := p.asNode(left)
		if err != nil {
			return nil, err
		}
		rn, err := p.asNode(right)
		if err != nil {
			return nil, err
		}
		left = qbNode{And(ln, rn)}
	}
	return left, nil
}

// parseUnary := "~" parseUnary | parseComparison
func (p *qbParser) parseUnary() (interface{}, error) {
	if p.tok.kind == tokTilde {
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n, err := p.asNode(v)
		if err != nil {
			return nil, err
		}
		return qbNode{Not(n)}, nil
	}
	return p.parseComparison()
}

// parseComparison := parsePostfix (compOp parsePostfix)?
func (p *qbParser) parseComparison() (interface{}, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	var op Operator
	switch p.tok.kind {
	case tokEq:
		op = OpEq
	case tokNe:
		op = OpNe
	case tokGt:
		op = OpGt
	case tokGte:
		op = OpGte
	case tokLt:
		op = OpLt
	case tokLte:
		op = OpLte
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if f, ok := left.(qbField); ok {
		lit, err := p.asLiteral(right)
		if err != nil {
			return nil, err
		}
		return qbNode{f.ref.cond(op, lit)}, nil
	}
	if f, ok := right.(qbField); ok {
		lit, err := p.asLiteral(left)
		if err != nil {
			return nil, err
		}
		return qbNode{f.ref.cond(flipOperator(op), lit)}, nil
	}
	return nil, p.errorf("comparison needs a QB field on one side")
}

func flipOperator(op Operator) Operator {
	switch op {
	case OpGt:
		return OpLt
	case OpGte:
		return OpLte
	case OpLt:
		return OpGt
	case OpLte:
		return OpGte
	default:
		return op
	}
}

// parsePostfix := primary (call | subscript | attribute)*
func (p *qbParser) parsePostfix() (interface{}, error) {
	v, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.tok.kind {
		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokString {
				return nil, p.errorf("subscript must be a string literal")
			}
			key := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			v, err = p.subscript(v, key)
			if err != nil {
				return nil, err
			}
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, p.errorf("expected identifier after '.'")
			}
			name := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokLParen {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				v, err = p.call(v, name, args)
				if err != nil {
					return nil, err
				}
			} else {
				v, err = p.subscript(v, name)
				if err != nil {
					return nil, err
				}
			}
		default:
			return v, nil
		}
	}
}

func (p *qbParser) parseArgs() ([]interface{}, error) {
	if err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	args := []interface{}{}
	if p.tok.kind == tokRParen {
		return args, p.advance()
	}
	for {
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return args, p.expect(tokRParen, "')'")
}

// parsePrimary := "QB" | literal | "(" expr ")" | "[" literals "]"
func (p *qbParser) parsePrimary() (interface{}, error) {
	switch p.tok.kind {
	case tokIdent:
		switch p.tok.text {
		case "QB":
			return qbRoot{}, p.advance()
		case "True", "true":
			return true, p.advance()
		case "False", "false":
			return false, p.advance()
		case "None", "null":
			return nil, p.advance()
		default:
			return nil, p.errorf("unknown identifier %q", p.tok.text)
		}
	case tokString:
		s := p.tok.text
		return s, p.advance()
	case tokInt:
		n, err := strconv.ParseInt(p.tok.text, 10, 64)
		if err != nil {
			return nil, p.errorf("bad integer %q", p.tok.text)
		}
		return n, p.advance()
	case tokFloat:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, p.errorf("bad number %q", p.tok.text)
		}
		return f, p.advance()
	case tokMinus:
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		default:
			return nil, p.errorf("'-' must precede a number")
		}
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		return v, p.expect(tokRParen, "')'")
	case tokLBracket:
		if err := p.advance(); err != nil {
			return nil, err
		}
		list := []interface{}{}
		if p.tok.kind != tokRBracket {
			for {
				v, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				lit, err := p.asLiteral(v)
				if err != nil {
					return nil, err
				}
				list = append(list, lit)
				if p.tok.kind == tokComma {
					if err := p.advance(); err != nil {
						return nil, err
					}
					continue
				}
				break
			}
		}
		return list, p.expect(tokRBracket, "']'")
	default:
		return nil, p.errorf("unexpected %q", p.tok.text)
	}
}

func (p *qbParser) subscript(v interface{}, key string) (interface{}, error) {
	switch t := v.(type) {
	case qbRoot:
		return qbField{Field(key)}, nil
	case qbField:
		t.ref.path = t.ref.path + "." + key
		return t, nil
	default:
		return nil, p.errorf("cannot subscript %T", v)
	}
}

func (p *qbParser) asNode(v interface{}) (Node, error) {
	n, ok := v.(qbNode)
	if !ok {
		return nil, p.errorf("operand is not a condition")
	}
	return n.node, nil
}

func (p *qbParser) asLiteral(v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil, string, int64, float64, bool, []interface{}:
		return v, nil
	default:
		return nil, p.errorf("expected a literal value")
	}
}

func (p *qbParser) asInt(v interface{}) (int, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, p.errorf("expected an integer argument")
	}
	return int(n), nil
}

// call dispatches an allowlisted method on a receiver value. Anything
// not listed here is rejected.
func (p *qbParser) call(recv interface{}, name string, args []interface{}) (interface{}, error) {
	switch t := recv.(type) {
	case qbField:
		return p.callField(t, name, args)
	case qbRoot:
		return p.callQuery(&qbQuery{}, name, args)
	case *qbQuery:
		return p.callQuery(t, name, args)
	default:
		return nil, p.errorf("cannot call %q on %T", name, recv)
	}
}

func (p *qbParser) callField(f qbField, name string, args []interface{}) (interface{}, error) {
	unary := func(op Operator) (interface{}, error) {
		if len(args) != 1 {
			return nil, p.errorf("%s() takes one argument", name)
		}
		lit, err := p.asLiteral(args[0])
		if err != nil {
			return nil, err
		}
		return qbNode{f.ref.cond(op, lit)}, nil
	}
	nullary := func() error {
		if len(args) != 0 {
			return p.errorf("%s() takes no arguments", name)
		}
		return nil
	}
	switch name {
	case "eq":
		return unary(OpEq)
	case "ne":
		return unary(OpNe)
	case "gt":
		return unary(OpGt)
	case "gte":
		return unary(OpGte)
	case "lt":
		return unary(OpLt)
	case "lte":
		return unary(OpLte)
	case "contains":
		return unary(OpContains)
	case "starts_with":
		return unary(OpStartsWith)
	case "ends_with":
		return unary(OpEndsWith)
	case "regex":
		return unary(OpRegex)
	case "in_":
		return unary(OpInList)
	case "not_in":
		return unary(OpNotInList)
	case "between":
		if len(args) != 2 {
			return nil, p.errorf("between() takes two arguments")
		}
		lo, err := p.asLiteral(args[0])
		if err != nil {
			return nil, err
		}
		hi, err := p.asLiteral(args[1])
		if err != nil {
			return nil, err
		}
		return qbNode{f.ref.Between(lo, hi)}, nil
	case "is_null":
		if err := nullary(); err != nil {
			return nil, err
		}
		return qbNode{f.ref.IsNull()}, nil
	case "is_not_null":
		if err := nullary(); err != nil {
			return nil, err
		}
		return qbNode{Not(f.ref.IsNA())}, nil
	case "is_true":
		if err := nullary(); err != nil {
			return nil, err
		}
		return qbNode{f.ref.Eq(true)}, nil
	case "is_false":
		if err := nullary(); err != nil {
			return nil, err
		}
		return qbNode{f.ref.Eq(false)}, nil
	case "length":
		if err := nullary(); err != nil {
			return nil, err
		}
		return qbField{f.ref.Length()}, nil
	case "asc":
		if err := nullary(); err != nil {
			return nil, err
		}
		return qbSort{f.ref.Asc()}, nil
	case "desc":
		if err := nullary(); err != nil {
			return nil, err
		}
		return qbSort{f.ref.Desc()}, nil
	case "today":
		if err := nullary(); err != nil {
			return nil, err
		}
		return p.dateRange(f, startOfDay(p.now), p.now)
	case "yesterday":
		if err := nullary(); err != nil {
			return nil, err
		}
		sod := startOfDay(p.now)
		return p.dateRange(f, sod.AddDate(0, 0, -1), sod)
	case "this_week":
		if err := nullary(); err != nil {
			return nil, err
		}
		return p.dateRange(f, startOfWeek(p.now), p.now)
	case "this_month":
		if err := nullary(); err != nil {
			return nil, err
		}
		y, m, _ := p.now.Date()
		return p.dateRange(f, time.Date(y, m, 1, 0, 0, 0, 0, p.now.Location()), p.now)
	case "this_year":
		if err := nullary(); err != nil {
			return nil, err
		}
		return p.dateRange(f, time.Date(p.now.Year(), 1, 1, 0, 0, 0, 0, p.now.Location()), p.now)
	case "last_n_days":
		if len(args) != 1 {
			return nil, p.errorf("last_n_days() takes one argument")
		}
		n, err := p.asInt(args[0])
		if err != nil {
			return nil, err
		}
		return p.dateRange(f, p.now.AddDate(0, 0, -n), p.now)
	default:
		return nil, p.errorf("method %q is not allowed on a field", name)
	}
}

func (p *qbParser) dateRange(f qbField, from, to time.Time) (interface{}, error) {
	return qbNode{And(f.ref.Gte(from), f.ref.Lte(to))}, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfWeek(t time.Time) time.Time {
	sod := startOfDay(t)
	wd := int(sod.Weekday())
	if wd == 0 {
		wd = 7 // weeks start on Monday
	}
	return sod.AddDate(0, 0, 1-wd)
}

func (p *qbParser) callQuery(q *qbQuery, name string, args []interface{}) (interface{}, error) {
	switch name {
	case "filter":
		for _, a := range args {
			n, err := p.asNode(a)
			if err != nil {
				return nil, err
			}
			q.conds = append(q.conds, n)
		}
		return q, nil
	case "exclude":
		for _, a := range args {
			n, err := p.asNode(a)
			if err != nil {
				return nil, err
			}
			q.conds = append(q.conds, Not(n))
		}
		return q, nil
	case "sort":
		for _, a := range args {
			switch s := a.(type) {
			case qbSort:
				q.sorts = append(q.sorts, s.s)
			case string:
				parsed, err := parseSortString(s)
				if err != nil {
					return nil, err
				}
				q.sorts = append(q.sorts, parsed)
			default:
				return nil, p.errorf("sort() takes field sorts or sort strings")
			}
		}
		return q, nil
	case "limit":
		if len(args) != 1 {
			return nil, p.errorf("limit() takes one argument")
		}
		n, err := p.asInt(args[0])
		if err != nil {
			return nil, err
		}
		q.limit = n
		return q, nil
	case "offset":
		if len(args) != 1 {
			return nil, p.errorf("offset() takes one argument")
		}
		n, err := p.asInt(args[0])
		if err != nil {
			return nil, err
		}
		q.offset = n
		return q, nil
	case "page":
		if len(args) != 2 {
			return nil, p.errorf("page() takes page and size arguments")
		}
		page, err := p.asInt(args[0])
		if err != nil {
			return nil, err
		}
		size, err := p.asInt(args[1])
		if err != nil {
			return nil, err
		}
		q.hasPage = true
		q.page = page
		q.size = size
		return q, nil
	case "first":
		if len(args) != 0 {
			return nil, p.errorf("first() takes no arguments")
		}
		q.limit = 1
		q.offset = 0
		return q, nil
	default:
		return nil, p.errorf("method %q is not allowed on a query", name)
	}
}

func parseSortString(s string) (Sort, error) {
	dir := Ascending
	switch {
	case strings.HasPrefix(s, "-"):
		dir = Descending
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if s == "" {
		return Sort{}, errtypes.QueryParse("empty sort field")
	}
	if IsMetaField(s) {
		return Sort{Type: SortMeta, Key: s, Direction: dir}, nil
	}
	return Sort{Type: SortData, FieldPath: s, Direction: dir}, nil
}
