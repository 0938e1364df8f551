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
	"encoding/json"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
)

// UnmarshalJSON decodes a group whose nodes may be leaves or nested
// groups. Elements carrying a logic_op key decode as groups,
// everything else as condition leaves.
func (g *Group) UnmarshalJSON(data []byte) error {
	var raw struct {
		Logic LogicOp           `json:"logic_op"`
		Nodes []json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Logic = raw.Logic
	g.Nodes = make([]Node, 0, len(raw.Nodes))
	for _, rn := range raw.Nodes {
		n, err := decodeNode(rn)
		if err != nil {
			return err
		}
		g.Nodes = append(g.Nodes, n)
	}
	return nil
}

func decodeNode(data []byte) (Node, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errtypes.QueryParse(err.Error())
	}
	if _, ok := probe["logic_op"]; ok {
		g := &Group{}
		if err := json.Unmarshal(data, g); err != nil {
			return nil, errtypes.QueryParse(err.Error())
		}
		return g, nil
	}
	c := &Condition{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errtypes.QueryParse(err.Error())
	}
	if c.FieldPath == "" || c.Op == "" {
		return nil, errtypes.QueryParse("condition needs field_path and operator")
	}
	return c, nil
}

// DecodeConditions decodes the wire encoding of a filter: a JSON array
// of condition leaves, joined conjunctively.
func DecodeConditions(data []byte) (*Group, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errtypes.QueryParse(err.Error())
	}
	if len(raw) == 0 {
		return nil, nil
	}
	g := &Group{Logic: LogicAnd, Nodes: make([]Node, 0, len(raw))}
	for _, rn := range raw {
		n, err := decodeNode(rn)
		if err != nil {
			return nil, err
		}
		g.Nodes = append(g.Nodes, n)
	}
	return g, nil
}

// DecodeSorts decodes the wire encoding of a sort list: a JSON array
// of {type, key|field_path, direction} objects.
func DecodeSorts(data []byte) ([]Sort, error) {
	var sorts []Sort
	if err := json.Unmarshal(data, &sorts); err != nil {
		return nil, errtypes.QueryParse(err.Error())
	}
	for i := range sorts {
		switch sorts[i].Type {
		case SortMeta:
			if sorts[i].Key == "" {
				return nil, errtypes.QueryParse("meta sort needs a key")
			}
		case SortData:
			if sorts[i].FieldPath == "" {
				return nil, errtypes.QueryParse("data sort needs a field_path")
			}
		default:
			return nil, errtypes.QueryParse("sort type must be meta or data")
		}
		switch sorts[i].Direction {
		case Ascending, Descending:
		case "":
			sorts[i].Direction = Ascending
		default:
			return nil, errtypes.QueryParse("sort direction must be + or -")
		}
	}
	return sorts, nil
}
