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

// Package permissions decides whether a subject may perform an action
// on a resource. Decisions come from ACLs attached to resource ids,
// type names or the wildcard target, with role membership expanded
// through the role graph.
package permissions

import (
	"context"
	"sort"
)

// Actions the resource manager checks before touching a resource.
const (
	ActionRead    = "read"
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionRestore = "restore"
	// ActionAny in a rule matches every action.
	ActionAny = "*"
)

// TargetAny is the ACL target that applies to everything.
const TargetAny = "*"

// Effect is the outcome a rule votes for.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Rule grants or denies a set of actions to one subject. The subject
// may be a user id or a role id.
type Rule struct {
	Subject string   `json:"subject"`
	Actions []string `json:"actions"`
	Effect  Effect   `json:"effect"`
	// Order ranks rules within one ACL. Stores keep rules sorted by
	// ascending order so listings and evaluation are deterministic.
	Order int `json:"order,omitempty"`
}

// MatchesAction reports whether the rule covers the action.
func (r *Rule) MatchesAction(action string) bool {
	for _, a := range r.Actions {
		if a == action || a == ActionAny {
			return true
		}
	}
	return false
}

// ACL is the list of rules attached to one target. Targets are, from
// most to least specific: a resource id, a resource type name, the
// wildcard "*" and the empty fallback target.
type ACL struct {
	Target string `json:"target"`
	Rules  []Rule `json:"rules"`
}

// SortRules orders rules by their order value, keeping the given order
// for ties.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })
}

// RoleMembership lists the roles a subject belongs to directly. Roles
// can be members of other roles; the engine expands the closure.
type RoleMembership struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

// Store persists ACLs and role memberships.
type Store interface {
	// GetACL returns the ACL of a target or errtypes.NotFound.
	GetACL(ctx context.Context, target string) (*ACL, error)
	// SetACL inserts or replaces the ACL of its target.
	SetACL(ctx context.Context, acl *ACL) error
	// DeleteACL removes the ACL of a target. Missing targets are ignored.
	DeleteACL(ctx context.Context, target string) error
	// GetMembership returns the direct roles of a subject or
	// errtypes.NotFound.
	GetMembership(ctx context.Context, subject string) (*RoleMembership, error)
	// SetMembership inserts or replaces the membership of its subject.
	SetMembership(ctx context.Context, m *RoleMembership) error
	// DeleteMembership removes a membership. Missing subjects are ignored.
	DeleteMembership(ctx context.Context, subject string) error
}
