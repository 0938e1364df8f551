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

package permissions

import (
	"context"
	"sync"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
)

// MemoryStore keeps ACLs and memberships in maps. It is the default
// store for embedded use and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	acls        map[string]*ACL
	memberships map[string]*RoleMembership
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		acls:        map[string]*ACL{},
		memberships: map[string]*RoleMembership{},
	}
}

// GetACL returns a copy of the stored ACL.
func (s *MemoryStore) GetACL(_ context.Context, target string) (*ACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acl, ok := s.acls[target]
	if !ok {
		return nil, errtypes.NotFound(target)
	}
	c := &ACL{Target: acl.Target, Rules: append([]Rule(nil), acl.Rules...)}
	return c, nil
}

// SetACL stores a copy of the ACL under its target, rules sorted by
// their order value.
func (s *MemoryStore) SetACL(_ context.Context, acl *ACL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := append([]Rule(nil), acl.Rules...)
	SortRules(rules)
	s.acls[acl.Target] = &ACL{Target: acl.Target, Rules: rules}
	return nil
}

// DeleteACL removes an ACL, missing targets are ignored.
func (s *MemoryStore) DeleteACL(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acls, target)
	return nil
}

// GetMembership returns a copy of the stored membership.
func (s *MemoryStore) GetMembership(_ context.Context, subject string) (*RoleMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[subject]
	if !ok {
		return nil, errtypes.NotFound(subject)
	}
	return &RoleMembership{Subject: m.Subject, Roles: append([]string(nil), m.Roles...)}, nil
}

// SetMembership stores a copy of the membership under its subject.
func (s *MemoryStore) SetMembership(_ context.Context, m *RoleMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m.Subject] = &RoleMembership{Subject: m.Subject, Roles: append([]string(nil), m.Roles...)}
	return nil
}

// DeleteMembership removes a membership, missing subjects are ignored.
func (s *MemoryStore) DeleteMembership(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, subject)
	return nil
}
