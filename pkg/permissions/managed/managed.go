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

// Package managed persists ACLs and role memberships as regular
// versioned resources. Policy changes get the same revision history,
// soft delete and audit fields as any other record.
package managed

import (
	"context"

	"github.com/pkg/errors"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/manager"
	"github.com/opencloud-eu/resmgr/pkg/permissions"
	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/storage"
)

// ACLRecord is the payload shape ACLs are stored with.
type ACLRecord struct {
	Target string             `json:"target" validate:"required"`
	Rules  []permissions.Rule `json:"rules"`
}

// MembershipRecord is the payload shape role memberships are stored
// with.
type MembershipRecord struct {
	Subject string   `json:"subject" validate:"required"`
	Roles   []string `json:"roles"`
}

// Store implements permissions.Store on two resource managers.
type Store struct {
	acls        *manager.Manager[ACLRecord]
	memberships *manager.Manager[MembershipRecord]
}

// NewStore builds the store on the given storage. The backing managers
// run without a permission engine of their own; guarding policy edits
// is up to the caller.
func NewStore(st *storage.Storage) (*Store, error) {
	acls, err := manager.New(st,
		manager.WithTypeName[ACLRecord]("acl"),
		manager.WithValidation[ACLRecord]())
	if err != nil {
		return nil, err
	}
	memberships, err := manager.New(st,
		manager.WithTypeName[MembershipRecord]("role_membership"),
		manager.WithValidation[MembershipRecord]())
	if err != nil {
		return nil, err
	}
	return &Store{acls: acls, memberships: memberships}, nil
}

func findByField[T any](ctx context.Context, m *manager.Manager[T], field, value string) (string, error) {
	q := query.NewBuilder().Where(query.Field(field).Eq(value)).Limit(1).Build()
	metas, err := m.ListResources(ctx, q)
	if err != nil {
		return "", err
	}
	if len(metas) == 0 {
		return "", errtypes.NotFound(value)
	}
	return metas[0].ResourceID, nil
}

// GetACL returns the ACL stored for a target.
func (s *Store) GetACL(ctx context.Context, target string) (*permissions.ACL, error) {
	id, err := findByField(ctx, s.acls, "target", target)
	if err != nil {
		return nil, err
	}
	rec, err := s.acls.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &permissions.ACL{Target: rec.Target, Rules: rec.Rules}, nil
}

// SetACL creates or revises the ACL of its target. Rules are stored
// sorted by their order value.
func (s *Store) SetACL(ctx context.Context, acl *permissions.ACL) error {
	rules := append([]permissions.Rule(nil), acl.Rules...)
	permissions.SortRules(rules)
	rec := &ACLRecord{Target: acl.Target, Rules: rules}
	id, err := findByField(ctx, s.acls, "target", acl.Target)
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			_, cerr := s.acls.Create(ctx, rec)
			return cerr
		}
		return err
	}
	_, err = s.acls.Update(ctx, id, rec)
	return err
}

// DeleteACL soft deletes the ACL of a target.
func (s *Store) DeleteACL(ctx context.Context, target string) error {
	id, err := findByField(ctx, s.acls, "target", target)
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	return s.acls.Delete(ctx, id)
}

// GetMembership returns the direct roles of a subject.
func (s *Store) GetMembership(ctx context.Context, subject string) (*permissions.RoleMembership, error) {
	id, err := findByField(ctx, s.memberships, "subject", subject)
	if err != nil {
		return nil, err
	}
	rec, err := s.memberships.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &permissions.RoleMembership{Subject: rec.Subject, Roles: rec.Roles}, nil
}

// SetMembership creates or revises the membership of its subject.
func (s *Store) SetMembership(ctx context.Context, m *permissions.RoleMembership) error {
	rec := &MembershipRecord{Subject: m.Subject, Roles: m.Roles}
	id, err := findByField(ctx, s.memberships, "subject", m.Subject)
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			_, cerr := s.memberships.Create(ctx, rec)
			return cerr
		}
		return err
	}
	_, err = s.memberships.Update(ctx, id, rec)
	return err
}

// DeleteMembership soft deletes the membership of a subject.
func (s *Store) DeleteMembership(ctx context.Context, subject string) error {
	id, err := findByField(ctx, s.memberships, "subject", subject)
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	return s.memberships.Delete(ctx, id)
}
