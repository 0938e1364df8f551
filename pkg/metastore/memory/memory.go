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

// Package memory provides an in-memory meta store for tests and
// embedded use.
package memory

import (
	"context"
	"sync"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// MetaStore keeps meta records in a map, filtering with the shared
// in-memory query evaluator.
type MetaStore struct {
	mu    sync.RWMutex
	metas map[string]*resource.Meta
}

// New returns an empty in-memory meta store.
func New() *MetaStore {
	return &MetaStore{metas: map[string]*resource.Meta{}}
}

// Get returns a copy of the stored record.
func (s *MetaStore) Get(_ context.Context, resourceID string) (*resource.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metas[resourceID]
	if !ok {
		return nil, errtypes.NotFound(resourceID)
	}
	return m.Clone(), nil
}

// Put stores a copy of the record.
func (s *MetaStore) Put(_ context.Context, m *resource.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[m.ResourceID] = m.Clone()
	return nil
}

// SaveMany stores copies of all records.
func (s *MetaStore) SaveMany(_ context.Context, metas []*resource.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metas {
		s.metas[m.ResourceID] = m.Clone()
	}
	return nil
}

// Delete removes a record, missing records are ignored.
func (s *MetaStore) Delete(_ context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metas, resourceID)
	return nil
}

// Exists reports record presence.
func (s *MetaStore) Exists(_ context.Context, resourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.metas[resourceID]
	return ok, nil
}

// Search filters, sorts and paginates with the in-memory evaluator.
func (s *MetaStore) Search(ctx context.Context, q *query.Query) ([]*resource.Meta, error) {
	matches, err := s.match(ctx, q)
	if err != nil {
		return nil, err
	}
	if q == nil {
		query.SortMetas(matches, nil)
		return matches, nil
	}
	query.SortMetas(matches, q.Sorts)
	return query.Window(matches, q.Limit, q.Offset), nil
}

// Count returns the number of matches, ignoring pagination.
func (s *MetaStore) Count(ctx context.Context, q *query.Query) (int, error) {
	matches, err := s.match(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func (s *MetaStore) match(ctx context.Context, q *query.Query) ([]*resource.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := []*resource.Meta{}
	for _, m := range s.metas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := query.Matches(m, q)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, m.Clone())
		}
	}
	return matches, nil
}

// Close is a no-op.
func (s *MetaStore) Close(_ context.Context) error { return nil }
