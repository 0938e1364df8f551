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

package manager

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/resource"
	"github.com/opencloud-eu/resmgr/pkg/userctx"
)

// typeQuery scopes a query to this manager's resource type. Resource
// ids are prefixed with the type name, so one meta store can hold
// records of several managers.
func (m *Manager[T]) typeQuery(q *query.Query) *query.Query {
	scoped := q.Clone()
	cond := query.Field(query.MetaFieldResourceID).
		StartsWith(m.typeName + resource.RevisionIDDelimiter)
	if scoped.Conditions == nil {
		scoped.Conditions = query.And(cond)
	} else {
		scoped.Conditions = query.And(scoped.Conditions, cond)
	}
	return scoped
}

// ListResources returns the meta records matching a query. Soft
// deleted resources are excluded unless the query constrains is_deleted
// itself.
func (m *Manager[T]) ListResources(ctx context.Context, q *query.Query) ([]*resource.Meta, error) {
	if _, err := m.guard(ctx, "", actionRead); err != nil {
		return nil, err
	}
	scoped := m.typeQuery(q)
	if scoped.IsDeleted == nil {
		live := false
		scoped.IsDeleted = &live
	}
	return m.storage.Meta.Search(ctx, scoped)
}

// CountResources counts matching resources, ignoring pagination.
func (m *Manager[T]) CountResources(ctx context.Context, q *query.Query) (int, error) {
	if _, err := m.guard(ctx, "", actionRead); err != nil {
		return 0, err
	}
	scoped := m.typeQuery(q)
	if scoped.IsDeleted == nil {
		live := false
		scoped.IsDeleted = &live
	}
	return m.storage.Meta.Count(ctx, scoped)
}

// SearchResources returns the current payloads of matching resources in
// query order. Larger result sets load their payloads concurrently.
func (m *Manager[T]) SearchResources(ctx context.Context, q *query.Query) ([]*T, error) {
	metas, err := m.ListResources(ctx, q)
	if err != nil {
		return nil, err
	}
	recs := make([]*T, len(metas))
	if len(metas) <= parallelFetchThreshold {
		for i, meta := range metas {
			rec, err := m.loadRevision(ctx, meta.ResourceID, meta.CurrentRevisionID)
			if err != nil {
				return nil, err
			}
			recs[i] = rec
		}
		return recs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, meta := range metas {
		i, meta := i, meta
		g.Go(func() error {
			rec, err := m.loadRevision(gctx, meta.ResourceID, meta.CurrentRevisionID)
			if err != nil {
				return err
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return recs, nil
}

// SearchQB parses a qb filter expression and runs it as a search.
func (m *Manager[T]) SearchQB(ctx context.Context, expr string) ([]*T, error) {
	q, err := query.ParseQBAt(expr, userctx.Now(ctx))
	if err != nil {
		return nil, err
	}
	return m.SearchResources(ctx, q)
}

// Reindex recomputes the indexed projection of every resource of this
// type from its current revision payload. It repairs stores after the
// indexed field configuration changed.
func (m *Manager[T]) Reindex(ctx context.Context) (int, error) {
	if _, err := m.guard(ctx, "", actionUpdate); err != nil {
		return 0, err
	}
	metas, err := m.storage.Meta.Search(ctx, m.typeQuery(&query.Query{}))
	if err != nil {
		return 0, err
	}
	changed := make([]*resource.Meta, 0, len(metas))
	for _, meta := range metas {
		rec, err := m.loadRevision(ctx, meta.ResourceID, meta.CurrentRevisionID)
		if err != nil {
			return 0, err
		}
		indexed, err := m.project(rec)
		if err != nil {
			return 0, err
		}
		meta.IndexedData = indexed
		changed = append(changed, meta)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := m.storage.Meta.SaveMany(ctx, changed); err != nil {
		return 0, err
	}
	return len(changed), nil
}
