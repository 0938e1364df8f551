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

// Package metastore defines the store for mutable resource metadata.
// Backends index the denormalized indexed_data projection so queries
// never touch revision payloads.
package metastore

import (
	"context"

	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// MetaStore holds one mutable meta record per resource.
type MetaStore interface {
	// Get returns the meta record or errtypes.NotFound.
	Get(ctx context.Context, resourceID string) (*resource.Meta, error)
	// Put inserts or replaces a meta record.
	Put(ctx context.Context, m *resource.Meta) error
	// SaveMany inserts or replaces a batch of meta records atomically
	// where the backend supports it.
	SaveMany(ctx context.Context, metas []*resource.Meta) error
	// Delete removes a meta record. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, resourceID string) error
	// Exists reports whether a meta record is present.
	Exists(ctx context.Context, resourceID string) (bool, error)
	// Search returns the meta records matching a query, sorted and
	// paginated. A nil query returns everything.
	Search(ctx context.Context, q *query.Query) ([]*resource.Meta, error)
	// Count returns the number of records matching a query, ignoring
	// pagination.
	Count(ctx context.Context, q *query.Query) (int, error)
	// Close releases backend handles and flushes pending state.
	Close(ctx context.Context) error
}
