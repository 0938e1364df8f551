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

// Package storage bundles the three stores of the engine behind one
// handle. The resource manager talks to this facade only; which
// backends sit behind it is wiring.
package storage

import (
	"context"

	"github.com/opencloud-eu/resmgr/pkg/blobstore"
	"github.com/opencloud-eu/resmgr/pkg/metastore"
	"github.com/opencloud-eu/resmgr/pkg/revisionstore"
	"github.com/opencloud-eu/resmgr/pkg/serializer"
)

// Storage combines a meta store, a revision store, a blob store and the
// payload serializer they share.
type Storage struct {
	Meta       metastore.MetaStore
	Revisions  revisionstore.RevisionStore
	Blobs      blobstore.Blobstore
	Serializer serializer.Serializer
}

// New returns a storage handle. A nil serializer falls back to the
// default msgpack serializer.
func New(meta metastore.MetaStore, revisions revisionstore.RevisionStore, blobs blobstore.Blobstore, ser serializer.Serializer) *Storage {
	if ser == nil {
		ser = serializer.Default()
	}
	return &Storage{Meta: meta, Revisions: revisions, Blobs: blobs, Serializer: ser}
}

// ResourceExists reports whether the resource has a meta record,
// deleted or not.
func (s *Storage) ResourceExists(ctx context.Context, resourceID string) (bool, error) {
	return s.Meta.Exists(ctx, resourceID)
}

// RevisionExists reports whether both the meta record and the revision
// artefacts are present. A dangling revision without a meta record does
// not count as existing.
func (s *Storage) RevisionExists(ctx context.Context, resourceID, revisionID string) (bool, error) {
	ok, err := s.Meta.Exists(ctx, resourceID)
	if err != nil || !ok {
		return false, err
	}
	return s.Revisions.Exists(ctx, resourceID, revisionID)
}

// Close closes the meta store. Revision and blob stores hold no open
// handles.
func (s *Storage) Close(ctx context.Context) error {
	return s.Meta.Close(ctx)
}
