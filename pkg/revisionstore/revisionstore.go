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

// Package revisionstore defines durable storage of revision payload
// bytes and revision info, keyed by (resource id, revision id). Both
// implementations lay artefacts out per resource so listing the
// revisions of one resource is cheap. There is no store level lock;
// callers serialize writes per resource.
package revisionstore

import (
	"context"
	"io"

	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// RevisionStore persists two artefacts per revision: the encoded
// payload bytes and the encoded RevisionInfo.
type RevisionStore interface {
	// Exists reports whether the revision is stored.
	Exists(ctx context.Context, resourceID, revisionID string) (bool, error)
	// ListRevisions returns the infos of all revisions of a resource
	// ordered by sequence number. Unknown resources yield an empty list.
	ListRevisions(ctx context.Context, resourceID string) ([]*resource.RevisionInfo, error)
	// GetInfo returns the info of one revision. Fails with
	// errtypes.RevisionNotFound when the revision is unknown.
	GetInfo(ctx context.Context, resourceID, revisionID string) (*resource.RevisionInfo, error)
	// GetDataBytes returns a reader over the payload bytes. The caller
	// must close it.
	GetDataBytes(ctx context.Context, resourceID, revisionID string) (io.ReadCloser, error)
	// SaveInfo writes the revision info, overwriting a previous one.
	SaveInfo(ctx context.Context, info *resource.RevisionInfo) error
	// SaveDataBytes writes the payload bytes, overwriting previous ones.
	SaveDataBytes(ctx context.Context, resourceID, revisionID string, data []byte) error
}

// ReadData drains and closes the data reader of a revision.
func ReadData(ctx context.Context, rs RevisionStore, resourceID, revisionID string) ([]byte, error) {
	r, err := rs.GetDataBytes(ctx, resourceID, revisionID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
