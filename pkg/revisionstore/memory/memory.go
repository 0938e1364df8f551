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

// Package memory provides an in-memory revision store.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

type revision struct {
	info *resource.RevisionInfo
	data []byte
}

// RevisionStore keeps revisions in nested maps guarded by one lock.
type RevisionStore struct {
	mu        sync.RWMutex
	resources map[string]map[string]*revision
}

// New returns an empty in-memory revision store.
func New() *RevisionStore {
	return &RevisionStore{resources: map[string]map[string]*revision{}}
}

func (rs *RevisionStore) revision(resourceID, revisionID string) (*revision, bool) {
	revs, ok := rs.resources[resourceID]
	if !ok {
		return nil, false
	}
	r, ok := revs[revisionID]
	return r, ok
}

func (rs *RevisionStore) upsert(resourceID, revisionID string) *revision {
	revs, ok := rs.resources[resourceID]
	if !ok {
		revs = map[string]*revision{}
		rs.resources[resourceID] = revs
	}
	r, ok := revs[revisionID]
	if !ok {
		r = &revision{}
		revs[revisionID] = r
	}
	return r
}

// Exists reports whether both artefacts of the revision were written.
func (rs *RevisionStore) Exists(_ context.Context, resourceID, revisionID string) (bool, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.revision(resourceID, revisionID)
	return ok && r.info != nil, nil
}

// ListRevisions returns all revision infos ordered by sequence.
func (rs *RevisionStore) ListRevisions(_ context.Context, resourceID string) ([]*resource.RevisionInfo, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	revs := rs.resources[resourceID]
	infos := make([]*resource.RevisionInfo, 0, len(revs))
	for _, r := range revs {
		if r.info != nil {
			infos = append(infos, r.info.Clone())
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		si, _ := resource.RevisionSequence(infos[i].RevisionID)
		sj, _ := resource.RevisionSequence(infos[j].RevisionID)
		return si < sj
	})
	return infos, nil
}

// GetInfo returns one revision info.
func (rs *RevisionStore) GetInfo(_ context.Context, resourceID, revisionID string) (*resource.RevisionInfo, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.revision(resourceID, revisionID)
	if !ok || r.info == nil {
		return nil, errtypes.RevisionNotFound(revisionID)
	}
	return r.info.Clone(), nil
}

// GetDataBytes returns a reader over a copy of the payload bytes.
func (rs *RevisionStore) GetDataBytes(_ context.Context, resourceID, revisionID string) (io.ReadCloser, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.revision(resourceID, revisionID)
	if !ok || r.data == nil {
		return nil, errtypes.RevisionNotFound(revisionID)
	}
	data := make([]byte, len(r.data))
	copy(data, r.data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// SaveInfo stores the revision info.
func (rs *RevisionStore) SaveInfo(_ context.Context, info *resource.RevisionInfo) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := rs.upsert(info.ResourceID, info.RevisionID)
	r.info = info.Clone()
	return nil
}

// SaveDataBytes stores the payload bytes.
func (rs *RevisionStore) SaveDataBytes(_ context.Context, resourceID, revisionID string, data []byte) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := rs.upsert(resourceID, revisionID)
	stored := make([]byte, len(data))
	copy(stored, data)
	r.data = stored
	return nil
}
