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

// Package memory provides an in-memory blobstore for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// Blobstore keeps blobs in a map guarded by a single lock.
type Blobstore struct {
	mu    sync.RWMutex
	blobs map[string]*resource.Binary
}

// New returns an empty in-memory blobstore.
func New() *Blobstore {
	return &Blobstore{blobs: map[string]*resource.Binary{}}
}

// Put stores the bytes under their content address.
func (bs *Blobstore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	id := resource.ContentHash(data)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, ok := bs.blobs[id]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		bs.blobs[id] = &resource.Binary{
			FileID:      id,
			Size:        int64(len(data)),
			ContentType: contentType,
			Data:        stored,
		}
	}
	return id, nil
}

// Get returns the blob stored under the given id.
func (bs *Blobstore) Get(_ context.Context, fileID string) (*resource.Binary, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	b, ok := bs.blobs[fileID]
	if !ok {
		return nil, errtypes.BlobNotFound(fileID)
	}
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	return &resource.Binary{FileID: b.FileID, Size: b.Size, ContentType: b.ContentType, Data: data}, nil
}

// Exists reports whether the id is known.
func (bs *Blobstore) Exists(_ context.Context, fileID string) (bool, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	_, ok := bs.blobs[fileID]
	return ok, nil
}

// Delete removes a blob.
func (bs *Blobstore) Delete(_ context.Context, fileID string) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.blobs, fileID)
	return nil
}
