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

// Package blobstore defines the content-addressed byte store. Blob ids
// are the 128 bit xxh3 hash of the content, so putting identical bytes
// twice is idempotent and returns the same id.
package blobstore

import (
	"context"

	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// Blobstore stores large binary values outside of resource payloads.
type Blobstore interface {
	// Put stores the bytes and returns their content address.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Get returns the blob with its bytes. Fails with
	// errtypes.BlobNotFound when the id is unknown.
	Get(ctx context.Context, fileID string) (*resource.Binary, error)
	// Exists reports whether a blob is stored under the given id.
	Exists(ctx context.Context, fileID string) (bool, error)
	// Delete removes a blob. Deleting an unknown id is not an error.
	Delete(ctx context.Context, fileID string) error
}
