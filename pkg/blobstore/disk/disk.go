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

// Package disk provides a blobstore backed by a directory. Each blob
// lives in one file named by its content address; the file holds the
// msgpack encoded envelope so size and content type survive restarts.
package disk

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// Blobstore stores one file per blob below root.
type Blobstore struct {
	root string
}

// New creates the root directory if missing and returns the store.
func New(root string) (*Blobstore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "disk blobstore: create root")
	}
	return &Blobstore{root: root}, nil
}

func (bs *Blobstore) path(fileID string) string {
	return filepath.Join(bs.root, fileID)
}

// Put stores the bytes under their content address. Writing the same
// bytes twice overwrites the file with identical content, so there is
// no lock around puts.
func (bs *Blobstore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	id := resource.ContentHash(data)
	env := &resource.Binary{
		FileID:      id,
		Size:        int64(len(data)),
		ContentType: contentType,
		Data:        data,
	}
	b, err := msgpack.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "disk blobstore: encode envelope")
	}
	if err := renameio.WriteFile(bs.path(id), b, 0600); err != nil {
		return "", errors.Wrapf(err, "disk blobstore: write blob '%s'", id)
	}
	return id, nil
}

// Get reads a blob envelope back from disk.
func (bs *Blobstore) Get(_ context.Context, fileID string) (*resource.Binary, error) {
	b, err := os.ReadFile(bs.path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.BlobNotFound(fileID)
		}
		return nil, errors.Wrapf(err, "disk blobstore: read blob '%s'", fileID)
	}
	env := &resource.Binary{}
	if err := msgpack.Unmarshal(b, env); err != nil {
		return nil, errors.Wrapf(err, "disk blobstore: decode blob '%s'", fileID)
	}
	return env, nil
}

// Exists stats the blob file.
func (bs *Blobstore) Exists(_ context.Context, fileID string) (bool, error) {
	_, err := os.Stat(bs.path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "disk blobstore: stat blob '%s'", fileID)
	}
	return true, nil
}

// Delete removes the blob file.
func (bs *Blobstore) Delete(_ context.Context, fileID string) error {
	err := os.Remove(bs.path(fileID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "disk blobstore: delete blob '%s'", fileID)
	}
	return nil
}
