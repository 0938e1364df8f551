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

// Package disk provides a revision store backed by a directory tree.
// Every resource owns one directory holding `<revision_id>.data` and
// `<revision_id>.info` files. Infos are msgpack encoded; writes go
// through an atomic rename so readers never observe torn files.
package disk

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

const (
	dataSuffix = ".data"
	infoSuffix = ".info"
)

// RevisionStore stores revisions below root, one directory per resource.
type RevisionStore struct {
	root string
}

// New creates the root directory if missing and returns the store.
func New(root string) (*RevisionStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "disk revisionstore: create root")
	}
	return &RevisionStore{root: root}, nil
}

func (rs *RevisionStore) resourceDir(resourceID string) string {
	return filepath.Join(rs.root, resourceID)
}

func (rs *RevisionStore) dataPath(resourceID, revisionID string) string {
	return filepath.Join(rs.resourceDir(resourceID), revisionID+dataSuffix)
}

func (rs *RevisionStore) infoPath(resourceID, revisionID string) string {
	return filepath.Join(rs.resourceDir(resourceID), revisionID+infoSuffix)
}

// Exists reports whether the info artefact of the revision is on disk.
func (rs *RevisionStore) Exists(_ context.Context, resourceID, revisionID string) (bool, error) {
	_, err := os.Stat(rs.infoPath(resourceID, revisionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "disk revisionstore: stat info")
	}
	return true, nil
}

// ListRevisions reads all info files of the resource directory,
// ordered by sequence number.
func (rs *RevisionStore) ListRevisions(ctx context.Context, resourceID string) ([]*resource.RevisionInfo, error) {
	entries, err := os.ReadDir(rs.resourceDir(resourceID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*resource.RevisionInfo{}, nil
		}
		return nil, errors.Wrap(err, "disk revisionstore: read resource dir")
	}
	infos := make([]*resource.RevisionInfo, 0, len(entries)/2)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), infoSuffix) {
			continue
		}
		revisionID := strings.TrimSuffix(e.Name(), infoSuffix)
		info, err := rs.GetInfo(ctx, resourceID, revisionID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		si, _ := resource.RevisionSequence(infos[i].RevisionID)
		sj, _ := resource.RevisionSequence(infos[j].RevisionID)
		return si < sj
	})
	return infos, nil
}

// GetInfo reads and decodes one info file.
func (rs *RevisionStore) GetInfo(_ context.Context, resourceID, revisionID string) (*resource.RevisionInfo, error) {
	b, err := os.ReadFile(rs.infoPath(resourceID, revisionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.RevisionNotFound(revisionID)
		}
		return nil, errors.Wrapf(err, "disk revisionstore: read info '%s'", revisionID)
	}
	info := &resource.RevisionInfo{}
	if err := msgpack.Unmarshal(b, info); err != nil {
		return nil, errors.Wrapf(err, "disk revisionstore: decode info '%s'", revisionID)
	}
	return info, nil
}

// GetDataBytes opens the data file for reading.
func (rs *RevisionStore) GetDataBytes(_ context.Context, resourceID, revisionID string) (io.ReadCloser, error) {
	f, err := os.Open(rs.dataPath(resourceID, revisionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.RevisionNotFound(revisionID)
		}
		return nil, errors.Wrapf(err, "disk revisionstore: open data '%s'", revisionID)
	}
	return f, nil
}

// SaveInfo writes the info file atomically.
func (rs *RevisionStore) SaveInfo(_ context.Context, info *resource.RevisionInfo) error {
	if err := os.MkdirAll(rs.resourceDir(info.ResourceID), 0700); err != nil {
		return errors.Wrap(err, "disk revisionstore: create resource dir")
	}
	b, err := msgpack.Marshal(info)
	if err != nil {
		return errors.Wrapf(err, "disk revisionstore: encode info '%s'", info.RevisionID)
	}
	if err := renameio.WriteFile(rs.infoPath(info.ResourceID, info.RevisionID), b, 0600); err != nil {
		return errors.Wrapf(err, "disk revisionstore: write info '%s'", info.RevisionID)
	}
	return nil
}

// SaveDataBytes writes the data file atomically.
func (rs *RevisionStore) SaveDataBytes(_ context.Context, resourceID, revisionID string, data []byte) error {
	if err := os.MkdirAll(rs.resourceDir(resourceID), 0700); err != nil {
		return errors.Wrap(err, "disk revisionstore: create resource dir")
	}
	if err := renameio.WriteFile(rs.dataPath(resourceID, revisionID), data, 0600); err != nil {
		return errors.Wrapf(err, "disk revisionstore: write data '%s'", revisionID)
	}
	return nil
}
