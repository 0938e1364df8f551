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

// Package resource holds the record types shared by all stores: the
// mutable per-resource Meta, the immutable per-revision RevisionInfo
// and the Binary blob reference.
package resource

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"github.com/zeebo/xxh3"
)

// RevisionStatus marks a revision as draft or stable.
type RevisionStatus string

const (
	// StatusDraft marks a revision that is still being worked on.
	StatusDraft RevisionStatus = "draft"
	// StatusStable marks a finished revision.
	StatusStable RevisionStatus = "stable"
)

// RevisionIDDelimiter separates the resource id from the revision
// sequence number, and the type name from the uuid in resource ids.
const RevisionIDDelimiter = ":"

// Meta is the mutable bookkeeping record of a resource. It always
// reflects the current state; the payload history lives in the
// revision store.
type Meta struct {
	ResourceID         string                 `json:"resource_id" msgpack:"resource_id"`
	CurrentRevisionID  string                 `json:"current_revision_id" msgpack:"current_revision_id"`
	TotalRevisionCount int                    `json:"total_revision_count" msgpack:"total_revision_count"`
	CreatedTime        time.Time              `json:"created_time" msgpack:"created_time"`
	CreatedBy          string                 `json:"created_by" msgpack:"created_by"`
	UpdatedTime        time.Time              `json:"updated_time" msgpack:"updated_time"`
	UpdatedBy          string                 `json:"updated_by" msgpack:"updated_by"`
	IsDeleted          bool                   `json:"is_deleted" msgpack:"is_deleted"`
	SchemaVersion      string                 `json:"schema_version,omitempty" msgpack:"schema_version"`
	IndexedData        map[string]interface{} `json:"indexed_data,omitempty" msgpack:"indexed_data"`
}

// Clone returns a deep enough copy for concurrent readers. IndexedData
// values are shared; callers treat them as immutable.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	c := *m
	if m.IndexedData != nil {
		c.IndexedData = make(map[string]interface{}, len(m.IndexedData))
		for k, v := range m.IndexedData {
			c.IndexedData[k] = v
		}
	}
	return &c
}

// RevisionInfo describes one immutable snapshot of a resource payload.
type RevisionInfo struct {
	UID              string         `json:"uid" msgpack:"uid"`
	ResourceID       string         `json:"resource_id" msgpack:"resource_id"`
	RevisionID       string         `json:"revision_id" msgpack:"revision_id"`
	ParentRevisionID string         `json:"parent_revision_id,omitempty" msgpack:"parent_revision_id"`
	Status           RevisionStatus `json:"status" msgpack:"status"`
	SchemaVersion    string         `json:"schema_version,omitempty" msgpack:"schema_version"`
	DataHash         string         `json:"data_hash,omitempty" msgpack:"data_hash"`
	CreatedTime      time.Time      `json:"created_time" msgpack:"created_time"`
	CreatedBy        string         `json:"created_by" msgpack:"created_by"`
	UpdatedTime      time.Time      `json:"updated_time" msgpack:"updated_time"`
	UpdatedBy        string         `json:"updated_by" msgpack:"updated_by"`
}

// Clone returns a copy of the revision info.
func (i *RevisionInfo) Clone() *RevisionInfo {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// Binary is a large binary payload field. Before a record is persisted
// the raw bytes are moved into the blob store and only the reference
// triple remains in the payload. Readers dereference the bytes through
// the blob store explicitly.
type Binary struct {
	FileID      string `json:"file_id,omitempty" msgpack:"file_id"`
	Size        int64  `json:"size,omitempty" msgpack:"size"`
	ContentType string `json:"content_type,omitempty" msgpack:"content_type"`
	Data        []byte `json:"data,omitempty" msgpack:"data"`
}

// ContentHash returns the hex encoded 128 bit xxh3 hash of the given
// bytes. It doubles as the content address of blobs and as the
// data_hash recorded on revisions.
func ContentHash(data []byte) string {
	h := xxh3.Hash128(data)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// TypeName derives the snake_case resource type name from a record type.
func TypeName(v interface{}) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "resource"
	}
	name := t.Name()
	if name == "" {
		return "resource"
	}
	return strcase.ToSnake(name)
}

// NewResourceID mints a fresh resource id for the given type name.
func NewResourceID(typeName string) string {
	return typeName + RevisionIDDelimiter + uuid.New().String()
}

// NewRevisionID mints the id of the seq-th revision of a resource.
// Revision ids are strictly sequential per resource, starting at 1.
func NewRevisionID(resourceID string, seq int) string {
	return resourceID + RevisionIDDelimiter + strconv.Itoa(seq)
}

// RevisionSequence parses the sequence number out of a revision id.
func RevisionSequence(revisionID string) (int, error) {
	idx := strings.LastIndex(revisionID, RevisionIDDelimiter)
	if idx < 0 || idx == len(revisionID)-1 {
		return 0, fmt.Errorf("malformed revision id %q", revisionID)
	}
	return strconv.Atoi(revisionID[idx+1:])
}
