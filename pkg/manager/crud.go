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
	"bytes"
	"context"
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
	"github.com/opencloud-eu/resmgr/pkg/userctx"
)

// SaveOption tweaks how a write is recorded.
type SaveOption func(*saveOptions)

type saveOptions struct {
	status resource.RevisionStatus
}

// AsDraft records the new revision as a draft instead of stable.
func AsDraft() SaveOption {
	return func(o *saveOptions) { o.status = resource.StatusDraft }
}

func applySaveOptions(opts []SaveOption) *saveOptions {
	o := &saveOptions{status: resource.StatusStable}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// appendRevision serializes the record as the next revision of the
// resource and advances the meta record in memory. Payload bytes are
// written before the info so a crash can only leave an unreferenced
// data file behind. The caller persists the meta record.
func (m *Manager[T]) appendRevision(ctx context.Context, meta *resource.Meta, rec *T, actor string, status resource.RevisionStatus) (*resource.RevisionInfo, error) {
	now := userctx.Now(ctx)
	seq := meta.TotalRevisionCount + 1
	revisionID := resource.NewRevisionID(meta.ResourceID, seq)

	data, err := m.storage.Serializer.Marshal(rec)
	if err != nil {
		return nil, err
	}
	info := &resource.RevisionInfo{
		UID:              uuid.New().String(),
		ResourceID:       meta.ResourceID,
		RevisionID:       revisionID,
		ParentRevisionID: meta.CurrentRevisionID,
		Status:           status,
		SchemaVersion:    m.schemaVersion,
		DataHash:         resource.ContentHash(data),
		CreatedTime:      now,
		CreatedBy:        actor,
		UpdatedTime:      now,
		UpdatedBy:        actor,
	}
	if err := m.storage.Revisions.SaveDataBytes(ctx, meta.ResourceID, revisionID, data); err != nil {
		return nil, err
	}
	if err := m.storage.Revisions.SaveInfo(ctx, info); err != nil {
		return nil, err
	}

	indexed, err := m.project(rec)
	if err != nil {
		return nil, err
	}
	meta.CurrentRevisionID = revisionID
	meta.TotalRevisionCount = seq
	meta.UpdatedTime = now
	meta.UpdatedBy = actor
	meta.SchemaVersion = m.schemaVersion
	meta.IndexedData = indexed
	return info, nil
}

// Create stores a record as a new resource with one revision and
// returns its meta record. Inline binary bytes are moved to the blob
// store before the payload is serialized.
func (m *Manager[T]) Create(ctx context.Context, rec *T, opts ...SaveOption) (*resource.Meta, error) {
	actor, err := m.guard(ctx, "", actionCreate)
	if err != nil {
		return nil, err
	}
	if err := m.checkRecord(rec); err != nil {
		return nil, err
	}
	if _, err := m.extractBinaries(ctx, rec); err != nil {
		return nil, err
	}

	o := applySaveOptions(opts)
	now := userctx.Now(ctx)
	resourceID := resource.NewResourceID(m.typeName)
	if m.newID != nil {
		resourceID = m.newID(m.typeName)
	}
	meta := &resource.Meta{
		ResourceID:  resourceID,
		CreatedTime: now,
		CreatedBy:   actor,
		UpdatedTime: now,
		UpdatedBy:   actor,
	}
	if _, err := m.appendRevision(ctx, meta, rec, actor, o.status); err != nil {
		return nil, err
	}
	if err := m.storage.Meta.Put(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Get returns the current payload of a live resource.
func (m *Manager[T]) Get(ctx context.Context, resourceID string) (*T, error) {
	if _, err := m.guard(ctx, resourceID, actionRead); err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	return m.loadRevision(ctx, meta.ResourceID, meta.CurrentRevisionID)
}

// GetMeta returns the meta record, also for soft deleted resources.
func (m *Manager[T]) GetMeta(ctx context.Context, resourceID string) (*resource.Meta, error) {
	if _, err := m.guard(ctx, resourceID, actionRead); err != nil {
		return nil, err
	}
	return m.storage.Meta.Get(ctx, resourceID)
}

// Update appends a new revision with the given payload.
func (m *Manager[T]) Update(ctx context.Context, resourceID string, rec *T, opts ...SaveOption) (*resource.RevisionInfo, error) {
	actor, err := m.guard(ctx, resourceID, actionUpdate)
	if err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	if err := m.checkRecord(rec); err != nil {
		return nil, err
	}
	if _, err := m.extractBinaries(ctx, rec); err != nil {
		return nil, err
	}

	o := applySaveOptions(opts)
	info, err := m.appendRevision(ctx, meta, rec, actor, o.status)
	if err != nil {
		return nil, err
	}
	if err := m.storage.Meta.Put(ctx, meta); err != nil {
		return nil, err
	}
	return info, nil
}

// Patch applies an RFC 6902 JSON patch to the current payload and
// stores the result as a new revision. The patched document must still
// decode into the record type without unknown fields.
func (m *Manager[T]) Patch(ctx context.Context, resourceID string, patch []byte, opts ...SaveOption) (*T, error) {
	if _, err := m.guard(ctx, resourceID, actionUpdate); err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	rec, err := m.loadRevision(ctx, meta.ResourceID, meta.CurrentRevisionID)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, errtypes.PatchFailed(err.Error())
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, errtypes.PatchFailed(err.Error())
	}
	patched, err := decoded.Apply(doc)
	if err != nil {
		return nil, errtypes.PatchFailed(err.Error())
	}
	next := new(T)
	dec := json.NewDecoder(bytes.NewReader(patched))
	dec.DisallowUnknownFields()
	if err := dec.Decode(next); err != nil {
		return nil, errtypes.InvalidData(err.Error())
	}
	if _, err := m.Update(ctx, resourceID, next, opts...); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete soft deletes a resource. Revisions and blobs stay in place,
// only the meta record is flagged.
func (m *Manager[T]) Delete(ctx context.Context, resourceID string) error {
	actor, err := m.guard(ctx, resourceID, actionDelete)
	if err != nil {
		return err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return err
	}
	meta.IsDeleted = true
	meta.UpdatedTime = userctx.Now(ctx)
	meta.UpdatedBy = actor
	return m.storage.Meta.Put(ctx, meta)
}

// Restore clears the soft delete flag. Restoring a live resource is a
// no-op.
func (m *Manager[T]) Restore(ctx context.Context, resourceID string) error {
	actor, err := m.guard(ctx, resourceID, actionRestore)
	if err != nil {
		return err
	}
	meta, err := m.storage.Meta.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if !meta.IsDeleted {
		return nil
	}
	meta.IsDeleted = false
	meta.UpdatedTime = userctx.Now(ctx)
	meta.UpdatedBy = actor
	return m.storage.Meta.Put(ctx, meta)
}

// DeleteMany soft deletes a batch of resources in one meta store write.
// All resources are checked before anything is flagged.
func (m *Manager[T]) DeleteMany(ctx context.Context, resourceIDs []string) error {
	return m.flagMany(ctx, resourceIDs, actionDelete, true)
}

// RestoreMany clears the soft delete flag on a batch of resources.
func (m *Manager[T]) RestoreMany(ctx context.Context, resourceIDs []string) error {
	return m.flagMany(ctx, resourceIDs, actionRestore, false)
}

func (m *Manager[T]) flagMany(ctx context.Context, resourceIDs []string, action string, deleted bool) error {
	now := userctx.Now(ctx)
	metas := make([]*resource.Meta, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		actor, err := m.guard(ctx, id, action)
		if err != nil {
			return err
		}
		meta, err := m.storage.Meta.Get(ctx, id)
		if err != nil {
			return err
		}
		if deleted && meta.IsDeleted {
			return errtypes.Deleted(id)
		}
		if meta.IsDeleted == deleted {
			continue
		}
		meta.IsDeleted = deleted
		meta.UpdatedTime = now
		meta.UpdatedBy = actor
		metas = append(metas, meta)
	}
	if len(metas) == 0 {
		return nil
	}
	return m.storage.Meta.SaveMany(ctx, metas)
}

// GetBlob dereferences a binary field of the current payload. Blob ids
// not referenced by the resource are reported as not found even when
// the blob store holds them, so resources cannot read each other's
// blobs through guessed ids.
func (m *Manager[T]) GetBlob(ctx context.Context, resourceID, fileID string) (*resource.Binary, error) {
	if _, err := m.guard(ctx, resourceID, actionRead); err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	rec, err := m.loadRevision(ctx, meta.ResourceID, meta.CurrentRevisionID)
	if err != nil {
		return nil, err
	}
	if !m.ownsBlob(rec, fileID) {
		return nil, errtypes.BlobNotFound(fileID)
	}
	return m.storage.Blobs.Get(ctx, fileID)
}
