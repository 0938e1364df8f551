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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
	"github.com/opencloud-eu/resmgr/pkg/revisionstore"
	"github.com/opencloud-eu/resmgr/pkg/userctx"
)

// loadRevision reads and decodes one revision payload, migrating it in
// memory when its schema version is stale.
func (m *Manager[T]) loadRevision(ctx context.Context, resourceID, revisionID string) (*T, error) {
	info, err := m.storage.Revisions.GetInfo(ctx, resourceID, revisionID)
	if err != nil {
		return nil, err
	}
	data, err := revisionstore.ReadData(ctx, m.storage.Revisions, resourceID, revisionID)
	if err != nil {
		return nil, err
	}
	return m.decodePayload(ctx, data, info.SchemaVersion)
}

// decodePayload turns stored payload bytes into a record. User records
// decode strictly, a stored field the record type does not know means
// the schema drifted. Stale schema versions run through the configured
// migration; without one they fail with a schema conflict.
func (m *Manager[T]) decodePayload(ctx context.Context, data []byte, version string) (*T, error) {
	if version == m.schemaVersion {
		rec := new(T)
		if err := m.storage.Serializer.UnmarshalStrict(data, rec); err != nil {
			return nil, errtypes.InvalidData(err.Error())
		}
		return rec, nil
	}
	payload := map[string]interface{}{}
	if err := m.storage.Serializer.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	migrated, _, err := m.runMigration(ctx, payload, version)
	if err != nil {
		return nil, err
	}
	return mapToRecord[T](migrated)
}

// runMigration steps the payload towards the target schema version.
func (m *Manager[T]) runMigration(ctx context.Context, payload map[string]interface{}, version string) (map[string]interface{}, string, error) {
	if m.migrate == nil {
		return nil, "", errtypes.SchemaConflict(
			fmt.Sprintf("revision has schema version %q, want %q", version, m.schemaVersion))
	}
	for i := 0; version != m.schemaVersion; i++ {
		if i >= maxMigrationSteps {
			return nil, "", errtypes.SchemaConflict(
				fmt.Sprintf("migration from %q did not reach %q", version, m.schemaVersion))
		}
		next, nextVersion, err := m.migrate(ctx, version, payload)
		if err != nil {
			return nil, "", err
		}
		if nextVersion == version {
			return nil, "", errtypes.SchemaConflict(
				fmt.Sprintf("migration did not advance from %q", version))
		}
		payload = next
		version = nextVersion
	}
	return payload, version, nil
}

func mapToRecord[T any](payload map[string]interface{}) (*T, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errtypes.InvalidData(err.Error())
	}
	rec := new(T)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, errtypes.InvalidData(err.Error())
	}
	return rec, nil
}

// GetRevision returns the payload of one specific revision.
func (m *Manager[T]) GetRevision(ctx context.Context, resourceID, revisionID string) (*T, error) {
	if _, err := m.guard(ctx, resourceID, actionRead); err != nil {
		return nil, err
	}
	if _, err := m.getMeta(ctx, resourceID, true); err != nil {
		return nil, err
	}
	return m.loadRevision(ctx, resourceID, revisionID)
}

// ListOption filters and paginates revision listings.
type ListOption func(*listOptions)

type listOptions struct {
	chainOnly    bool
	status       resource.RevisionStatus
	fromRevision string
	createdSince time.Time
	descending   bool
	limit        int
	offset       int
}

// ChainOnly restricts the listing to the parent chain of the current
// revision, so branches abandoned by Switch are hidden.
func ChainOnly() ListOption {
	return func(o *listOptions) { o.chainOnly = true }
}

// WithStatus restricts the listing to revisions with the given status.
func WithStatus(s resource.RevisionStatus) ListOption {
	return func(o *listOptions) { o.status = s }
}

// FromRevision bounds the listing to the given revision and its
// predecessors. With ChainOnly the chain walk starts there instead of
// at the current revision.
func FromRevision(revisionID string) ListOption {
	return func(o *listOptions) { o.fromRevision = revisionID }
}

// CreatedSince keeps only revisions created at or after the given time.
func CreatedSince(t time.Time) ListOption {
	return func(o *listOptions) { o.createdSince = t }
}

// Descending returns revisions newest first.
func Descending() ListOption {
	return func(o *listOptions) { o.descending = true }
}

// WithLimit caps the number of returned revisions.
func WithLimit(n int) ListOption {
	return func(o *listOptions) { o.limit = n }
}

// WithOffset skips the first n revisions after filtering and sorting.
func WithOffset(n int) ListOption {
	return func(o *listOptions) { o.offset = n }
}

// RevisionPage is one page of a revision listing. Total counts all
// revisions matching the filters, before pagination.
type RevisionPage struct {
	Revisions []*resource.RevisionInfo `json:"revisions"`
	Total     int                      `json:"total"`
	HasMore   bool                     `json:"has_more"`
}

// ListRevisions returns the revision infos of a resource, by default
// all of them ordered by sequence number.
func (m *Manager[T]) ListRevisions(ctx context.Context, resourceID string, opts ...ListOption) ([]*resource.RevisionInfo, error) {
	page, err := m.ListRevisionsPage(ctx, resourceID, opts...)
	if err != nil {
		return nil, err
	}
	return page.Revisions, nil
}

// ListRevisionsPage returns one page of the revision listing together
// with the filtered total.
func (m *Manager[T]) ListRevisionsPage(ctx context.Context, resourceID string, opts ...ListOption) (*RevisionPage, error) {
	if _, err := m.guard(ctx, resourceID, actionRead); err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	infos, err := m.storage.Revisions.ListRevisions(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	o := &listOptions{}
	for _, fn := range opts {
		fn(o)
	}
	if o.fromRevision != "" {
		maxSeq, err := resource.RevisionSequence(o.fromRevision)
		if err != nil {
			return nil, errtypes.RevisionNotFound(o.fromRevision)
		}
		bounded := make([]*resource.RevisionInfo, 0, len(infos))
		for _, info := range infos {
			seq, err := resource.RevisionSequence(info.RevisionID)
			if err == nil && seq <= maxSeq {
				bounded = append(bounded, info)
			}
		}
		infos = bounded
	}
	if o.chainOnly {
		start := meta.CurrentRevisionID
		if o.fromRevision != "" {
			start = o.fromRevision
		}
		infos = chainOf(infos, start)
	}
	if o.status != "" || !o.createdSince.IsZero() {
		filtered := make([]*resource.RevisionInfo, 0, len(infos))
		for _, info := range infos {
			if o.status != "" && info.Status != o.status {
				continue
			}
			if !o.createdSince.IsZero() && info.CreatedTime.Before(o.createdSince) {
				continue
			}
			filtered = append(filtered, info)
		}
		infos = filtered
	}
	if o.descending {
		reversed := make([]*resource.RevisionInfo, len(infos))
		for i, info := range infos {
			reversed[len(infos)-1-i] = info
		}
		infos = reversed
	}

	total := len(infos)
	if o.offset > 0 {
		if o.offset >= len(infos) {
			infos = nil
		} else {
			infos = infos[o.offset:]
		}
	}
	if o.limit > 0 && len(infos) > o.limit {
		infos = infos[:o.limit]
	}
	return &RevisionPage{
		Revisions: infos,
		Total:     total,
		HasMore:   o.offset+len(infos) < total,
	}, nil
}

// chainOf walks the parent pointers from the current revision to the
// root and returns the chain in sequence order.
func chainOf(infos []*resource.RevisionInfo, currentID string) []*resource.RevisionInfo {
	byID := make(map[string]*resource.RevisionInfo, len(infos))
	for _, info := range infos {
		byID[info.RevisionID] = info
	}
	inChain := map[string]bool{}
	for id := currentID; id != ""; {
		info, ok := byID[id]
		if !ok || inChain[id] {
			break
		}
		inChain[id] = true
		id = info.ParentRevisionID
	}
	chain := make([]*resource.RevisionInfo, 0, len(inChain))
	for _, info := range infos {
		if inChain[info.RevisionID] {
			chain = append(chain, info)
		}
	}
	return chain
}

// Switch moves the current revision pointer to an existing revision and
// recomputes the indexed projection from its payload. No new revision
// is created; the revision counter keeps growing monotonically from the
// highest sequence ever used.
func (m *Manager[T]) Switch(ctx context.Context, resourceID, revisionID string) (*resource.Meta, error) {
	actor, err := m.guard(ctx, resourceID, actionUpdate)
	if err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	info, err := m.storage.Revisions.GetInfo(ctx, resourceID, revisionID)
	if err != nil {
		return nil, err
	}
	rec, err := m.loadRevision(ctx, resourceID, revisionID)
	if err != nil {
		return nil, err
	}
	indexed, err := m.project(rec)
	if err != nil {
		return nil, err
	}
	meta.CurrentRevisionID = info.RevisionID
	meta.SchemaVersion = info.SchemaVersion
	meta.IndexedData = indexed
	meta.UpdatedTime = userctx.Now(ctx)
	meta.UpdatedBy = actor
	if err := m.storage.Meta.Put(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Migrate rewrites the current revision at the target schema version in
// place. The revision id and the revision count do not change; only the
// payload bytes, the revision info and the meta projection move.
// Resources already at the target version are left untouched.
func (m *Manager[T]) Migrate(ctx context.Context, resourceID string) (*resource.RevisionInfo, error) {
	if m.migrate == nil {
		return nil, errtypes.NotSupported("no migration configured")
	}
	actor, err := m.guard(ctx, resourceID, actionUpdate)
	if err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	info, err := m.storage.Revisions.GetInfo(ctx, resourceID, meta.CurrentRevisionID)
	if err != nil {
		return nil, err
	}
	if info.SchemaVersion == m.schemaVersion {
		return info, nil
	}
	rec, err := m.loadRevision(ctx, resourceID, meta.CurrentRevisionID)
	if err != nil {
		return nil, err
	}
	data, err := m.storage.Serializer.Marshal(rec)
	if err != nil {
		return nil, err
	}

	now := userctx.Now(ctx)
	if err := m.storage.Revisions.SaveDataBytes(ctx, resourceID, info.RevisionID, data); err != nil {
		return nil, err
	}
	info.SchemaVersion = m.schemaVersion
	info.DataHash = resource.ContentHash(data)
	info.UpdatedTime = now
	info.UpdatedBy = actor
	if err := m.storage.Revisions.SaveInfo(ctx, info); err != nil {
		return nil, err
	}

	indexed, err := m.project(rec)
	if err != nil {
		return nil, err
	}
	meta.SchemaVersion = m.schemaVersion
	meta.IndexedData = indexed
	meta.UpdatedTime = now
	meta.UpdatedBy = actor
	if err := m.storage.Meta.Put(ctx, meta); err != nil {
		return nil, err
	}
	return info, nil
}
