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

// Package manager implements the typed resource manager on top of the
// storage facade. Every mutating operation appends an immutable
// revision and rewrites the meta record; reads always resolve through
// the meta record's current revision pointer.
package manager

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
	"github.com/opencloud-eu/resmgr/pkg/storage"
	"github.com/opencloud-eu/resmgr/pkg/userctx"
)

// parallelFetchThreshold is the result set size above which payloads
// are fetched concurrently.
const parallelFetchThreshold = 10

// maxMigrationSteps bounds the schema migration loop.
const maxMigrationSteps = 16

// PermissionEngine guards manager operations. The permissions package
// provides the default implementation; the manager only needs the
// check.
type PermissionEngine interface {
	Check(ctx context.Context, subject, resourceID, resourceType, action string) error
}

// Actions the manager checks with the permission engine.
const (
	actionRead    = "read"
	actionCreate  = "create"
	actionUpdate  = "update"
	actionDelete  = "delete"
	actionRestore = "restore"
)

// MigrateFunc migrates a payload one schema version step. It returns
// the migrated payload and the version it migrated to. The manager
// calls it repeatedly until the target version is reached.
type MigrateFunc func(ctx context.Context, fromVersion string, payload map[string]interface{}) (map[string]interface{}, string, error)

// Manager is the typed entry point for one resource type T.
type Manager[T any] struct {
	storage       *storage.Storage
	typeName      string
	schemaVersion string
	indexedFields []string
	perms         PermissionEngine
	migrate       MigrateFunc
	validate      *validator.Validate
	binaries      *binaryWalker
	newID         func(typeName string) string
}

// Option configures a manager.
type Option[T any] func(*Manager[T])

// WithTypeName overrides the type name derived from T.
func WithTypeName[T any](name string) Option[T] {
	return func(m *Manager[T]) { m.typeName = name }
}

// WithSchemaVersion sets the schema version stamped on new revisions.
func WithSchemaVersion[T any](version string) Option[T] {
	return func(m *Manager[T]) { m.schemaVersion = version }
}

// WithIndexedFields restricts the indexed projection to the given
// dotted field paths. Without it the whole payload is indexed.
func WithIndexedFields[T any](paths ...string) Option[T] {
	return func(m *Manager[T]) { m.indexedFields = paths }
}

// WithPermissions guards all operations with the given engine. Without
// it every operation is allowed, only the acting user is still
// required.
func WithPermissions[T any](e PermissionEngine) Option[T] {
	return func(m *Manager[T]) { m.perms = e }
}

// WithMigration enables schema migration of stale revisions on read.
func WithMigration[T any](fn MigrateFunc) Option[T] {
	return func(m *Manager[T]) { m.migrate = fn }
}

// WithValidation validates records against their validate struct tags
// before every write.
func WithValidation[T any]() Option[T] {
	return func(m *Manager[T]) { m.validate = validator.New() }
}

// WithIDGenerator overrides how new resource ids are minted. Generated
// ids must keep the "<type_name>:" prefix, type scoped queries rely on
// it.
func WithIDGenerator[T any](fn func(typeName string) string) Option[T] {
	return func(m *Manager[T]) { m.newID = fn }
}

// New builds a manager for records of type T on the given storage.
func New[T any](st *storage.Storage, opts ...Option[T]) (*Manager[T], error) {
	if st == nil {
		return nil, errors.New("manager: storage is required")
	}
	var zero T
	m := &Manager[T]{
		storage:  st,
		typeName: resource.TypeName(zero),
	}
	for _, o := range opts {
		o(m)
	}
	m.binaries = newBinaryWalker(zero)
	return m, nil
}

// TypeName returns the resource type name records of this manager get.
func (m *Manager[T]) TypeName() string { return m.typeName }

// guard resolves the acting user and checks the permission engine.
func (m *Manager[T]) guard(ctx context.Context, resourceID, action string) (string, error) {
	actor, err := userctx.ContextMustGetActor(ctx)
	if err != nil {
		return "", err
	}
	if m.perms == nil {
		return actor, nil
	}
	return actor, m.perms.Check(ctx, actor, resourceID, m.typeName, action)
}

// checkRecord runs struct validation when enabled.
func (m *Manager[T]) checkRecord(rec *T) error {
	if m.validate == nil {
		return nil
	}
	if err := m.validate.Struct(rec); err != nil {
		return errtypes.InvalidData(err.Error())
	}
	return nil
}

// getMeta loads the meta record. When requireLive is set a soft
// deleted resource yields errtypes.Deleted.
func (m *Manager[T]) getMeta(ctx context.Context, resourceID string, requireLive bool) (*resource.Meta, error) {
	meta, err := m.storage.Meta.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if requireLive && meta.IsDeleted {
		return nil, errtypes.Deleted(resourceID)
	}
	return meta, nil
}
