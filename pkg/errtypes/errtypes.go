// Package errtypes contains definitions for the error kinds the engine
// surfaces. It would have been nice to call this package errors, err or
// error but errors clashes with github.com/pkg/errors, err is used for
// any error variable and error is a reserved word :)
package errtypes

// NotFound is the error to use when a resource id is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// RevisionNotFound is the error to use when a revision id is not found.
type RevisionNotFound string

func (e RevisionNotFound) Error() string { return "error: revision not found: " + string(e) }

// IsRevisionNotFound implements the IsRevisionNotFound interface.
func (e RevisionNotFound) IsRevisionNotFound() {}

// BlobNotFound is the error to use when a blob id is not found.
type BlobNotFound string

func (e BlobNotFound) Error() string { return "error: blob not found: " + string(e) }

// IsBlobNotFound implements the IsBlobNotFound interface.
func (e BlobNotFound) IsBlobNotFound() {}

// Deleted is the error to use when a soft-deleted resource is accessed
// through anything but delete/restore.
type Deleted string

func (e Deleted) Error() string { return "error: resource deleted: " + string(e) }

// IsDeleted implements the IsDeleted interface.
func (e Deleted) IsDeleted() {}

// SchemaConflict is the error to use when a revision's schema version
// differs from the configured target and no migration can bridge it.
type SchemaConflict string

func (e SchemaConflict) Error() string { return "error: schema conflict: " + string(e) }

// IsSchemaConflict implements the IsSchemaConflict interface.
func (e SchemaConflict) IsSchemaConflict() {}

// InvalidData is the error to use when the record validator rejects a payload.
type InvalidData string

func (e InvalidData) Error() string { return "error: invalid data: " + string(e) }

// IsInvalidData implements the IsInvalidData interface.
func (e InvalidData) IsInvalidData() {}

// PermissionDenied is the error to use when the permission engine denies an operation.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// PatchFailed is the error to use when a JSON patch document cannot be applied.
type PatchFailed string

func (e PatchFailed) Error() string { return "error: patch failed: " + string(e) }

// IsPatchFailed implements the IsPatchFailed interface.
func (e PatchFailed) IsPatchFailed() {}

// SyncConflict is the error to use when the remote object changed under
// us, i.e. the remembered ETag no longer matches.
type SyncConflict string

func (e SyncConflict) Error() string { return "error: sync conflict: " + string(e) }

// IsSyncConflict implements the IsSyncConflict interface.
func (e SyncConflict) IsSyncConflict() {}

// QueryParse is the error to use when a qb expression is malformed or
// uses anything outside the allowlist.
type QueryParse string

func (e QueryParse) Error() string { return "error: query parse: " + string(e) }

// IsQueryParse implements the IsQueryParse interface.
func (e QueryParse) IsQueryParse() {}

// UserRequired represents an error when no acting user is bound to the context.
type UserRequired string

func (e UserRequired) Error() string { return "error: user required: " + string(e) }

// IsUserRequired implements the IsUserRequired interface.
func (e UserRequired) IsUserRequired() {}

// NotSupported is the error to use when an action is not supported,
// e.g. migrate without a configured migration.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// AlreadyExists is the error to use when a key is written twice.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists implements the IsAlreadyExists interface.
func (e AlreadyExists) IsAlreadyExists() {}

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsRevisionNotFound is the interface to implement
// to specify that a revision is not found.
type IsRevisionNotFound interface {
	IsRevisionNotFound()
}

// IsBlobNotFound is the interface to implement
// to specify that a blob is not found.
type IsBlobNotFound interface {
	IsBlobNotFound()
}

// IsDeleted is the interface to implement
// to specify that a resource is soft deleted.
type IsDeleted interface {
	IsDeleted()
}

// IsSchemaConflict is the interface to implement
// to specify that schema versions do not line up.
type IsSchemaConflict interface {
	IsSchemaConflict()
}

// IsInvalidData is the interface to implement
// to specify that a payload failed validation.
type IsInvalidData interface {
	IsInvalidData()
}

// IsPermissionDenied is the interface to implement
// to specify that an operation was denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsPatchFailed is the interface to implement
// to specify that a patch did not apply.
type IsPatchFailed interface {
	IsPatchFailed()
}

// IsSyncConflict is the interface to implement
// to specify that remote state moved underneath us.
type IsSyncConflict interface {
	IsSyncConflict()
}

// IsQueryParse is the interface to implement
// to specify that a query expression was rejected.
type IsQueryParse interface {
	IsQueryParse()
}

// IsUserRequired is the interface to implement
// to specify that an acting user is required.
type IsUserRequired interface {
	IsUserRequired()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsAlreadyExists is the interface to implement
// to specify that a key already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}
