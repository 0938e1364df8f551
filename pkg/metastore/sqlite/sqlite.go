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

// Package sqlite implements the meta store on a single SQLite database
// file. The full record is kept as a msgpack blob in the data column,
// the queryable projection lives in dedicated columns plus an
// indexed_data JSON column that conditions address with json_extract.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"

	"github.com/opencloud-eu/resmgr/pkg/appctx"
	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

const driverName = "sqlite3_resmgr"

var registerDriver sync.Once

// regexpFunc backs the REGEXP operator. Patterns are compiled once per
// connection lifetime.
func regexpFunc() func(string, string) (bool, error) {
	cache := map[string]*regexp.Regexp{}
	var mu sync.Mutex
	return func(pattern, s string) (bool, error) {
		mu.Lock()
		re, ok := cache[pattern]
		mu.Unlock()
		if !ok {
			var err error
			re, err = regexp.Compile(pattern)
			if err != nil {
				return false, err
			}
			mu.Lock()
			cache[pattern] = re
			mu.Unlock()
		}
		return re.MatchString(s), nil
	}
}

// Options configures the sqlite meta store.
type Options struct {
	// Path is the database file. ":memory:" opens a throwaway database.
	Path string `mapstructure:"db_path"`
}

// MetaStore is a MetaStore backed by one sqlite database.
type MetaStore struct {
	db *sql.DB
}

// NewFromMap builds a store from a generic config map.
func NewFromMap(m map[string]interface{}) (*MetaStore, error) {
	o := &Options{}
	if err := mapstructure.Decode(m, o); err != nil {
		return nil, errors.Wrap(err, "sqlite: error decoding config")
	}
	return New(o.Path)
}

// New opens, and if necessary creates and upgrades, the database.
func New(path string) (*MetaStore, error) {
	registerDriver.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("regexp", regexpFunc(), true)
			},
		})
	})
	if path == "" {
		return nil, errors.New("sqlite: no database path configured")
	}
	db, err := sql.Open(driverName, path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error opening database")
	}
	// one connection keeps ":memory:" databases coherent and writers
	// from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s := &MetaStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const createTable = `
CREATE TABLE IF NOT EXISTS resource_meta (
	resource_id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	created_time REAL NOT NULL DEFAULT 0,
	updated_time REAL NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL DEFAULT '',
	updated_by TEXT NOT NULL DEFAULT '',
	is_deleted INTEGER NOT NULL DEFAULT 0,
	schema_version TEXT NOT NULL DEFAULT '',
	indexed_data TEXT NOT NULL DEFAULT '{}'
)`

var indexStatements = []string{
	"CREATE INDEX IF NOT EXISTS idx_meta_created_time ON resource_meta (created_time)",
	"CREATE INDEX IF NOT EXISTS idx_meta_updated_time ON resource_meta (updated_time)",
	"CREATE INDEX IF NOT EXISTS idx_meta_created_by ON resource_meta (created_by)",
	"CREATE INDEX IF NOT EXISTS idx_meta_updated_by ON resource_meta (updated_by)",
	"CREATE INDEX IF NOT EXISTS idx_meta_is_deleted ON resource_meta (is_deleted)",
}

// projection maps column names to their ALTER TABLE clause. Older
// database files predating a column get it added and backfilled from
// the data blob.
var projection = map[string]string{
	"created_time":   "REAL NOT NULL DEFAULT 0",
	"updated_time":   "REAL NOT NULL DEFAULT 0",
	"created_by":     "TEXT NOT NULL DEFAULT ''",
	"updated_by":     "TEXT NOT NULL DEFAULT ''",
	"is_deleted":     "INTEGER NOT NULL DEFAULT 0",
	"schema_version": "TEXT NOT NULL DEFAULT ''",
	"indexed_data":   "TEXT NOT NULL DEFAULT '{}'",
}

func (s *MetaStore) migrate() error {
	if _, err := s.db.Exec(createTable); err != nil {
		return errors.Wrap(err, "sqlite: error creating table")
	}

	rows, err := s.db.Query("PRAGMA table_info(resource_meta)")
	if err != nil {
		return errors.Wrap(err, "sqlite: error reading table info")
	}
	existing := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return errors.Wrap(err, "sqlite: error scanning table info")
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "sqlite: error reading table info")
	}

	added := false
	for col, clause := range projection {
		if existing[col] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE resource_meta ADD COLUMN %s %s", col, clause)
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "sqlite: error adding column %s", col)
		}
		added = true
	}
	for _, stmt := range indexStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite: error creating index")
		}
	}
	if added {
		return s.backfill()
	}
	return nil
}

// backfill rebuilds the projection columns from the data blobs after a
// schema upgrade.
func (s *MetaStore) backfill() error {
	rows, err := s.db.Query("SELECT resource_id, data FROM resource_meta")
	if err != nil {
		return errors.Wrap(err, "sqlite: error reading rows for backfill")
	}
	metas := []*resource.Meta{}
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return errors.Wrap(err, "sqlite: error scanning row for backfill")
		}
		m, err := decodeMeta(blob)
		if err != nil {
			rows.Close()
			return errors.Wrapf(err, "sqlite: error decoding meta %s for backfill", id)
		}
		metas = append(metas, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "sqlite: error reading rows for backfill")
	}
	return s.SaveMany(context.Background(), metas)
}

// decodeMeta decodes a stored data blob. The msgpack decoder yields
// nested maps as map[interface{}]interface{}, which encoding/json
// cannot encode again, so indexed data is normalized back to string
// keyed maps. Without this a record read from the store could not be
// written back.
func decodeMeta(blob []byte) (*resource.Meta, error) {
	m := &resource.Meta{}
	if err := msgpack.Unmarshal(blob, m); err != nil {
		return nil, err
	}
	if m.IndexedData != nil {
		m.IndexedData = stringKeyed(m.IndexedData).(map[string]interface{})
	}
	return m, nil
}

// stringKeyed rewrites interface keyed maps to string keyed ones, in
// place where possible.
func stringKeyed(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = stringKeyed(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprint(k)
			}
			out[key] = stringKeyed(val)
		}
		return out
	case []interface{}:
		for i, item := range t {
			t[i] = stringKeyed(item)
		}
		return t
	default:
		return v
	}
}

const upsert = `
INSERT OR REPLACE INTO resource_meta
	(resource_id, data, created_time, updated_time, created_by, updated_by, is_deleted, schema_version, indexed_data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func upsertArgs(m *resource.Meta) ([]interface{}, error) {
	blob, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: error encoding meta %s", m.ResourceID)
	}
	indexed := m.IndexedData
	if indexed == nil {
		indexed = map[string]interface{}{}
	}
	indexedJSON, err := json.Marshal(indexed)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: error encoding indexed data of %s", m.ResourceID)
	}
	return []interface{}{
		m.ResourceID,
		blob,
		timeToUnix(m.CreatedTime),
		timeToUnix(m.UpdatedTime),
		m.CreatedBy,
		m.UpdatedBy,
		boolToInt(m.IsDeleted),
		m.SchemaVersion,
		string(indexedJSON),
	}, nil
}

func timeToUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Put inserts or replaces one record.
func (s *MetaStore) Put(ctx context.Context, m *resource.Meta) error {
	args, err := upsertArgs(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsert, args...)
	return errors.Wrapf(err, "sqlite: error saving meta %s", m.ResourceID)
}

// SaveMany writes all records in one transaction.
func (s *MetaStore) SaveMany(ctx context.Context, metas []*resource.Meta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite: error starting transaction")
	}
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "sqlite: error preparing upsert")
	}
	for _, m := range metas {
		args, err := upsertArgs(m)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return errors.Wrapf(err, "sqlite: error saving meta %s", m.ResourceID)
		}
	}
	stmt.Close()
	return errors.Wrap(tx.Commit(), "sqlite: error committing batch")
}

// Get returns one record or errtypes.NotFound.
func (s *MetaStore) Get(ctx context.Context, resourceID string) (*resource.Meta, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM resource_meta WHERE resource_id = ?", resourceID).Scan(&blob)
	switch {
	case err == sql.ErrNoRows:
		return nil, errtypes.NotFound(resourceID)
	case err != nil:
		return nil, errors.Wrapf(err, "sqlite: error reading meta %s", resourceID)
	}
	m, err := decodeMeta(blob)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: error decoding meta %s", resourceID)
	}
	return m, nil
}

// Delete removes one record. Missing records are not an error.
func (s *MetaStore) Delete(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM resource_meta WHERE resource_id = ?", resourceID)
	return errors.Wrapf(err, "sqlite: error deleting meta %s", resourceID)
}

// Exists reports record presence.
func (s *MetaStore) Exists(ctx context.Context, resourceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM resource_meta WHERE resource_id = ?", resourceID).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, errors.Wrapf(err, "sqlite: error checking meta %s", resourceID)
	}
	return true, nil
}

// Search compiles the query to SQL and decodes matching rows. Rows with
// corrupt data blobs are skipped with a warning instead of failing the
// whole search.
func (s *MetaStore) Search(ctx context.Context, q *query.Query) ([]*resource.Meta, error) {
	stmt, args, err := compileSelect("data", q, true)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error executing search")
	}
	defer rows.Close()

	log := appctx.GetLogger(ctx)
	metas := []*resource.Meta{}
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, errors.Wrap(err, "sqlite: error scanning search row")
		}
		m, err := decodeMeta(blob)
		if err != nil {
			log.Warn().Err(err).Msg("skipping meta row with corrupt data blob")
			continue
		}
		metas = append(metas, m)
	}
	return metas, errors.Wrap(rows.Err(), "sqlite: error reading search rows")
}

// Count counts matching rows without pagination.
func (s *MetaStore) Count(ctx context.Context, q *query.Query) (int, error) {
	stmt, args, err := compileSelect("COUNT(*)", q, false)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlite: error executing count")
	}
	return n, nil
}

// Close closes the database.
func (s *MetaStore) Close(_ context.Context) error {
	return errors.Wrap(s.db.Close(), "sqlite: error closing database")
}
