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

// Package s3 implements the meta store as a sqlite database file that
// lives in an S3 bucket. The file is pulled to local disk on startup
// and pushed back on writes. The object ETag works as an optimistic
// concurrency token: when the remote object changed since the last
// pull, pushing fails with a sync conflict instead of overwriting the
// other writer.
package s3

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/opencloud-eu/resmgr/pkg/appctx"
	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/metastore/sqlite"
	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// readCheckThrottle limits how often reads HEAD the remote object.
const readCheckThrottle = time.Second

// objectClient is the slice of the minio client the store uses.
type objectClient interface {
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FGetObject(ctx context.Context, bucket, key, filePath string, opts minio.GetObjectOptions) error
	FPutObject(ctx context.Context, bucket, key, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Options configures the S3 backed meta store.
type Options struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	// Key is the object key of the database file.
	Key string `mapstructure:"key"`
	// LocalDir holds the working copy. Defaults to the system temp dir.
	LocalDir string `mapstructure:"local_dir"`
	// SyncInterval batches uploads. Zero uploads after every write.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// CheckETagOnRead makes reads verify the remote ETag, throttled to
	// one HEAD per second, and pull a fresh copy when it moved.
	CheckETagOnRead bool `mapstructure:"check_etag_on_read"`
	// AutoReload pulls the remote copy when an upload hits a conflict.
	// The upload still fails so the caller can retry on fresh state.
	AutoReload bool `mapstructure:"auto_reload"`
}

// MetaStore implements metastore.MetaStore on an S3 hosted sqlite file.
type MetaStore struct {
	client objectClient
	bucket string
	key    string

	localPath       string
	syncInterval    time.Duration
	checkETagOnRead bool
	autoReload      bool

	// mu guards inner, etag and the sync bookkeeping
	mu        sync.Mutex
	inner     *sqlite.MetaStore
	etag      string
	dirty     bool
	lastSync  time.Time
	lastCheck time.Time
}

// NewFromMap builds a store from a generic config map.
func NewFromMap(ctx context.Context, m map[string]interface{}) (*MetaStore, error) {
	o := &Options{}
	if err := mapstructure.Decode(m, o); err != nil {
		return nil, errors.Wrap(err, "s3 metastore: error decoding config")
	}
	return New(ctx, o)
}

// New connects to the bucket, pulls the current database file and opens
// it. A missing remote object starts an empty database.
func New(ctx context.Context, o *Options) (*MetaStore, error) {
	u, err := url.Parse(o.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "s3 metastore: error parsing endpoint")
	}
	useSSL := u.Scheme != "http"
	client, err := minio.New(u.Host, &minio.Options{
		Region: o.Region,
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3 metastore: error creating client")
	}
	return newWithClient(ctx, client, o)
}

func newWithClient(ctx context.Context, client objectClient, o *Options) (*MetaStore, error) {
	if o.Bucket == "" || o.Key == "" {
		return nil, errors.New("s3 metastore: bucket and key must be configured")
	}
	dir := o.LocalDir
	if dir == "" {
		dir = os.TempDir()
	}
	s := &MetaStore{
		client:          client,
		bucket:          o.Bucket,
		key:             o.Key,
		localPath:       filepath.Join(dir, fmt.Sprintf("resmgr-meta-%s.db", uuid.New().String())),
		syncInterval:    o.SyncInterval,
		checkETagOnRead: o.CheckETagOnRead,
		autoReload:      o.AutoReload,
	}
	if err := s.pull(ctx); err != nil {
		return nil, err
	}
	inner, err := sqlite.New(s.localPath)
	if err != nil {
		os.Remove(s.localPath)
		return nil, err
	}
	s.inner = inner
	return s, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

// pull downloads the remote file and remembers its ETag. A missing
// remote object leaves the local file alone.
func (s *MetaStore) pull(ctx context.Context) error {
	info, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			s.etag = ""
			return nil
		}
		return errors.Wrap(err, "s3 metastore: error checking remote database")
	}
	if err := s.client.FGetObject(ctx, s.bucket, s.key, s.localPath, minio.GetObjectOptions{}); err != nil {
		return errors.Wrap(err, "s3 metastore: error downloading database")
	}
	s.etag = info.ETag
	return nil
}

// reload replaces the open database with a fresh remote copy.
func (s *MetaStore) reload(ctx context.Context) error {
	if s.inner != nil {
		if err := s.inner.Close(ctx); err != nil {
			return err
		}
		s.inner = nil
	}
	if err := s.pull(ctx); err != nil {
		return err
	}
	inner, err := sqlite.New(s.localPath)
	if err != nil {
		return err
	}
	s.inner = inner
	s.dirty = false
	return nil
}

// refresh re-pulls the database when the remote ETag moved. Reads call
// it when check_etag_on_read is set; HEAD requests are throttled.
func (s *MetaStore) refresh(ctx context.Context) error {
	if !s.checkETagOnRead {
		return nil
	}
	now := time.Now()
	if now.Sub(s.lastCheck) < readCheckThrottle {
		return nil
	}
	s.lastCheck = now
	info, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
	if err != nil {
		// a HEAD outage must not fail reads, the local copy keeps serving
		if !isNoSuchKey(err) {
			appctx.GetLogger(ctx).Debug().Err(err).Msg("etag check failed, serving local copy")
		}
		return nil
	}
	if info.ETag == s.etag {
		return nil
	}
	appctx.GetLogger(ctx).Debug().
		Str("etag", info.ETag).
		Msg("remote metadata database changed, reloading")
	return s.reload(ctx)
}

// push uploads the local file. Unless force is set the remembered ETag
// must still match the remote object.
func (s *MetaStore) push(ctx context.Context, force bool) error {
	if s.etag != "" && !force {
		info, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
		switch {
		case err != nil && !isNoSuchKey(err):
			return errors.Wrap(err, "s3 metastore: error checking remote database")
		case err == nil && info.ETag != s.etag:
			if s.autoReload {
				if rerr := s.reload(ctx); rerr != nil {
					return rerr
				}
			}
			return errtypes.SyncConflict(s.key)
		}
	}
	info, err := s.client.FPutObject(ctx, s.bucket, s.key, s.localPath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	if err != nil {
		return errors.Wrap(err, "s3 metastore: error uploading database")
	}
	s.etag = info.ETag
	s.dirty = false
	s.lastSync = time.Now()
	return nil
}

// syncIfDue pushes pending writes once the sync interval elapsed. With
// a zero interval every write pushes immediately.
func (s *MetaStore) syncIfDue(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	if s.syncInterval > 0 && time.Since(s.lastSync) < s.syncInterval {
		return nil
	}
	return s.push(ctx, false)
}

// Sync pushes pending writes now. force overwrites the remote object
// even when its ETag no longer matches.
func (s *MetaStore) Sync(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty && !force {
		return nil
	}
	return s.push(ctx, force)
}

// Get returns one record from the working copy.
func (s *MetaStore) Get(ctx context.Context, resourceID string) (*resource.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.inner.Get(ctx, resourceID)
}

// Exists reports record presence in the working copy.
func (s *MetaStore) Exists(ctx context.Context, resourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(ctx); err != nil {
		return false, err
	}
	return s.inner.Exists(ctx, resourceID)
}

// Search queries the working copy.
func (s *MetaStore) Search(ctx context.Context, q *query.Query) ([]*resource.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.inner.Search(ctx, q)
}

// Count counts in the working copy.
func (s *MetaStore) Count(ctx context.Context, q *query.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(ctx); err != nil {
		return 0, err
	}
	return s.inner.Count(ctx, q)
}

// Put writes locally and pushes when the sync interval elapsed.
func (s *MetaStore) Put(ctx context.Context, m *resource.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inner.Put(ctx, m); err != nil {
		return err
	}
	s.dirty = true
	return s.syncIfDue(ctx)
}

// SaveMany writes the batch locally and pushes when due.
func (s *MetaStore) SaveMany(ctx context.Context, metas []*resource.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inner.SaveMany(ctx, metas); err != nil {
		return err
	}
	s.dirty = true
	return s.syncIfDue(ctx)
}

// Delete removes locally and pushes when due.
func (s *MetaStore) Delete(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.inner.Delete(ctx, resourceID); err != nil {
		return err
	}
	s.dirty = true
	return s.syncIfDue(ctx)
}

// Close pushes pending writes, closes the database and removes the
// working copy.
func (s *MetaStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var syncErr error
	if s.dirty {
		syncErr = s.push(ctx, false)
	}
	if err := s.inner.Close(ctx); err != nil && syncErr == nil {
		syncErr = err
	}
	if err := os.Remove(s.localPath); err != nil && !os.IsNotExist(err) && syncErr == nil {
		syncErr = errors.Wrap(err, "s3 metastore: error removing working copy")
	}
	return syncErr
}
