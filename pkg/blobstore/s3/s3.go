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

// Package s3 provides a blobstore backed by an s3 compatible object
// store. Blob bytes are stored raw under their content address; size
// and content type come from object metadata.
package s3

import (
	"bytes"
	"context"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// Blobstore provides an interface to an s3 compatible blobstore.
type Blobstore struct {
	client *minio.Client

	bucket string
}

// New returns a new Blobstore.
func New(endpoint, region, bucket, accessKey, secretKey string) (*Blobstore, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse s3 endpoint")
	}

	useSSL := u.Scheme != "http"
	client, err := minio.New(u.Host, &minio.Options{
		Region: region,
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup s3 client")
	}

	return &Blobstore{
		client: client,
		bucket: bucket,
	}, nil
}

// Put uploads the bytes under their content address. Identical content
// maps to the same key, so concurrent puts of the same bytes are safe.
func (bs *Blobstore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	id := resource.ContentHash(data)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := bs.client.PutObject(ctx, bs.bucket, id, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", errors.Wrapf(err, "could not store blob '%s' into bucket '%s'", id, bs.bucket)
	}
	return id, nil
}

// Get downloads a blob.
func (bs *Blobstore) Get(ctx context.Context, fileID string) (*resource.Binary, error) {
	obj, err := bs.client.GetObject(ctx, bs.bucket, fileID, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "could not download blob '%s' from bucket '%s'", fileID, bs.bucket)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errtypes.BlobNotFound(fileID)
		}
		return nil, errors.Wrapf(err, "could not stat blob '%s' in bucket '%s'", fileID, bs.bucket)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read blob '%s' from bucket '%s'", fileID, bs.bucket)
	}
	return &resource.Binary{
		FileID:      fileID,
		Size:        stat.Size,
		ContentType: stat.ContentType,
		Data:        data,
	}, nil
}

// Exists checks the object with a HEAD request.
func (bs *Blobstore) Exists(ctx context.Context, fileID string) (bool, error) {
	_, err := bs.client.StatObject(ctx, bs.bucket, fileID, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, errors.Wrapf(err, "could not stat blob '%s' in bucket '%s'", fileID, bs.bucket)
	}
	return true, nil
}

// Delete deletes a blob from the blobstore.
func (bs *Blobstore) Delete(ctx context.Context, fileID string) error {
	err := bs.client.RemoveObject(ctx, bs.bucket, fileID, minio.RemoveObjectOptions{})
	if err != nil {
		return errors.Wrapf(err, "could not delete blob '%s' from bucket '%s'", fileID, bs.bucket)
	}
	return nil
}
