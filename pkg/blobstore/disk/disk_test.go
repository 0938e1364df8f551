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

package disk_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencloud-eu/resmgr/pkg/blobstore/disk"
	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

var _ = Describe("Blobstore", func() {
	var (
		bs     *disk.Blobstore
		ctx    context.Context
		tmpdir string

		data = []byte("lorem ipsum dolor sit amet")
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpdir, err = os.MkdirTemp("", "blobstore-test")
		Expect(err).ToNot(HaveOccurred())

		bs, err = disk.New(tmpdir)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		if tmpdir != "" {
			os.RemoveAll(tmpdir)
		}
	})

	Describe("Put", func() {
		It("returns the content address", func() {
			id, err := bs.Put(ctx, data, "text/plain")
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal(resource.ContentHash(data)))
		})

		It("is idempotent for identical content", func() {
			id1, err := bs.Put(ctx, data, "text/plain")
			Expect(err).ToNot(HaveOccurred())
			id2, err := bs.Put(ctx, data, "text/plain")
			Expect(err).ToNot(HaveOccurred())
			Expect(id1).To(Equal(id2))
		})
	})

	Describe("Get", func() {
		It("returns the stored envelope", func() {
			id, err := bs.Put(ctx, data, "text/plain")
			Expect(err).ToNot(HaveOccurred())

			env, err := bs.Get(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(env.Data).To(Equal(data))
			Expect(env.Size).To(Equal(int64(len(data))))
			Expect(env.ContentType).To(Equal("text/plain"))
		})

		It("fails with BlobNotFound for unknown ids", func() {
			_, err := bs.Get(ctx, "deadbeef")
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(errtypes.BlobNotFound("")))
		})
	})

	Describe("Exists and Delete", func() {
		It("reflect the blob lifecycle", func() {
			id, err := bs.Put(ctx, data, "text/plain")
			Expect(err).ToNot(HaveOccurred())

			ok, err := bs.Exists(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(bs.Delete(ctx, id)).To(Succeed())

			ok, err = bs.Exists(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			// deleting again is fine
			Expect(bs.Delete(ctx, id)).To(Succeed())
		})
	})
})
