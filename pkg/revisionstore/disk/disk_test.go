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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/resource"
	"github.com/opencloud-eu/resmgr/pkg/revisionstore"
	"github.com/opencloud-eu/resmgr/pkg/revisionstore/disk"
)

var _ = Describe("RevisionStore", func() {
	var (
		rs     *disk.RevisionStore
		ctx    context.Context
		tmpdir string

		resourceID = "article:00000000-0000-0000-0000-000000000001"
	)

	info := func(seq int) *resource.RevisionInfo {
		revisionID := resource.NewRevisionID(resourceID, seq)
		parent := ""
		if seq > 1 {
			parent = resource.NewRevisionID(resourceID, seq-1)
		}
		return &resource.RevisionInfo{
			UID:              revisionID,
			ResourceID:       resourceID,
			RevisionID:       revisionID,
			ParentRevisionID: parent,
			Status:           resource.StatusStable,
			CreatedTime:      time.Now().UTC(),
			CreatedBy:        "user:alice",
		}
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpdir, err = os.MkdirTemp("", "revisionstore-test")
		Expect(err).ToNot(HaveOccurred())

		rs, err = disk.New(tmpdir)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		if tmpdir != "" {
			os.RemoveAll(tmpdir)
		}
	})

	Describe("SaveInfo and GetInfo", func() {
		It("round trips the info", func() {
			in := info(1)
			Expect(rs.SaveInfo(ctx, in)).To(Succeed())

			out, err := rs.GetInfo(ctx, resourceID, in.RevisionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(out.RevisionID).To(Equal(in.RevisionID))
			Expect(out.Status).To(Equal(resource.StatusStable))
		})

		It("fails with RevisionNotFound for unknown revisions", func() {
			_, err := rs.GetInfo(ctx, resourceID, resourceID+":9")
			Expect(err).To(BeAssignableToTypeOf(errtypes.RevisionNotFound("")))
		})
	})

	Describe("SaveDataBytes and GetDataBytes", func() {
		It("round trips the payload", func() {
			revisionID := resource.NewRevisionID(resourceID, 1)
			Expect(rs.SaveDataBytes(ctx, resourceID, revisionID, []byte("payload"))).To(Succeed())

			data, err := revisionstore.ReadData(ctx, rs, resourceID, revisionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal([]byte("payload")))
		})
	})

	Describe("Exists", func() {
		It("follows the info artefact", func() {
			in := info(1)
			ok, err := rs.Exists(ctx, resourceID, in.RevisionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			Expect(rs.SaveInfo(ctx, in)).To(Succeed())

			ok, err = rs.Exists(ctx, resourceID, in.RevisionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})

	Describe("ListRevisions", func() {
		It("returns an empty list for unknown resources", func() {
			infos, err := rs.ListRevisions(ctx, "article:unknown")
			Expect(err).ToNot(HaveOccurred())
			Expect(infos).To(BeEmpty())
		})

		It("orders by sequence number", func() {
			// save out of order, also past sequence 9 to catch
			// lexicographic ordering mistakes
			for _, seq := range []int{3, 1, 12, 2} {
				Expect(rs.SaveInfo(ctx, info(seq))).To(Succeed())
			}
			infos, err := rs.ListRevisions(ctx, resourceID)
			Expect(err).ToNot(HaveOccurred())
			Expect(infos).To(HaveLen(4))

			seqs := []int{}
			for _, i := range infos {
				seq, err := resource.RevisionSequence(i.RevisionID)
				Expect(err).ToNot(HaveOccurred())
				seqs = append(seqs, seq)
			}
			Expect(seqs).To(Equal([]int{1, 2, 3, 12}))
		})
	})
})
