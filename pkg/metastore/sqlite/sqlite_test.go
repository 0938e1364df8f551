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

package sqlite_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shamaton/msgpack/v2"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
	"github.com/opencloud-eu/resmgr/pkg/metastore/sqlite"
	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

var _ = Describe("MetaStore", func() {
	var (
		store  *sqlite.MetaStore
		ctx    context.Context
		tmpdir string
		dbPath string
	)

	meta := func(id string, price float64, tags []interface{}) *resource.Meta {
		return &resource.Meta{
			ResourceID:         id,
			CurrentRevisionID:  id + ":1",
			TotalRevisionCount: 1,
			CreatedTime:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			CreatedBy:          "user:alice",
			UpdatedTime:        time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
			UpdatedBy:          "user:alice",
			IndexedData: map[string]interface{}{
				"title": "Article " + id,
				"price": price,
				"tags":  tags,
				"specs": map[string]interface{}{"state": "liquid"},
			},
		}
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpdir, err = os.MkdirTemp("", "sqlite-metastore-test")
		Expect(err).ToNot(HaveOccurred())
		dbPath = filepath.Join(tmpdir, "meta.db")

		store, err = sqlite.New(dbPath)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close(ctx)
		}
		if tmpdir != "" {
			os.RemoveAll(tmpdir)
		}
	})

	Describe("Put and Get", func() {
		It("round trips the record", func() {
			in := meta("article:1", 42.5, []interface{}{"liquid"})
			Expect(store.Put(ctx, in)).To(Succeed())

			out, err := store.Get(ctx, "article:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(out.ResourceID).To(Equal("article:1"))
			Expect(out.CurrentRevisionID).To(Equal("article:1:1"))
			Expect(out.IndexedData["price"]).To(BeNumerically("==", 42.5))
		})

		It("writes back records it read itself", func() {
			Expect(store.Put(ctx, meta("article:1", 42.5, []interface{}{"liquid"}))).To(Succeed())

			// nested indexed data must survive the decode so the manager
			// can flag and re-save a loaded record
			out, err := store.Get(ctx, "article:1")
			Expect(err).ToNot(HaveOccurred())
			out.IsDeleted = true
			Expect(store.Put(ctx, out)).To(Succeed())

			again, err := store.Get(ctx, "article:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(again.IsDeleted).To(BeTrue())
			Expect(again.IndexedData["specs"]).To(HaveKeyWithValue("state", "liquid"))
		})

		It("fails with NotFound for unknown ids", func() {
			_, err := store.Get(ctx, "article:unknown")
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})

		It("replaces on repeated put", func() {
			in := meta("article:1", 42.5, nil)
			Expect(store.Put(ctx, in)).To(Succeed())
			in.IsDeleted = true
			Expect(store.Put(ctx, in)).To(Succeed())

			out, err := store.Get(ctx, "article:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(out.IsDeleted).To(BeTrue())
		})
	})

	Describe("Exists and Delete", func() {
		It("follow the record lifecycle", func() {
			Expect(store.Put(ctx, meta("article:1", 1, nil))).To(Succeed())

			ok, err := store.Exists(ctx, "article:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(store.Delete(ctx, "article:1")).To(Succeed())
			Expect(store.Delete(ctx, "article:1")).To(Succeed())

			ok, err = store.Exists(ctx, "article:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Search", func() {
		BeforeEach(func() {
			Expect(store.Put(ctx, meta("article:1", 30, []interface{}{"liquid", "clear"}))).To(Succeed())
			Expect(store.Put(ctx, meta("article:2", 50, []interface{}{"solid"}))).To(Succeed())
			Expect(store.Put(ctx, meta("article:3", 70, []interface{}{}))).To(Succeed())
		})

		search := func(n query.Node) []*resource.Meta {
			metas, err := store.Search(ctx, query.NewBuilder().Where(n).Build())
			Expect(err).ToNot(HaveOccurred())
			return metas
		}

		It("filters on indexed numeric fields", func() {
			metas := search(query.Field("price").Gt(40))
			Expect(metas).To(HaveLen(2))
		})

		It("filters on nested fields", func() {
			metas := search(query.Field("specs.state").Eq("liquid"))
			Expect(metas).To(HaveLen(3))
		})

		It("supports string operators", func() {
			Expect(search(query.Field("title").StartsWith("Article"))).To(HaveLen(3))
			Expect(search(query.Field("title").EndsWith(":2"))).To(HaveLen(1))
			Expect(search(query.Field("title").Contains("article:1"))).To(HaveLen(1))
		})

		It("supports regular expressions", func() {
			metas := search(query.Field("title").Regex(`article:[12]$`))
			Expect(metas).To(HaveLen(2))
		})

		It("supports list membership", func() {
			metas := search(query.Field("tags").Contains("liquid"))
			Expect(metas).To(HaveLen(1))
			Expect(metas[0].ResourceID).To(Equal("article:1"))

			Expect(search(query.Field("price").In(30, 70))).To(HaveLen(2))
			Expect(search(query.Field("price").NotIn(30, 70))).To(HaveLen(1))
		})

		It("supports the length transform", func() {
			metas := search(query.Field("tags").Length().Eq(2))
			Expect(metas).To(HaveLen(1))
			Expect(metas[0].ResourceID).To(Equal("article:1"))
		})

		It("supports presence operators", func() {
			Expect(search(query.Field("tags").Exists())).To(HaveLen(3))
			Expect(search(query.Field("missing").Exists())).To(BeEmpty())
			Expect(search(query.Field("missing").IsNA())).To(HaveLen(3))
		})

		It("combines groups", func() {
			metas := search(query.Or(
				query.Field("price").Lt(40),
				query.Field("tags").Contains("solid"),
			))
			Expect(metas).To(HaveLen(2))

			metas = search(query.Not(query.Field("price").Eq(50)))
			Expect(metas).To(HaveLen(2))
		})

		It("applies meta shortcuts", func() {
			q := query.NewBuilder().CreatedBy("user:alice").Deleted(false).Build()
			metas, err := store.Search(ctx, q)
			Expect(err).ToNot(HaveOccurred())
			Expect(metas).To(HaveLen(3))

			q = query.NewBuilder().
				CreatedAfter(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)).Build()
			metas, err = store.Search(ctx, q)
			Expect(err).ToNot(HaveOccurred())
			Expect(metas).To(BeEmpty())
		})

		It("sorts and paginates", func() {
			q := query.NewBuilder().
				SortBy(query.Field("price").Desc()).
				Limit(2).Offset(1).
				Build()
			metas, err := store.Search(ctx, q)
			Expect(err).ToNot(HaveOccurred())
			Expect(metas).To(HaveLen(2))
			Expect(metas[0].ResourceID).To(Equal("article:2"))
			Expect(metas[1].ResourceID).To(Equal("article:1"))
		})
	})

	Describe("Count", func() {
		It("ignores pagination", func() {
			Expect(store.Put(ctx, meta("article:1", 30, nil))).To(Succeed())
			Expect(store.Put(ctx, meta("article:2", 50, nil))).To(Succeed())

			q := query.NewBuilder().Where(query.Field("price").Gt(0)).Limit(1).Build()
			n, err := store.Count(ctx, q)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))
		})
	})

	Describe("SaveMany", func() {
		It("writes all records atomically", func() {
			metas := []*resource.Meta{
				meta("article:1", 1, nil),
				meta("article:2", 2, nil),
				meta("article:3", 3, nil),
			}
			Expect(store.SaveMany(ctx, metas)).To(Succeed())

			n, err := store.Count(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(3))
		})
	})

	Describe("schema upgrade", func() {
		It("adds missing columns and backfills the projection", func() {
			Expect(store.Close(ctx)).To(Succeed())
			store = nil

			oldPath := filepath.Join(tmpdir, "old.db")
			db, err := sql.Open("sqlite3", oldPath)
			Expect(err).ToNot(HaveOccurred())
			_, err = db.Exec("CREATE TABLE resource_meta (resource_id TEXT PRIMARY KEY, data BLOB NOT NULL)")
			Expect(err).ToNot(HaveOccurred())

			old := meta("article:1", 99, []interface{}{"vintage"})
			blob, err := msgpack.Marshal(old)
			Expect(err).ToNot(HaveOccurred())
			_, err = db.Exec("INSERT INTO resource_meta (resource_id, data) VALUES (?, ?)", old.ResourceID, blob)
			Expect(err).ToNot(HaveOccurred())
			Expect(db.Close()).To(Succeed())

			upgraded, err := sqlite.New(oldPath)
			Expect(err).ToNot(HaveOccurred())
			defer upgraded.Close(ctx)

			// the projection columns work after the upgrade
			metas, err := upgraded.Search(ctx, query.NewBuilder().
				Where(query.Field("price").Eq(99)).
				CreatedBy("user:alice").
				Build())
			Expect(err).ToNot(HaveOccurred())
			Expect(metas).To(HaveLen(1))
			Expect(metas[0].ResourceID).To(Equal("article:1"))
		})
	})
})
