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

package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/resmgr/pkg/resource"
)

func testMeta() *resource.Meta {
	return &resource.Meta{
		ResourceID:  "article:1",
		CreatedTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedTime: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
		CreatedBy:   "user:alice",
		UpdatedBy:   "user:bob",
		IndexedData: map[string]interface{}{
			"title": "Water",
			"price": 42.5,
			"tags":  []interface{}{"liquid", "clear"},
			"empty": nil,
			"specs": map[string]interface{}{"state": "liquid"},
		},
	}
}

func mustMatch(t *testing.T, n Node) {
	t.Helper()
	ok, err := Matches(testMeta(), NewBuilder().Where(n).Build())
	require.NoError(t, err)
	assert.True(t, ok)
}

func mustNotMatch(t *testing.T, n Node) {
	t.Helper()
	ok, err := Matches(testMeta(), NewBuilder().Where(n).Build())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOperators(t *testing.T) {
	mustMatch(t, Field("title").Eq("Water"))
	mustNotMatch(t, Field("title").Eq("Fire"))
	mustMatch(t, Field("title").Ne("Fire"))

	mustMatch(t, Field("price").Gt(40))
	mustMatch(t, Field("price").Gte(42.5))
	mustNotMatch(t, Field("price").Lt(42.5))
	mustMatch(t, Field("price").Lte(42.5))

	mustMatch(t, Field("title").Contains("ate"))
	mustMatch(t, Field("tags").Contains("clear"))
	mustNotMatch(t, Field("tags").Contains("muddy"))
	mustMatch(t, Field("title").StartsWith("Wa"))
	mustMatch(t, Field("title").EndsWith("er"))
	mustMatch(t, Field("title").Regex("^W.t"))

	mustMatch(t, Field("title").In("Fire", "Water"))
	mustNotMatch(t, Field("title").NotIn("Fire", "Water"))
	mustMatch(t, Field("specs.state").Eq("liquid"))
}

func TestPresenceOperators(t *testing.T) {
	mustMatch(t, Field("empty").IsNull())
	mustNotMatch(t, Field("title").IsNull())
	mustMatch(t, Field("empty").Exists())
	mustNotMatch(t, Field("missing").Exists())
	mustMatch(t, Field("missing").IsNA())
	mustMatch(t, Field("empty").IsNA())
	mustNotMatch(t, Field("title").IsNA())

	// a missing field only satisfies not_in_list
	mustNotMatch(t, Field("missing").Eq("x"))
	mustNotMatch(t, Field("missing").Gt(0))
	mustMatch(t, Field("missing").NotIn("x"))
}

func TestLengthTransform(t *testing.T) {
	mustMatch(t, Field("tags").Length().Eq(2))
	mustMatch(t, Field("title").Length().Eq(5))
	mustNotMatch(t, Field("tags").Length().Gt(2))
}

func TestGroups(t *testing.T) {
	mustMatch(t, And(Field("title").Eq("Water"), Field("price").Gt(40)))
	mustNotMatch(t, And(Field("title").Eq("Water"), Field("price").Gt(100)))
	mustMatch(t, Or(Field("title").Eq("Fire"), Field("price").Gt(40)))
	mustMatch(t, Not(Field("title").Eq("Fire")))
	mustNotMatch(t, Not(Field("title").Eq("Water")))
}

func TestBetween(t *testing.T) {
	mustMatch(t, Field("price").Between(40, 60))
	mustNotMatch(t, Field("price").Between(50, 60))
}

func TestShortcutFilters(t *testing.T) {
	m := testMeta()

	ok, err := Matches(m, NewBuilder().Deleted(true).Build())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Matches(m, NewBuilder().CreatedBy("user:alice").UpdatedBy("user:bob").Build())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(m, NewBuilder().
		CreatedAfter(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)).
		CreatedBefore(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)).Build())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(m, NewBuilder().
		UpdatedAfter(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)).Build())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetaFieldConditions(t *testing.T) {
	mustMatch(t, Field(MetaFieldResourceID).StartsWith("article:"))
	mustMatch(t, Field(MetaFieldCreatedBy).Eq("user:alice"))
	mustMatch(t, Field(MetaFieldCreatedTime).Lt(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)))
	mustNotMatch(t, Field(MetaFieldIsDeleted).Eq(true))
}

func TestBadRegexFailsEvaluation(t *testing.T) {
	_, err := Matches(testMeta(), NewBuilder().Where(Field("title").Regex("(")).Build())
	assert.Error(t, err)
}

func TestSortAndWindow(t *testing.T) {
	metas := []*resource.Meta{
		{ResourceID: "a:1", IndexedData: map[string]interface{}{"price": 30.0}},
		{ResourceID: "a:2", IndexedData: map[string]interface{}{"price": 10.0}},
		{ResourceID: "a:3", IndexedData: map[string]interface{}{"price": 20.0}},
		{ResourceID: "a:4", IndexedData: map[string]interface{}{}},
	}
	SortMetas(metas, []Sort{{Type: SortData, FieldPath: "price", Direction: Ascending}})

	ids := []string{}
	for _, m := range metas {
		ids = append(ids, m.ResourceID)
	}
	// the record without a price sorts last
	assert.Equal(t, []string{"a:2", "a:3", "a:1", "a:4"}, ids)

	page := Window(metas, 2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, "a:3", page[0].ResourceID)

	assert.Empty(t, Window(metas, 10, 99))

	// negative pagination behaves as unset
	assert.Len(t, Window(metas, -1, -5), 4)
}

func TestNormalizeValue(t *testing.T) {
	type level string
	assert.Equal(t, "high", NormalizeValue(level("high")))
	assert.Equal(t, int64(3), NormalizeValue(3))
	assert.Equal(t, []interface{}{"a", "b"}, NormalizeValue([]string{"a", "b"}))
	assert.Nil(t, NormalizeValue(nil))

	now := time.Now()
	assert.Equal(t, now, NormalizeValue(now))
}
