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
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/opencloud-eu/resmgr/pkg/query"
	"github.com/opencloud-eu/resmgr/pkg/resource"
)

// Sections a full fetch can return.
const (
	SectionData = "data"
	SectionInfo = "info"
	SectionMeta = "meta"
)

// FullResource bundles the requested sections of one resource. With a
// partial projection the typed sections stay nil and Partial carries
// the selected paths keyed as given.
type FullResource[T any] struct {
	Data    *T                     `json:"data,omitempty"`
	Info    *resource.RevisionInfo `json:"revision_info,omitempty"`
	Meta    *resource.Meta         `json:"meta,omitempty"`
	Partial map[string]interface{} `json:"partial,omitempty"`
}

// FetchOption shapes what GetFull and ListFull return.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	sections   map[string]bool
	partial    []string
	revisionID string
}

// Returns selects the sections to fetch. The default is data only.
func Returns(sections ...string) FetchOption {
	return func(o *fetchOptions) {
		o.sections = map[string]bool{}
		for _, s := range sections {
			o.sections[s] = true
		}
	}
}

// Partial restricts the result to the given paths. Paths may carry a
// "data/", "info/" or "meta/" prefix to pick their section; unprefixed
// paths read from the payload. A prefixed path fetches its section
// regardless of Returns.
func Partial(paths ...string) FetchOption {
	return func(o *fetchOptions) { o.partial = paths }
}

// AtRevision pins a GetFull to a specific revision instead of the
// current one. ListFull ignores it.
func AtRevision(revisionID string) FetchOption {
	return func(o *fetchOptions) { o.revisionID = revisionID }
}

func applyFetchOptions(opts []FetchOption) *fetchOptions {
	o := &fetchOptions{sections: map[string]bool{SectionData: true}}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// splitSection peels the section prefix off a partial path.
func splitSection(path string) (section, rest string) {
	for _, s := range []string{SectionData, SectionInfo, SectionMeta} {
		if strings.HasPrefix(path, s+"/") {
			return s, strings.TrimPrefix(path, s+"/")
		}
	}
	return SectionData, path
}

// fetchOne assembles the sections of one resource. The meta record is
// already loaded; data and info are read on demand.
func (m *Manager[T]) fetchOne(ctx context.Context, meta *resource.Meta, o *fetchOptions) (*FullResource[T], error) {
	revisionID := o.revisionID
	if revisionID == "" {
		revisionID = meta.CurrentRevisionID
	}

	need := map[string]bool{}
	for s := range o.sections {
		need[s] = true
	}
	for _, path := range o.partial {
		s, _ := splitSection(path)
		need[s] = true
	}

	out := &FullResource[T]{}
	var rec *T
	var info *resource.RevisionInfo
	var err error
	if need[SectionData] {
		if rec, err = m.loadRevision(ctx, meta.ResourceID, revisionID); err != nil {
			return nil, err
		}
	}
	if need[SectionInfo] {
		if info, err = m.storage.Revisions.GetInfo(ctx, meta.ResourceID, revisionID); err != nil {
			return nil, err
		}
	}

	if len(o.partial) == 0 {
		out.Data = rec
		out.Info = info
		if o.sections[SectionMeta] {
			out.Meta = meta
		}
		return out, nil
	}

	docs := map[string]map[string]interface{}{}
	doc := func(section string) (map[string]interface{}, error) {
		if d, ok := docs[section]; ok {
			return d, nil
		}
		var src interface{}
		switch section {
		case SectionData:
			src = rec
		case SectionInfo:
			src = info
		case SectionMeta:
			src = meta
		}
		d, err := toMap(src)
		if err != nil {
			return nil, err
		}
		docs[section] = d
		return d, nil
	}

	out.Partial = map[string]interface{}{}
	for _, path := range o.partial {
		section, rest := splitSection(path)
		d, err := doc(section)
		if err != nil {
			return nil, err
		}
		if v, ok := lookupDotted(d, rest); ok {
			out.Partial[path] = v
		}
	}
	return out, nil
}

// GetFull returns selected sections of one live resource, optionally
// pinned to a revision and reduced to a partial projection.
func (m *Manager[T]) GetFull(ctx context.Context, resourceID string, opts ...FetchOption) (*FullResource[T], error) {
	if _, err := m.guard(ctx, resourceID, actionRead); err != nil {
		return nil, err
	}
	meta, err := m.getMeta(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	return m.fetchOne(ctx, meta, applyFetchOptions(opts))
}

// ListFull searches resources and assembles the requested sections for
// every hit, in query order. Larger result sets fetch concurrently.
func (m *Manager[T]) ListFull(ctx context.Context, q *query.Query, opts ...FetchOption) ([]*FullResource[T], error) {
	metas, err := m.ListResources(ctx, q)
	if err != nil {
		return nil, err
	}
	o := applyFetchOptions(opts)
	o.revisionID = ""

	results := make([]*FullResource[T], len(metas))
	if len(metas) <= parallelFetchThreshold {
		for i, meta := range metas {
			r, err := m.fetchOne(ctx, meta, o)
			if err != nil {
				return nil, err
			}
			results[i] = r
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, meta := range metas {
		i, meta := i, meta
		g.Go(func() error {
			r, err := m.fetchOne(gctx, meta, o)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
