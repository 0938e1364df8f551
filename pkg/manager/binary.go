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

	"reflect"

	"github.com/opencloud-eu/resmgr/pkg/resource"
)

var binaryType = reflect.TypeOf(resource.Binary{})

// binaryWalker finds the Binary fields of a record. Reachability per
// struct type is computed once at manager construction so the walk
// prunes branches that can never hold a binary. Binaries are supported
// in struct fields, pointers and slices; map values are not walked.
type binaryWalker struct {
	reachable map[reflect.Type]bool
}

func newBinaryWalker(zero interface{}) *binaryWalker {
	w := &binaryWalker{reachable: map[reflect.Type]bool{}}
	w.analyze(reflect.TypeOf(zero), map[reflect.Type]bool{})
	return w
}

// analyze memoizes whether t can reach a Binary. Types currently on the
// analysis stack count as reachable, which over-approximates recursive
// types; the runtime walk stays correct, it just prunes less.
func (w *binaryWalker) analyze(t reflect.Type, visiting map[reflect.Type]bool) bool {
	if t == nil {
		return false
	}
	if t == binaryType {
		return true
	}
	if r, ok := w.reachable[t]; ok {
		return r
	}
	if visiting[t] {
		return true
	}
	visiting[t] = true
	defer delete(visiting, t)

	r := false
	switch t.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Array:
		r = w.analyze(t.Elem(), visiting)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			if w.analyze(f.Type, visiting) {
				r = true
			}
		}
	}
	w.reachable[t] = r
	return r
}

// collect returns pointers to all Binary fields of the record, so the
// caller can rewrite them in place.
func (w *binaryWalker) collect(rec interface{}) []*resource.Binary {
	v := reflect.ValueOf(rec)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil
	}
	out := []*resource.Binary{}
	w.walk(v.Elem(), &out)
	return out
}

func (w *binaryWalker) walk(v reflect.Value, out *[]*resource.Binary) {
	t := v.Type()
	if t == binaryType {
		if v.CanAddr() {
			*out = append(*out, v.Addr().Interface().(*resource.Binary))
		}
		return
	}
	if !w.reachable[t] {
		return
	}
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			w.walk(v.Elem(), out)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i), out)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue
			}
			w.walk(v.Field(i), out)
		}
	}
}

// extractBinaries moves inline binary bytes into the blob store and
// leaves the reference triple behind. It returns the ids written in
// this pass.
func (m *Manager[T]) extractBinaries(ctx context.Context, rec *T) ([]string, error) {
	written := []string{}
	for _, b := range m.binaries.collect(rec) {
		if len(b.Data) == 0 {
			continue
		}
		contentType := b.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		id, err := m.storage.Blobs.Put(ctx, b.Data, contentType)
		if err != nil {
			return written, err
		}
		b.FileID = id
		b.Size = int64(len(b.Data))
		b.ContentType = contentType
		b.Data = nil
		written = append(written, id)
	}
	return written, nil
}

// ownsBlob reports whether the record references the given blob id.
func (m *Manager[T]) ownsBlob(rec *T, fileID string) bool {
	for _, b := range m.binaries.collect(rec) {
		if b.FileID == fileID {
			return true
		}
	}
	return false
}
