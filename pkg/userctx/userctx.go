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

// Package userctx binds the acting user and the logical request time to
// a context. Every guarded manager operation reads both from the
// context instead of taking them as explicit parameters, so the values
// propagate into goroutines spawned for parallel fetches for free.
package userctx

import (
	"context"
	"time"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
)

type key int

const (
	actorKey key = iota
	nowKey
)

// ContextSetActor stores the acting user in the context. The actor is a
// subject string such as "user:alice", "group:admins" or "service:foo".
func ContextSetActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ContextGetActor returns the acting user if set in the given context.
func ContextGetActor(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(actorKey).(string)
	return a, ok
}

// ContextMustGetActor returns the acting user or an errtypes.UserRequired
// error when the context carries none.
func ContextMustGetActor(ctx context.Context) (string, error) {
	a, ok := ContextGetActor(ctx)
	if !ok || a == "" {
		return "", errtypes.UserRequired("no acting user in context")
	}
	return a, nil
}

// ContextSetNow pins the logical "now" for all operations performed
// within the returned context. HTTP handlers use this to stamp every
// write of a request with the same instant.
func ContextSetNow(ctx context.Context, now time.Time) context.Context {
	return context.WithValue(ctx, nowKey, now)
}

// ContextGetNow returns the pinned time if set in the given context.
func ContextGetNow(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(nowKey).(time.Time)
	return t, ok
}

// Now returns the pinned time or the wall clock when none is pinned.
func Now(ctx context.Context) time.Time {
	if t, ok := ContextGetNow(ctx); ok {
		return t
	}
	return time.Now()
}
