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

package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v2"
	"github.com/pkg/errors"

	"github.com/opencloud-eu/resmgr/pkg/errtypes"
)

// Mode decides how conflicting rules within one ACL combine.
type Mode string

const (
	// DenyOverrides denies when any matching rule denies.
	DenyOverrides Mode = "deny_overrides"
	// AllowOverrides allows when any matching rule allows.
	AllowOverrides Mode = "allow_overrides"
)

// Options configures the engine.
type Options struct {
	Mode Mode `mapstructure:"mode"`
	// DefaultAllow decides checks no ACL has an opinion on.
	DefaultAllow bool `mapstructure:"default_allow"`
	// RootSubjects bypass all checks.
	RootSubjects []string `mapstructure:"root_subjects"`
	// CacheTTL caches expanded role closures. Zero disables the cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Strict returns options that deny unless a rule allows.
func Strict() *Options { return &Options{Mode: DenyOverrides, DefaultAllow: false} }

// Permissive returns options that allow unless a rule denies.
func Permissive() *Options { return &Options{Mode: AllowOverrides, DefaultAllow: true} }

// Engine evaluates permission checks against a store.
type Engine struct {
	store        Store
	mode         Mode
	defaultAllow bool
	roots        map[string]bool
	cache        *ttlcache.Cache
}

// NewEngine returns an engine over the given store. Nil options default
// to Strict.
func NewEngine(store Store, o *Options) *Engine {
	if o == nil {
		o = Strict()
	}
	mode := o.Mode
	if mode == "" {
		mode = DenyOverrides
	}
	roots := make(map[string]bool, len(o.RootSubjects))
	for _, r := range o.RootSubjects {
		roots[r] = true
	}
	e := &Engine{store: store, mode: mode, defaultAllow: o.DefaultAllow, roots: roots}
	if o.CacheTTL > 0 {
		cache := ttlcache.NewCache()
		_ = cache.SetTTL(o.CacheTTL)
		cache.SkipTTLExtensionOnHit(true)
		e.cache = cache
	}
	return e
}

// Check returns nil when the subject may perform the action, and
// errtypes.PermissionDenied otherwise. The direct subject is evaluated
// against all targets, most to least specific, before any role is
// consulted; ancestors follow in breadth first order and the first
// decision stops the membership walk.
func (e *Engine) Check(ctx context.Context, subject, resourceID, resourceType, action string) error {
	if e.roots[subject] {
		return nil
	}
	targets := []string{resourceID, resourceType, TargetAny, ""}

	if closure := e.cachedClosure(subject); closure != nil {
		for _, current := range closure {
			decided, allowed, err := e.evalSubject(ctx, current, targets, action)
			if err != nil {
				return err
			}
			if decided {
				return e.verdict(allowed, subject, resourceID, action)
			}
		}
		return e.verdict(e.defaultAllow, subject, resourceID, action)
	}

	// the membership walk is interleaved with the ACL checks, so a
	// decision for an early subject skips the rest of the role graph
	visited := map[string]bool{subject: true}
	closure := []string{subject}
	for i := 0; i < len(closure); i++ {
		current := closure[i]
		decided, allowed, err := e.evalSubject(ctx, current, targets, action)
		if err != nil {
			return err
		}
		if decided {
			return e.verdict(allowed, subject, resourceID, action)
		}
		m, err := e.store.GetMembership(ctx, current)
		if err != nil {
			var nf errtypes.IsNotFound
			if errors.As(err, &nf) {
				continue
			}
			return err
		}
		for _, role := range m.Roles {
			if visited[role] {
				continue
			}
			visited[role] = true
			closure = append(closure, role)
		}
	}
	// only undecided checks see the whole closure, so only they cache it
	if e.cache != nil {
		_ = e.cache.Set(subject, closure)
	}
	return e.verdict(e.defaultAllow, subject, resourceID, action)
}

func (e *Engine) verdict(allowed bool, subject, resourceID, action string) error {
	if allowed {
		return nil
	}
	return errtypes.PermissionDenied(fmt.Sprintf("%s may not %s %s", subject, action, resourceID))
}

func (e *Engine) cachedClosure(subject string) []string {
	if e.cache == nil {
		return nil
	}
	if v, err := e.cache.Get(subject); err == nil {
		return v.([]string)
	}
	return nil
}

// evalSubject checks one subject against the targets, most to least
// specific. The first target whose ACL has rules matching the subject
// and action decides.
func (e *Engine) evalSubject(ctx context.Context, subject string, targets []string, action string) (bool, bool, error) {
	for _, target := range targets {
		acl, err := e.store.GetACL(ctx, target)
		if err != nil {
			var nf errtypes.IsNotFound
			if errors.As(err, &nf) {
				continue
			}
			return false, false, err
		}
		if decided, allowed := e.decide(acl, subject, action); decided {
			return true, allowed, nil
		}
	}
	return false, false, nil
}

// decide applies the combining mode to the rules of one ACL that match
// the subject and action.
func (e *Engine) decide(acl *ACL, subject, action string) (decided, allowed bool) {
	anyAllow, anyDeny := false, false
	for i := range acl.Rules {
		r := &acl.Rules[i]
		if r.Subject != subject || !r.MatchesAction(action) {
			continue
		}
		switch r.Effect {
		case Allow:
			anyAllow = true
		case Deny:
			anyDeny = true
		}
	}
	if !anyAllow && !anyDeny {
		return false, false
	}
	if e.mode == AllowOverrides {
		return true, anyAllow
	}
	return true, anyAllow && !anyDeny
}

// Invalidate drops a subject's cached role closure after a membership
// change.
func (e *Engine) Invalidate(subject string) {
	if e.cache != nil {
		_ = e.cache.Remove(subject)
	}
}

// Close releases the cache janitor.
func (e *Engine) Close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
}
