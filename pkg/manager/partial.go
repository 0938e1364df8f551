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
)

// GetPartial returns selected payload fields of one revision, addressed
// by JSON-Pointer-style ("/user/email") or dotted ("user.email") paths.
// An empty revisionID reads the current revision. Paths the payload
// does not contain are left out of the result instead of failing the
// whole projection.
func (m *Manager[T]) GetPartial(ctx context.Context, resourceID, revisionID string, paths []string) (map[string]interface{}, error) {
	full, err := m.GetFull(ctx, resourceID, AtRevision(revisionID), Partial(paths...))
	if err != nil {
		return nil, err
	}
	return full.Partial, nil
}
