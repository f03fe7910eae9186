/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	"time"
)

// ObjectMeta carries the bookkeeping shared by every persisted record.
// Version implements optimistic concurrency: writes supply the version
// they read, and the store rejects the write with a conflict when the
// stored version differs. Version 0 means "must not exist yet".
type ObjectMeta struct {
	Version   int64     `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (m *ObjectMeta) GetVersion() int64 {
	return m.Version
}

func (m *ObjectMeta) SetVersion(v int64) {
	m.Version = v
}

func (m *ObjectMeta) GetCreatedAt() time.Time {
	return m.CreatedAt
}

func (m *ObjectMeta) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}
