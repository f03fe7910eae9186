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

package records

import (
	"context"
	"encoding/base64"
)

// Object is any persisted record. Keys returns the partition and sort
// key; the version getters back optimistic writes.
type Object interface {
	Keys() (pk string, sk string)
	GetVersion() int64
	SetVersion(v int64)
}

// Store is the typed record table. Put performs a compare-and-set on
// the object's version: version 0 requires the record not to exist,
// any other version must match the stored one, and both failures
// surface as CONFLICT. On success the object's version is bumped in
// place.
type Store[T Object] interface {
	Get(ctx context.Context, pk, sk string, obj T) error
	Put(ctx context.Context, obj T) error
	Delete(ctx context.Context, pk, sk string) error
	Scan(ctx context.Context, pk, skPrefix string, opts ScanOptions) (*Page[T], error)
}

// ScanOptions page a prefix scan. Cursor is opaque to callers; the
// empty cursor starts from the beginning.
type ScanOptions struct {
	Limit  int
	Cursor string
}

type Page[T Object] struct {
	Items []T
	// Cursor resumes the scan; empty means exhausted.
	Cursor string
}

// DefaultScanLimit bounds a single page when the caller does not set
// one.
const DefaultScanLimit = 100

// ScanAll drains every page of a prefix scan.
func ScanAll[T Object](ctx context.Context, store Store[T], pk, skPrefix string) ([]T, error) {
	var items []T
	opts := ScanOptions{Limit: DefaultScanLimit}
	for {
		page, err := store.Scan(ctx, pk, skPrefix, opts)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		if page.Cursor == "" {
			return items, nil
		}
		opts.Cursor = page.Cursor
	}
}

func encodeCursor(sk string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sk))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// prefixUpperBound is the smallest string greater than every string
// with the given prefix; empty when no bound exists.
func prefixUpperBound(prefix string) string {
	raw := []byte(prefix)
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] < 0xff {
			raw[i]++
			return string(raw[:i+1])
		}
	}
	return ""
}
