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

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// SecretsBroker keeps sealed material in memory. ForgottenRefs records
// every Forget so tests can assert that credentials are destroyed
// after use.
type SecretsBroker struct {
	NextError     AtomicError
	ForgottenRefs AtomicPtrSlice[string]

	mu     sync.Mutex
	seq    int
	values map[string][]byte
}

func NewSecretsBroker() *SecretsBroker {
	return &SecretsBroker{values: map[string][]byte{}}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (b *SecretsBroker) Reset() {
	b.NextError.Reset()
	b.ForgottenRefs.Reset()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq = 0
	b.values = map[string][]byte{}
}

func (b *SecretsBroker) Seal(_ context.Context, scope string, value []byte) (string, error) {
	if err := b.NextError.Get(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ref := fmt.Sprintf("%s/secret-%04d", scope, b.seq)
	b.values[ref] = append([]byte(nil), value...)
	return ref, nil
}

func (b *SecretsBroker) Unseal(_ context.Context, ref string) ([]byte, error) {
	if err := b.NextError.Get(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[ref]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "sealed secret %q not found", ref)
	}
	return append([]byte(nil), value...), nil
}

func (b *SecretsBroker) Rotate(_ context.Context, ref string, value []byte) error {
	if err := b.NextError.Get(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[ref]; !ok {
		return errors.New(errors.KindNotFound, "sealed secret %q not found", ref)
	}
	b.values[ref] = append([]byte(nil), value...)
	return nil
}

func (b *SecretsBroker) Forget(_ context.Context, ref string) error {
	if err := b.NextError.Get(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.values, ref)
	b.mu.Unlock()
	b.ForgottenRefs.Add(&ref)
	return nil
}

// Holds reports whether the broker still stores the ref.
func (b *SecretsBroker) Holds(ref string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.values[ref]
	return ok
}

// Preseed installs a sealed value under a caller-chosen ref.
func (b *SecretsBroker) Preseed(ref string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[ref] = append([]byte(nil), value...)
}
