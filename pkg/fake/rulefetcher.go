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
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/afero"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
)

// RuleFetcher plants canned rule files on a shared filesystem instead
// of cloning a repository.
type RuleFetcher struct {
	NextError  AtomicError
	Commit     string
	Files      map[string]string
	TokensSeen AtomicPtrSlice[string]

	mu  sync.Mutex
	seq int
	fs  afero.Fs
}

func NewRuleFetcher(fs afero.Fs) *RuleFetcher {
	return &RuleFetcher{Commit: "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678", Files: map[string]string{}, fs: fs}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (f *RuleFetcher) Reset() {
	f.NextError.Reset()
	f.TokensSeen.Reset()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commit = "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678"
	f.Files = map[string]string{}
	f.seq = 0
}

func (f *RuleFetcher) Fetch(_ context.Context, source *v1.RuleSource, token []byte) (string, string, func(), error) {
	if err := f.NextError.Get(); err != nil {
		return "", "", nil, err
	}
	if token != nil {
		seen := string(token)
		f.TokensSeen.Add(&seen)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	dir := filepath.Join("/fetched", source.ID, strconv.Itoa(f.seq))
	for name, content := range f.Files {
		path := filepath.Join(dir, name)
		if err := f.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", "", nil, err
		}
		if err := afero.WriteFile(f.fs, path, []byte(content), 0o644); err != nil {
			return "", "", nil, err
		}
	}
	cleanup := func() { _ = f.fs.RemoveAll(dir) }
	return dir, f.Commit, cleanup, nil
}
