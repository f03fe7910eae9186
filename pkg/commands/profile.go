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

package commands

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Profile is the on-disk CLI configuration. It is read once at startup
// and never mutated in place; configure writes a new file.
type Profile struct {
	User     string `json:"user,omitempty"`
	Customer string `json:"customer,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// DefaultProfilePath is ~/.sre/config.json.
func DefaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".sre", "config.json")
	}
	return filepath.Join(home, ".sre", "config.json")
}

// LoadProfile reads the profile; a missing file is an empty profile,
// not an error.
func LoadProfile(fs afero.Fs, path string) (*Profile, error) {
	raw, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return &Profile{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "reading profile %q", path)
	}
	profile := &Profile{}
	if err := json.Unmarshal(raw, profile); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing profile %q", path)
	}
	return profile, nil
}

// Save writes the profile with owner-only permissions.
func (p *Profile) Save(fs afero.Fs, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, errors.KindInternal, "preparing profile directory")
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding profile")
	}
	if err := afero.WriteFile(fs, path, raw, 0o600); err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing profile %q", path)
	}
	return nil
}
