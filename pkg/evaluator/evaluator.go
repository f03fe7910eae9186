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

// Package evaluator defines the contract with the opaque policy
// evaluator: invoked once per region with a compiled artifact and a
// credentials environment, it writes one directory per policy holding
// metadata.json, resources.json with matched resources, and an
// optional errors.log. The engine never interprets policies itself.
package evaluator

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Metadata is the manifest the evaluator writes per (region, policy).
type Metadata struct {
	PolicyName        string `json:"policy_name"`
	PolicyDescription string `json:"policy_description,omitempty"`
	ResourceType      string `json:"resource_type"`
	OutputDir         string `json:"output_dir,omitempty"`
}

// RawResource is one matched resource inside resources.json. The
// evaluator emits provider-native documents; only the identifying
// fields are modeled, the rest is carried opaquely.
type RawResource struct {
	ID       string            `json:"id,omitempty"`
	ARN      string            `json:"arn,omitempty"`
	Name     string            `json:"name,omitempty"`
	Type     string            `json:"type,omitempty"`
	Location string            `json:"location,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Identity collapses the native fields onto the canonical resource
// identifier: the ARN when present, the native id otherwise.
func (r RawResource) Identity() string {
	if r.ARN != "" {
		return r.ARN
	}
	return r.ID
}

// ErrorEntry is one parsed errors.log line.
type ErrorEntry struct {
	Kind    v1.ScanErrorKind
	Message string
}

// ParseErrorsLog reads "KIND: message" lines; lines without a
// recognized kind prefix classify through the cloud's error table
// upstream and land here as INTERNAL.
func ParseErrorsLog(r io.Reader) []ErrorEntry {
	var entries []ErrorEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		kind, message, found := strings.Cut(line, ":")
		if !found {
			entries = append(entries, ErrorEntry{Kind: v1.ScanErrorInternal, Message: line})
			continue
		}
		entries = append(entries, ErrorEntry{
			Kind:    v1.ParseScanErrorKind(strings.TrimSpace(kind)),
			Message: strings.TrimSpace(message),
		})
	}
	return entries
}

// WriteFailureManifest synthesizes the output the evaluator would have
// produced for a policy that never ran, so ingestion treats crashes
// and per-rule errors uniformly.
func WriteFailureManifest(w io.Writer, policy string, kind v1.ScanErrorKind, message string) error {
	meta := Metadata{PolicyName: policy, ResourceType: "unknown"}
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing failure manifest for %q", policy)
	}
	return nil
}

// Request invokes the evaluator for one region of one job. Env values
// are secret and travel only through the subprocess environment.
type Request struct {
	JobID        string
	Cloud        v1.Cloud
	ArtifactPath string
	Region       string
	OutputDir    string
	Env          map[string]string
	// Timeout bounds this region; zero inherits the context deadline.
	Timeout time.Duration
}

// Evaluator runs the policy bundle for one region and fills
// req.OutputDir with per-policy output directories.
type Evaluator interface {
	Run(ctx context.Context, req Request) error
}
