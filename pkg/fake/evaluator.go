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
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	v1 "github.com/ecc-platform/rule-engine/pkg/apis/v1"
	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/evaluator"
)

// PolicyOutput scripts what the fake evaluator emits for one policy in
// every region it runs.
type PolicyOutput struct {
	Policy       string
	ResourceType string
	Resources    []evaluator.RawResource
	// Errors are raw errors.log lines, for example "ACCESS: denied".
	Errors []string
}

// Evaluator writes scripted outputs onto the shared filesystem instead
// of invoking a subprocess. Sleep simulates a slow evaluator for
// timeout tests; EnvKeysSeen records which environment variable names
// each run received, values are deliberately not retained.
type Evaluator struct {
	NextError  AtomicError
	Sleep      time.Duration
	Outputs    []PolicyOutput
	RegionsRun AtomicPtrSlice[string]
	EnvKeysSeen AtomicPtrSlice[string]

	fs afero.Fs
}

func NewEvaluator(fs afero.Fs) *Evaluator {
	return &Evaluator{fs: fs}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *Evaluator) Reset() {
	e.NextError.Reset()
	e.RegionsRun.Reset()
	e.EnvKeysSeen.Reset()
	e.Sleep = 0
	e.Outputs = nil
}

func (e *Evaluator) Run(ctx context.Context, req evaluator.Request) error {
	if err := e.NextError.Get(); err != nil {
		return err
	}
	region := req.Region
	e.RegionsRun.Add(&region)
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	joined := strings.Join(keys, ",")
	e.EnvKeysSeen.Add(&joined)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if e.Sleep > 0 {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindTimedOut, "evaluating region %q of job %s", req.Region, req.JobID)
		case <-time.After(e.Sleep):
		}
	}

	for _, out := range e.Outputs {
		dir := filepath.Join(req.OutputDir, out.Policy)
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		meta, err := json.Marshal(evaluator.Metadata{
			PolicyName:        out.Policy,
			PolicyDescription: "scripted policy",
			ResourceType:      out.ResourceType,
			OutputDir:         dir,
		})
		if err != nil {
			return err
		}
		if err := afero.WriteFile(e.fs, filepath.Join(dir, v1.MetadataFile), meta, 0o644); err != nil {
			return err
		}
		if out.Resources != nil {
			resources, err := json.Marshal(out.Resources)
			if err != nil {
				return err
			}
			if err := afero.WriteFile(e.fs, filepath.Join(dir, v1.ResourcesFile), resources, 0o644); err != nil {
				return err
			}
		}
		if len(out.Errors) > 0 {
			log := strings.Join(out.Errors, "\n") + "\n"
			if err := afero.WriteFile(e.fs, filepath.Join(dir, v1.ErrorsFile), []byte(log), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}
