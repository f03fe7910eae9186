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

package evaluator

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// ExecEvaluator runs the evaluator binary as a subprocess. Credentials
// reach it through the environment only; stdout and stderr stream to
// the rotating log sink, never to records or the blob store.
type ExecEvaluator struct {
	// Path of the evaluator binary.
	Path string
	// LogLevel handed through to the evaluator.
	LogLevel string
	// Sink receives the subprocess output; typically a lumberjack
	// rotating file.
	Sink io.Writer
	// Proxies are appended to the subprocess environment when set.
	Proxies map[string]string
}

func (e *ExecEvaluator) Run(ctx context.Context, req Request) error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	args := []string{
		"--policies", req.ArtifactPath,
		"--cloud", req.Cloud.Lower(),
		"--output", req.OutputDir,
		"--log-level", e.LogLevel,
	}
	if req.Region != "" {
		args = append(args, "--region", req.Region)
	}
	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Env = buildEnv(req.Env, e.Proxies)
	cmd.Stdout = e.Sink
	cmd.Stderr = e.Sink

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.KindTimedOut, "evaluating region %q of job %s", req.Region, req.JobID)
		}
		return errors.Wrap(err, errors.KindInternal, "evaluating region %q of job %s", req.Region, req.JobID)
	}
	return nil
}

// buildEnv assembles the subprocess environment from scratch. The
// engine's own environment is deliberately not inherited so engine
// secrets cannot leak into the evaluator.
func buildEnv(credentials, proxies map[string]string) []string {
	merged := map[string]string{}
	for k, v := range credentials {
		merged[k] = v
	}
	for k, v := range proxies {
		if v != "" {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return env
}
