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

package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Controller is one long-running loop of the engine. Start blocks
// until the context ends and returns only unrecoverable errors;
// per-iteration failures are logged and retried on the next tick.
type Controller interface {
	Name() string
	Start(ctx context.Context) error
}

// Tick runs fn every interval until the context ends. Iteration errors
// are logged, never returned; controllers built on Tick are expected
// to converge on subsequent passes.
func Tick(ctx context.Context, clk clock.Clock, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("controller", name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}
		if err := fn(ctx); err != nil {
			log.Error(err, "controller pass failed")
		}
	}
}
