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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/ecc-platform/rule-engine/pkg/operator"
	"github.com/ecc-platform/rule-engine/pkg/operator/options"
	"github.com/ecc-platform/rule-engine/pkg/utils/log"
)

func main() {
	opts := options.New().MustParse()
	logger := log.NewLogger(opts.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, logger)
	ctx = options.ToContext(ctx, opts)

	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		logger.Error(err, "wiring the engine")
		os.Exit(1)
	}
	if err := op.Start(ctx); err != nil {
		logger.Error(err, "engine exited")
		os.Exit(1)
	}
}
