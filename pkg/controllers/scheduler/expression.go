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

package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Expression computes the next nominal fire after a point in time.
type Expression interface {
	Next(after time.Time) time.Time
}

// Parse accepts the two schedule forms:
//
//	cron(<standard 5-field cron expression>)
//	rate(<n> <minutes|hours|days>)
func Parse(s string) (Expression, error) {
	trimmed := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(trimmed, "cron(") && strings.HasSuffix(trimmed, ")"):
		inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "cron("), ")")
		parsed, err := cron.ParseStandard(inner)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "parsing cron expression %q", inner)
		}
		return cronExpression{schedule: parsed}, nil
	case strings.HasPrefix(trimmed, "rate(") && strings.HasSuffix(trimmed, ")"):
		inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "rate("), ")")
		return parseRate(inner)
	}
	return nil, errors.New(errors.KindValidation, "schedule %q is neither cron(...) nor rate(...)", s)
}

type cronExpression struct {
	schedule cron.Schedule
}

func (e cronExpression) Next(after time.Time) time.Time {
	return e.schedule.Next(after)
}

type rateExpression struct {
	every time.Duration
}

func (e rateExpression) Next(after time.Time) time.Time {
	return after.Add(e.every)
}

func parseRate(inner string) (Expression, error) {
	fields := strings.Fields(inner)
	if len(fields) != 2 {
		return nil, errors.New(errors.KindValidation, "rate expression %q wants <n> <unit>", inner)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 {
		return nil, errors.New(errors.KindValidation, "rate count %q must be a positive integer", fields[0])
	}
	var unit time.Duration
	switch strings.TrimSuffix(strings.ToLower(fields[1]), "s") {
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return nil, errors.New(errors.KindValidation, "rate unit %q must be minutes, hours or days", fields[1])
	}
	return rateExpression{every: time.Duration(n) * unit}, nil
}
