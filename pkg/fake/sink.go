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

	"github.com/ecc-platform/rule-engine/pkg/controllers/reports"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// ReportSink records delivered payloads. FailFor scripts how many
// deliveries fail before the sink starts accepting again.
type ReportSink struct {
	NextError AtomicError
	FailFor   AtomicPtr[int]
	Sent      AtomicPtrSlice[reports.Payload]
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *ReportSink) Reset() {
	s.NextError.Reset()
	s.FailFor.Reset()
	s.Sent.Reset()
}

func (s *ReportSink) Send(_ context.Context, payload reports.Payload) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	if remaining := s.FailFor.Clone(); remaining != nil && *remaining > 0 {
		next := *remaining - 1
		s.FailFor.Set(&next)
		return errors.New(errors.KindUpstreamUnavailable, "report receiver unavailable")
	}
	s.Sent.Add(&payload)
	return nil
}
