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

package scheduler_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ecc-platform/rule-engine/pkg/controllers/scheduler"
	"github.com/ecc-platform/rule-engine/pkg/errors"
)

var _ = Describe("Schedule expressions", func() {
	base := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

	It("computes the next cron fire", func() {
		expression, err := scheduler.Parse("cron(0 12 * * *)")
		Expect(err).ToNot(HaveOccurred())
		Expect(expression.Next(base)).To(Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))
	})
	It("computes the next rate fire", func() {
		expression, err := scheduler.Parse("rate(5 minutes)")
		Expect(err).ToNot(HaveOccurred())
		Expect(expression.Next(base)).To(Equal(base.Add(5 * time.Minute)))
	})
	DescribeTable("accepted forms",
		func(s string, step time.Duration) {
			expression, err := scheduler.Parse(s)
			Expect(err).ToNot(HaveOccurred())
			Expect(expression.Next(base)).To(Equal(base.Add(step)))
		},
		Entry("singular minute", "rate(1 minute)", time.Minute),
		Entry("plural minutes", "rate(30 minutes)", 30*time.Minute),
		Entry("hours", "rate(2 hours)", 2*time.Hour),
		Entry("days", "rate(7 days)", 7*24*time.Hour),
		Entry("surrounding whitespace", "  rate(1 hour)  ", time.Hour),
	)
	DescribeTable("rejected forms",
		func(s string) {
			_, err := scheduler.Parse(s)
			Expect(errors.IsValidation(err)).To(BeTrue())
		},
		Entry("bare interval", "every 5 minutes"),
		Entry("zero count", "rate(0 minutes)"),
		Entry("negative count", "rate(-1 hours)"),
		Entry("non-numeric count", "rate(five minutes)"),
		Entry("unknown unit", "rate(5 fortnights)"),
		Entry("missing unit", "rate(5)"),
		Entry("six cron fields", "cron(0 0 12 * * ?)"),
		Entry("garbage cron", "cron(noon)"),
		Entry("empty", ""),
	)
})
