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

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/ecc-platform/rule-engine/pkg/errors"
	"github.com/ecc-platform/rule-engine/pkg/queue"
)

var (
	ctx    context.Context
	broker *miniredis.Miniredis
	q      *queue.RedisQueue
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	var err error
	broker, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())
	q = queue.NewRedisQueueFromClient(redis.NewClient(&redis.Options{Addr: broker.Addr()}))
})

var _ = AfterEach(func() {
	broker.Close()
})

var _ = Describe("Job queue", func() {
	It("delivers references in submission order", func() {
		first := queue.Ref{Customer: "acme", JobID: "job-1"}
		second := queue.Ref{Customer: "acme", JobID: "job-2"}
		Expect(q.Push(ctx, first)).To(Succeed())
		Expect(q.Push(ctx, second)).To(Succeed())

		got, err := q.Pop(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(first))
		got, err = q.Pop(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(second))
	})
	It("counts undelivered references", func() {
		Expect(q.Push(ctx, queue.Ref{Customer: "acme", JobID: "job-1"})).To(Succeed())
		Expect(q.Push(ctx, queue.Ref{Customer: "acme", JobID: "job-2"})).To(Succeed())

		n, err := q.Len(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))

		_, err = q.Pop(ctx)
		Expect(err).ToNot(HaveOccurred())
		n, err = q.Len(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))
	})
	It("returns the context error when nothing arrives", func() {
		deadline, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := q.Pop(deadline)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
	It("surfaces a dead broker as upstream unavailability", func() {
		broker.Close()

		err := q.Push(ctx, queue.Ref{Customer: "acme", JobID: "job-1"})
		Expect(errors.IsUpstreamUnavailable(err)).To(BeTrue())
	})
	It("answers health probes", func() {
		Expect(q.LiveCheck(ctx)).To(Succeed())
	})
	It("rejects a malformed broker url", func() {
		_, err := queue.NewRedisQueue("not a url")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
})
