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

// Package queue is the broker between the coordinator and the scan
// workers. The coordinator enqueues job references once admission
// finishes; each worker pops one reference at a time and drives the
// job end to end. The queue carries ids only, never job state, so a
// lost message is recovered by the janitor rather than replayed.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// Ref points a worker at a job record.
type Ref struct {
	Customer string `json:"customer"`
	JobID    string `json:"job_id"`
}

type Queue interface {
	// Push appends the reference; references are delivered in FIFO
	// order per queue.
	Push(ctx context.Context, ref Ref) error
	// Pop blocks until a reference is available or the context ends.
	// A closed context returns the context error.
	Pop(ctx context.Context) (Ref, error)
	// Len reports the number of undelivered references.
	Len(ctx context.Context) (int, error)
}

const (
	// jobsKey is the Redis list backing the shared job queue.
	jobsKey = "rule-engine:jobs"
	// popBlock paces BRPOP so context cancellation is observed.
	popBlock = time.Second
)

// RedisQueue is the production broker: a single Redis list, LPUSH on
// submit and BRPOP on the worker side.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(brokerURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parsing worker broker url")
	}
	return &RedisQueue{client: redis.NewClient(opts)}, nil
}

func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Push(ctx context.Context, ref Ref) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding job reference")
	}
	if err := q.client.LPush(ctx, jobsKey, data).Err(); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "enqueueing job %s", ref.JobID)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Ref, error) {
	for {
		out, err := q.client.BRPop(ctx, popBlock, jobsKey).Result()
		if err == nil {
			ref := Ref{}
			if err := json.Unmarshal([]byte(out[1]), &ref); err != nil {
				return Ref{}, errors.Wrap(err, errors.KindInternal, "decoding job reference")
			}
			return ref, nil
		}
		if err != redis.Nil {
			if ctx.Err() != nil {
				return Ref{}, ctx.Err()
			}
			return Ref{}, errors.Wrap(err, errors.KindUpstreamUnavailable, "popping job reference")
		}
		if ctx.Err() != nil {
			return Ref{}, ctx.Err()
		}
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, jobsKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.KindUpstreamUnavailable, "measuring job queue")
	}
	return int(n), nil
}

// LiveCheck pings the broker for health probes.
func (q *RedisQueue) LiveCheck(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "pinging worker broker")
	}
	return nil
}
