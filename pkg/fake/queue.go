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
	"sync"

	"github.com/ecc-platform/rule-engine/pkg/queue"
)

// Queue is an in-memory queue.Queue. Pushed references are also kept
// in Pushed so tests can assert what the coordinator enqueued without
// draining the queue.
type Queue struct {
	NextError AtomicError
	Pushed    AtomicPtrSlice[queue.Ref]

	mu   sync.Mutex
	refs []queue.Ref
	wake chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (q *Queue) Reset() {
	q.NextError.Reset()
	q.Pushed.Reset()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs = nil
	select {
	case <-q.wake:
	default:
	}
}

func (q *Queue) Push(_ context.Context, ref queue.Ref) error {
	if err := q.NextError.Get(); err != nil {
		return err
	}
	q.Pushed.Add(&ref)
	q.mu.Lock()
	q.refs = append(q.refs, ref)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) Pop(ctx context.Context) (queue.Ref, error) {
	for {
		q.mu.Lock()
		if len(q.refs) > 0 {
			ref := q.refs[0]
			q.refs = q.refs[1:]
			q.mu.Unlock()
			return ref, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return queue.Ref{}, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *Queue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.refs), nil
}
