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

// Package batcher coalesces per-key items into fixed windows. The
// first item for a key opens its window; everything arriving within
// the window joins the batch; when the window closes the whole batch
// is handed to the flush function at once. Used to turn bursts of
// resource change events into one scan job per tenant per window.
package batcher

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// FlushFunc receives the closed window's items in arrival order.
type FlushFunc[T any] func(ctx context.Context, key string, start, end time.Time, items []T)

type window[T any] struct {
	start time.Time
	items []T
}

// Batcher coalesces items per key into fixed windows. Windows are
// fixed-length from first arrival, not sliding: a key's window closes
// exactly window after its first item regardless of later arrivals.
type Batcher[T any] struct {
	mu sync.Mutex

	clk    clock.Clock
	window time.Duration
	flush  FlushFunc[T]
	open   map[string]*window[T]
}

func New[T any](clk clock.Clock, windowLength time.Duration, flush FlushFunc[T]) *Batcher[T] {
	return &Batcher[T]{
		clk:    clk,
		window: windowLength,
		flush:  flush,
		open:   map[string]*window[T]{},
	}
}

// Add appends the item to the key's open window, opening one when
// none exists. The context given to the first Add of a window is the
// one its flush runs under.
func (b *Batcher[T]) Add(ctx context.Context, key string, item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.open[key]; ok {
		w.items = append(w.items, item)
		return
	}
	w := &window[T]{start: b.clk.Now().UTC(), items: []T{item}}
	b.open[key] = w
	go b.closeAfterWindow(ctx, key)
}

func (b *Batcher[T]) closeAfterWindow(ctx context.Context, key string) {
	select {
	case <-ctx.Done():
		// Shutting down; flush what we have so events are not lost.
	case <-b.clk.After(b.window):
	}
	b.FlushNow(ctx, key)
}

// FlushNow closes the key's window immediately. A no-op when no window
// is open.
func (b *Batcher[T]) FlushNow(ctx context.Context, key string) {
	b.mu.Lock()
	w, ok := b.open[key]
	delete(b.open, key)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.flush(ctx, key, w.start, w.start.Add(b.window), w.items)
}

// OpenWindows reports how many keys currently hold an open window.
func (b *Batcher[T]) OpenWindows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}
