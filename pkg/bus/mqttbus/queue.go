/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mqttbus

import (
	"context"
	"sync"

	"github.com/carverauto/blueberry/pkg/bus"
)

// queue hands the messages of one subscription to its handler in arrival order on a
// dedicated goroutine. Pushing never blocks, so paho's ordered router is never held up by
// a handler, including one that publishes.
type queue struct {
	mu      sync.Mutex
	pending []*bus.Message
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newQueue(ctx context.Context, h bus.Handler) *queue {
	q := &queue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}

	go q.run(ctx, h)

	return q
}

func (q *queue) push(m *bus.Message) {
	q.mu.Lock()
	q.pending = append(q.pending, m)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (*bus.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}

	m := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	return m, true
}

func (q *queue) run(ctx context.Context, h bus.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.wake:
		}

		for {
			m, ok := q.pop()
			if !ok {
				break
			}

			select {
			case <-q.stop:
				return
			default:
			}

			h(ctx, m)
		}
	}
}

// close stops delivery. Messages still pending are dropped.
func (q *queue) close() {
	q.once.Do(func() { close(q.stop) })
}
