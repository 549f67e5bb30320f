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

// Package bustest provides an embedded-NATS bus and message recorders for tests.
package bustest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/bus/natsbus"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

// WaitTimeout bounds every wait in this package.
const WaitTimeout = 5 * time.Second

// NewNATS starts an embedded JetStream server and returns a bus connected to it. Both are
// torn down when the test ends.
func NewNATS(t testing.TB) *natsbus.Bus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b, err := natsbus.Connect(ctx, &models.NATSConfig{
		URL:      "nats://127.0.0.1:0",
		Bucket:   "bloob_test",
		Embedded: true,
		StoreDir: t.TempDir(),
	}, logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	return b
}

// Recorder collects every message delivered on a filter.
type Recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

// Record subscribes to filter and records deliveries until the test ends.
func Record(t testing.TB, b bus.Bus, filter string) *Recorder {
	t.Helper()

	r := &Recorder{}

	sub, err := b.Subscribe(context.Background(), filter, func(_ context.Context, msg *bus.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.msgs = append(r.msgs, bus.Message{
			Topic:    msg.Topic,
			Payload:  append([]byte(nil), msg.Payload...),
			Retained: msg.Retained,
		})
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return r
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]bus.Message(nil), r.msgs...)
}

// OnTopic returns the messages recorded on topic, in order.
func (r *Recorder) OnTopic(topic string) []bus.Message {
	var out []bus.Message

	for _, m := range r.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}

	return out
}

// Last returns the most recent message on topic.
func (r *Recorder) Last(topic string) (bus.Message, bool) {
	msgs := r.OnTopic(topic)
	if len(msgs) == 0 {
		return bus.Message{}, false
	}

	return msgs[len(msgs)-1], true
}

// WaitFor blocks until at least n messages arrived on topic and returns them.
func (r *Recorder) WaitFor(t testing.TB, topic string, n int) []bus.Message {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(r.OnTopic(topic)) >= n
	}, WaitTimeout, 5*time.Millisecond, "waiting for %d messages on %s", n, topic)

	return r.OnTopic(topic)
}
