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
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)

	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (*fakeMessage) Duplicate() bool   { return false }
func (*fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool  { return m.retained }
func (m *fakeMessage) Topic() string   { return m.topic }
func (*fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (*fakeMessage) Ack()              {}

// fakeBroker is a minimal in-memory MQTT client with broker-side retained semantics.
type fakeBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	handlers map[string]mqtt.MessageHandler
	pubQoS   []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained: make(map[string][]byte),
		handlers: make(map[string]mqtt.MessageHandler),
	}
}

func (*fakeBroker) IsConnected() bool                    { return true }
func (*fakeBroker) IsConnectionOpen() bool               { return true }
func (*fakeBroker) Connect() mqtt.Token                  { return newToken(nil) }
func (*fakeBroker) Disconnect(uint)                      {}
func (*fakeBroker) AddRoute(string, mqtt.MessageHandler) {}

func (*fakeBroker) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (f *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)

	f.mu.Lock()
	f.pubQoS = append(f.pubQoS, qos)

	if retained {
		if len(data) == 0 {
			delete(f.retained, topic)
		} else {
			f.retained[topic] = data
		}
	}

	var targets []mqtt.MessageHandler

	for filter, h := range f.handlers {
		if bus.Match(filter, topic) {
			targets = append(targets, h)
		}
	}
	f.mu.Unlock()

	for _, h := range targets {
		h(f, &fakeMessage{topic: topic, payload: data})
	}

	return newToken(nil)
}

func (f *fakeBroker) Subscribe(filter string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.handlers[filter] = h

	var initial []*fakeMessage

	for topic, payload := range f.retained {
		if bus.Match(filter, topic) {
			initial = append(initial, &fakeMessage{topic: topic, payload: payload, retained: true})
		}
	}
	f.mu.Unlock()

	go func() {
		for _, m := range initial {
			h(f, m)
		}
	}()

	return newToken(nil)
}

func (f *fakeBroker) SubscribeMultiple(filters map[string]byte, h mqtt.MessageHandler) mqtt.Token {
	for filter, qos := range filters {
		f.Subscribe(filter, qos, h)
	}

	return newToken(nil)
}

func (f *fakeBroker) Unsubscribe(filters ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, filter := range filters {
		delete(f.handlers, filter)
	}

	return newToken(nil)
}

func newTestBus(t *testing.T) (*Bus, *fakeBroker) {
	t.Helper()

	broker := newFakeBroker()
	b := New(context.Background(), broker, 1, 50*time.Millisecond, logger.NewTestLogger())

	t.Cleanup(func() { _ = b.Close() })

	return b, broker
}

func TestBrokerURLAndOptions(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tcp://localhost:1883", BrokerURL("localhost", 1883))

	opts := ClientOptions(&models.MQTTConfig{Host: "mqtt", Port: 1884, User: "bob", Password: "pw"}, "Kitchen - Orchestrator", logger.NewTestLogger())
	assert.Equal(t, "Kitchen - Orchestrator", opts.ClientID)
	assert.Equal(t, "bob", opts.Username)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "mqtt:1884", opts.Servers[0].Host)

	anon := ClientOptions(&models.MQTTConfig{Host: "mqtt", Port: 1883, User: "bob"}, "x", logger.NewTestLogger())
	assert.Empty(t, anon.Username)
}

func TestRetainClearAndSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, broker := newTestBus(t)
	topics := bus.NewTopics("abc")

	require.NoError(t, b.Retain(ctx, topics.Collection("colours"), []byte(`{"id":"colours"}`)))
	require.NoError(t, b.Retain(ctx, topics.CoresList(), []byte(`{"loaded_cores":[]}`)))

	msgs, err := b.Retained(ctx, topics.All())
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	require.NoError(t, b.Clear(ctx, topics.CoresList()))
	assert.Equal(t, clearQoS, broker.pubQoS[len(broker.pubQoS)-1])

	msgs, err = b.Retained(ctx, topics.All())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, topics.Collection("colours"), msgs[0].Topic)
	assert.True(t, msgs[0].Retained)
}

func TestSubscribeDeliversLive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBus(t)

	got := make(chan *bus.Message, 1)

	sub, err := b.Subscribe(ctx, "bloob/abc/cores/+/finished", func(_ context.Context, m *bus.Message) {
		got <- m
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "bloob/abc/cores/tts_util/finished", []byte(`{"id":"1"}`)))

	select {
	case m := <-got:
		assert.Equal(t, "bloob/abc/cores/tts_util/finished", m.Topic)
		assert.False(t, m.Retained)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(ctx, "bloob/abc/logs", nil), bus.ErrClosed)
}

func TestSubscribeKeepsClearThenRetainOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBus(t)
	topic := bus.NewTopics("abc").CoreConfig("weather")

	release := make(chan struct{})

	var (
		mu  sync.Mutex
		got []string
	)

	_, err := b.Subscribe(ctx, topic, func(ctx context.Context, m *bus.Message) {
		if m.Empty() {
			// a slow handler must not let the next message overtake this one
			<-release
		}

		mu.Lock()
		got = append(got, string(m.Payload))
		mu.Unlock()

		if string(m.Payload) == "v2" {
			// publishing from a handler must not stall delivery
			_ = b.Publish(ctx, "bloob/abc/logs", []byte("seen v2"))
		}
	})
	require.NoError(t, err)

	require.NoError(t, b.Retain(ctx, topic, []byte("v1")))
	require.NoError(t, b.Clear(ctx, topic))
	require.NoError(t, b.Retain(ctx, topic, []byte("v2")))

	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"v1", "", "v2"}, got)
}

func TestQueueStopsAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBus(t)

	var (
		mu    sync.Mutex
		count int
	)

	sub, err := b.Subscribe(ctx, "bloob/abc/logs", func(context.Context, *bus.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "bloob/abc/logs", []byte("one")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return count == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "bloob/abc/logs", []byte("two")))

	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return count != 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}
