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

// Package mqttbus implements bus.Bus on an MQTT broker, which is what existing cores and
// utils speak.
package mqttbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

const (
	// clearQoS is used for the empty retained publish that removes a retained value.
	clearQoS          byte = 0
	defaultSettleTime      = 300 * time.Millisecond
	connectRetryDelay      = 2 * time.Second
)

// Bus is the MQTT adapter.
type Bus struct {
	client mqtt.Client
	qos    byte
	settle time.Duration
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// BrokerURL returns the tcp:// URL for host and port.
func BrokerURL(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// ClientOptions builds the paho options for cfg.
func ClientOptions(cfg *models.MQTTConfig, clientID string, log logger.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(BrokerURL(cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryDelay).
		SetOrderMatters(true).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", BrokerURL(cfg.Host, cfg.Port)).Msg("Connected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	if cfg.User != "" && cfg.Password != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}

	return opts
}

// Connect dials the broker described by cfg.
func Connect(ctx context.Context, cfg *models.MQTTConfig, clientID string, log logger.Logger) (*Bus, error) {
	client := mqtt.NewClient(ClientOptions(cfg, clientID, log))

	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)

		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", BrokerURL(cfg.Host, cfg.Port), err)
	}

	return New(ctx, client, cfg.QoS, cfg.SettleTime.Std(), log), nil
}

// New wraps a connected client.
func New(ctx context.Context, client mqtt.Client, qos byte, settle time.Duration, log logger.Logger) *Bus {
	if settle <= 0 {
		settle = defaultSettleTime
	}

	busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	return &Bus{
		client: client,
		qos:    qos,
		settle: settle,
		logger: log,
		ctx:    busCtx,
		cancel: cancel,
	}
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

func (b *Bus) publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	if err := bus.ValidateTopic(topic); err != nil {
		return err
	}

	if !b.client.IsConnectionOpen() {
		return bus.ErrNotConnected
	}

	if err := wait(ctx, b.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.publish(ctx, topic, b.qos, false, payload)
}

func (b *Bus) Retain(ctx context.Context, topic string, payload []byte) error {
	return b.publish(ctx, topic, b.qos, true, payload)
}

// Clear publishes an empty retained message, which brokers treat as deletion.
func (b *Bus) Clear(ctx context.Context, topic string) error {
	return b.publish(ctx, topic, clearQoS, true, []byte{})
}

func (b *Bus) Subscribe(ctx context.Context, filter string, h bus.Handler) (bus.Subscription, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	if err := bus.ValidateFilter(filter); err != nil {
		return nil, err
	}

	q := newQueue(b.ctx, h)

	token := b.client.Subscribe(filter, b.qos, func(_ mqtt.Client, m mqtt.Message) {
		q.push(toMessage(m))
	})

	if err := wait(ctx, token); err != nil {
		q.close()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}

	return &subscription{bus: b, filter: filter, queue: q}, nil
}

// Retained subscribes to filter and collects retained deliveries until the broker has
// been quiet for the settle time. MQTT has no snapshot primitive, so this is a best effort.
func (b *Bus) Retained(ctx context.Context, filter string) ([]bus.Message, error) {
	var (
		mu   sync.Mutex
		msgs []bus.Message
	)

	arrived := make(chan struct{}, 1)

	sub, err := b.Subscribe(ctx, filter, func(_ context.Context, m *bus.Message) {
		if !m.Retained || m.Empty() {
			return
		}

		mu.Lock()
		msgs = append(msgs, *m)
		mu.Unlock()

		select {
		case arrived <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Str("filter", filter).Msg("Failed to unsubscribe snapshot")
		}
	}()

	timer := time.NewTimer(b.settle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-arrived:
			timer.Reset(b.settle)
		case <-timer.C:
			mu.Lock()
			defer mu.Unlock()

			return append([]bus.Message(nil), msgs...), nil
		}
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.cancel()
	b.client.Disconnect(250)

	return nil
}

func toMessage(m mqtt.Message) *bus.Message {
	return &bus.Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Retained: m.Retained(),
	}
}

type subscription struct {
	bus    *Bus
	filter string
	queue  *queue
	once   sync.Once
	err    error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		defer s.queue.close()

		if s.bus.isClosed() {
			return
		}

		ctx, cancel := context.WithTimeout(s.bus.ctx, 5*time.Second)
		defer cancel()

		s.err = wait(ctx, s.bus.client.Unsubscribe(s.filter))
	})

	return s.err
}

var _ bus.Bus = (*Bus)(nil)
