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

// Package natsbus implements bus.Bus on NATS. Live messages use core NATS subjects and
// retained values live in a JetStream key-value bucket.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/kv"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/natsutil"
)

// Bus is the NATS adapter.
type Bus struct {
	nc     *nats.Conn
	store  kv.Store
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}

	// set when Connect created them
	ownsConn bool
	server   *server.Server
}

// New wraps an existing connection and store. Close does not close nc.
func New(ctx context.Context, nc *nats.Conn, store kv.Store, log logger.Logger) *Bus {
	busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	return &Bus{
		nc:     nc,
		store:  store,
		logger: log,
		ctx:    busCtx,
		cancel: cancel,
		subs:   make(map[*subscription]struct{}),
	}
}

// Connect dials cfg.URL, starting an embedded server first when cfg.Embedded is set,
// and opens the retained bucket.
func Connect(ctx context.Context, cfg *models.NATSConfig, log logger.Logger) (*Bus, error) {
	var srv *server.Server

	url := cfg.URL

	if cfg.Embedded {
		var err error

		srv, err = natsutil.RunEmbeddedServer(natsutil.EmbeddedServerOptions{
			URL:      cfg.URL,
			StoreDir: cfg.StoreDir,
			Security: cfg.Security,
		}, log)
		if err != nil {
			return nil, err
		}

		url = srv.ClientURL()
	}

	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := natsutil.ConnectWithSecurity(ctx, url, cfg.Security, log, nats.Name("blueberry"))
	if err != nil {
		shutdownServer(srv)

		return nil, err
	}

	js, err := natsutil.NewJetStream(nc, cfg.Domain)
	if err != nil {
		nc.Close()
		shutdownServer(srv)

		return nil, err
	}

	store, err := kv.NewNatsStore(ctx, js, cfg.Bucket, log)
	if err != nil {
		nc.Close()
		shutdownServer(srv)

		return nil, err
	}

	b := New(ctx, nc, store, log)
	b.ownsConn = true
	b.server = srv

	return b, nil
}

func shutdownServer(srv *server.Server) {
	if srv != nil {
		srv.Shutdown()
	}
}

// ToSubject converts an MQTT-style topic or filter to a NATS subject.
func ToSubject(topic string) string {
	parts := strings.Split(topic, bus.Separator)

	for i, p := range parts {
		switch p {
		case bus.SingleLevel:
			parts[i] = "*"
		case bus.MultiLevel:
			parts[i] = ">"
		}
	}

	return strings.Join(parts, ".")
}

// FromSubject converts a concrete NATS subject back to a topic.
func FromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", bus.Separator)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	if err := bus.ValidateTopic(topic); err != nil {
		return err
	}

	if err := b.nc.Publish(ToSubject(topic), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

func (b *Bus) Retain(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	if err := bus.ValidateTopic(topic); err != nil {
		return err
	}

	if len(payload) == 0 {
		return b.store.Delete(ctx, ToSubject(topic))
	}

	return b.store.Put(ctx, ToSubject(topic), payload)
}

func (b *Bus) Clear(ctx context.Context, topic string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	if err := bus.ValidateTopic(topic); err != nil {
		return err
	}

	return b.store.Delete(ctx, ToSubject(topic))
}

func (b *Bus) Retained(ctx context.Context, filter string) ([]bus.Message, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	if err := bus.ValidateFilter(filter); err != nil {
		return nil, err
	}

	entries, err := b.store.Entries(ctx, ToSubject(filter))
	if err != nil {
		return nil, err
	}

	msgs := make([]bus.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, bus.Message{Topic: FromSubject(e.Key), Payload: e.Value, Retained: true})
	}

	return msgs, nil
}

// Subscribe watches the retained bucket and the live subject together. The watch
// delivers current retained values first; clears arrive as empty retained messages.
func (b *Bus) Subscribe(_ context.Context, filter string, h bus.Handler) (bus.Subscription, error) {
	if err := bus.ValidateFilter(filter); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}

	subject := ToSubject(filter)
	subCtx, cancel := context.WithCancel(b.ctx)

	live, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		h(subCtx, &bus.Message{Topic: FromSubject(m.Subject), Payload: m.Data})
	})
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}

	updates, err := b.store.Watch(subCtx, subject)
	if err != nil {
		cancel()
		_ = live.Unsubscribe()

		return nil, err
	}

	s := &subscription{bus: b, live: live, cancel: cancel}

	go func() {
		for e := range updates {
			h(subCtx, &bus.Message{Topic: FromSubject(e.Key), Payload: e.Value, Retained: true})
		}
	}()

	b.subs[s] = struct{}{}

	return s, nil
}

// Close unsubscribes everything and, when Connect created them, closes the connection
// and the embedded server.
func (b *Bus) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error

	for s := range subs {
		errs = append(errs, s.stop())
	}

	b.cancel()

	errs = append(errs, b.store.Close())

	if b.ownsConn {
		b.nc.Close()
		shutdownServer(b.server)
	}

	return errors.Join(errs...)
}

type subscription struct {
	bus    *Bus
	live   *nats.Subscription
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	return s.stop()
}

func (s *subscription) stop() error {
	s.once.Do(func() {
		s.cancel()

		if err := s.live.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.err = fmt.Errorf("failed to unsubscribe: %w", err)
		}
	})

	return s.err
}

var _ bus.Bus = (*Bus)(nil)
