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

// Package rpc layers correlated request/response over the bus. Requests carry an "id"
// and responses echo it on a separate topic.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

const (
	defaultFailureThreshold = 3
	defaultOpenTimeout      = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	// Timeout applies to calls whose context has no deadline. Zero waits indefinitely.
	Timeout time.Duration
	Breaker models.BreakerConfig
}

// envelope is the part of every payload the client reads.
type envelope struct {
	ID string `json:"id"`
}

// Client issues requests and routes each response to the waiter with the same id.
type Client struct {
	bus    bus.Bus
	opts   Options
	logger logger.Logger

	mu       sync.Mutex
	topics   map[string]*topicWaiters
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool
	done     chan struct{}
}

// topicWaiters is one consumer subscription and its pending table.
type topicWaiters struct {
	sub     bus.Subscription
	pending map[string]chan []byte
}

// NewClient creates a client on b.
func NewClient(b bus.Bus, opts Options, log logger.Logger) *Client {
	return &Client{
		bus:      b,
		opts:     opts,
		logger:   log,
		topics:   make(map[string]*topicWaiters),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		done:     make(chan struct{}),
	}
}

// Call publishes request on requestTopic and waits for the response with the same id on
// responseTopic, decoding it into response when response is non-nil.
func (c *Client) Call(ctx context.Context, requestTopic, responseTopic string, request, response interface{}) error {
	payload, id, err := encode(request)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok && c.opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	ch, err := c.register(ctx, responseTopic, id)
	if err != nil {
		return err
	}

	defer c.unregister(responseTopic, id)

	roundTrip := func() (interface{}, error) {
		if err := c.bus.Publish(ctx, requestTopic, payload); err != nil {
			return nil, err
		}

		return c.await(ctx, requestTopic, ch)
	}

	var result interface{}

	if cb := c.breaker(requestTopic); cb != nil {
		result, err = cb.Execute(roundTrip)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s", ErrBreakerOpen, requestTopic)
		}
	} else {
		result, err = roundTrip()
	}

	if err != nil {
		return err
	}

	if response == nil {
		return nil
	}

	if err := json.Unmarshal(result.([]byte), response); err != nil {
		return fmt.Errorf("failed to decode response on %s: %w", responseTopic, err)
	}

	return nil
}

// Notify publishes request without waiting for a response.
func (c *Client) Notify(ctx context.Context, topic string, request interface{}) error {
	return bus.PublishJSON(ctx, c.bus, topic, request)
}

func (c *Client) await(ctx context.Context, requestTopic string, ch <-chan []byte) ([]byte, error) {
	select {
	case payload := <-ch:
		return payload, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, requestTopic)
		}

		return nil, ctx.Err()
	}
}

func encode(request interface{}) (payload []byte, id string, err error) {
	payload, err = json.Marshal(request)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" {
		return nil, "", ErrMissingID
	}

	return payload, env.ID, nil
}

// register adds a waiter for id, subscribing to responseTopic on first use.
func (c *Client) register(ctx context.Context, responseTopic, id string) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	rt, ok := c.topics[responseTopic]
	if !ok {
		rt = &topicWaiters{pending: make(map[string]chan []byte)}

		sub, err := c.bus.Subscribe(ctx, responseTopic, func(_ context.Context, msg *bus.Message) {
			c.dispatch(responseTopic, msg)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", responseTopic, err)
		}

		rt.sub = sub
		c.topics[responseTopic] = rt
	}

	if _, dup := rt.pending[id]; dup {
		return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateRequest, id, responseTopic)
	}

	ch := make(chan []byte, 1)
	rt.pending[id] = ch

	return ch, nil
}

func (c *Client) unregister(responseTopic, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rt, ok := c.topics[responseTopic]; ok {
		delete(rt.pending, id)
	}
}

// dispatch runs on the bus delivery goroutine for responseTopic.
func (c *Client) dispatch(responseTopic string, msg *bus.Message) {
	if msg.Empty() {
		return
	}

	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Discarding malformed response")

		return
	}

	c.mu.Lock()

	var ch chan []byte
	if rt, ok := c.topics[responseTopic]; ok {
		ch = rt.pending[env.ID]
		delete(rt.pending, env.ID)
	}

	c.mu.Unlock()

	if ch == nil {
		c.logger.Debug().Str("topic", msg.Topic).Str("id", env.ID).Msg("Discarding unmatched response")

		return
	}

	ch <- append([]byte(nil), msg.Payload...)
}

func (c *Client) breaker(requestTopic string) *gobreaker.CircuitBreaker {
	if !c.opts.Breaker.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[requestTopic]; ok {
		return cb
	}

	threshold := c.opts.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}

	openTimeout := c.opts.Breaker.OpenTimeout.Std()
	if openTimeout == 0 {
		openTimeout = defaultOpenTimeout
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        requestTopic,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("topic", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	c.breakers[requestTopic] = cb

	return cb
}

// Close releases every response subscription and fails in-flight calls with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	var errs []error

	for topic, rt := range c.topics {
		errs = append(errs, rt.sub.Unsubscribe())
		delete(c.topics, topic)
	}

	return errors.Join(errs...)
}
