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

//go:generate mockgen -destination=mock_bus.go -package=bus github.com/carverauto/blueberry/pkg/bus Bus,Subscription

// Package bus defines the publish/subscribe transport every service talks over.
//
// Topics use MQTT syntax: segments separated by "/", "+" matching one segment and "#"
// matching the rest. A retained message is the last value stored on a topic; new
// subscribers receive it before any live traffic. Clearing a retained topic delivers an
// empty payload to subscribers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is a single delivery.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Empty reports whether the message clears its topic.
func (m *Message) Empty() bool {
	return len(m.Payload) == 0
}

// Handler receives messages for a subscription. Handlers may be called concurrently and
// must not block for long.
type Handler func(ctx context.Context, msg *Message)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport. Implementations are safe for concurrent use.
type Bus interface {
	// Publish sends a non-retained message.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Retain stores payload as the retained value of topic and delivers it to subscribers.
	Retain(ctx context.Context, topic string, payload []byte) error

	// Clear removes the retained value of topic.
	Clear(ctx context.Context, topic string) error

	// Subscribe delivers retained values matching filter, then live messages, to h.
	Subscribe(ctx context.Context, filter string, h Handler) (Subscription, error)

	// Retained returns a snapshot of the retained messages matching filter.
	Retained(ctx context.Context, filter string) ([]Message, error)

	Close() error
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, b Bus, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	return b.Publish(ctx, topic, payload)
}

// RetainJSON marshals v and retains it.
func RetainJSON(ctx context.Context, b Bus, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}

	return b.Retain(ctx, topic, payload)
}
