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

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/models"
)

const republishTimeout = 5 * time.Second

// PublishDiscovery retains the collections, the service and collection lists, one central
// config per service and the instant intent map. From then on the instant intent map is
// republished whenever the intent table changes.
func (r *Registry) PublishDiscovery(ctx context.Context) error {
	var errs []error

	collections := r.Collections()
	colIDs := r.CollectionIDs()

	for _, id := range colIDs {
		errs = append(errs, r.retain(ctx, r.topics.Collection(id), collections[id]))
	}

	errs = append(errs,
		r.retain(ctx, r.topics.CollectionsList(), models.CollectionList{LoadedCollections: nonNil(colIDs)}),
		r.retain(ctx, r.topics.CoresList(), models.CoreList{LoadedCores: nonNil(r.IDs())}),
	)

	for _, id := range r.IDs() {
		errs = append(errs, r.retainRaw(ctx, r.topics.CentralConfig(id), r.cfg.CentralConfig(id)))
	}

	r.mu.Lock()
	first := !r.listening
	r.listening = true
	r.publishing = true
	r.mu.Unlock()

	if first {
		r.OnChange(r.republishInstantIntents)
	}

	errs = append(errs, r.PublishInstantIntents(ctx))

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to publish discovery state: %w", err)
	}

	r.logger.Info().
		Int("services", len(r.IDs())).
		Int("collections", len(colIDs)).
		Msg("Published discovery state")

	return nil
}

// PublishInstantIntents retains the wakeword to intent map when it differs from the last
// one published.
func (r *Registry) PublishInstantIntents(ctx context.Context) error {
	payload, err := json.Marshal(r.InstantIntents())
	if err != nil {
		return fmt.Errorf("failed to marshal instant intents: %w", err)
	}

	r.mu.Lock()
	if bytes.Equal(payload, r.lastInstant) {
		r.mu.Unlock()

		return nil
	}

	r.lastInstant = payload
	r.mu.Unlock()

	return r.retainRaw(ctx, r.topics.InstantIntents(), payload)
}

func (r *Registry) republishInstantIntents() {
	r.mu.RLock()
	publishing := r.publishing
	r.mu.RUnlock()

	if !publishing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), republishTimeout)
	defer cancel()

	if err := r.PublishInstantIntents(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to republish instant intents")
	}
}

func (r *Registry) retain(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", topic, err)
	}

	return r.retainRaw(ctx, topic, payload)
}

func (r *Registry) retainRaw(ctx context.Context, topic string, payload []byte) error {
	if err := r.bus.Retain(ctx, topic, payload); err != nil {
		return fmt.Errorf("retain %s: %w", topic, err)
	}

	r.mu.Lock()
	r.owned[topic] = struct{}{}
	r.mu.Unlock()

	return nil
}

// Owned returns the retained topics this registry has published and not yet cleared.
func (r *Registry) Owned() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.owned))
	for topic := range r.owned {
		out = append(out, topic)
	}

	return out
}

// ClearOwned clears every retained topic this registry published.
func (r *Registry) ClearOwned(ctx context.Context) error {
	r.mu.Lock()
	r.publishing = false
	r.lastInstant = nil
	r.mu.Unlock()

	var errs []error

	for _, topic := range r.Owned() {
		if err := r.bus.Clear(ctx, topic); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", topic, err))

			continue
		}

		r.mu.Lock()
		delete(r.owned, topic)
		r.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Sweep clears every retained topic under the instance root except the log topics.
func (r *Registry) Sweep(ctx context.Context) error {
	msgs, err := r.bus.Retained(ctx, r.topics.All())
	if err != nil {
		return fmt.Errorf("failed to list retained topics: %w", err)
	}

	var errs []error

	cleared := 0

	for i := range msgs {
		rel, ok := r.topics.Relative(msgs[i].Topic)
		if !ok || isLogTopic(rel) {
			continue
		}

		if err := r.bus.Clear(ctx, msgs[i].Topic); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", msgs[i].Topic, err))

			continue
		}

		cleared++
	}

	r.logger.Debug().Int("cleared", cleared).Msg("Swept retained topics")

	return errors.Join(errs...)
}

// ClearStale clears the retained topics a registry authors (cores/list, the collections,
// central configs and the instant intent map) that an earlier run left behind. It runs
// before PublishDiscovery so no id from a dead run is announced as live.
func (r *Registry) ClearStale(ctx context.Context) error {
	msgs, err := r.bus.Retained(ctx, r.topics.All())
	if err != nil {
		return fmt.Errorf("failed to list retained topics: %w", err)
	}

	var (
		errs  []error
		stale []string
	)

	for i := range msgs {
		rel, ok := r.topics.Relative(msgs[i].Topic)
		if !ok || !isRegistryTopic(rel) {
			continue
		}

		if err := r.bus.Clear(ctx, msgs[i].Topic); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", msgs[i].Topic, err))

			continue
		}

		stale = append(stale, rel)
	}

	if len(stale) > 0 {
		r.logger.Warn().Strs("topics", stale).Msg("Cleared retained state left by a previous run")
	}

	return errors.Join(errs...)
}

// Cleanup runs ClearOwned then Sweep.
func (r *Registry) Cleanup(ctx context.Context) error {
	return errors.Join(r.ClearOwned(ctx), r.Sweep(ctx))
}

func isLogTopic(rel string) bool {
	return rel == "logs" || strings.HasPrefix(rel, "logs"+bus.Separator)
}

// isRegistryTopic reports whether rel is one of the topics PublishDiscovery writes.
func isRegistryTopic(rel string) bool {
	segs := strings.Split(rel, bus.Separator)

	switch {
	case rel == "instant_intents":
		return true
	case segs[0] == "collections" && len(segs) == 2:
		return true
	case segs[0] == "cores" && len(segs) == 2:
		return segs[1] == "list"
	case segs[0] == "cores" && len(segs) == 3:
		return segs[2] == "central_config"
	}

	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
