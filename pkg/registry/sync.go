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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/models"
)

const collectionsListID = "list"

type syncSubscription struct {
	subs []bus.Subscription
}

func (s *syncSubscription) Unsubscribe() error {
	var errs []error

	for _, sub := range s.subs {
		errs = append(errs, sub.Unsubscribe())
	}

	return errors.Join(errs...)
}

// SyncMode selects which retained topics Sync treats as sources.
type SyncMode int

const (
	// SyncFollower adopts everything, including cores/list and the collections, which is
	// how a util learns what the orchestrator registered.
	SyncFollower SyncMode = iota
	// SyncPublisher follows only descriptors and intents. The registry authors cores/list
	// and the collections itself, so retained values there are never taken as input.
	SyncPublisher
)

// Sync follows the retained descriptor, intent, collection and list topics and keeps the
// tables current until the returned subscription is cancelled. An empty payload clears the
// matching entry. As a follower, services named on cores/list that are not registered
// locally are added as remote cores.
func (r *Registry) Sync(ctx context.Context, mode SyncMode) (bus.Subscription, error) {
	type source struct {
		filter string
		h      bus.Handler
	}

	handlers := []source{
		{r.topics.CoreConfig(bus.SingleLevel), r.handleCoreConfig},
		{r.topics.CoreIntent(bus.SingleLevel, bus.SingleLevel), r.handleIntent},
	}

	if mode == SyncFollower {
		handlers = append(handlers,
			source{r.topics.Collection(bus.SingleLevel), r.handleCollection},
			source{r.topics.CoresList(), r.handleCoreList},
		)
	}

	out := &syncSubscription{}

	for _, h := range handlers {
		sub, err := r.bus.Subscribe(ctx, h.filter, h.h)
		if err != nil {
			_ = out.Unsubscribe()

			return nil, fmt.Errorf("failed to subscribe to %s: %w", h.filter, err)
		}

		out.subs = append(out.subs, sub)
	}

	return out, nil
}

// segments returns the topic segments below the instance root.
func (r *Registry) segments(topic string) []string {
	rel, ok := r.topics.Relative(topic)
	if !ok {
		return nil
	}

	return strings.Split(rel, bus.Separator)
}

func (r *Registry) handleCoreConfig(_ context.Context, msg *bus.Message) {
	segs := r.segments(msg.Topic)
	if len(segs) != 3 {
		return
	}

	coreID := segs[1]

	if msg.Empty() {
		r.SetConfigIntents(coreID, nil)

		return
	}

	var cfg models.CoreConfig
	if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Discarding malformed core config")

		return
	}

	r.logger.Debug().Str("core", coreID).Int("intents", len(cfg.Intents)).Msg("Core config updated")

	r.SetConfigIntents(coreID, cfg.Intents)
}

func (r *Registry) handleIntent(_ context.Context, msg *bus.Message) {
	segs := r.segments(msg.Topic)
	if len(segs) != 4 {
		return
	}

	coreID, intentID := segs[1], segs[3]

	if msg.Empty() {
		r.RemoveIntent(coreID, intentID)

		return
	}

	var def models.IntentDefinition
	if err := json.Unmarshal(msg.Payload, &def); err != nil {
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Discarding malformed intent")

		return
	}

	if def.ID == "" {
		def.ID = intentID
	}

	r.SetIntent(coreID, def)
}

func (r *Registry) handleCollection(_ context.Context, msg *bus.Message) {
	segs := r.segments(msg.Topic)
	if len(segs) != 2 {
		return
	}

	if segs[1] == collectionsListID {
		r.handleCollectionList(msg)

		return
	}

	if msg.Empty() {
		r.RemoveCollection(segs[1])

		return
	}

	var c models.Collection
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Discarding malformed collection")

		return
	}

	if c.ID == "" {
		c.ID = segs[1]
	}

	r.AddCollections(c)
}

// handleCollectionList drops collections the publisher no longer lists.
func (r *Registry) handleCollectionList(msg *bus.Message) {
	if msg.Empty() {
		return
	}

	var list models.CollectionList
	if err := json.Unmarshal(msg.Payload, &list); err != nil {
		r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Discarding malformed collection list")

		return
	}

	for _, id := range r.CollectionIDs() {
		if !slices.Contains(list.LoadedCollections, id) {
			r.RemoveCollection(id)
		}
	}
}

func (r *Registry) handleCoreList(_ context.Context, msg *bus.Message) {
	var list models.CoreList

	if !msg.Empty() {
		if err := json.Unmarshal(msg.Payload, &list); err != nil {
			r.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Discarding malformed core list")

			return
		}
	}

	r.syncRemote(list.LoadedCores)
}

func (r *Registry) syncRemote(ids []string) {
	r.mu.Lock()

	var stale []string

	for id := range r.remote {
		if !slices.Contains(ids, id) {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		r.removeLocked(id)
	}

	var added []string

	for _, id := range ids {
		if _, ok := r.services[id]; ok || id == "" {
			continue
		}

		r.services[id] = &models.ServiceDescriptor{
			ID:           id,
			Roles:        []models.Role{models.RoleCore},
			External:     true,
			Capabilities: models.CapabilitiesForRoles([]models.Role{models.RoleCore}),
		}
		r.order = append(r.order, id)
		r.remote[id] = struct{}{}

		added = append(added, id)
	}

	r.mu.Unlock()

	if len(stale) == 0 && len(added) == 0 {
		return
	}

	r.logger.Info().Strs("added", added).Strs("removed", stale).Msg("Synchronized remote services")

	r.notify()
}
