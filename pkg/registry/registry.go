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

// Package registry keeps the table of registered services, their intents and the shared
// collections, and mirrors the discovery state onto the bus.
package registry

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

// Registry is safe for concurrent use.
type Registry struct {
	bus    bus.Bus
	topics bus.Topics
	cfg    *models.InstanceConfig
	logger logger.Logger

	mu          sync.RWMutex
	services    map[string]*models.ServiceDescriptor
	order       []string
	remote      map[string]struct{}
	collections map[string]models.Collection
	colOrder    []string
	// configIntents come from cores/<id>/config, topicIntents from cores/<id>/intents/<intent>.
	configIntents map[string][]models.IntentDefinition
	topicIntents  map[string]map[string]models.IntentDefinition
	owned         map[string]struct{}
	publishing    bool
	listening     bool
	lastInstant   []byte

	listenersMu sync.Mutex
	listeners   []func()
}

// New creates an empty registry for the instance described by cfg.
func New(b bus.Bus, cfg *models.InstanceConfig, log logger.Logger) *Registry {
	return &Registry{
		bus:           b,
		topics:        bus.NewTopics(cfg.UUID),
		cfg:           cfg,
		logger:        log,
		services:      make(map[string]*models.ServiceDescriptor),
		remote:        make(map[string]struct{}),
		collections:   make(map[string]models.Collection),
		configIntents: make(map[string][]models.IntentDefinition),
		topicIntents:  make(map[string]map[string]models.IntentDefinition),
		owned:         make(map[string]struct{}),
	}
}

// Topics returns the topic builder of the instance.
func (r *Registry) Topics() bus.Topics {
	return r.topics
}

// Register adds a service. The capability set is derived from the roles when the
// descriptor does not carry one; an external service without roles is a core.
func (r *Registry) Register(desc *models.ServiceDescriptor) error {
	if desc == nil || desc.ID == "" {
		return ErrInvalidService
	}

	d := *desc
	d.Roles = slices.Clone(desc.Roles)
	d.ExtraArgs = slices.Clone(desc.ExtraArgs)

	if d.External && len(d.Roles) == 0 {
		d.Roles = []models.Role{models.RoleCore}
	}

	if d.Capabilities == nil {
		d.Capabilities = models.CapabilitiesForRoles(d.Roles)
	}

	r.mu.Lock()

	if _, exists := r.services[d.ID]; exists {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrDuplicateService, d.ID)
	}

	r.services[d.ID] = &d
	r.order = append(r.order, d.ID)
	r.mu.Unlock()

	r.logger.Info().
		Str("service", d.ID).
		Interface("roles", d.Roles).
		Interface("capabilities", d.Capabilities.List()).
		Bool("external", d.External).
		Msg("Registered service")

	r.notify()

	return nil
}

// Unregister removes a service and the intents it declared.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()

	if _, ok := r.services[id]; !ok {
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}

	r.removeLocked(id)
	r.mu.Unlock()

	r.notify()

	return nil
}

func (r *Registry) removeLocked(id string) {
	delete(r.services, id)
	delete(r.remote, id)
	delete(r.configIntents, id)
	delete(r.topicIntents, id)

	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
}

// Get returns a copy of the descriptor registered under id.
func (r *Registry) Get(id string) (models.ServiceDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.services[id]
	if !ok {
		return models.ServiceDescriptor{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}

	return *d, nil
}

// Services returns every registered service in registration order.
func (r *Registry) Services() []models.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ServiceDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.services[id])
	}

	return out
}

// IDs returns the registered service ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// Supports reports whether the service id is registered with capability c.
func (r *Registry) Supports(id string, c models.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.services[id]

	return ok && d.Capabilities.Has(c)
}

// Require is Supports with an error describing the failure.
func (r *Registry) Require(id string, c models.Capability) error {
	if r.Supports(id, c) {
		return nil
	}

	if _, err := r.Get(id); err != nil {
		return err
	}

	return fmt.Errorf("%w: %s lacks %s", ErrNotCapable, id, c)
}

// AddCollections stores collections; a later collection replaces an earlier one with the same id.
func (r *Registry) AddCollections(cols ...models.Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range cols {
		if c.ID == "" {
			r.logger.Warn().Msg("Ignoring collection without id")

			continue
		}

		if _, exists := r.collections[c.ID]; !exists {
			r.colOrder = append(r.colOrder, c.ID)
		}

		r.collections[c.ID] = c
	}
}

// RemoveCollection drops a collection.
func (r *Registry) RemoveCollection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.collections, id)

	r.colOrder = slices.DeleteFunc(r.colOrder, func(s string) bool { return s == id })
}

// Collections returns a copy of the collection table.
func (r *Registry) Collections() map[string]models.Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.Collection, len(r.collections))
	for id, c := range r.collections {
		out[id] = c
	}

	return out
}

// CollectionIDs returns collection ids in the order they were first added.
func (r *Registry) CollectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.colOrder)
}

// SetConfigIntents replaces the intents a core declared in its config descriptor.
func (r *Registry) SetConfigIntents(coreID string, defs []models.IntentDefinition) {
	r.mu.Lock()

	if len(defs) == 0 {
		delete(r.configIntents, coreID)
	} else {
		r.configIntents[coreID] = slices.Clone(defs)
	}

	r.mu.Unlock()

	r.notify()
}

// SetIntent stores one intent published on its own topic.
func (r *Registry) SetIntent(coreID string, def models.IntentDefinition) {
	r.mu.Lock()

	m, ok := r.topicIntents[coreID]
	if !ok {
		m = make(map[string]models.IntentDefinition)
		r.topicIntents[coreID] = m
	}

	m[def.ID] = def
	r.mu.Unlock()

	r.notify()
}

// RemoveIntent drops an intent published on its own topic.
func (r *Registry) RemoveIntent(coreID, intentID string) {
	r.mu.Lock()

	if m, ok := r.topicIntents[coreID]; ok {
		delete(m, intentID)

		if len(m) == 0 {
			delete(r.topicIntents, coreID)
		}
	}

	r.mu.Unlock()

	r.notify()
}

// Intents returns the intents of registered services sorted by core id then intent id.
// A definition without a core id inherits the id of the service that published it.
// Intents of unknown services are left out.
func (r *Registry) Intents() []models.IntentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.IntentDefinition

	add := func(coreID string, def models.IntentDefinition) {
		if def.CoreID == "" {
			def.CoreID = coreID
		}

		if _, ok := r.services[def.CoreID]; !ok {
			return
		}

		out = append(out, def)
	}

	for coreID, defs := range r.configIntents {
		for _, def := range defs {
			add(coreID, def)
		}
	}

	for coreID, defs := range r.topicIntents {
		for _, def := range defs {
			add(coreID, def)
		}
	}

	slices.SortStableFunc(out, func(a, b models.IntentDefinition) int {
		return cmp.Or(cmp.Compare(a.CoreID, b.CoreID), cmp.Compare(a.ID, b.ID))
	})

	return out
}

// InstantIntents maps each wakeword to the intent that declares it. When two intents share
// a wakeword the first in evaluation order wins.
func (r *Registry) InstantIntents() map[string]models.IntentDefinition {
	out := make(map[string]models.IntentDefinition)

	for _, def := range r.Intents() {
		for _, ww := range def.Wakewords {
			if _, taken := out[ww]; !taken {
				out[ww] = def
			}
		}
	}

	return out
}

// OnChange registers fn to run after the service or intent table changes.
func (r *Registry) OnChange(fn func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify() {
	r.listenersMu.Lock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
