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

package models

import (
	"slices"
	"time"
)

// Role is a role a service declares when it is identified.
type Role string

const (
	RoleCore              Role = "core"
	RoleUtil              Role = "util"
	RoleCollectionHandler Role = "collection_handler"
)

// Capability is something a registered service can be asked to do.
type Capability string

const (
	// CapabilityIntent marks a service that accepts routed intents on cores/<id>/run.
	CapabilityIntent Capability = "intent"
	// CapabilityCollections marks a service that supplies vocabulary.
	CapabilityCollections Capability = "collections"
	// CapabilityUtil marks an infrastructure service that is never routed to.
	CapabilityUtil Capability = "util"
)

// CapabilitySet is the explicit set of capabilities of one service.
type CapabilitySet map[Capability]struct{}

// CapabilitiesForRoles derives the capability set from a list of declared roles.
// Unknown roles contribute nothing.
func CapabilitiesForRoles(roles []Role) CapabilitySet {
	set := make(CapabilitySet, len(roles))

	for _, role := range roles {
		switch role {
		case RoleCore:
			set[CapabilityIntent] = struct{}{}
		case RoleCollectionHandler:
			set[CapabilityCollections] = struct{}{}
		case RoleUtil:
			set[CapabilityUtil] = struct{}{}
		}
	}

	return set
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]

	return ok
}

// List returns the capabilities in a stable order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}

	slices.Sort(out)

	return out
}

// ServiceState is the lifecycle state of a supervised service.
type ServiceState string

const (
	ServiceStopped  ServiceState = "stopped"
	ServiceStarting ServiceState = "starting"
	ServiceRunning  ServiceState = "running"
	ServiceCrashed  ServiceState = "crashed"
	// ServiceExternal is used for services that run elsewhere and are only registered.
	ServiceExternal ServiceState = "external"
)

// Identity is the response a service prints when invoked with --identify true.
type Identity struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// HasRole reports whether the identity declares role.
func (i *Identity) HasRole(role Role) bool {
	return slices.Contains(i.Roles, role)
}

// CollectionsResponse is printed by a collection_handler invoked with --collections true.
type CollectionsResponse struct {
	Collections []Collection `json:"collections"`
}

// ServiceDescriptor describes one registered service.
type ServiceDescriptor struct {
	ID           string        `json:"id"`
	Roles        []Role        `json:"roles"`
	Executable   string        `json:"executable,omitempty"`
	ExtraArgs    []string      `json:"extra_args,omitempty"`
	External     bool          `json:"external"`
	Capabilities CapabilitySet `json:"-"`
}

// ServiceStatus is a point-in-time view of a supervised service.
type ServiceStatus struct {
	ID         string       `json:"id"`
	State      ServiceState `json:"state"`
	PID        int          `json:"pid,omitempty"`
	Restarts   int          `json:"restarts"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	ExitError  string       `json:"exit_error,omitempty"`
	RSSBytes   uint64       `json:"rss_bytes,omitempty"`
	CPUPercent float64      `json:"cpu_percent,omitempty"`
}
