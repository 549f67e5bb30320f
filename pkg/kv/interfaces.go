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

//go:generate mockgen -destination=mock_kv.go -package=kv github.com/carverauto/blueberry/pkg/kv Store

// Package kv stores retained bus values in a NATS JetStream key-value bucket.
package kv

import (
	"context"
)

// Store is the key-value backing for retained messages. Keys use NATS subject syntax,
// so filters may contain * and > wildcards.
type Store interface {
	// Get returns the value under key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Entries returns a snapshot of every live entry matching filter.
	Entries(ctx context.Context, filter string) ([]Entry, error)

	// Watch delivers the current entries matching filter followed by every later change.
	// Deletions arrive with Deleted set. The channel closes when ctx is done or the store closes.
	Watch(ctx context.Context, filter string) (<-chan Entry, error)

	// Close stops all watchers.
	Close() error
}

// Entry is a single key/value pair.
type Entry struct {
	Key     string
	Value   []byte
	Deleted bool
}
