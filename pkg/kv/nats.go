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

package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/blueberry/pkg/logger"
)

// NatsStore implements Store on a JetStream KeyValue bucket.
type NatsStore struct {
	kv     jetstream.KeyValue
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
}

// NewNatsStore opens bucket, creating it when it does not exist. Only the latest
// revision of each key is kept.
func NewNatsStore(ctx context.Context, js jetstream.JetStream, bucket string, log logger.Logger) (*NatsStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
	}

	storeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	return &NatsStore{
		kv:     kv,
		ctx:    storeCtx,
		cancel: cancel,
		logger: log,
	}, nil
}

func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func (n *NatsStore) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	entry, err := n.kv.Get(ctx, key)
	if isMissing(err) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return entry.Value(), true, nil
}

func (n *NatsStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := n.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	return nil
}

func (n *NatsStore) Delete(ctx context.Context, key string) error {
	if err := n.kv.Delete(ctx, key); err != nil && !isMissing(err) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

func (n *NatsStore) Entries(ctx context.Context, filter string) ([]Entry, error) {
	watcher, err := n.kv.Watch(ctx, filter, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", filter, err)
	}

	defer func() {
		if err := watcher.Stop(); err != nil {
			n.logger.Debug().Err(err).Str("filter", filter).Msg("Failed to stop snapshot watcher")
		}
	}()

	var entries []Entry

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case update, ok := <-watcher.Updates():
			// A nil entry marks the end of the initial values.
			if !ok || update == nil {
				return entries, nil
			}

			entries = append(entries, Entry{Key: update.Key(), Value: update.Value()})
		}
	}
}

func (n *NatsStore) Watch(ctx context.Context, filter string) (<-chan Entry, error) {
	watcher, err := n.kv.Watch(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", filter, err)
	}

	ch := make(chan Entry, 16)
	go n.handleWatchUpdates(ctx, filter, watcher, ch)

	return ch, nil
}

// handleWatchUpdates processes updates from the watcher and sends them to the channel.
func (n *NatsStore) handleWatchUpdates(ctx context.Context, filter string, watcher jetstream.KeyWatcher, ch chan<- Entry) {
	defer func() {
		if err := watcher.Stop(); err != nil {
			n.logger.Debug().Err(err).Str("filter", filter).Msg("Failed to stop watcher")
		}

		close(ch)
	}()

	for {
		var update jetstream.KeyValueEntry

		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		case u, ok := <-watcher.Updates():
			if !ok {
				return
			}

			update = u
		}

		if update == nil {
			continue
		}

		entry := Entry{Key: update.Key(), Value: update.Value()}
		if op := update.Operation(); op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
			entry.Deleted = true
			entry.Value = nil
		}

		if !n.sendUpdate(ctx, ch, entry) {
			return
		}
	}
}

// sendUpdate attempts to send the entry to the channel, respecting context cancellation.
func (n *NatsStore) sendUpdate(ctx context.Context, ch chan<- Entry, entry Entry) bool {
	select {
	case ch <- entry:
		return true
	case <-ctx.Done():
		return false
	case <-n.ctx.Done():
		return false
	}
}

// Close stops every watcher. The underlying connection belongs to the caller.
func (n *NatsStore) Close() error {
	n.cancel()

	return nil
}

var _ Store = (*NatsStore)(nil)
