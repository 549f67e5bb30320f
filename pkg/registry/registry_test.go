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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/bus/bustest"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

const instanceDoc = `{
	"instance_name": "Kitchen",
	"uuid": "reg-test",
	"stt_util": {"mode": "local", "model": "base.en"},
	"tts_util": {"model": "voice"},
	"orchestrator": {},
	"mqtt": {"host": "localhost", "port": 1883},
	"weather": {"city": "Leeds"}
}`

func testConfig(t *testing.T) *models.InstanceConfig {
	t.Helper()

	var cfg models.InstanceConfig
	require.NoError(t, json.Unmarshal([]byte(instanceDoc), &cfg))

	return &cfg
}

func retainedMap(t *testing.T, b bus.Bus, filter string) map[string]string {
	t.Helper()

	msgs, err := b.Retained(context.Background(), filter)
	require.NoError(t, err)

	out := make(map[string]string, len(msgs))
	for _, m := range msgs {
		out[m.Topic] = string(m.Payload)
	}

	return out
}

func TestRegister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desc    *models.ServiceDescriptor
		cap     models.Capability
		want    bool
		wantErr error
	}{
		{name: "core routes intents", desc: &models.ServiceDescriptor{ID: "weather", Roles: []models.Role{models.RoleCore}}, cap: models.CapabilityIntent, want: true},
		{name: "util never routed", desc: &models.ServiceDescriptor{ID: "stt_util", Roles: []models.Role{models.RoleUtil}}, cap: models.CapabilityIntent},
		{name: "collection handler", desc: &models.ServiceDescriptor{ID: "words", Roles: []models.Role{models.RoleCollectionHandler}}, cap: models.CapabilityCollections, want: true},
		{name: "external defaults to core", desc: &models.ServiceDescriptor{ID: "remote", External: true}, cap: models.CapabilityIntent, want: true},
		{name: "empty id", desc: &models.ServiceDescriptor{}, wantErr: ErrInvalidService},
		{name: "nil descriptor", wantErr: ErrInvalidService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := New(nil, models.DefaultInstanceConfig(), logger.NewTestLogger())

			err := r.Register(tt.desc)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Supports(tt.desc.ID, tt.cap))
		})
	}
}

func TestRegisterDuplicateAndLookup(t *testing.T) {
	t.Parallel()

	r := New(nil, models.DefaultInstanceConfig(), logger.NewTestLogger())

	require.NoError(t, r.Register(&models.ServiceDescriptor{ID: "weather", Roles: []models.Role{models.RoleCore}}))
	require.ErrorIs(t, r.Register(&models.ServiceDescriptor{ID: "weather"}), ErrDuplicateService)

	_, err := r.Get("nope")
	require.ErrorIs(t, err, ErrServiceNotFound)

	require.ErrorIs(t, r.Require("nope", models.CapabilityIntent), ErrServiceNotFound)
	require.ErrorIs(t, r.Require("weather", models.CapabilityUtil), ErrNotCapable)
	require.NoError(t, r.Require("weather", models.CapabilityIntent))

	require.NoError(t, r.Unregister("weather"))
	assert.Empty(t, r.IDs())
	require.ErrorIs(t, r.Unregister("weather"), ErrServiceNotFound)
}

func TestIntentsSortedAndFiltered(t *testing.T) {
	t.Parallel()

	r := New(nil, models.DefaultInstanceConfig(), logger.NewTestLogger())

	for _, id := range []string{"weather", "clock"} {
		require.NoError(t, r.Register(&models.ServiceDescriptor{ID: id, Roles: []models.Role{models.RoleCore}}))
	}

	r.SetConfigIntents("weather", []models.IntentDefinition{
		{ID: "rain", Keywords: [][]string{{"rain"}}},
		{ID: "forecast", Wakewords: []string{"weather"}},
	})
	r.SetIntent("clock", models.IntentDefinition{ID: "time", Keywords: [][]string{{"time"}}})
	r.SetIntent("ghost", models.IntentDefinition{ID: "boo"})

	var got []string
	for _, def := range r.Intents() {
		got = append(got, def.CoreID+"/"+def.ID)
	}

	assert.Equal(t, []string{"clock/time", "weather/forecast", "weather/rain"}, got)

	instant := r.InstantIntents()
	require.Contains(t, instant, "weather")
	assert.Equal(t, "forecast", instant["weather"].ID)

	r.RemoveIntent("clock", "time")
	r.SetConfigIntents("weather", nil)
	assert.Empty(t, r.Intents())
}

func TestOnChange(t *testing.T) {
	t.Parallel()

	r := New(nil, models.DefaultInstanceConfig(), logger.NewTestLogger())

	calls := 0
	r.OnChange(func() { calls++ })

	require.NoError(t, r.Register(&models.ServiceDescriptor{ID: "weather"}))
	r.SetIntent("weather", models.IntentDefinition{ID: "rain"})

	assert.Equal(t, 2, calls)
}

func TestPublishDiscovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := bustest.NewNATS(t)
	cfg := testConfig(t)
	topics := bus.NewTopics(cfg.UUID)

	r := New(b, cfg, logger.NewTestLogger())

	require.NoError(t, r.Register(&models.ServiceDescriptor{ID: "stt_util", Roles: []models.Role{models.RoleUtil}}))
	require.NoError(t, r.Register(&models.ServiceDescriptor{ID: "weather", Roles: []models.Role{models.RoleCore}}))
	r.AddCollections(models.Collection{ID: "get", Keywords: []string{"get", "fetch"}})
	r.SetConfigIntents("weather", []models.IntentDefinition{{ID: "forecast", Wakewords: []string{"weather"}}})

	require.NoError(t, r.PublishDiscovery(ctx))

	retained := retainedMap(t, b, topics.All())

	assert.JSONEq(t, `{"loaded_cores":["stt_util","weather"]}`, retained[topics.CoresList()])
	assert.JSONEq(t, `{"loaded_collections":["get"]}`, retained[topics.CollectionsList()])
	assert.JSONEq(t, `{"id":"get","keywords":["get","fetch"],"substitute":null}`, retained[topics.Collection("get")])
	assert.JSONEq(t, `{"city":"Leeds"}`, retained[topics.CentralConfig("weather")])
	assert.JSONEq(t, `{}`, retained[topics.CentralConfig("stt_util")])
	assert.Contains(t, retained[topics.InstantIntents()], `"forecast"`)

	// later intent changes are republished
	rec := bustest.Record(t, b, topics.InstantIntents())
	r.SetIntent("weather", models.IntentDefinition{ID: "alarm", Wakewords: []string{"alarm"}})

	require.Eventually(t, func() bool {
		last, ok := rec.Last(topics.InstantIntents())

		return ok && strings.Contains(string(last.Payload), `"alarm"`)
	}, bustest.WaitTimeout, 10*time.Millisecond)
}

func TestCleanupLeavesOnlyLogs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := bustest.NewNATS(t)
	cfg := testConfig(t)
	topics := bus.NewTopics(cfg.UUID)

	r := New(b, cfg, logger.NewTestLogger())
	require.NoError(t, r.Register(&models.ServiceDescriptor{ID: "weather", Roles: []models.Role{models.RoleCore}}))
	r.AddCollections(models.Collection{ID: "get", Keywords: []string{"get"}})
	require.NoError(t, r.PublishDiscovery(ctx))

	// state retained by services themselves
	require.NoError(t, b.Retain(ctx, topics.CoreConfig("weather"), []byte(`{"metadata":{}}`)))
	require.NoError(t, b.Retain(ctx, topics.Thinking(), []byte(`{"is_thinking":false}`)))
	require.NoError(t, b.Retain(ctx, topics.Logs(), []byte("hello")))

	other := bus.NewTopics("someone-else")
	require.NoError(t, b.Retain(ctx, other.CoresList(), []byte(`{"loaded_cores":[]}`)))

	require.NoError(t, r.Cleanup(ctx))

	retained := retainedMap(t, b, topics.All())
	assert.Equal(t, map[string]string{topics.Logs(): "hello"}, retained)
	assert.Empty(t, r.Owned())

	assert.Len(t, retainedMap(t, b, other.All()), 1)
}

func TestSync(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := bustest.NewNATS(t)
	cfg := testConfig(t)
	topics := bus.NewTopics(cfg.UUID)

	require.NoError(t, b.Retain(ctx, topics.CoresList(), []byte(`{"loaded_cores":["weather","clock"]}`)))
	require.NoError(t, b.Retain(ctx, topics.CoreConfig("weather"),
		[]byte(`{"metadata":{"name":"Weather"},"intents":[{"intent_id":"forecast","keyphrases":[["weather"]]}]}`)))
	require.NoError(t, b.Retain(ctx, topics.CoreIntent("clock", "time"), []byte(`{"keywords":[["time"]]}`)))
	require.NoError(t, b.Retain(ctx, topics.Collection("get"), []byte(`{"keyphrases":["get"]}`)))

	r := New(b, cfg, logger.NewTestLogger())

	sub, err := r.Sync(ctx, SyncFollower)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.Eventually(t, func() bool {
		return len(r.Intents()) == 2 && len(r.Collections()) == 1
	}, bustest.WaitTimeout, 10*time.Millisecond)

	assert.True(t, r.Supports("weather", models.CapabilityIntent))
	assert.Equal(t, []string{"get"}, r.Collections()["get"].Keywords)

	intents := r.Intents()
	assert.Equal(t, "clock", intents[0].CoreID)
	assert.Equal(t, "time", intents[0].ID)
	assert.Equal(t, "weather", intents[1].CoreID)
	assert.Equal(t, [][]string{{"weather"}}, intents[1].Keywords)

	require.NoError(t, b.Clear(ctx, topics.CoreIntent("clock", "time")))
	require.NoError(t, b.Clear(ctx, topics.Collection("get")))
	require.NoError(t, b.Retain(ctx, topics.CoresList(), []byte(`{"loaded_cores":["clock"]}`)))

	require.Eventually(t, func() bool {
		return len(r.Intents()) == 0 && len(r.Collections()) == 0 && !r.Supports("weather", models.CapabilityIntent)
	}, bustest.WaitTimeout, 10*time.Millisecond)

	assert.Equal(t, []string{"clock"}, r.IDs())
}

func TestSyncPublisherIgnoresOwnTopics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := bustest.NewNATS(t)
	cfg := testConfig(t)
	topics := bus.NewTopics(cfg.UUID)

	require.NoError(t, b.Retain(ctx, topics.CoresList(), []byte(`{"loaded_cores":["ghost"]}`)))
	require.NoError(t, b.Retain(ctx, topics.Collection("get"), []byte(`{"keyphrases":["get"]}`)))
	require.NoError(t, b.Retain(ctx, topics.CoreIntent("weather", "forecast"), []byte(`{"keywords":[["forecast"]]}`)))

	r := New(b, cfg, logger.NewTestLogger())
	require.NoError(t, r.Register(&models.ServiceDescriptor{ID: "weather", Roles: []models.Role{models.RoleCore}}))

	sub, err := r.Sync(ctx, SyncPublisher)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.Eventually(t, func() bool {
		return len(r.Intents()) == 1
	}, bustest.WaitTimeout, 10*time.Millisecond)

	require.NoError(t, r.PublishDiscovery(ctx))

	assert.Equal(t, []string{"weather"}, r.IDs())
	assert.False(t, r.Supports("ghost", models.CapabilityIntent))
	assert.Empty(t, r.Collections())
	assert.JSONEq(t, `{"loaded_cores":["weather"]}`, retainedMap(t, b, topics.All())[topics.CoresList()])
}

func TestClearStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := bustest.NewNATS(t)
	cfg := testConfig(t)
	topics := bus.NewTopics(cfg.UUID)

	stale := []string{
		topics.CoresList(),
		topics.CollectionsList(),
		topics.Collection("get"),
		topics.CentralConfig("ghost"),
		topics.InstantIntents(),
	}
	kept := []string{
		topics.CoreConfig("weather"),
		topics.CoreIntent("weather", "forecast"),
		topics.Thinking(),
		topics.Logs(),
	}

	for _, topic := range append(append([]string{}, stale...), kept...) {
		require.NoError(t, b.Retain(ctx, topic, []byte(`{}`)))
	}

	r := New(b, cfg, logger.NewTestLogger())
	require.NoError(t, r.ClearStale(ctx))

	retained := retainedMap(t, b, topics.All())
	for _, topic := range stale {
		assert.NotContains(t, retained, topic)
	}

	for _, topic := range kept {
		assert.Contains(t, retained, topic)
	}
}
