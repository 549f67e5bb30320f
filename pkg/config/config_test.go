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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

const sampleConfig = `{
  "instance_name": "Kitchen",
  "uuid": "abc123",
  "stt_util": {"mode": "local", "model": "base.en"},
  "tts_util": {"model": "en_GB"},
  "orchestrator": {"show_remote_logs": true, "request_timeout": "2s"},
  "mqtt": {"host": "broker", "port": 1883},
  "weather_core": {"units": "metric"}
}`

func clearConfigEnv(t *testing.T) {
	t.Helper()

	t.Setenv("CONFIG_SOURCE", "")
	t.Setenv("CONFIG_ENV_PREFIX", "")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadInstanceConfigWritesDefaults(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "bloob", "config.json")

	cfg, err := LoadInstanceConfig(context.Background(), path, logger.NewTestLogger())
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, "test", cfg.UUID)
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, models.BusBackendMQTT, cfg.Bus.Backend)
	assert.Equal(t, models.DefaultFallbackText, cfg.Orchestrator.FallbackText)
	assert.JSONEq(t, `{}`, string(cfg.CentralConfig("weather_core")))
}

func TestLoadInstanceConfigFromFile(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadInstanceConfig(context.Background(), writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, "Kitchen", cfg.InstanceName)
	assert.True(t, cfg.Orchestrator.ShowRemoteLogs)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.RequestTimeout.Std())
	assert.JSONEq(t, `{"units":"metric"}`, string(cfg.CentralConfig("weather_core")))
	assert.JSONEq(t, `{}`, string(cfg.CentralConfig("missing_core")))
}

func TestLoadInstanceConfigMissingField(t *testing.T) {
	clearConfigEnv(t)

	path := writeConfig(t, `{"instance_name": "x", "uuid": "y", "mqtt": {}}`)

	_, err := LoadInstanceConfig(context.Background(), path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stt_util")
}

func TestEnvOverlay(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("BLUEBERRY_MQTT_HOST", "mqtt.internal")
	t.Setenv("BLUEBERRY_MQTT_PORT", "8883")
	t.Setenv("BLUEBERRY_ORCHESTRATOR_REQUEST_TIMEOUT", "3s")
	t.Setenv("BLUEBERRY_ORCHESTRATOR_CORES_DIRS", "/opt/cores, /srv/cores")
	t.Setenv("BLUEBERRY_MQTT_QOS", "not-a-number")

	cfg, err := LoadInstanceConfig(context.Background(), writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, "mqtt.internal", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, 3*time.Second, cfg.Orchestrator.RequestTimeout.Std())
	assert.Equal(t, []string{"/opt/cores", "/srv/cores"}, cfg.Orchestrator.CoresDirs)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Nil(t, cfg.Logging)
}

func TestEnvSourceConfigJSON(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("BLUEBERRY_CONFIG_JSON", sampleConfig)

	path := filepath.Join(t.TempDir(), "never-written.json")

	cfg, err := LoadInstanceConfig(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.UUID)
	assert.NoFileExists(t, path)
}

func TestInvalidConfigSource(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CONFIG_SOURCE", "etcd")

	var cfg models.InstanceConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), writeConfig(t, sampleConfig), &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestLoadAndValidateRejectsNonPointer(t *testing.T) {
	clearConfigEnv(t)

	err := NewConfig(nil).LoadAndValidate(context.Background(), "unused", models.InstanceConfig{})
	require.ErrorIs(t, err, errInvalidConfigPtr)
}

func TestNormalizeTLSPaths(t *testing.T) {
	t.Parallel()

	tls := models.TLSConfig{CertFile: "client.pem", KeyFile: "/abs/key.pem"}
	NormalizeTLSPaths(&tls, "/etc/bloob/certs")

	assert.Equal(t, "/etc/bloob/certs/client.pem", tls.CertFile)
	assert.Equal(t, "/abs/key.pem", tls.KeyFile)
	assert.Empty(t, tls.CAFile)
}
