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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/carverauto/blueberry/pkg/logger"
)

var (
	errMissingField    = errors.New("config is missing a required field")
	errInvalidBackend  = errors.New("invalid bus backend")
	errInvalidParser   = errors.New("invalid orchestrator parser")
	errInvalidRestart  = errors.New("invalid restart policy")
	errEmptyInstanceID = errors.New("uuid must not be empty")
)

const (
	BusBackendMQTT = "mqtt"
	BusBackendNATS = "nats"

	ParserLocal  = "local"
	ParserRemote = "remote"

	RestartNever     = "never"
	RestartOnFailure = "on-failure"

	// DefaultFallbackText is spoken when no intent matches.
	DefaultFallbackText = "I'm sorry, I don't understand what you said"

	defaultNATSBucket   = "bloob_retained"
	defaultStopTimeout  = 5 * time.Second
	defaultSettleTime   = 300 * time.Millisecond
	defaultRestartDelay = 2 * time.Second
)

// requiredFields are the top-level keys an instance config must contain.
var requiredFields = []string{"instance_name", "uuid", "stt_util", "tts_util", "orchestrator", "mqtt"}

// InstanceConfig is the instance configuration document, usually ~/.config/bloob/config.json.
// Keys other than the typed ones are kept so they can be handed to services as central config.
type InstanceConfig struct {
	InstanceName string             `json:"instance_name"`
	UUID         string             `json:"uuid"`
	STTUtil      STTConfig          `json:"stt_util"`
	TTSUtil      TTSConfig          `json:"tts_util"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	MQTT         MQTTConfig         `json:"mqtt"`
	Bus          BusConfig          `json:"bus"`
	Logging      *logger.Config     `json:"logging,omitempty"`
	Telemetry    *TelemetryConfig   `json:"telemetry,omitempty"`

	raw map[string]json.RawMessage
}

type STTConfig struct {
	Mode  string `json:"mode"`
	Model string `json:"model"`
}

type TTSConfig struct {
	Model string `json:"model"`
}

// MQTTConfig holds the broker endpoint handed to every service.
type MQTTConfig struct {
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	User       string   `json:"user"`
	Password   string   `json:"password"`
	QoS        byte     `json:"qos"`
	SettleTime Duration `json:"settle_time,omitempty"`
}

// BusConfig selects the bus adapter.
type BusConfig struct {
	Backend string     `json:"backend"`
	NATS    NATSConfig `json:"nats"`
}

type NATSConfig struct {
	URL      string          `json:"url"`
	Bucket   string          `json:"bucket"`
	Domain   string          `json:"domain,omitempty"`
	Embedded bool            `json:"embedded"`
	StoreDir string          `json:"store_dir,omitempty"`
	Security *SecurityConfig `json:"security,omitempty"`
}

// ExternalCore is a core that runs elsewhere and is only registered.
type ExternalCore struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles,omitempty"`
}

type RestartConfig struct {
	Policy      string   `json:"policy"`
	MaxRestarts int      `json:"max_restarts"`
	Backoff     Duration `json:"backoff"`
}

type BreakerConfig struct {
	Enabled          bool     `json:"enabled"`
	FailureThreshold uint32   `json:"failure_threshold"`
	OpenTimeout      Duration `json:"open_timeout"`
}

type OrchestratorConfig struct {
	ShowRemoteLogs bool                `json:"show_remote_logs"`
	ExternalCores  []ExternalCore      `json:"external_cores,omitempty"`
	CoresDirs      []string            `json:"cores_dirs,omitempty"`
	ExtraArgs      map[string][]string `json:"extra_args,omitempty"`
	SoundsDir      string              `json:"sounds_dir,omitempty"`
	FallbackText   string              `json:"fallback_text,omitempty"`
	SilentFallback bool                `json:"silent_fallback,omitempty"`
	Parser         string              `json:"parser,omitempty"`
	RequestTimeout Duration            `json:"request_timeout,omitempty"`
	StopTimeout    Duration            `json:"stop_timeout,omitempty"`
	Restart        RestartConfig       `json:"restart"`
	Breaker        BreakerConfig       `json:"breaker"`
	// StatusInterval logs per-service state, memory and CPU this often. Zero disables it.
	StatusInterval Duration `json:"status_interval,omitempty"`
}

// DefaultInstanceConfig returns the document written when no config exists yet.
func DefaultInstanceConfig() *InstanceConfig {
	cfg := &InstanceConfig{
		InstanceName: "Default Name",
		UUID:         "test",
		STTUtil:      STTConfig{Mode: "local", Model: "base.en"},
		TTSUtil:      TTSConfig{Model: "en_GB-southern_english_female-low"},
		Orchestrator: OrchestratorConfig{ShowRemoteLogs: false},
		MQTT:         MQTTConfig{Host: "localhost", Port: 1883},
	}

	cfg.ApplyDefaults()

	return cfg
}

// UnmarshalJSON decodes the typed fields and keeps every top-level key for central config lookups.
func (c *InstanceConfig) UnmarshalJSON(b []byte) error {
	type plain InstanceConfig

	if err := json.Unmarshal(b, (*plain)(c)); err != nil {
		return err
	}

	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	c.raw = raw

	return nil
}

// ApplyDefaults fills zero values that have a sensible default.
func (c *InstanceConfig) ApplyDefaults() {
	if c.Bus.Backend == "" {
		c.Bus.Backend = BusBackendMQTT
	}

	if c.Bus.NATS.Bucket == "" {
		c.Bus.NATS.Bucket = defaultNATSBucket
	}

	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}

	if c.MQTT.SettleTime == 0 {
		c.MQTT.SettleTime = Duration(defaultSettleTime)
	}

	o := &c.Orchestrator

	if o.Parser == "" {
		o.Parser = ParserLocal
	}

	if o.FallbackText == "" && !o.SilentFallback {
		o.FallbackText = DefaultFallbackText
	}

	if o.StopTimeout == 0 {
		o.StopTimeout = Duration(defaultStopTimeout)
	}

	if o.Restart.Policy == "" {
		o.Restart.Policy = RestartNever
	}

	if o.Restart.Backoff == 0 {
		o.Restart.Backoff = Duration(defaultRestartDelay)
	}
}

// Validate implements config.Validator.
func (c *InstanceConfig) Validate() error {
	if c.raw != nil {
		for _, field := range requiredFields {
			if _, ok := c.raw[field]; !ok {
				return fmt.Errorf("%w: %s", errMissingField, field)
			}
		}
	}

	if c.UUID == "" {
		return errEmptyInstanceID
	}

	switch c.Bus.Backend {
	case BusBackendMQTT, BusBackendNATS:
	default:
		return fmt.Errorf("%w: %q", errInvalidBackend, c.Bus.Backend)
	}

	switch c.Orchestrator.Parser {
	case ParserLocal, ParserRemote:
	default:
		return fmt.Errorf("%w: %q", errInvalidParser, c.Orchestrator.Parser)
	}

	switch c.Orchestrator.Restart.Policy {
	case RestartNever, RestartOnFailure:
	default:
		return fmt.Errorf("%w: %q", errInvalidRestart, c.Orchestrator.Restart.Policy)
	}

	return nil
}

// CentralConfig returns the configuration blob stored under a service id, or "{}" when there is none.
func (c *InstanceConfig) CentralConfig(serviceID string) json.RawMessage {
	if value, ok := c.raw[serviceID]; ok && len(value) > 0 && string(value) != "null" {
		return value
	}

	return json.RawMessage("{}")
}

// SetRaw replaces the raw document, used when the config did not come from JSON.
func (c *InstanceConfig) SetRaw(raw map[string]json.RawMessage) {
	c.raw = raw
}

// BusEndpoint returns the host and port handed to supervised services.
func (c *InstanceConfig) BusEndpoint() (host string, port int) {
	if c.Bus.Backend != BusBackendNATS {
		return c.MQTT.Host, c.MQTT.Port
	}

	u, err := url.Parse(c.Bus.NATS.URL)
	if err != nil || u.Host == "" {
		return "localhost", 4222
	}

	h, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		return u.Host, 4222
	}

	port, err = strconv.Atoi(p)
	if err != nil {
		port = 4222
	}

	return h, port
}
