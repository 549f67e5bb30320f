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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/carverauto/blueberry/pkg/config"
	"github.com/carverauto/blueberry/pkg/lifecycle"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/orchestrator"
	"github.com/carverauto/blueberry/pkg/parserutil"
	"github.com/carverauto/blueberry/pkg/telemetry"
	"github.com/carverauto/blueberry/pkg/version"
)

const component = "intent_parser"

// overrides are the connection flags the orchestrator passes to every child.
type overrides struct {
	DeviceID string
	Host     string
	Port     int
	User     string
	Password string
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Intent parser failed: %v", err)
	}
}

func run() error {
	var o overrides

	identify := flag.String("identify", "", "Print the service identity and exit when true")
	configPath := flag.String("config", config.DefaultInstanceConfigPath(), "Path to the instance config")
	flag.StringVar(&o.DeviceID, "device-id", "", "Instance uuid")
	flag.StringVar(&o.Host, "host", "", "Bus host")
	flag.IntVar(&o.Port, "port", 0, "Bus port")
	flag.StringVar(&o.User, "user", "", "Bus user")
	flag.StringVar(&o.Password, "pass", "", "Bus password")
	flag.Parse()

	if *identify == "true" {
		return json.NewEncoder(os.Stdout).Encode(parserutil.Identity())
	}

	ctx := context.Background()

	bootLog, err := lifecycle.CreateComponentLogger(ctx, component, nil)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	cfg, err := config.LoadInstanceConfig(ctx, *configPath, bootLog)
	if err != nil {
		return err
	}

	o.apply(cfg)

	provider, err := telemetry.Setup(ctx, cfg.Telemetry, "blueberry-intent-parser", bootLog)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	defer func() { _ = provider.Shutdown(context.Background()) }()

	mainLog := bootLog
	if w := provider.LogWriter(); w != nil {
		if mainLog, err = lifecycle.CreateComponentLogger(ctx, component, cfg.Logging, w); err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
	}

	mainLog.Info().Str("version", version.Full()).Msg("Starting intent parser")

	b, err := orchestrator.ConnectBus(ctx, cfg, orchestrator.ClientID(cfg, "Intent Parser"), mainLog)
	if err != nil {
		return fmt.Errorf("failed to connect to the bus: %w", err)
	}

	defer func() { _ = b.Close() }()

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName: component,
		Service:     parserutil.NewServer(cfg, b, mainLog),
		Logger:      mainLog,
	})
}

// apply overwrites the config with whatever the command line set. A child never embeds
// its own NATS server; it dials the one the orchestrator names.
func (o *overrides) apply(cfg *models.InstanceConfig) {
	if o.DeviceID != "" {
		cfg.UUID = o.DeviceID
	}

	if o.User != "" {
		cfg.MQTT.User = o.User
	}

	if o.Password != "" {
		cfg.MQTT.Password = o.Password
	}

	if o.Host == "" && o.Port == 0 {
		return
	}

	host, port := cfg.BusEndpoint()
	if o.Host != "" {
		host = o.Host
	}

	if o.Port != 0 {
		port = o.Port
	}

	if cfg.Bus.Backend == models.BusBackendNATS {
		cfg.Bus.NATS.URL = "nats://" + net.JoinHostPort(host, strconv.Itoa(port))
		cfg.Bus.NATS.Embedded = false

		return
	}

	cfg.MQTT.Host = host
	cfg.MQTT.Port = port
}
