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

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/bus/mqttbus"
	"github.com/carverauto/blueberry/pkg/bus/natsbus"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

var errUnknownBackend = errors.New("unknown bus backend")

// ClientID is the MQTT client id of a component of the instance.
func ClientID(cfg *models.InstanceConfig, component string) string {
	return fmt.Sprintf("%s - %s", cfg.InstanceName, component)
}

// ConnectBus connects the adapter selected by bus.backend.
func ConnectBus(ctx context.Context, cfg *models.InstanceConfig, clientID string, log logger.Logger) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case models.BusBackendMQTT, "":
		return mqttbus.Connect(ctx, &cfg.MQTT, clientID, log)
	case models.BusBackendNATS:
		return natsbus.Connect(ctx, &cfg.Bus.NATS, log)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownBackend, cfg.Bus.Backend)
	}
}
