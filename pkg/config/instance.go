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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

// DefaultInstanceConfigPath returns ~/.config/bloob/config.json, or a relative path when
// the home directory is unknown.
func DefaultInstanceConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("bloob", "config.json")
	}

	return filepath.Join(base, "bloob", "config.json")
}

// LoadInstanceConfig loads the instance configuration. When the file does not exist a
// default document is written first so there is something to edit.
func LoadInstanceConfig(ctx context.Context, path string, log logger.Logger) (*models.InstanceConfig, error) {
	if path == "" {
		path = DefaultInstanceConfigPath()
	}

	c := NewConfig(log)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !envSourceSelected() {
		c.logger.Warn().Str("path", path).Msg("Config file not found, writing defaults")

		if err := WriteJSONFile(path, models.DefaultInstanceConfig()); err != nil {
			return nil, err
		}
	}

	var cfg models.InstanceConfig

	if err := c.LoadAndValidate(ctx, path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load instance config: %w", err)
	}

	if sec := cfg.Bus.NATS.Security; sec != nil {
		NormalizeTLSPaths(&sec.TLS, sec.CertDir)
	}

	return &cfg, nil
}

func envSourceSelected() bool {
	return strings.EqualFold(os.Getenv("CONFIG_SOURCE"), configSourceEnv)
}
