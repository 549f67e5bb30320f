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
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/config"
	"github.com/carverauto/blueberry/pkg/lifecycle"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/orchestrator"
	"github.com/carverauto/blueberry/pkg/supervisor"
	"github.com/carverauto/blueberry/pkg/telemetry"
	"github.com/carverauto/blueberry/pkg/version"
)

type dirList []string

func (d *dirList) String() string { return strings.Join(*d, ",") }

func (d *dirList) Set(v string) error {
	*d = append(*d, v)

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Orchestrator failed: %v", err)
	}
}

func run() error {
	var dirs dirList

	configPath := flag.String("config", config.DefaultInstanceConfigPath(), "Path to the instance config")
	noDispatch := flag.Bool("no-dispatch", false, "Supervise services without running the voice loop")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Var(&dirs, "cores-dir", "Directory to scan for cores and utils (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())

		return nil
	}

	ctx := context.Background()

	bootLog, err := lifecycle.CreateComponentLogger(ctx, orchestrator.Component, nil)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	cfg, err := config.LoadInstanceConfig(ctx, *configPath, bootLog)
	if err != nil {
		return err
	}

	provider, err := telemetry.Setup(ctx, cfg.Telemetry, "blueberry-orchestrator", bootLog)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			bootLog.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	var extra []io.Writer

	if w := provider.LogWriter(); w != nil {
		extra = append(extra, w)
	}

	sink := orchestrator.NewLogSink(bus.NewTopics(cfg.UUID))

	if cfg.Logging != nil && cfg.Logging.PublishToBus {
		tw := logger.NewTopicWriter(sink.Publish, 0)
		defer func() { _ = tw.Close() }()

		extra = append(extra, tw)
	}

	mainLog, err := lifecycle.CreateComponentLogger(ctx, orchestrator.Component, cfg.Logging, extra...)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	mainLog.Info().Str("version", version.Full()).Str("instance", cfg.InstanceName).Msg("Starting orchestrator")

	b, err := orchestrator.ConnectBus(ctx, cfg, orchestrator.ClientID(cfg, "Orchestrator"), mainLog)
	if err != nil {
		return fmt.Errorf("failed to connect to the bus: %w", err)
	}

	defer func() {
		sink.Attach(nil)
		_ = b.Close()
	}()

	sink.Attach(b)

	server := orchestrator.NewServer(cfg, b, supervisor.NewExecRunner(), orchestrator.Options{
		CoresDirs:  coresDirs(dirs, cfg),
		NoDispatch: *noDispatch,
	}, mainLog)

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName:     "orchestrator",
		Service:         server,
		Logger:          mainLog,
		ShutdownTimeout: orchestrator.ShutdownTimeout(cfg),
	})
}

// coresDirs prefers the command line, then the config, then the standard locations.
func coresDirs(flagDirs []string, cfg *models.InstanceConfig) []string {
	if len(flagDirs) > 0 {
		return flagDirs
	}

	if len(cfg.Orchestrator.CoresDirs) > 0 {
		return cfg.Orchestrator.CoresDirs
	}

	var out []string

	if base, err := os.UserConfigDir(); err == nil {
		out = append(out, filepath.Join(base, "bloob", "cores"))
	}

	if exe, err := os.Executable(); err == nil {
		install := filepath.Dir(exe)
		out = append(out, filepath.Join(install, "src", "cores"), filepath.Join(install, "src", "utils"))
	}

	return out
}
