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

// Package orchestrator wires the supervisor, registry and dispatch loop into one service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/dispatch"
	"github.com/carverauto/blueberry/pkg/intent"
	"github.com/carverauto/blueberry/pkg/lifecycle"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/registry"
	"github.com/carverauto/blueberry/pkg/rpc"
	"github.com/carverauto/blueberry/pkg/supervisor"
)

// Component is the log component name of the orchestrator.
const Component = "orchestrator"

var errAlreadyStarted = errors.New("orchestrator already started")

const (
	// cleanupTimeout bounds clearing retained state at shutdown. It is separate from the
	// stop deadline so slow children cannot leave stale topics behind.
	cleanupTimeout = 5 * time.Second
	shutdownMargin = 2 * time.Second
)

// ShutdownTimeout is the stop budget the orchestrator needs: the child stop timeout, the
// retained cleanup and a margin for the dispatch loop.
func ShutdownTimeout(cfg *models.InstanceConfig) time.Duration {
	return cfg.Orchestrator.StopTimeout.Std() + cleanupTimeout + shutdownMargin
}

// Options are the command line choices that are not part of the instance config.
type Options struct {
	CoresDirs  []string
	NoDispatch bool
}

// Server implements lifecycle.Service.
type Server struct {
	cfg    *models.InstanceConfig
	opts   Options
	bus    bus.Bus
	logger logger.Logger

	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	client     *rpc.Client
	loop       *dispatch.Loop

	mu      sync.Mutex
	started bool
	subs    []bus.Subscription
	cancel  context.CancelFunc
	loopErr chan error

	statusCancel context.CancelFunc
	statusDone   chan struct{}
}

var _ lifecycle.Service = (*Server)(nil)

// NewServer builds the orchestrator on an already connected bus.
func NewServer(cfg *models.InstanceConfig, b bus.Bus, runner supervisor.Runner, opts Options, log logger.Logger) *Server {
	reg := registry.New(b, cfg, log)
	topics := reg.Topics()

	client := rpc.NewClient(b, rpc.Options{
		Timeout: cfg.Orchestrator.RequestTimeout.Std(),
		Breaker: cfg.Orchestrator.Breaker,
	}, log)

	var parser dispatch.Parser = dispatch.NewLocalParser(intent.NewEngine(reg, log))
	if cfg.Orchestrator.Parser == models.ParserRemote {
		parser = dispatch.NewRemoteParser(client, topics)
	}

	loop := dispatch.New(b, topics, client, parser, reg, dispatch.Options{
		FallbackText: cfg.Orchestrator.FallbackText,
		Cues:         dispatch.LoadCues(cfg.Orchestrator.SoundsDir, log),
	}, log)

	return &Server{
		cfg:        cfg,
		opts:       opts,
		bus:        b,
		logger:     log,
		registry:   reg,
		supervisor: supervisor.New(runner, reg, supervisor.OptionsFromConfig(cfg), log),
		client:     client,
		loop:       loop,
	}
}

// Registry exposes the service registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Supervisor exposes the process supervisor.
func (s *Server) Supervisor() *supervisor.Supervisor { return s.supervisor }

// Start discovers and launches the services, publishes the discovery state and starts
// the dispatch loop. It returns once everything is running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errAlreadyStarted
	}

	s.started = true

	topics := s.registry.Topics()

	if s.cfg.Orchestrator.ShowRemoteLogs {
		sub, err := s.bus.Subscribe(ctx, topics.Logs(), remoteLogHandler(Component, s.logger))
		if err != nil {
			return fmt.Errorf("failed to subscribe to remote logs: %w", err)
		}

		s.subs = append(s.subs, sub)
	}

	if err := s.registry.ClearStale(ctx); err != nil {
		return err
	}

	for _, dir := range s.opts.CoresDirs {
		s.logger.Info().Str("dir", dir).Msg("Scanning for cores")
	}

	s.supervisor.Discover(ctx, supervisor.Scan(s.opts.CoresDirs, s.logger))
	s.supervisor.RegisterExternal(s.cfg.Orchestrator.ExternalCores)

	if err := s.supervisor.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Some cores failed to start")
	}

	syncSub, err := s.registry.Sync(ctx, registry.SyncPublisher)
	if err != nil {
		return fmt.Errorf("failed to follow core descriptors: %w", err)
	}

	s.subs = append(s.subs, syncSub)

	if err := s.registry.PublishDiscovery(ctx); err != nil {
		return err
	}

	if every := s.cfg.Orchestrator.StatusInterval.Std(); every > 0 {
		s.startStatusReports(every)
	}

	if s.opts.NoDispatch {
		s.logger.Info().Msg("Dispatch disabled, supervising only")

		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loopErr = make(chan error, 1)

	go func() {
		s.loopErr <- s.loop.Run(loopCtx)
	}()

	return nil
}

// Stop ends the dispatch loop, stops every child and clears the retained state the
// instance owns.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	if s.cancel != nil {
		s.cancel()

		select {
		case err := <-s.loopErr:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		s.cancel = nil
	}

	if s.statusCancel != nil {
		s.statusCancel()
		<-s.statusDone

		s.statusCancel = nil
	}

	s.supervisor.LogStatus(ctx)

	errs = append(errs, s.supervisor.Stop(ctx))

	for _, sub := range s.subs {
		errs = append(errs, sub.Unsubscribe())
	}

	s.subs = nil

	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	errs = append(errs, s.registry.Cleanup(cleanCtx), s.client.Close())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("orchestrator shutdown: %w", err)
	}

	s.logger.Info().Msg("Orchestrator stopped, retained topics cleared")

	return nil
}

// startStatusReports logs the supervisor status every interval until Stop.
func (s *Server) startStatusReports(every time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.statusCancel = cancel
	s.statusDone = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.supervisor.LogStatus(ctx)
			}
		}
	}()
}
