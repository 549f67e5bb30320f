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

// Package supervisor discovers service executables, launches them and keeps track of their
// lifecycle.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

const defaultStopTimeout = 5 * time.Second

// Registrar receives the services and collections the supervisor discovers.
type Registrar interface {
	Register(desc *models.ServiceDescriptor) error
	AddCollections(cols ...models.Collection)
}

// Options are the launch parameters handed to every service.
type Options struct {
	DeviceID    string
	Host        string
	Port        int
	User        string
	Password    string
	ExtraArgs   map[string][]string
	Restart     models.RestartConfig
	StopTimeout time.Duration
}

// OptionsFromConfig derives the launch parameters from the instance config.
func OptionsFromConfig(cfg *models.InstanceConfig) Options {
	host, port := cfg.BusEndpoint()

	return Options{
		DeviceID:    cfg.UUID,
		Host:        host,
		Port:        port,
		User:        cfg.MQTT.User,
		Password:    cfg.MQTT.Password,
		ExtraArgs:   cfg.Orchestrator.ExtraArgs,
		Restart:     cfg.Orchestrator.Restart,
		StopTimeout: cfg.Orchestrator.StopTimeout.Std(),
	}
}

type service struct {
	desc      models.ServiceDescriptor
	state     models.ServiceState
	proc      Process
	done      chan struct{}
	restarts  int
	startedAt time.Time
	exitErr   error
}

// Supervisor owns the child processes. It is safe for concurrent use.
type Supervisor struct {
	runner   Runner
	registry Registrar
	opts     Options
	logger   logger.Logger
	stats    statsFunc

	mu       sync.Mutex
	services map[string]*service
	order    []string
	stopping bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

// New creates a supervisor that registers what it discovers with reg.
func New(runner Runner, reg Registrar, opts Options, log logger.Logger) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}

	return &Supervisor{
		runner:   runner,
		registry: reg,
		opts:     opts,
		logger:   log,
		stats:    processStats,
		services: make(map[string]*service),
		quit:     make(chan struct{}),
	}
}

// Identify runs path with --identify true and parses the reply.
func (s *Supervisor) Identify(ctx context.Context, path string) (models.Identity, error) {
	out, err := s.runner.Output(ctx, path, "--identify", "true")
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %s: %w", ErrIdentify, path, err)
	}

	var ident models.Identity
	if err := decodeReply(out, &ident); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %s: %w", ErrInvalidIdentity, path, err)
	}

	if ident.ID == "" {
		return models.Identity{}, fmt.Errorf("%w: %s: empty id", ErrInvalidIdentity, path)
	}

	return ident, nil
}

// Collections runs a collection handler with --collections true and parses the reply.
func (s *Supervisor) Collections(ctx context.Context, path string) ([]models.Collection, error) {
	out, err := s.runner.Output(ctx, path, "--collections", "true")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collections from %s: %w", path, err)
	}

	var resp models.CollectionsResponse
	if err := decodeReply(out, &resp); err != nil {
		return nil, fmt.Errorf("invalid collections reply from %s: %w", path, err)
	}

	return resp.Collections, nil
}

// decodeReply parses the whole output, or failing that its last non-empty line, so
// services that print a banner first still identify.
func decodeReply(out []byte, v interface{}) error {
	out = bytes.TrimSpace(out)

	err := json.Unmarshal(out, v)
	if err == nil {
		return nil
	}

	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		if lerr := json.Unmarshal(bytes.TrimSpace(out[i+1:]), v); lerr == nil {
			return nil
		}
	}

	return err
}

// Discover identifies every candidate, registers it and loads the collections of
// collection handlers. Candidates that fail to identify or collide with a registered id
// are logged and skipped.
func (s *Supervisor) Discover(ctx context.Context, paths []string) []models.ServiceDescriptor {
	var found []models.ServiceDescriptor

	for _, path := range paths {
		ident, err := s.Identify(ctx, path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Skipping core")

			continue
		}

		desc := models.ServiceDescriptor{
			ID:           ident.ID,
			Roles:        ident.Roles,
			Executable:   path,
			ExtraArgs:    s.opts.ExtraArgs[ident.ID],
			Capabilities: models.CapabilitiesForRoles(ident.Roles),
		}

		if err := s.registry.Register(&desc); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Str("service", desc.ID).Msg("Skipping core")

			continue
		}

		if ident.HasRole(models.RoleCollectionHandler) {
			cols, err := s.Collections(ctx, path)
			if err != nil {
				s.logger.Warn().Err(err).Str("service", desc.ID).Msg("Collection handler returned no collections")
			} else {
				s.registry.AddCollections(cols...)
			}
		}

		s.track(desc, models.ServiceStopped)

		s.logger.Info().Str("service", desc.ID).Str("path", path).Msg("Loaded core")

		found = append(found, desc)
	}

	return found
}

// RegisterExternal registers cores that run elsewhere. They are never launched.
func (s *Supervisor) RegisterExternal(cores []models.ExternalCore) {
	for _, c := range cores {
		desc := models.ServiceDescriptor{ID: c.ID, Roles: c.Roles, External: true}

		if err := s.registry.Register(&desc); err != nil {
			s.logger.Warn().Err(err).Str("service", c.ID).Msg("Skipping external core")

			continue
		}

		s.track(desc, models.ServiceExternal)
	}
}

func (s *Supervisor) track(desc models.ServiceDescriptor, state models.ServiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.services[desc.ID] = &service{desc: desc, state: state}
	s.order = append(s.order, desc.ID)
}

// Args returns the command line a service is launched with.
func (s *Supervisor) Args(desc *models.ServiceDescriptor) []string {
	args := []string{
		"--device-id", s.opts.DeviceID,
		"--host", s.opts.Host,
		"--port", strconv.Itoa(s.opts.Port),
	}

	if s.opts.User != "" && s.opts.Password != "" {
		args = append(args, "--user", s.opts.User, "--pass", s.opts.Password)
	}

	return append(args, desc.ExtraArgs...)
}

// Start launches every discovered service that is not already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	var errs []error

	for _, id := range ids {
		s.mu.Lock()
		svc := s.services[id]
		skip := svc.state == models.ServiceExternal || svc.state == models.ServiceRunning
		s.mu.Unlock()

		if skip {
			continue
		}

		if err := s.StartService(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// StartService launches one discovered service.
func (s *Supervisor) StartService(ctx context.Context, id string) error {
	s.mu.Lock()
	svc, ok := s.services[id]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}

	return s.launch(ctx, svc)
}

func (s *Supervisor) launch(ctx context.Context, svc *service) error {
	s.mu.Lock()

	switch {
	case s.stopping:
		s.mu.Unlock()

		return ErrStopping
	case svc.state == models.ServiceExternal:
		s.mu.Unlock()

		return nil
	case svc.state == models.ServiceStarting || svc.state == models.ServiceRunning:
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrAlreadyRunning, svc.desc.ID)
	}

	svc.state = models.ServiceStarting
	desc := svc.desc
	s.mu.Unlock()

	stdout := newLineWriter(s.logger, desc.ID, "stdout")
	stderr := newLineWriter(s.logger, desc.ID, "stderr")

	proc, err := s.runner.Start(ctx, ProcessSpec{
		Path:   desc.Executable,
		Args:   s.Args(&desc),
		Stdout: stdout,
		Stderr: stderr,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		svc.state = models.ServiceCrashed
		svc.exitErr = err

		return fmt.Errorf("failed to start %s: %w", desc.ID, err)
	}

	done := make(chan struct{})

	svc.proc = proc
	svc.done = done
	svc.state = models.ServiceRunning
	svc.startedAt = time.Now()
	svc.exitErr = nil

	s.wg.Add(1)

	go s.watch(svc, proc, done, stdout, stderr)

	s.logger.Info().Str("service", desc.ID).Int("pid", proc.PID()).Msg("Started core")

	return nil
}

func (s *Supervisor) watch(svc *service, proc Process, done chan struct{}, writers ...*lineWriter) {
	defer s.wg.Done()

	err := proc.Wait()

	for _, w := range writers {
		w.Flush()
	}

	s.mu.Lock()

	svc.proc = nil
	close(done)

	if s.stopping {
		svc.state = models.ServiceStopped
		s.mu.Unlock()

		s.logger.Info().Str("service", svc.desc.ID).Msg("Core stopped")

		return
	}

	svc.state = models.ServiceCrashed
	svc.exitErr = err

	restart := s.shouldRestart(svc)
	if restart {
		svc.restarts++
	}

	attempt := svc.restarts
	s.mu.Unlock()

	s.logger.Error().
		Err(err).
		Str("service", svc.desc.ID).
		Bool("restart", restart).
		Int("restarts", attempt).
		Msg("Core exited unexpectedly")

	if restart {
		s.wg.Add(1)

		go s.restartAfter(svc.desc.ID, s.opts.Restart.Backoff.Std())
	}
}

// shouldRestart must be called with s.mu held.
func (s *Supervisor) shouldRestart(svc *service) bool {
	if s.opts.Restart.Policy != models.RestartOnFailure {
		return false
	}

	return s.opts.Restart.MaxRestarts <= 0 || svc.restarts < s.opts.Restart.MaxRestarts
}

func (s *Supervisor) restartAfter(id string, delay time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.quit:
		return
	case <-timer.C:
	}

	if err := s.StartService(context.Background(), id); err != nil && !errors.Is(err, ErrStopping) {
		s.logger.Error().Err(err).Str("service", id).Msg("Failed to restart core")
	}
}

// Stop interrupts every running child, waits up to the stop timeout and kills whatever is
// still alive.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()

	if s.stopping {
		s.mu.Unlock()

		return nil
	}

	s.stopping = true
	close(s.quit)

	type running struct {
		id   string
		proc Process
		done chan struct{}
	}

	var children []running

	for _, id := range s.order {
		if svc := s.services[id]; svc.proc != nil {
			children = append(children, running{id: id, proc: svc.proc, done: svc.done})
		}
	}

	s.mu.Unlock()

	for _, c := range children {
		if err := c.proc.Interrupt(); err != nil {
			s.logger.Warn().Err(err).Str("service", c.id).Msg("Failed to interrupt core")
		}
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()

	expired := false

	for _, c := range children {
		if !expired {
			select {
			case <-c.done:
				continue
			case <-timer.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}

		select {
		case <-c.done:
			continue
		default:
		}

		s.logger.Warn().Str("service", c.id).Msg("Core did not stop in time, killing it")

		if err := c.proc.Kill(); err != nil {
			s.logger.Warn().Err(err).Str("service", c.id).Msg("Failed to kill core")
		}
	}

	waited := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports every tracked service in discovery order.
func (s *Supervisor) Status(ctx context.Context) []models.ServiceStatus {
	s.mu.Lock()

	out := make([]models.ServiceStatus, 0, len(s.order))

	for _, id := range s.order {
		svc := s.services[id]
		st := models.ServiceStatus{
			ID:        id,
			State:     svc.state,
			Restarts:  svc.restarts,
			StartedAt: svc.startedAt,
		}

		if svc.proc != nil {
			st.PID = svc.proc.PID()
		}

		if svc.exitErr != nil {
			st.ExitError = svc.exitErr.Error()
		}

		out = append(out, st)
	}

	s.mu.Unlock()

	for i := range out {
		if out[i].PID == 0 || out[i].State != models.ServiceRunning {
			continue
		}

		rss, cpu, err := s.stats(ctx, out[i].PID)
		if err != nil {
			s.logger.Debug().Err(err).Str("service", out[i].ID).Msg("Failed to read process stats")

			continue
		}

		out[i].RSSBytes = rss
		out[i].CPUPercent = cpu
	}

	return out
}

// LogStatus writes one log line per tracked service with its state and resource usage.
func (s *Supervisor) LogStatus(ctx context.Context) {
	for _, st := range s.Status(ctx) {
		s.logger.Info().
			Str("service", st.ID).
			Str("state", string(st.State)).
			Int("pid", st.PID).
			Int("restarts", st.Restarts).
			Uint64("rss_bytes", st.RSSBytes).
			Float64("cpu_percent", st.CPUPercent).
			Str("exit_error", st.ExitError).
			Msg("Service status")
	}
}
