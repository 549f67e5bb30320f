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

// Package parserutil serves the intent matching engine on the bus as the intent parser util.
package parserutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/intent"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/registry"
	"github.com/carverauto/blueberry/pkg/rpc"
)

var errAlreadyStarted = errors.New("parser util already started")

// Identity is what the util answers to --identify.
func Identity() models.Identity {
	return models.Identity{ID: models.IntentParserUtilID, Roles: []models.Role{models.RoleUtil}}
}

// Server answers parse requests using the intent tables it follows on the bus.
type Server struct {
	bus      bus.Bus
	registry *registry.Registry
	engine   *intent.Engine
	logger   logger.Logger

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewServer creates the util for the instance described by cfg.
func NewServer(cfg *models.InstanceConfig, b bus.Bus, log logger.Logger) *Server {
	reg := registry.New(b, cfg, log)

	return &Server{
		bus:      b,
		registry: reg,
		engine:   intent.NewEngine(reg, log),
		logger:   log,
	}
}

// Registry exposes the followed tables.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Start follows the registry topics and begins answering requests.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs != nil {
		return errAlreadyStarted
	}

	topics := s.registry.Topics()

	syncSub, err := s.registry.Sync(ctx, registry.SyncFollower)
	if err != nil {
		return err
	}

	serveSub, err := rpc.Serve(ctx, s.bus,
		topics.CoreRun(models.IntentParserUtilID),
		topics.CoreFinished(models.IntentParserUtilID),
		s.Handle, s.logger)
	if err != nil {
		_ = syncSub.Unsubscribe()

		return fmt.Errorf("failed to serve parse requests: %w", err)
	}

	s.subs = []bus.Subscription{syncSub, serveSub}

	s.logger.Info().Msg("Intent parser ready")

	return nil
}

// Stop unsubscribes everything.
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	for _, sub := range s.subs {
		errs = append(errs, sub.Unsubscribe())
	}

	s.subs = nil

	return errors.Join(errs...)
}

// Handle answers one parse request. Unmatched text yields empty intent and core ids.
func (s *Server) Handle(_ context.Context, payload []byte) (interface{}, error) {
	var req models.ParseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed parse request: %w", err)
	}

	if req.ID == "" {
		return nil, rpc.ErrMissingID
	}

	resp := models.ParseResponse{ID: req.ID, Text: req.Text}

	if res, ok := s.engine.Parse(req.Text); ok {
		resp.Text = res.Text
		resp.IntentID = res.IntentID
		resp.CoreID = res.CoreID
	}

	return resp, nil
}
