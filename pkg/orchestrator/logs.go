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
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/logger"
)

const logPublishTimeout = 2 * time.Second

type busRef struct {
	bus bus.Bus
}

// LogSink publishes log lines on the logs topic once a bus is attached. Lines written
// before that are dropped.
type LogSink struct {
	topic string
	ref   atomic.Pointer[busRef]
}

func NewLogSink(topics bus.Topics) *LogSink {
	return &LogSink{topic: topics.Logs()}
}

// Attach starts forwarding to b. A nil bus stops forwarding.
func (s *LogSink) Attach(b bus.Bus) {
	if b == nil {
		s.ref.Store(nil)

		return
	}

	s.ref.Store(&busRef{bus: b})
}

// Publish implements logger.PublishFunc.
func (s *LogSink) Publish(line []byte) {
	ref := s.ref.Load()
	if ref == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), logPublishTimeout)
	defer cancel()

	_ = ref.bus.Publish(ctx, s.topic, line)
}

// remoteLogHandler re-logs lines other services publish on the logs topic. Lines this
// component published itself are skipped.
func remoteLogHandler(component string, log logger.Logger) bus.Handler {
	return func(_ context.Context, msg *bus.Message) {
		if msg.Empty() {
			return
		}

		var fields struct {
			Component string `json:"component"`
			Message   string `json:"message"`
			Level     string `json:"level"`
		}

		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			log.Info().Str("source", "remote").Msg(string(msg.Payload))

			return
		}

		if fields.Component == component {
			return
		}

		log.Info().
			Str("source", "remote").
			Str("remote_component", fields.Component).
			Str("remote_level", fields.Level).
			Msg(fields.Message)
	}
}
