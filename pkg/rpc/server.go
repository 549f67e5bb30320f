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

package rpc

import (
	"context"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/logger"
)

// HandlerFunc answers one request payload. A nil response publishes nothing.
type HandlerFunc func(ctx context.Context, request []byte) (response interface{}, err error)

// Serve answers requests arriving on requestTopic by publishing the handler's response on
// responseTopic. Requests are handled one at a time in arrival order.
func Serve(ctx context.Context, b bus.Bus, requestTopic, responseTopic string, h HandlerFunc, log logger.Logger) (bus.Subscription, error) {
	return b.Subscribe(ctx, requestTopic, func(ctx context.Context, msg *bus.Message) {
		if msg.Retained || msg.Empty() {
			return
		}

		resp, err := h(ctx, msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("Request handler failed")

			return
		}

		if resp == nil {
			return
		}

		if err := bus.PublishJSON(ctx, b, responseTopic, resp); err != nil {
			log.Error().Err(err).Str("topic", responseTopic).Msg("Failed to publish response")
		}
	})
}
