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

import "errors"

var (
	// ErrTimeout is returned when no matching response arrived in time.
	ErrTimeout = errors.New("request timed out")
	// ErrMissingID is returned for requests without a correlation id.
	ErrMissingID = errors.New("request has no id")
	// ErrDuplicateRequest is returned when the id is already pending on the response topic.
	ErrDuplicateRequest = errors.New("request id already pending")
	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("rpc client closed")
	// ErrBreakerOpen is returned while the breaker for a request topic is open.
	ErrBreakerOpen = errors.New("circuit breaker open")
)
