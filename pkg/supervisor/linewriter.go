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

package supervisor

import (
	"bytes"
	"sync"

	"github.com/carverauto/blueberry/pkg/logger"
)

const maxLineLength = 64 * 1024

// lineWriter logs each complete line written to it.
type lineWriter struct {
	logger  logger.Logger
	service string
	stream  string

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(log logger.Logger, service, stream string) *lineWriter {
	return &lineWriter{logger: log, service: service, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)

	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}

		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}

	if len(w.buf) > maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}

	return len(p), nil
}

// Flush logs a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}

	w.logger.Info().
		Str("service", w.service).
		Str("stream", w.stream).
		Msg(string(line))
}
