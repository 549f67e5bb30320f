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

package logger

import (
	"io"
	"sync"
)

const defaultTopicBuffer = 256

// MultiWriter fans a log line out to several writers. A failing writer does not stop the others.
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter(writers ...io.Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (mw *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range mw.writers {
		if _, werr := w.Write(p); werr != nil && err == nil {
			err = werr
		}
	}

	return len(p), err
}

// PublishFunc hands one log line to the bus.
type PublishFunc func(line []byte)

// TopicWriter forwards log lines to a PublishFunc from a background goroutine so logging never
// blocks on the bus. Lines are dropped when the buffer is full.
type TopicWriter struct {
	publish PublishFunc
	lines   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewTopicWriter(publish PublishFunc, buffer int) *TopicWriter {
	if buffer <= 0 {
		buffer = defaultTopicBuffer
	}

	w := &TopicWriter{
		publish: publish,
		lines:   make(chan []byte, buffer),
		done:    make(chan struct{}),
	}

	w.wg.Add(1)

	go w.run()

	return w
}

func (w *TopicWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)

	select {
	case <-w.done:
	case w.lines <- line:
	default:
	}

	return len(p), nil
}

func (w *TopicWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case line := <-w.lines:
			w.publish(line)
		}
	}
}

// Close stops the forwarding goroutine. Buffered lines that were not yet published are discarded.
func (w *TopicWriter) Close() error {
	w.once.Do(func() {
		close(w.done)
	})

	w.wg.Wait()

	return nil
}
