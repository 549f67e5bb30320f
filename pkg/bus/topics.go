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

package bus

import (
	"fmt"
	"strings"
)

const (
	rootPrefix = "bloob"

	// Separator splits topic segments.
	Separator = "/"
	// SingleLevel matches exactly one segment.
	SingleLevel = "+"
	// MultiLevel matches every remaining segment.
	MultiLevel = "#"
)

// Topics builds topic names under bloob/<uuid>.
type Topics struct {
	root string
}

// NewTopics returns the topic builder for one instance.
func NewTopics(instanceUUID string) Topics {
	return Topics{root: rootPrefix + Separator + instanceUUID}
}

// Root is bloob/<uuid>.
func (t Topics) Root() string { return t.root }

// All matches every topic of the instance.
func (t Topics) All() string { return t.join(MultiLevel) }

func (t Topics) join(segments ...string) string {
	return t.root + Separator + strings.Join(segments, Separator)
}

// Core returns cores/<id>/<leaf...>.
func (t Topics) Core(id string, leaf ...string) string {
	return t.join(append([]string{"cores", id}, leaf...)...)
}

func (t Topics) CoreConfig(id string) string         { return t.Core(id, "config") }
func (t Topics) CoreIntent(id, intent string) string { return t.Core(id, "intents", intent) }
func (t Topics) CoreRun(id string) string            { return t.Core(id, "run") }
func (t Topics) CoreFinished(id string) string       { return t.Core(id, "finished") }
func (t Topics) CentralConfig(id string) string      { return t.Core(id, "central_config") }
func (t Topics) CoresList() string                   { return t.join("cores", "list") }
func (t Topics) Collection(id string) string         { return t.join("collections", id) }
func (t Topics) CollectionsList() string             { return t.join("collections", "list") }
func (t Topics) InstantIntents() string              { return t.join("instant_intents") }
func (t Topics) Thinking() string                    { return t.join("thinking") }
func (t Topics) Recording() string                   { return t.join("recording") }
func (t Topics) Logs() string                        { return t.join("logs") }

// Relative strips the bloob/<uuid>/ prefix. ok is false for topics of another instance.
func (t Topics) Relative(topic string) (rel string, ok bool) {
	prefix := t.root + Separator
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}

	return topic[len(prefix):], true
}

// ValidateTopic checks a publish topic: non-empty segments and no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}

	for _, seg := range strings.Split(topic, Separator) {
		if seg == "" || strings.ContainsAny(seg, SingleLevel+MultiLevel) {
			return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	}

	return nil
}

// ValidateFilter checks a subscription filter: "#" may only be the last segment and
// wildcards must fill a whole segment.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}

	segs := strings.Split(filter, Separator)
	for i, seg := range segs {
		switch {
		case seg == "":
			return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
		case seg == MultiLevel && i != len(segs)-1:
			return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
		case seg != SingleLevel && seg != MultiLevel && strings.ContainsAny(seg, SingleLevel+MultiLevel):
			return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
		}
	}

	return nil
}

// Match reports whether topic matches filter.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, Separator)
	ts := strings.Split(topic, Separator)

	for i, f := range fs {
		if f == MultiLevel {
			return true
		}

		if i >= len(ts) {
			return false
		}

		if f != SingleLevel && f != ts[i] {
			return false
		}
	}

	return len(fs) == len(ts)
}
