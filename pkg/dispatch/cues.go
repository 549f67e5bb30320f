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

package dispatch

import (
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/carverauto/blueberry/pkg/logger"
)

// Cue file names looked up in the sounds directory.
const (
	BeginListeningFile = "begin_listening.wav"
	StopListeningFile  = "stop_listening.wav"
	ErrorFile          = "error.wav"
	InstantIntentFile  = "instant_intent.wav"
)

// Cues holds the base64 encoded feedback sounds. An empty cue is not played.
type Cues struct {
	Begin   string
	Stop    string
	Error   string
	Instant string
}

// LoadCues reads the cue files from dir once. A missing or unreadable file disables
// that cue.
func LoadCues(dir string, log logger.Logger) Cues {
	if dir == "" {
		log.Warn().Msg("No sounds directory configured, cues are disabled")

		return Cues{}
	}

	load := func(name string) string {
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Cue disabled")

			return ""
		}

		return base64.StdEncoding.EncodeToString(data)
	}

	return Cues{
		Begin:   load(BeginListeningFile),
		Stop:    load(StopListeningFile),
		Error:   load(ErrorFile),
		Instant: load(InstantIntentFile),
	}
}
