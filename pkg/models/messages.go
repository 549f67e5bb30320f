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

package models

import "encoding/json"

// Ids of the infrastructure utils the orchestrator talks to.
const (
	WakewordUtilID      = "wakeword_util"
	AudioRecorderUtilID = "audio_recorder_util"
	STTUtilID           = "stt_util"
	IntentParserUtilID  = "intent_parser_util"
	TTSUtilID           = "tts_util"
	AudioPlaybackUtilID = "audio_playback_util"
)

// Envelopes exchanged with util and core services. Every request carries the session correlation id
// in "id" and every response echoes it.

// WakewordDetection is published by the wakeword util on cores/wakeword_util/finished.
type WakewordDetection struct {
	WakewordID string `json:"wakeword_id"`
	Confidence string `json:"confidence"`
}

type RecordRequest struct {
	ID string `json:"id"`
}

type RecordResponse struct {
	ID    string `json:"id"`
	Audio string `json:"audio"`
}

type TranscribeRequest struct {
	ID    string `json:"id"`
	Audio string `json:"audio"`
}

type TranscribeResponse struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type ParseRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ParseResponse carries an empty IntentID when nothing matched.
type ParseResponse struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	IntentID string `json:"intent_id"`
	CoreID   string `json:"core_id"`
}

// UnmarshalJSON accepts "intent" as an alias for "intent_id".
func (p *ParseResponse) UnmarshalJSON(b []byte) error {
	type plain ParseResponse

	aux := struct {
		*plain
		Intent string `json:"intent"`
	}{plain: (*plain)(p)}

	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	if p.IntentID == "" {
		p.IntentID = aux.Intent
	}

	return nil
}

// Matched reports whether the parse resolved to an intent.
func (p *ParseResponse) Matched() bool {
	return p.IntentID != "" && p.CoreID != ""
}

type CoreRequest struct {
	ID     string `json:"id"`
	Intent string `json:"intent"`
	CoreID string `json:"core_id"`
	Text   string `json:"text"`
}

type CoreResponse struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Explanation string `json:"explanation"`
}

type SpeakRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type SpeakResponse struct {
	ID    string `json:"id"`
	Audio string `json:"audio"`
}

type PlayRequest struct {
	ID    string `json:"id"`
	Audio string `json:"audio"`
}

type PlayResponse struct {
	ID string `json:"id"`
}

// ThinkingState is retained on the thinking topic.
type ThinkingState struct {
	IsThinking bool `json:"is_thinking"`
}

// RecordingState is retained on the recording topic.
type RecordingState struct {
	IsRecording bool `json:"is_recording"`
}

// CoreList is retained on cores/list.
type CoreList struct {
	LoadedCores []string `json:"loaded_cores"`
}

// CollectionList is retained on collections/list.
type CollectionList struct {
	LoadedCollections []string `json:"loaded_collections"`
}
