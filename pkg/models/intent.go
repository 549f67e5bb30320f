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

// AnyNumberCollection is the reserved collection id that passes whenever the utterance holds a numeric token.
const AnyNumberCollection = "any_number"

// IntentDefinition is a declarative rule describing which utterances route to which core.
type IntentDefinition struct {
	ID          string     `json:"id"`
	CoreID      string     `json:"core_id"`
	Keywords    [][]string `json:"keywords,omitempty"`
	Collections [][]string `json:"collections,omitempty"`
	Prefixes    []string   `json:"prefixes,omitempty"`
	Suffixes    []string   `json:"suffixes,omitempty"`
	// Numbers is decoded and carried so a round trip keeps it, but the matcher
	// deliberately never evaluates it.
	Numbers   map[string]any `json:"numbers,omitempty"`
	Wakewords []string       `json:"wakewords,omitempty"`
}

// UnmarshalJSON accepts the older "intent_id" and "keyphrases" spellings still used by some cores.
func (d *IntentDefinition) UnmarshalJSON(b []byte) error {
	type plain IntentDefinition

	aux := struct {
		*plain
		IntentID   string     `json:"intent_id"`
		Keyphrases [][]string `json:"keyphrases"`
	}{plain: (*plain)(d)}

	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	if d.ID == "" {
		d.ID = aux.IntentID
	}

	if len(d.Keywords) == 0 {
		d.Keywords = aux.Keyphrases
	}

	return nil
}

// Collection is a named, shared vocabulary list.
type Collection struct {
	ID       string   `json:"id"`
	Keywords []string `json:"keywords"`
	// Substitute, when set, replaces the matched keyword in the utterance.
	Substitute *string        `json:"substitute"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// UnmarshalJSON accepts "keyphrases" as an alias for "keywords".
func (c *Collection) UnmarshalJSON(b []byte) error {
	type plain Collection

	aux := struct {
		*plain
		Keyphrases []string `json:"keyphrases"`
	}{plain: (*plain)(c)}

	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	if len(c.Keywords) == 0 {
		c.Keywords = aux.Keyphrases
	}

	return nil
}

// CoreConfig is the descriptor a service retains on cores/<id>/config.
type CoreConfig struct {
	Metadata map[string]any     `json:"metadata,omitempty"`
	Intents  []IntentDefinition `json:"intents,omitempty"`
}
