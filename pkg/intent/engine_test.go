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

package intent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

func strPtr(s string) *string { return &s }

var lampIntent = models.IntentDefinition{
	ID:       "setPower",
	CoreID:   "lights",
	Keywords: [][]string{{"turn", "set"}, {"lamp"}, {"on", "off"}},
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"  Turn the Lamp ON!", "turn the lamp on"},
		{"what's 8*12", "whats 8 times12"},
		{"50% & more", "50 percent  and more"},
		{"3+4-1/2", "3 plus4 minus1 over2"},
		{"%leading", "percentleading"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Normalize(got))
		})
	}
}

func TestMatchScenarios(t *testing.T) {
	t.Parallel()

	getCollection := map[string]models.Collection{
		"get": {ID: "get", Keywords: []string{"get", "fetch", "what is"}},
	}

	weather := models.IntentDefinition{ID: "getWeather", CoreID: "weather", Wakewords: []string{"weather"}}

	tests := []struct {
		name        string
		utterance   string
		intents     []models.IntentDefinition
		collections map[string]models.Collection
		want        Result
		wantOK      bool
	}{
		{
			name:      "all keyword groups pass",
			utterance: "turn the lamp on",
			intents:   []models.IntentDefinition{lampIntent},
			want:      Result{IntentID: "setPower", CoreID: "lights", Text: "turn the lamp on"},
			wantOK:    true,
		},
		{
			name:      "missing keyword group",
			utterance: "turn the lamp",
			intents:   []models.IntentDefinition{lampIntent},
		},
		{
			name:      "shared collection is ambiguous",
			utterance: "get me the news",
			intents: []models.IntentDefinition{
				{ID: "news", CoreID: "news", Collections: [][]string{{"get"}}},
				{ID: "stocks", CoreID: "stocks", Collections: [][]string{{"get"}}},
			},
			collections: getCollection,
		},
		{
			name:      "instant wakeword bypasses votes",
			utterance: "weather",
			intents: []models.IntentDefinition{
				{ID: "catchAll", CoreID: "other", Keywords: [][]string{{"weather"}}},
				weather,
			},
			want:   Result{IntentID: "getWeather", CoreID: "weather", Text: "weather"},
			wantOK: true,
		},
		{
			name:      "empty utterance",
			utterance: "",
			intents:   []models.IntentDefinition{lampIntent},
		},
		{
			name:      "intent without categories never matches",
			utterance: "anything",
			intents:   []models.IntentDefinition{{ID: "empty", CoreID: "x"}},
		},
		{
			name:      "single word keyword needs whole word",
			utterance: "what is 8 times 12",
			intents:   []models.IntentDefinition{{ID: "time", CoreID: "clock", Keywords: [][]string{{"time"}}}},
		},
		{
			name:      "multi word keyword matches substring",
			utterance: "whats the timezone",
			intents:   []models.IntentDefinition{{ID: "tz", CoreID: "clock", Keywords: [][]string{{"the time"}}}},
			want:      Result{IntentID: "tz", CoreID: "clock", Text: "whats the timezone"},
			wantOK:    true,
		},
		{
			name:      "prefix and suffix",
			utterance: "please set volume to 5 thanks",
			intents: []models.IntentDefinition{{
				ID: "vol", CoreID: "volume",
				Collections: [][]string{{models.AnyNumberCollection}},
				Prefixes:    []string{"please"},
				Suffixes:    []string{"thanks"},
			}},
			want:   Result{IntentID: "vol", CoreID: "volume", Text: "please set volume to 5 thanks"},
			wantOK: true,
		},
		{
			name:      "any number fails without digits",
			utterance: "set volume to five",
			intents: []models.IntentDefinition{{
				ID: "vol", CoreID: "volume", Collections: [][]string{{models.AnyNumberCollection}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := Match(tt.utterance, tt.intents, tt.collections)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectionSubstitutionCarriesForward(t *testing.T) {
	t.Parallel()

	collections := map[string]models.Collection{
		"devices": {ID: "devices", Keywords: []string{"doorlight", "delight"}, Substitute: strPtr("door light")},
	}

	intents := []models.IntentDefinition{
		{ID: "a_sub", CoreID: "a", Collections: [][]string{{"devices"}}, Keywords: [][]string{{"off"}}},
		{ID: "b_phrase", CoreID: "b", Keywords: [][]string{{"door light"}, {"on"}}},
	}

	got, ok := Match("turn the delight on", intents, collections)
	require.True(t, ok)
	assert.Equal(t, Result{IntentID: "b_phrase", CoreID: "b", Text: "turn the door light on"}, got)
}

func TestUnanimityLaw(t *testing.T) {
	t.Parallel()

	def := models.IntentDefinition{
		ID: "x", CoreID: "c",
		Keywords: [][]string{{"play"}},
		Prefixes: []string{"please"},
		Suffixes: []string{"now"},
	}

	_, ok := Match("please play music now", []models.IntentDefinition{def}, nil)
	require.True(t, ok)

	for _, mutate := range []func(d *models.IntentDefinition){
		func(d *models.IntentDefinition) { d.Keywords = [][]string{{"pause"}} },
		func(d *models.IntentDefinition) { d.Prefixes = []string{"kindly"} },
		func(d *models.IntentDefinition) { d.Suffixes = []string{"later"} },
	} {
		d := def
		mutate(&d)

		_, ok := Match("please play music now", []models.IntentDefinition{d}, nil)
		assert.False(t, ok)
	}
}

func TestMatchIsPure(t *testing.T) {
	t.Parallel()

	intents := []models.IntentDefinition{lampIntent}

	first, ok1 := Match("Turn the lamp off", intents, nil)
	second, ok2 := Match("Turn the lamp off", intents, nil)

	assert.Equal(t, ok1, ok2)
	assert.Equal(t, first, second)
	assert.Equal(t, [][]string{{"turn", "set"}, {"lamp"}, {"on", "off"}}, intents[0].Keywords)
}

func TestExplain(t *testing.T) {
	t.Parallel()

	_, verdicts, ok := Explain("turn the lamp", []models.IntentDefinition{lampIntent}, nil)
	require.False(t, ok)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	assert.Equal(t, 1, v.Needed)
	assert.Equal(t, 0, v.Votes)
	assert.False(t, v.Candidate())
	assert.Equal(t, []string{"turn", "lamp"}, v.Categories[0].Matched)
	assert.Contains(t, v.String(), "lights/setPower 0/1")
}

func TestNumbersAreCarriedButNotEvaluated(t *testing.T) {
	t.Parallel()

	var def models.IntentDefinition
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "setPower",
		"core_id": "lights",
		"keywords": [["turn", "set"], ["lamp"], ["on", "off"]],
		"numbers": {"any": true}
	}`), &def))
	assert.Equal(t, map[string]any{"any": true}, def.Numbers)

	for _, utterance := range []string{"turn the lamp on", "set lamp 42", "12 34"} {
		want, wantOK := Match(utterance, []models.IntentDefinition{lampIntent}, nil)
		got, gotOK := Match(utterance, []models.IntentDefinition{def}, nil)

		assert.Equal(t, wantOK, gotOK, utterance)
		assert.Equal(t, want, got, utterance)

		_, withNumbers, _ := Explain(utterance, []models.IntentDefinition{def}, nil)
		_, without, _ := Explain(utterance, []models.IntentDefinition{lampIntent}, nil)
		assert.Equal(t, without[0].Needed, withNumbers[0].Needed, utterance)
	}
}

type staticSource struct {
	intents     []models.IntentDefinition
	collections map[string]models.Collection
}

func (s staticSource) Intents() []models.IntentDefinition        { return s.intents }
func (s staticSource) Collections() map[string]models.Collection { return s.collections }

func TestEngineParse(t *testing.T) {
	t.Parallel()

	e := NewEngine(staticSource{intents: []models.IntentDefinition{lampIntent}}, logger.NewTestLogger())

	res, ok := e.Parse("set the lamp on")
	require.True(t, ok)
	assert.Equal(t, "setPower", res.IntentID)

	_, ok = e.Parse("hello")
	assert.False(t, ok)
}
