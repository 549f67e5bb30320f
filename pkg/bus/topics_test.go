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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	t.Parallel()

	topics := NewTopics("abc")

	assert.Equal(t, "bloob/abc", topics.Root())
	assert.Equal(t, "bloob/abc/#", topics.All())
	assert.Equal(t, "bloob/abc/cores/weather/config", topics.CoreConfig("weather"))
	assert.Equal(t, "bloob/abc/cores/weather/intents/get", topics.CoreIntent("weather", "get"))
	assert.Equal(t, "bloob/abc/cores/stt_util/transcribe", topics.Core("stt_util", "transcribe"))
	assert.Equal(t, "bloob/abc/cores/list", topics.CoresList())
	assert.Equal(t, "bloob/abc/collections/list", topics.CollectionsList())
	assert.Equal(t, "bloob/abc/instant_intents", topics.InstantIntents())

	rel, ok := topics.Relative("bloob/abc/cores/list")
	assert.True(t, ok)
	assert.Equal(t, "cores/list", rel)

	_, ok = topics.Relative("bloob/xyz/cores/list")
	assert.False(t, ok)
}

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_"+tt.topic, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Match(tt.filter, tt.topic))
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTopic("bloob/abc/logs"))
	require.ErrorIs(t, ValidateTopic(""), ErrInvalidTopic)
	require.ErrorIs(t, ValidateTopic("bloob//logs"), ErrInvalidTopic)
	require.ErrorIs(t, ValidateTopic("bloob/+/logs"), ErrInvalidTopic)

	require.NoError(t, ValidateFilter("bloob/+/cores/#"))
	require.ErrorIs(t, ValidateFilter("bloob/#/x"), ErrInvalidTopic)
	require.ErrorIs(t, ValidateFilter("bloob/a+/x"), ErrInvalidTopic)
}
