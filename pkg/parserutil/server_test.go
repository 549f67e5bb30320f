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

package parserutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/bus/bustest"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
	"github.com/carverauto/blueberry/pkg/rpc"
)

func TestIdentity(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(Identity())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"intent_parser_util","roles":["util"]}`, string(out))
}

func TestServeParses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := bustest.NewNATS(t)

	cfg := models.DefaultInstanceConfig()
	cfg.UUID = "parser-test"
	topics := bus.NewTopics(cfg.UUID)

	require.NoError(t, b.Retain(ctx, topics.CoresList(), []byte(`{"loaded_cores":["lights"]}`)))
	require.NoError(t, b.Retain(ctx, topics.CoreIntent("lights", "setPower"),
		[]byte(`{"id":"setPower","core_id":"lights","keywords":[["turn","set"],["lamp"],["on","off"]]}`)))

	s := NewServer(cfg, b, logger.NewTestLogger())
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), errAlreadyStarted)

	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		return len(s.Registry().Intents()) == 1
	}, bustest.WaitTimeout, 10*time.Millisecond)

	client := rpc.NewClient(b, rpc.Options{Timeout: 5 * time.Second}, logger.NewTestLogger())
	t.Cleanup(func() { _ = client.Close() })

	tests := []struct {
		name string
		text string
		want models.ParseResponse
	}{
		{
			name: "match",
			text: "Turn the lamp on!",
			want: models.ParseResponse{ID: "1", Text: "turn the lamp on", IntentID: "setPower", CoreID: "lights"},
		},
		{
			name: "no match",
			text: "hello there",
			want: models.ParseResponse{ID: "2", Text: "hello there"},
		},
	}

	for _, tt := range tests {
		var resp models.ParseResponse

		err := client.Call(ctx,
			topics.CoreRun(models.IntentParserUtilID),
			topics.CoreFinished(models.IntentParserUtilID),
			models.ParseRequest{ID: tt.want.ID, Text: tt.text}, &resp)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, resp, tt.name)
	}
}

func TestHandleRejectsBadRequests(t *testing.T) {
	t.Parallel()

	s := NewServer(models.DefaultInstanceConfig(), nil, logger.NewTestLogger())

	_, err := s.Handle(context.Background(), []byte(`{`))
	require.Error(t, err)

	_, err = s.Handle(context.Background(), []byte(`{"text":"hi"}`))
	require.ErrorIs(t, err, rpc.ErrMissingID)
}
