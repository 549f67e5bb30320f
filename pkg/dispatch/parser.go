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

//go:generate mockgen -destination=mock_parser.go -package=dispatch github.com/carverauto/blueberry/pkg/dispatch Parser

import (
	"context"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/intent"
	"github.com/carverauto/blueberry/pkg/models"
)

// Parser turns an utterance into an intent. An unmatched utterance is not an error; it
// yields a response with an empty intent id.
type Parser interface {
	Parse(ctx context.Context, id, text string) (models.ParseResponse, error)
}

// LocalParser runs the matching engine in process.
type LocalParser struct {
	engine *intent.Engine
}

func NewLocalParser(engine *intent.Engine) *LocalParser {
	return &LocalParser{engine: engine}
}

func (p *LocalParser) Parse(_ context.Context, id, text string) (models.ParseResponse, error) {
	res, ok := p.engine.Parse(text)
	if !ok {
		return models.ParseResponse{ID: id, Text: text}, nil
	}

	return models.ParseResponse{ID: id, Text: res.Text, IntentID: res.IntentID, CoreID: res.CoreID}, nil
}

// RemoteParser asks the intent parser util over the bus.
type RemoteParser struct {
	caller Caller
	topics bus.Topics
}

func NewRemoteParser(caller Caller, topics bus.Topics) *RemoteParser {
	return &RemoteParser{caller: caller, topics: topics}
}

func (p *RemoteParser) Parse(ctx context.Context, id, text string) (models.ParseResponse, error) {
	var resp models.ParseResponse

	err := p.caller.Call(ctx,
		p.topics.CoreRun(models.IntentParserUtilID),
		p.topics.CoreFinished(models.IntentParserUtilID),
		models.ParseRequest{ID: id, Text: text},
		&resp)

	return resp, err
}
