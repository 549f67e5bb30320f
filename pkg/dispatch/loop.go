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

// Package dispatch drives one voice session at a time from wakeword to spoken answer.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/blueberry/pkg/bus"
	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

const instrumentationName = "github.com/carverauto/blueberry/pkg/dispatch"

// State is the position of the loop in the session state machine.
type State string

const (
	StateWaitingWakeword State = "waiting_wakeword"
	StateInstant         State = "instant"
	StateRecording       State = "recording"
	StateTranscribing    State = "transcribing"
	StateParsing         State = "parsing"
	StateRouting         State = "routing"
	StateSpeaking        State = "speaking"
)

// Session outcomes recorded on the outcome counter.
const (
	OutcomeMatched    = "matched"
	OutcomeNoMatch    = "no_match"
	OutcomeUnroutable = "unroutable"
	OutcomeFailed     = "failed"
)

var ErrLoopRunning = errors.New("dispatch loop already running")

// Caller is the correlated request/response client.
type Caller interface {
	Call(ctx context.Context, requestTopic, responseTopic string, request, response interface{}) error
	Notify(ctx context.Context, topic string, request interface{}) error
}

// Registry answers routing questions.
type Registry interface {
	// Require returns nil when id is registered with capability c.
	Require(id string, c models.Capability) error
	InstantIntents() map[string]models.IntentDefinition
}

// Options configures a Loop.
type Options struct {
	// FallbackText is spoken after the error cue when nothing matched. Empty stays silent.
	FallbackText string
	Cues         Cues
}

// Loop is the dispatch state machine. Exactly one session is in flight at a time.
type Loop struct {
	bus      bus.Bus
	topics   bus.Topics
	caller   Caller
	parser   Parser
	registry Registry
	opts     Options
	logger   logger.Logger

	wakewords chan models.WakewordDetection
	busy      atomic.Bool
	running   atomic.Bool
	state     atomic.Value
	newID     func() string

	flagsMu   sync.Mutex
	thinking  *bool
	recording *bool

	tracer   trace.Tracer
	sessions metric.Int64Counter
}

// New creates a loop. The parser decides intents; the registry gates routing.
func New(b bus.Bus, topics bus.Topics, caller Caller, parser Parser, reg Registry, opts Options, log logger.Logger) *Loop {
	l := &Loop{
		bus:       b,
		topics:    topics,
		caller:    caller,
		parser:    parser,
		registry:  reg,
		opts:      opts,
		logger:    log,
		wakewords: make(chan models.WakewordDetection, 1),
		newID:     uuid.NewString,
		tracer:    otel.Tracer(instrumentationName),
	}

	l.state.Store(StateWaitingWakeword)

	counter, err := otel.Meter(instrumentationName).Int64Counter("blueberry.dispatch.sessions",
		metric.WithDescription("Voice sessions by outcome"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create session counter")
	}

	l.sessions = counter

	return l
}

// State returns the current state.
func (l *Loop) State() State {
	return l.state.Load().(State)
}

func (l *Loop) setState(s State) {
	l.state.Store(s)
}

// Run waits for wakewords and drives sessions until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	sub, err := l.bus.Subscribe(ctx, l.topics.CoreFinished(models.WakewordUtilID), l.handleWakeword)
	if err != nil {
		return fmt.Errorf("failed to subscribe to wakewords: %w", err)
	}

	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			l.logger.Debug().Err(err).Msg("Failed to unsubscribe from wakewords")
		}
	}()

	l.resetFlags(ctx)

	l.logger.Info().Msg("Waiting for wakeword...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case det := <-l.wakewords:
			l.runSession(ctx, det)
			l.busy.Store(false)
		}
	}
}

// handleWakeword hands a detection to the loop without blocking. Detections arriving
// while a session is in flight are dropped.
func (l *Loop) handleWakeword(_ context.Context, msg *bus.Message) {
	if msg.Retained || msg.Empty() {
		return
	}

	var det models.WakewordDetection
	if err := json.Unmarshal(msg.Payload, &det); err != nil {
		l.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Discarding malformed wakeword detection")

		return
	}

	if !l.busy.CompareAndSwap(false, true) {
		l.logger.Debug().Str("wakeword", det.WakewordID).Msg("Session in progress, ignoring wakeword")

		return
	}

	select {
	case l.wakewords <- det:
	default:
		l.busy.Store(false)
	}
}

func (l *Loop) runSession(ctx context.Context, det models.WakewordDetection) {
	id := l.newID()

	ctx, span := l.tracer.Start(ctx, "dispatch.session", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("wakeword.id", det.WakewordID),
	))
	defer span.End()

	sessionLog := l.logger.With().Str("session", id).Logger()

	sessionLog.Info().
		Str("wakeword", det.WakewordID).
		Str("confidence", det.Confidence).
		Msg("Wakeword received")

	outcome, err := l.drive(ctx, id, det, &sessionLog)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		sessionLog.Warn().Err(err).Str("state", string(l.State())).Msg("Session ended early")
	}

	span.SetAttributes(attribute.String("session.outcome", outcome))

	if l.sessions != nil {
		l.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	l.resetFlags(ctx)
	l.setState(StateWaitingWakeword)

	sessionLog.Info().Str("outcome", outcome).Msg("Waiting for wakeword...")
}

func (l *Loop) drive(ctx context.Context, id string, det models.WakewordDetection, sessionLog *zerolog.Logger) (string, error) {
	text := det.WakewordID

	if _, instant := l.registry.InstantIntents()[det.WakewordID]; instant {
		l.setState(StateInstant)
		l.cue(ctx, l.opts.Cues.Instant)
		l.setThinking(ctx, true)
	} else {
		l.setState(StateRecording)
		l.cue(ctx, l.opts.Cues.Begin)
		l.setRecording(ctx, true)

		var rec models.RecordResponse
		if err := l.call(ctx, "dispatch.record",
			l.topics.Core(models.AudioRecorderUtilID, "record_speech"),
			l.topics.CoreFinished(models.AudioRecorderUtilID),
			models.RecordRequest{ID: id}, &rec); err != nil {
			return OutcomeFailed, err
		}

		l.setRecording(ctx, false)
		l.cue(ctx, l.opts.Cues.Stop)
		l.setThinking(ctx, true)

		l.setState(StateTranscribing)

		var tr models.TranscribeResponse
		if err := l.call(ctx, "dispatch.transcribe",
			l.topics.Core(models.STTUtilID, "transcribe"),
			l.topics.CoreFinished(models.STTUtilID),
			models.TranscribeRequest{ID: id, Audio: rec.Audio}, &tr); err != nil {
			return OutcomeFailed, err
		}

		text = tr.Text

		sessionLog.Info().Str("text", text).Msg("Transcription received")
	}

	l.setState(StateParsing)

	parsed, err := l.parse(ctx, id, text)
	if err != nil {
		return OutcomeFailed, err
	}

	if !parsed.Matched() {
		sessionLog.Info().Str("text", text).Msg("No intent found in speech")

		return OutcomeNoMatch, l.fallback(ctx, id)
	}

	if err := l.registry.Require(parsed.CoreID, models.CapabilityIntent); err != nil {
		sessionLog.Warn().Err(err).Str("core", parsed.CoreID).Str("intent", parsed.IntentID).Msg("Intent resolved to a service that cannot run intents")

		return OutcomeUnroutable, l.fallback(ctx, id)
	}

	l.setState(StateRouting)

	sessionLog.Info().Str("intent", parsed.IntentID).Str("core", parsed.CoreID).Msg("Intent parsed, sending to core")

	var out models.CoreResponse
	if err := l.call(ctx, "dispatch.route",
		l.topics.CoreRun(parsed.CoreID),
		l.topics.CoreFinished(parsed.CoreID),
		models.CoreRequest{ID: id, Intent: parsed.IntentID, CoreID: parsed.CoreID, Text: parsed.Text}, &out); err != nil {
		return OutcomeFailed, err
	}

	sessionLog.Info().Str("text", out.Text).Str("explanation", out.Explanation).Msg("Core ran")

	if err := l.speak(ctx, id, out.Text); err != nil {
		return OutcomeFailed, err
	}

	return OutcomeMatched, nil
}

func (l *Loop) parse(ctx context.Context, id, text string) (models.ParseResponse, error) {
	ctx, span := l.tracer.Start(ctx, "dispatch.parse")
	defer span.End()

	parsed, err := l.parser.Parse(ctx, id, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return parsed, fmt.Errorf("parse: %w", err)
	}

	span.SetAttributes(
		attribute.String("intent.id", parsed.IntentID),
		attribute.String("intent.core_id", parsed.CoreID),
	)

	return parsed, nil
}

// fallback plays the error cue and speaks the fallback text when one is configured.
func (l *Loop) fallback(ctx context.Context, id string) error {
	l.cue(ctx, l.opts.Cues.Error)

	if l.opts.FallbackText == "" {
		return nil
	}

	return l.speak(ctx, id, l.opts.FallbackText)
}

func (l *Loop) speak(ctx context.Context, id, text string) error {
	l.setState(StateSpeaking)

	var tts models.SpeakResponse
	if err := l.call(ctx, "dispatch.synthesize",
		l.topics.CoreRun(models.TTSUtilID),
		l.topics.CoreFinished(models.TTSUtilID),
		models.SpeakRequest{ID: id, Text: text}, &tts); err != nil {
		return err
	}

	l.setThinking(ctx, false)

	return l.call(ctx, "dispatch.play",
		l.topics.Core(models.AudioPlaybackUtilID, "play_file"),
		l.topics.CoreFinished(models.AudioPlaybackUtilID),
		models.PlayRequest{ID: id, Audio: tts.Audio}, nil)
}

func (l *Loop) call(ctx context.Context, stage, requestTopic, responseTopic string, request, response interface{}) error {
	ctx, span := l.tracer.Start(ctx, stage, trace.WithAttributes(attribute.String("bus.topic", requestTopic)))
	defer span.End()

	if err := l.caller.Call(ctx, requestTopic, responseTopic, request, response); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return fmt.Errorf("%s: %w", stage, err)
	}

	return nil
}

// cue plays a feedback sound without waiting for it. Each cue gets its own id so its
// acknowledgement never resolves the session's final playback wait.
func (l *Loop) cue(ctx context.Context, audio string) {
	if audio == "" {
		return
	}

	err := l.caller.Notify(ctx, l.topics.Core(models.AudioPlaybackUtilID, "play_file"), models.PlayRequest{ID: uuid.NewString(), Audio: audio})
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to play cue")
	}
}

func (l *Loop) setThinking(ctx context.Context, v bool) {
	l.setFlag(ctx, &l.thinking, v, l.topics.Thinking(), models.ThinkingState{IsThinking: v})
}

func (l *Loop) setRecording(ctx context.Context, v bool) {
	l.setFlag(ctx, &l.recording, v, l.topics.Recording(), models.RecordingState{IsRecording: v})
}

// setFlag retains the flag when it changes.
func (l *Loop) setFlag(ctx context.Context, current **bool, v bool, topic string, payload interface{}) {
	l.flagsMu.Lock()
	defer l.flagsMu.Unlock()

	if *current != nil && **current == v {
		return
	}

	if err := bus.RetainJSON(ctx, l.bus, topic, payload); err != nil {
		l.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish status flag")

		return
	}

	*current = &v
}

func (l *Loop) resetFlags(ctx context.Context) {
	// a canceled run context must not keep the flags stuck
	ctx = context.WithoutCancel(ctx)

	l.setRecording(ctx, false)
	l.setThinking(ctx, false)
}
