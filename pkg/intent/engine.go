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

// Package intent maps an utterance to at most one registered intent using keyword,
// collection, prefix and suffix votes.
package intent

import (
	"fmt"
	"strings"

	"github.com/carverauto/blueberry/pkg/logger"
	"github.com/carverauto/blueberry/pkg/models"
)

// Result is a successful match.
type Result struct {
	IntentID string
	CoreID   string
	Text     string
}

// Category names used in Verdict.
const (
	CategoryKeywords    = "keywords"
	CategoryCollections = "collections"
	CategoryPrefixes    = "prefixes"
	CategorySuffixes    = "suffixes"
)

// CategoryResult is the outcome of one test category for one intent.
type CategoryResult struct {
	Name    string
	Passed  bool
	Groups  int
	Matched []string
}

// Verdict is the vote breakdown for one intent.
type Verdict struct {
	IntentID   string
	CoreID     string
	Needed     int
	Votes      int
	Instant    bool
	Categories []CategoryResult
}

// Candidate reports whether every present category passed.
func (v *Verdict) Candidate() bool {
	return v.Instant || (v.Needed > 0 && v.Votes == v.Needed)
}

func (v *Verdict) String() string {
	parts := make([]string, 0, len(v.Categories))
	for _, c := range v.Categories {
		parts = append(parts, fmt.Sprintf("%s=%t%v", c.Name, c.Passed, c.Matched))
	}

	return fmt.Sprintf("%s/%s %d/%d [%s]", v.CoreID, v.IntentID, v.Votes, v.Needed, strings.Join(parts, " "))
}

// Match classifies utterance against intents, evaluated in slice order. It returns false
// when no intent or more than one intent passes.
func Match(utterance string, intents []models.IntentDefinition, collections map[string]models.Collection) (Result, bool) {
	res, _, ok := Explain(utterance, intents, collections)

	return res, ok
}

// Explain is Match plus the per-intent verdicts the decision was based on.
func Explain(utterance string, intents []models.IntentDefinition, collections map[string]models.Collection) (Result, []Verdict, bool) {
	if utterance == "" {
		return Result{}, nil, false
	}

	for i := range intents {
		for _, ww := range intents[i].Wakewords {
			if ww == utterance {
				v := Verdict{IntentID: intents[i].ID, CoreID: intents[i].CoreID, Instant: true}

				return Result{IntentID: v.IntentID, CoreID: v.CoreID, Text: utterance}, []Verdict{v}, true
			}
		}
	}

	text := Normalize(utterance)
	verdicts := make([]Verdict, 0, len(intents))

	var candidates []int

	for i := range intents {
		var v Verdict

		v, text = vote(text, &intents[i], collections)
		verdicts = append(verdicts, v)

		if v.Candidate() {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) != 1 {
		return Result{}, verdicts, false
	}

	winner := intents[candidates[0]]

	return Result{IntentID: winner.ID, CoreID: winner.CoreID, Text: text}, verdicts, true
}

// vote runs every present category for def and returns the possibly substituted text.
func vote(text string, def *models.IntentDefinition, collections map[string]models.Collection) (Verdict, string) {
	v := Verdict{IntentID: def.ID, CoreID: def.CoreID}

	record := func(c CategoryResult) {
		v.Needed++

		if c.Passed {
			v.Votes++
		}

		v.Categories = append(v.Categories, c)
	}

	if len(def.Keywords) > 0 {
		record(keywordCheck(text, def.Keywords))
	}

	if hasCollectionRefs(def.Collections) {
		var c CategoryResult

		c, text = collectionCheck(text, def.Collections, collections)
		record(c)
	}

	if len(def.Prefixes) > 0 {
		record(affixCheck(CategoryPrefixes, def.Prefixes, func(p string) bool { return strings.HasPrefix(text, p) }))
	}

	if len(def.Suffixes) > 0 {
		record(affixCheck(CategorySuffixes, def.Suffixes, func(s string) bool { return strings.HasSuffix(text, s) }))
	}

	return v, text
}

func hasCollectionRefs(groups [][]string) bool {
	for _, g := range groups {
		if len(g) > 0 {
			return true
		}
	}

	return false
}

func keywordCheck(text string, groups [][]string) CategoryResult {
	c := CategoryResult{Name: CategoryKeywords, Groups: len(groups)}
	passed := 0

	for _, group := range groups {
		groupPassed := false

		for _, phrase := range group {
			if containsPhrase(text, phrase) {
				groupPassed = true

				c.Matched = append(c.Matched, phrase)
			}
		}

		if groupPassed {
			passed++
		}
	}

	c.Passed = passed == len(groups)

	return c
}

func collectionCheck(text string, groups [][]string, collections map[string]models.Collection) (CategoryResult, string) {
	c := CategoryResult{Name: CategoryCollections, Groups: len(groups)}
	passed := 0

	for _, group := range groups {
		groupPassed := false

		for _, id := range group {
			if id == models.AnyNumberCollection {
				if hasNumber(text) {
					groupPassed = true

					c.Matched = append(c.Matched, id)
				}

				continue
			}

			col, ok := collections[id]
			if !ok {
				continue
			}

			for _, kw := range col.Keywords {
				if !containsPhrase(text, kw) {
					continue
				}

				groupPassed = true

				c.Matched = append(c.Matched, id+":"+kw)

				if col.Substitute != nil {
					text = strings.ReplaceAll(text, strings.ToLower(kw), *col.Substitute)
				}
			}
		}

		if groupPassed {
			passed++
		}
	}

	c.Passed = passed == len(groups)

	return c, text
}

func affixCheck(name string, affixes []string, has func(string) bool) CategoryResult {
	c := CategoryResult{Name: name, Groups: 1}

	for _, a := range affixes {
		if has(strings.ToLower(a)) {
			c.Passed = true

			c.Matched = append(c.Matched, a)
		}
	}

	return c
}

// Source supplies the current intent and collection tables.
type Source interface {
	// Intents returns the routable intents in evaluation order.
	Intents() []models.IntentDefinition
	Collections() map[string]models.Collection
}

// Engine runs Match against a live Source.
type Engine struct {
	source Source
	logger logger.Logger
}

// NewEngine creates an engine reading its tables from source.
func NewEngine(source Source, log logger.Logger) *Engine {
	return &Engine{source: source, logger: log}
}

// Parse matches utterance against the current tables.
func (e *Engine) Parse(utterance string) (Result, bool) {
	intents := e.source.Intents()
	collections := e.source.Collections()

	res, verdicts, ok := Explain(utterance, intents, collections)

	for i := range verdicts {
		e.logger.Debug().Str("verdict", verdicts[i].String()).Msg("Intent vote")
	}

	if !ok {
		e.logger.Info().Str("utterance", utterance).Int("intents", len(intents)).Msg("No intent matched")

		return Result{}, false
	}

	e.logger.Info().
		Str("intent", res.IntentID).
		Str("core", res.CoreID).
		Str("text", res.Text).
		Msg("Intent matched")

	return res, true
}
