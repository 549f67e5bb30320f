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
	"regexp"
	"strings"
	"unicode"
)

var (
	symbolReplacer = strings.NewReplacer(
		"%", " percent",
		"&", " and",
		"+", " plus",
		"*", " times",
		"-", " minus",
		"/", " over",
	)

	nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9 ]+`)
)

// Normalize spells out arithmetic symbols, drops everything outside [A-Za-z0-9 ],
// lower-cases and trims leading spaces. Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	text = symbolReplacer.Replace(text)
	text = nonAlphanumeric.ReplaceAllString(text, "")

	return strings.TrimLeft(strings.ToLower(text), " ")
}

func tokens(text string) []string {
	return strings.Split(text, " ")
}

// containsPhrase matches single words against whole tokens and multi-word phrases as substrings.
func containsPhrase(text, phrase string) bool {
	phrase = strings.ToLower(phrase)
	if phrase == "" {
		return false
	}

	if !strings.Contains(phrase, " ") {
		for _, tok := range tokens(text) {
			if tok == phrase {
				return true
			}
		}

		return false
	}

	return strings.Contains(text, phrase)
}

func isNumeric(tok string) bool {
	if tok == "" {
		return false
	}

	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}

	return true
}

func hasNumber(text string) bool {
	for _, tok := range tokens(text) {
		if isNumeric(tok) {
			return true
		}
	}

	return false
}
