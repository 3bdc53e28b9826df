// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"strings"

	"github.com/AleutianAI/statquery/services/query/config"
	"github.com/AleutianAI/statquery/services/query/intent"
)

// MatchKeywordRoute scans a query for provider-distinctive vocabulary.
//
// # Description
//
// Routes are evaluated in table declaration order and the first provider
// with a matching phrase wins; this is the documented tie-break, so edits
// to the table order are behavior changes. Phrases match as substrings of
// the normalized query, which is why the loader forbids short generic
// phrases in the table.
//
// # Inputs
//
//   - t: The routing tables snapshot. Must not be nil.
//   - rawQuery: The original user question.
//
// # Outputs
//
//   - intent.Provider: The routed provider, valid only when ok.
//   - string: The phrase that matched, for the decision's rule field.
//   - bool: True when a route matched.
func MatchKeywordRoute(t *config.Tables, rawQuery string) (intent.Provider, string, bool) {
	norm := intent.NormalizePhrase(rawQuery)
	if norm == "" {
		return "", "", false
	}
	for _, route := range t.KeywordRoutes {
		for _, phrase := range route.Phrases {
			if strings.Contains(norm, phrase) {
				return route.Provider, phrase, true
			}
		}
	}
	return "", "", false
}

// matchIndicatorOverride scans a query for specialist indicator vocabulary.
// Same order and substring semantics as the keyword routes.
func matchIndicatorOverride(t *config.Tables, rawQuery string) (config.IndicatorOverride, string, bool) {
	norm := intent.NormalizePhrase(rawQuery)
	if norm == "" {
		return config.IndicatorOverride{}, "", false
	}
	for _, ov := range t.IndicatorOverrides {
		for _, term := range ov.Terms {
			if strings.Contains(norm, term) {
				return ov, term, true
			}
		}
	}
	return config.IndicatorOverride{}, "", false
}
