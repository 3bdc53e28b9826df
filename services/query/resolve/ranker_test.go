// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Mock Chat Client
// =============================================================================

// mockChatClient implements llm.ChatClient for testing.
type mockChatClient struct {
	completeFn func(ctx context.Context, system, user string) (string, error)
	calls      int
}

func (m *mockChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	m.calls++
	if m.completeFn != nil {
		return m.completeFn(ctx, system, user)
	}
	return `{"no_match": true}`, nil
}

func (m *mockChatClient) Model() string { return "mock-model" }

func rankerCandidates() []Candidate {
	return []Candidate{
		{Provider: intent.ProviderWorldBank, Code: "NY.GDP.MKTP.KD.ZG", DisplayName: "GDP growth (annual %)", Score: 0.55, Tier: TierCatalog},
		{Provider: intent.ProviderWorldBank, Code: "NY.GDP.PCAP.CD", DisplayName: "GDP per capita", Score: 0.40, Tier: TierSimilarity},
	}
}

// =============================================================================
// LLMRanker Tests
// =============================================================================

func TestLLMRanker_ValidPick(t *testing.T) {
	client := &mockChatClient{
		completeFn: func(_ context.Context, _, user string) (string, error) {
			if !strings.Contains(user, "1. [worldbank] NY.GDP.MKTP.KD.ZG") {
				t.Errorf("prompt missing numbered candidate: %s", user)
			}
			return `{"pick": 1, "confidence": 0.88}`, nil
		},
	}
	ranker := NewLLMRanker(client, time.Second, nil)

	got := ranker.Rank(context.Background(), "gdp growth", rankerCandidates())
	if got.NoMatch {
		t.Fatal("expected a match")
	}
	if got.Candidate.Code != "NY.GDP.MKTP.KD.ZG" {
		t.Errorf("Code = %s, want NY.GDP.MKTP.KD.ZG", got.Candidate.Code)
	}
	if got.Confidence != 0.88 {
		t.Errorf("Confidence = %v, want 0.88", got.Confidence)
	}
	if got.Candidate.Tier != TierLLM {
		t.Errorf("picked candidate tier = %s, want %s", got.Candidate.Tier, TierLLM)
	}
}

func TestLLMRanker_MarkdownFencedReply(t *testing.T) {
	client := &mockChatClient{
		completeFn: func(_ context.Context, _, _ string) (string, error) {
			return "```json\n{\"pick\": 2, \"confidence\": 0.71}\n```", nil
		},
	}
	ranker := NewLLMRanker(client, time.Second, nil)

	got := ranker.Rank(context.Background(), "gdp per head", rankerCandidates())
	if got.NoMatch || got.Candidate.Code != "NY.GDP.PCAP.CD" {
		t.Errorf("fenced reply not parsed: %+v", got)
	}
}

func TestLLMRanker_DegradesToNoMatch(t *testing.T) {
	cases := []struct {
		name string
		fn   func(ctx context.Context, system, user string) (string, error)
	}{
		{"transport error", func(context.Context, string, string) (string, error) {
			return "", errors.New("connection refused")
		}},
		{"malformed output", func(context.Context, string, string) (string, error) {
			return "the best candidate is number 1", nil
		}},
		{"explicit decline", func(context.Context, string, string) (string, error) {
			return `{"no_match": true}`, nil
		}},
		{"out of range pick", func(context.Context, string, string) (string, error) {
			return `{"pick": 9, "confidence": 0.99}`, nil
		}},
		{"zero pick", func(context.Context, string, string) (string, error) {
			return `{"pick": 0, "confidence": 0.9}`, nil
		}},
		{"zero confidence", func(context.Context, string, string) (string, error) {
			return `{"pick": 1, "confidence": 0.0}`, nil
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ranker := NewLLMRanker(&mockChatClient{completeFn: tc.fn}, time.Second, nil)
			got := ranker.Rank(context.Background(), "gdp", rankerCandidates())
			if !got.NoMatch {
				t.Errorf("want NoMatch, got %+v", got)
			}
		})
	}
}

func TestLLMRanker_ConfidenceClamped(t *testing.T) {
	client := &mockChatClient{
		completeFn: func(context.Context, string, string) (string, error) {
			return `{"pick": 1, "confidence": 3.7}`, nil
		},
	}
	ranker := NewLLMRanker(client, time.Second, nil)

	got := ranker.Rank(context.Background(), "gdp", rankerCandidates())
	if got.NoMatch || got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want clamped 1.0", got.Confidence)
	}
}

func TestLLMRanker_EmptyShortlistSkipsModel(t *testing.T) {
	client := &mockChatClient{}
	ranker := NewLLMRanker(client, time.Second, nil)

	got := ranker.Rank(context.Background(), "gdp", nil)
	if !got.NoMatch {
		t.Error("want NoMatch for empty shortlist")
	}
	if client.calls != 0 {
		t.Errorf("model called %d times for empty shortlist, want 0", client.calls)
	}
}

func TestLLMRanker_ShortlistCapped(t *testing.T) {
	var sawUser string
	client := &mockChatClient{
		completeFn: func(_ context.Context, _, user string) (string, error) {
			sawUser = user
			return `{"no_match": true}`, nil
		},
	}
	ranker := NewLLMRanker(client, time.Second, nil)

	many := make([]Candidate, MaxRankerCandidates+4)
	for i := range many {
		many[i] = Candidate{Provider: intent.ProviderFRED, Code: "C" + strings.Repeat("X", i+1), Tier: TierCatalog}
	}
	ranker.Rank(context.Background(), "gdp", many)

	if strings.Count(sawUser, "\n") > MaxRankerCandidates+3 {
		t.Errorf("prompt lists more than %d candidates:\n%s", MaxRankerCandidates, sawUser)
	}
}
