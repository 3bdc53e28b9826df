// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the raw HTTP clients for the two model services the
// engine depends on: an OpenAI-compatible chat endpoint used by the
// candidate ranker, and an embedding endpoint used by the similarity tier.
// No third-party SDKs; wire types and net/http only.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// =============================================================================
// Chat Wire Types (OpenAI-compatible)
// =============================================================================

const defaultChatBaseURL = "https://api.openai.com/v1/chat/completions"

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   *int          `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// ChatClient
// =============================================================================

// ChatClient is the minimal completion surface the candidate ranker needs.
type ChatClient interface {
	// Complete sends one system+user exchange and returns the assistant
	// text. Implementations honor ctx cancellation and return an error
	// for any transport or API failure.
	Complete(ctx context.Context, system, user string) (string, error)

	// Model returns the model name in use.
	Model() string
}

// OpenAIChatClient implements ChatClient against an OpenAI-compatible
// chat-completions endpoint using raw net/http.
//
// Description:
//
//	Temperature is pinned to 0: the ranker re-ranks a fixed shortlist, and
//	greedy decoding keeps its output as repeatable as the model allows.
//
// Thread Safety: Safe for concurrent use.
type OpenAIChatClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewOpenAIChatClient creates a chat client from environment variables.
//
// Description:
//
//	Reads RANKER_API_KEY, RANKER_MODEL, and RANKER_BASE_URL. The base URL
//	defaults to the OpenAI endpoint; the model defaults to gpt-4o-mini.
//
// Outputs:
//   - *OpenAIChatClient: The configured client.
//   - error: Non-nil if RANKER_API_KEY is missing.
func NewOpenAIChatClient() (*OpenAIChatClient, error) {
	apiKey := os.Getenv("RANKER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("llm: ranker API key is missing (RANKER_API_KEY)")
	}
	model := os.Getenv("RANKER_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("RANKER_MODEL not set, defaulting to gpt-4o-mini")
	}
	baseURL := os.Getenv("RANKER_BASE_URL")
	if baseURL == "" {
		baseURL = defaultChatBaseURL
	}
	slog.Info("initializing ranker chat client", slog.String("model", model))
	return &OpenAIChatClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}, nil
}

// NewOpenAIChatClientWithConfig creates a client with explicit settings.
// Useful for tests against an httptest server.
func NewOpenAIChatClientWithConfig(apiKey, model, baseURL string) *OpenAIChatClient {
	return &OpenAIChatClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// Complete implements ChatClient.
func (c *OpenAIChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	maxTokens := 300 // ranker replies are one small JSON object
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: chat HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: reading chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: chat endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: parsing chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: chat API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: chat response has no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

// Model implements ChatClient.
func (c *OpenAIChatClient) Model() string { return c.model }

// truncate limits a string for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
