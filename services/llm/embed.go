// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// embedCallTimeout is the per-call embedding timeout. The embed call sits
// on the resolution hot path; anything slower than this and the similarity
// tier should decline rather than hold the query.
const embedCallTimeout = 3 * time.Second

// embedRequest is the /api/embed request body (Ollama-compatible).
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the /api/embed response body.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedClient calls an Ollama-compatible /api/embed endpoint. It satisfies
// the catalog.Embedder interface.
//
// Thread Safety: Safe for concurrent use.
type EmbedClient struct {
	url    string
	model  string
	client *http.Client
}

// NewEmbedClient creates an embedding client from environment variables.
//
// Description:
//
//	Reads EMBEDDING_SERVICE_URL and EMBEDDING_MODEL. The model must match
//	the snapshot manifest's embedding_model; the engine checks that at
//	wiring time, not here.
func NewEmbedClient() *EmbedClient {
	url := os.Getenv("EMBEDDING_SERVICE_URL")
	if url == "" {
		url = "http://localhost:11434/api/embed"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = "nomic-embed-text-v2-moe"
	}
	return &EmbedClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewEmbedClientWithConfig creates an embedding client with explicit
// settings. Useful for tests against an httptest server.
func NewEmbedClientWithConfig(url, model string) *EmbedClient {
	return &EmbedClient{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed returns the embedding vector for text.
//
// # Description
//
// Applies its own tight timeout on top of ctx so a stalled embedding
// service cannot hold a query for the full request deadline.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, embedCallTimeout)
	defer cancel()

	reqBody, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("llm: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: embed service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("llm: parse embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("llm: embed service returned empty vector")
	}

	return parsed.Embeddings[0], nil
}

// Model returns the embedding model name.
func (c *EmbedClient) Model() string { return c.model }
