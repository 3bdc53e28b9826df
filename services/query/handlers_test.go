// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _ := newTestService(t)
	handlers := NewHandlers(svc, t.TempDir())

	router := gin.New()
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// POST /v1/query
// =============================================================================

func TestHandleQuery_OK(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/v1/query", gin.H{
		"raw_query":         "US inflation since 2020",
		"indicator_phrases": []string{"inflation rate"},
		"country":           "US",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != StatusOK || len(resp.Indicators) != 1 {
		t.Errorf("response = %+v, want ok with 1 indicator", resp)
	}
}

func TestHandleQuery_PartialReturns206(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/v1/query", gin.H{
		"raw_query":         "US inflation and flux capacitance",
		"indicator_phrases": []string{"inflation rate", "flux capacitance"},
		"country":           "US",
	})

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206; body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleQuery_DeadlineEnforcedWithoutClientDeadline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t)

	// httptest requests carry no deadline, so only the handler's own
	// timeout can stop this query. An immediate deadline turns every
	// indicator into a timeout failure instead of hanging.
	handlers := NewHandlers(svc, t.TempDir(), WithQueryTimeout(time.Nanosecond))
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), handlers)

	rec := postJSON(t, router, "/v1/query", gin.H{
		"raw_query":         "US inflation since 2020",
		"indicator_phrases": []string{"inflation rate"},
		"country":           "US",
	})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	fail := resp.Indicators[0].Failure
	if fail == nil || fail.Kind != FailureTimeout {
		t.Errorf("failure = %+v, want kind timeout", fail)
	}
}

func TestHandleQuery_AllFailedReturns502(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/v1/query", gin.H{
		"raw_query":         "nonsense",
		"indicator_phrases": []string{"flux capacitance"},
		"country":           "US",
	})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleQuery_BadInput(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{
			name:     "no phrases",
			body:     gin.H{"raw_query": "hello"},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_INTENT",
		},
		{
			name: "clarification needed",
			body: gin.H{
				"raw_query":            "how is the economy",
				"indicator_phrases":    []string{"the economy"},
				"clarification_needed": true,
			},
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "CLARIFICATION_NEEDED",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, router, "/v1/query", tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tc.wantCode, rec.Body.String())
			}
			var er ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if er.Code != tc.wantErr {
				t.Errorf("error code = %s, want %s", er.Code, tc.wantErr)
			}
		})
	}
}

func TestHandleQuery_MalformedJSON(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/query", bytes.NewReader([]byte("{nope")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// POST /v1/resolve
// =============================================================================

func TestHandleResolve_Hit(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/v1/resolve", gin.H{
		"provider": "fred",
		"phrase":   "unemployment rate",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var res Resolution
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode resolution: %v", err)
	}
	if res.Code != "UNRATE" || res.Confidence != 1.0 {
		t.Errorf("resolution = %+v, want UNRATE at 1.0", res)
	}
}

func TestHandleResolve_NoMatchReturns404(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/v1/resolve", gin.H{
		"provider": "fred",
		"phrase":   "flux capacitance",
	})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Code    string   `json:"code"`
		Failure *Failure `json:"failure"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "NO_MATCH_FOUND" {
		t.Errorf("code = %s, want NO_MATCH_FOUND", body.Code)
	}
	if body.Failure == nil || len(body.Failure.ResolutionPath) == 0 {
		t.Errorf("failure = %+v, want a populated tier path", body.Failure)
	}
}

func TestHandleResolve_UnknownProvider(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/v1/resolve", gin.H{
		"provider": "bloomberg",
		"phrase":   "gdp",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// POST /v1/route and GET /v1/health
// =============================================================================

func TestHandleRoute_PerPhraseDecisions(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/v1/route", gin.H{
		"raw_query":         "bitcoin price and german unemployment",
		"indicator_phrases": []string{"bitcoin price", "unemployment rate"},
		"country":           "DE",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Decisions []struct {
			Phrase   string `json:"phrase"`
			Decision struct {
				Provider string `json:"provider"`
				Reason   string `json:"reason"`
			} `json:"decision"`
		} `json:"decisions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(body.Decisions))
	}
	if body.Decisions[0].Decision.Provider != "coingecko" {
		t.Errorf("bitcoin phrase routed to %s, want coingecko", body.Decisions[0].Decision.Provider)
	}
	if body.Decisions[1].Decision.Provider != "eurostat" {
		t.Errorf("german phrase routed to %s, want eurostat", body.Decisions[1].Decision.Provider)
	}
}

func TestHandleHealth(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status          string `json:"status"`
		SnapshotVersion int    `json:"snapshot_version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "healthy" || body.SnapshotVersion != 12 {
		t.Errorf("body = %+v, want healthy at snapshot 12", body)
	}
}
