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
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/statquery/services/query/catalog"
	"github.com/AleutianAI/statquery/services/query/config"
	"github.com/AleutianAI/statquery/services/query/dispatch"
	"github.com/AleutianAI/statquery/services/query/intent"
	"github.com/AleutianAI/statquery/services/query/resolve"
	"github.com/AleutianAI/statquery/services/query/routing"
)

// =============================================================================
// Fixtures
// =============================================================================

// newTestService assembles a Service on the bundled routing tables, a
// small catalog, and the fixture fetcher. No network, no model calls.
func newTestService(t *testing.T) (*Service, *dispatch.FixtureFetcher) {
	t.Helper()

	tables, err := config.LoadDefaultTables(context.Background())
	if err != nil {
		t.Fatalf("load default tables: %v", err)
	}

	snap, err := catalog.NewSnapshotForTest(
		catalog.Manifest{Version: 12, EmbeddingModel: "mock-embed"},
		map[intent.Provider]catalog.ProviderCatalog{
			intent.ProviderFRED: {
				Entries: []catalog.Entry{
					{Code: "CPIAUCSL", Name: "Consumer Price Index", Aliases: []string{"inflation rate", "inflation"}},
					{Code: "UNRATE", Name: "Unemployment Rate", Aliases: []string{"unemployment rate"}},
				},
			},
			intent.ProviderIMF: {
				Entries: []catalog.Entry{
					{Code: "PCPIPCH", Name: "Inflation, average consumer prices", Aliases: []string{"inflation", "inflation rate"}},
				},
			},
			intent.ProviderWorldBank: {
				Entries: []catalog.Entry{
					{Code: "NY.GDP.MKTP.KD.ZG", Name: "GDP growth (annual %)", Aliases: []string{"gdp growth"}},
				},
			},
			intent.ProviderComtrade: {
				Entries: []catalog.Entry{
					{Code: "TOTAL_TRADE", Name: "Total merchandise trade", Aliases: []string{"bilateral trade"}},
				},
			},
		},
		nil,
	)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}

	fetcher := dispatch.NewFixtureFetcher()
	coordinator := dispatch.NewCoordinator(fetcher, nil, nil, dispatch.DefaultRetryPolicy(), nil)
	resolver := resolve.NewResolver(nil, nil, nil, nil)

	svc := NewService(
		config.NewStore(tables),
		catalog.NewStore(snap),
		routing.NewEngine(nil),
		resolver,
		coordinator,
		nil,
	)
	return svc, fetcher
}

func usIntent(rawQuery string, phrases ...string) *intent.ParsedIntent {
	return &intent.ParsedIntent{
		RawQuery:         rawQuery,
		IndicatorPhrases: phrases,
		Country:          "US",
	}
}

// =============================================================================
// End-to-End Tests
// =============================================================================

func TestService_AllIndicatorsSucceed(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Execute(context.Background(),
		usIntent("US inflation and unemployment since 2020", "inflation rate", "unemployment rate"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if resp.Status != StatusOK {
		t.Errorf("Status = %s, want ok", resp.Status)
	}
	if resp.SnapshotVersion != 12 {
		t.Errorf("SnapshotVersion = %d, want 12", resp.SnapshotVersion)
	}
	if resp.QueryID == "" {
		t.Error("QueryID is empty")
	}
	if len(resp.Indicators) != 2 {
		t.Fatalf("got %d indicators, want 2", len(resp.Indicators))
	}

	for i, ind := range resp.Indicators {
		// US is the home country, so both phrases land on FRED.
		if ind.Routing.Provider != intent.ProviderFRED {
			t.Errorf("indicator %d routed to %s, want fred", i, ind.Routing.Provider)
		}
		if ind.Resolution == nil {
			t.Fatalf("indicator %d has no resolution", i)
		}
		if ind.Series == nil || len(ind.Series.Points) == 0 {
			t.Errorf("indicator %d has no series", i)
		}
		if ind.Failure != nil {
			t.Errorf("indicator %d failed: %+v", i, ind.Failure)
		}
	}

	if resp.Indicators[0].Resolution.Code != "CPIAUCSL" {
		t.Errorf("phrase 0 resolved to %s, want CPIAUCSL", resp.Indicators[0].Resolution.Code)
	}
	if resp.Indicators[1].Resolution.Code != "UNRATE" {
		t.Errorf("phrase 1 resolved to %s, want UNRATE", resp.Indicators[1].Resolution.Code)
	}
}

func TestService_PartialResult(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Execute(context.Background(),
		usIntent("US inflation and flux capacitance", "inflation rate", "flux capacitance"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if resp.Status != StatusPartial {
		t.Errorf("Status = %s, want partial", resp.Status)
	}
	if resp.Indicators[0].Series == nil {
		t.Error("healthy indicator has no series")
	}
	fail := resp.Indicators[1].Failure
	if fail == nil {
		t.Fatal("unresolvable indicator carries no failure")
	}
	if fail.Kind != FailureNoMatch {
		t.Errorf("failure kind = %s, want no_match_found", fail.Kind)
	}
	if len(fail.ResolutionPath) == 0 {
		t.Error("resolution failure carries no tier path")
	}
	if resp.Indicators[1].Series != nil {
		t.Error("failed indicator also carries a series")
	}
}

func TestService_AllFailed(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Execute(context.Background(),
		usIntent("nonsense", "flux capacitance", "warp coil output"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", resp.Status)
	}
	for i, ind := range resp.Indicators {
		if ind.Failure == nil {
			t.Errorf("indicator %d has no failure", i)
		}
	}
}

func TestService_ExplicitProviderRouting(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Execute(context.Background(),
		usIntent("US inflation according to the IMF", "inflation"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ind := resp.Indicators[0]
	if ind.Routing.Provider != intent.ProviderIMF {
		t.Errorf("routed to %s, want imf", ind.Routing.Provider)
	}
	if ind.Routing.Reason != routing.ReasonExplicit {
		t.Errorf("reason = %s, want explicit", ind.Routing.Reason)
	}
	if ind.Resolution == nil || ind.Resolution.Code != "PCPIPCH" {
		t.Errorf("resolution = %+v, want PCPIPCH", ind.Resolution)
	}
}

func TestService_DispatchNotFoundReportedAsNoMatch(t *testing.T) {
	svc, fetcher := newTestService(t)

	fetcher.SetError(dispatch.Request{
		Provider: intent.ProviderFRED,
		Code:     "CPIAUCSL",
		Country:  "US",
	}, dispatch.ErrNotFound)

	resp, err := svc.Execute(context.Background(), usIntent("US inflation", "inflation rate"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ind := resp.Indicators[0]
	if ind.Resolution == nil {
		t.Fatal("resolution lost when the provider rejected the code")
	}
	if ind.Failure == nil || ind.Failure.Kind != FailureNoMatch {
		t.Errorf("failure = %+v, want kind no_match_found", ind.Failure)
	}
	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", resp.Status)
	}
}

func TestService_UnsupportedRegionalAggregate(t *testing.T) {
	svc, _ := newTestService(t)

	// Region-to-region trade routes and resolves fine, but no provider
	// publishes it as a single series; the caller gets a typed failure,
	// never a silent empty result.
	pi := &intent.ParsedIntent{
		RawQuery:         "trade between the EU and the Middle East",
		IndicatorPhrases: []string{"bilateral trade"},
		Region:           intent.RegionMiddleEas,
	}

	resp, err := svc.Execute(context.Background(), pi)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ind := resp.Indicators[0]
	if ind.Routing.Provider != intent.ProviderComtrade || ind.Routing.Reason != routing.ReasonKeyword {
		t.Errorf("routing = (%s, %s), want (comtrade, keyword)", ind.Routing.Provider, ind.Routing.Reason)
	}
	if ind.Resolution == nil || ind.Resolution.Code != "TOTAL_TRADE" {
		t.Fatalf("resolution = %+v, want TOTAL_TRADE", ind.Resolution)
	}
	if ind.Failure == nil || ind.Failure.Kind != FailureUnsupportedRegion {
		t.Errorf("failure = %+v, want kind unsupported_region", ind.Failure)
	}
	if ind.Series != nil {
		t.Error("unsupported regional aggregate still carries a series")
	}
	if resp.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", resp.Status)
	}
}

func TestService_SupportedRegionalAggregate(t *testing.T) {
	svc, _ := newTestService(t)

	pi := &intent.ParsedIntent{
		RawQuery:         "gdp growth of the EU from the World Bank",
		IndicatorPhrases: []string{"gdp growth"},
		Region:           intent.RegionEU,
	}

	resp, err := svc.Execute(context.Background(), pi)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ind := resp.Indicators[0]
	if ind.Routing.Provider != intent.ProviderWorldBank {
		t.Errorf("routed to %s, want worldbank", ind.Routing.Provider)
	}
	if ind.Failure != nil {
		t.Fatalf("supported region failed: %+v", ind.Failure)
	}
	if ind.Series == nil || len(ind.Series.Points) == 0 {
		t.Error("supported regional aggregate has no series")
	}
}

func TestService_Deterministic(t *testing.T) {
	svc, _ := newTestService(t)
	pi := usIntent("US inflation and gdp growth from the World Bank",
		"inflation rate", "gdp growth")

	first, err := svc.Execute(context.Background(), pi)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	for i := 0; i < 5; i++ {
		resp, err := svc.Execute(context.Background(), pi)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if resp.Status != first.Status {
			t.Fatalf("run %d: status %s != %s", i, resp.Status, first.Status)
		}
		for j := range resp.Indicators {
			a, b := resp.Indicators[j], first.Indicators[j]
			if a.Routing != b.Routing {
				t.Fatalf("run %d: routing drift on phrase %d: %+v vs %+v", i, j, a.Routing, b.Routing)
			}
			if (a.Resolution == nil) != (b.Resolution == nil) {
				t.Fatalf("run %d: resolution drift on phrase %d", i, j)
			}
			if a.Resolution != nil && a.Resolution.Code != b.Resolution.Code {
				t.Fatalf("run %d: code drift on phrase %d", i, j)
			}
		}
	}
}

// =============================================================================
// Rejection Tests
// =============================================================================

func TestService_ClarificationRejected(t *testing.T) {
	svc, _ := newTestService(t)

	pi := usIntent("how is the economy doing", "the economy")
	pi.ClarificationNeeded = true

	_, err := svc.Execute(context.Background(), pi)
	if !errors.Is(err, ErrClarificationNeeded) {
		t.Errorf("error = %v, want ErrClarificationNeeded", err)
	}
}

func TestService_InvalidIntentRejected(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []*intent.ParsedIntent{
		{RawQuery: "no phrases"},
		{RawQuery: "blank phrase", IndicatorPhrases: []string{"  "}},
		{RawQuery: "bad provider", IndicatorPhrases: []string{"gdp"}, ExplicitProvider: "bloomberg"},
	}
	for i, pi := range cases {
		if _, err := svc.Execute(context.Background(), pi); err == nil {
			t.Errorf("case %d: invalid intent accepted", i)
		}
	}
}
