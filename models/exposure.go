package models

import "time"

// StrikeExposure holds the dealer exposure sums for one strike bucket.
type StrikeExposure struct {
	Strike float64 `json:"strike"`
	Gamma  float64 `json:"gamma_exposure"`
	Vanna  float64 `json:"vanna_exposure"`
	Charm  float64 `json:"charm_exposure"`
}

// ExposureTotals sums the per-strike series across the whole chain.
type ExposureTotals struct {
	Gamma float64 `json:"gamma"`
	Vanna float64 `json:"vanna"`
	Charm float64 `json:"charm"`
}

// SnapshotDiagnostics reports data quality for one refresh cycle.
type SnapshotDiagnostics struct {
	ContractsSeen     int  `json:"contracts_seen"`
	ContractsExcluded int  `json:"contracts_excluded"`
	FallbackComputes  int  `json:"fallback_computes"`
	FeedStale         bool `json:"feed_stale"`
}

// ExposureSnapshot is the derived per-(symbol, expiry) exposure state.
// A snapshot is immutable once published; each refresh builds a complete
// replacement with a strictly greater version. Strikes are unique and
// sorted ascending.
type ExposureSnapshot struct {
	ID          string              `json:"id"`
	Version     uint64              `json:"version"`
	Symbol      string              `json:"symbol"`
	Expiry      time.Time           `json:"expiry"`
	Spot        float64             `json:"spot"`
	Strikes     []StrikeExposure    `json:"strikes"`
	Totals      ExposureTotals      `json:"totals"`
	Diagnostics SnapshotDiagnostics `json:"diagnostics"`
	GeneratedAt time.Time           `json:"generated_at"`
}
