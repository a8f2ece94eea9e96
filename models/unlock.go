package models

import (
	"encoding/json"
	"time"
)

// APITimeLayout is the timestamp layout used by the unlocks API.
const APITimeLayout = "2006-01-02T15:04:05Z"

// OtherBucket is the synthetic label for tokens whose weekly value share falls
// below the bucketing threshold.
const OtherBucket = "OTHER"

// TokenInfo describes one entry of the token list endpoint.
type TokenInfo struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// TokenListResponse is the envelope returned by /v1/token/list.
type TokenListResponse struct {
	Data []TokenInfo `json:"data"`
}

// EmissionAllocation is a single allocation inside an emission week.
type EmissionAllocation struct {
	Name         string  `json:"name"`
	UnlockAmount float64 `json:"unlockAmount"`
	UnlockValue  float64 `json:"unlockValue"`
}

// EmissionWeek is one weekly period of a token's emission schedule.
type EmissionWeek struct {
	StartDate   string               `json:"startDate"`
	EndDate     string               `json:"endDate"`
	Allocations []EmissionAllocation `json:"allocations"`
}

// EmissionResponse is the envelope returned by /v2/emission.
type EmissionResponse struct {
	Data []EmissionWeek `json:"data"`
}

// RawEmissionMessage carries one token's unparsed emission payload from the
// reader to the flattener.
type RawEmissionMessage struct {
	Symbol    string
	TokenID   string
	Data      json.RawMessage
	Timestamp time.Time
	// CycleEnd marks the end of a fetch cycle. A marker message carries no
	// payload and tells downstream stages the dataset is complete.
	CycleEnd bool
	CycleID  string
}

// UnlockRecord is one flattened weekly unlock row: a single allocation of a
// single token in a single week.
type UnlockRecord struct {
	Token     string    `json:"token"`
	Week      string    `json:"week"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Amount    float64   `json:"amount"`
	ValueUSD  float64   `json:"value_usd"`
}

// UnlockBatch groups flattened records for one token on their way to the
// aggregator.
type UnlockBatch struct {
	BatchID     string         `json:"batch_id"`
	Symbol      string         `json:"symbol"`
	TokenID     string         `json:"token_id"`
	CycleID     string         `json:"cycle_id"`
	Records     []UnlockRecord `json:"records"`
	RecordCount int            `json:"record_count"`
	Timestamp   time.Time      `json:"timestamp"`
	ProcessedAt time.Time      `json:"processed_at"`
	// CycleEnd is forwarded from the raw stream once all of a cycle's
	// batches have been flushed.
	CycleEnd bool `json:"cycle_end,omitempty"`
}

// WeeklyUnlock is an aggregated row of the dashboard dataset: the summed
// unlock amount and USD value for one (week, token) pair. Percent is the
// token's share of the week's total USD value.
type WeeklyUnlock struct {
	Week      string    `json:"week"`
	Token     string    `json:"token"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Amount    float64   `json:"amount"`
	ValueUSD  float64   `json:"value_usd"`
	Percent   float64   `json:"percent"`
}

// Summary holds the headline metrics displayed above the chart.
type Summary struct {
	TotalValueUSD     float64   `json:"total_value_usd"`
	SignificantTokens int       `json:"significant_tokens"`
	AvgWeeklyValueUSD float64   `json:"avg_weekly_value_usd"`
	Weeks             int       `json:"weeks"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Dataset is a complete published result of one fetch cycle.
type Dataset struct {
	CycleID     string         `json:"cycle_id"`
	Tokens      []TokenInfo    `json:"tokens"`
	Rows        []WeeklyUnlock `json:"rows"`
	Summary     Summary        `json:"summary"`
	GeneratedAt time.Time      `json:"generated_at"`
}
