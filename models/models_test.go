package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEmissionResponseDecode(t *testing.T) {
	payload := `{"data":[{"startDate":"2024-03-04T00:00:00Z","endDate":"2024-03-10T23:59:59Z","allocations":[{"name":"Team","unlockAmount":1000,"unlockValue":2500.5}]}]}`

	var resp EmissionResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("expected 1 week, got %d", len(resp.Data))
	}
	week := resp.Data[0]
	if len(week.Allocations) != 1 {
		t.Fatalf("expected 1 allocation, got %d", len(week.Allocations))
	}
	if week.Allocations[0].UnlockValue != 2500.5 {
		t.Errorf("unexpected unlock value: %f", week.Allocations[0].UnlockValue)
	}

	start, err := time.Parse(APITimeLayout, week.StartDate)
	if err != nil {
		t.Fatalf("parse start date: %v", err)
	}
	if start.Weekday() != time.Monday {
		t.Errorf("expected Monday week start, got %s", start.Weekday())
	}
}

func TestTokenListResponseDecode(t *testing.T) {
	payload := `{"data":[{"id":"tok-1","symbol":"ARB","name":"Arbitrum"},{"id":"tok-2","symbol":"OP","name":"Optimism"}]}`

	var resp TokenListResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(resp.Data))
	}
	if resp.Data[0].Symbol != "ARB" {
		t.Errorf("unexpected symbol: %s", resp.Data[0].Symbol)
	}
}
