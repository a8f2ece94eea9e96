package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	appconfig "unlockflow/config"
	"unlockflow/internal/channel"
	"unlockflow/models"
)

func processorConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Processor.MaxWorkers = 1
	cfg.Processor.BatchSize = 100
	cfg.Processor.BatchTimeout = time.Second
	cfg.Processor.BucketThresholdPct = 5.0
	return cfg
}

func TestWeekID(t *testing.T) {
	tests := []struct {
		date time.Time
		want string
	}{
		{day(2024, 3, 4), "2024-W10"},
		{day(2024, 1, 1), "2024-W01"},
		// Dec 30 2024 belongs to ISO week 1 of 2025.
		{day(2024, 12, 30), "2025-W01"},
		// Jan 1 2021 belongs to ISO week 53 of 2020.
		{day(2021, 1, 1), "2020-W53"},
	}
	for _, tt := range tests {
		if got := WeekID(tt.date); got != tt.want {
			t.Errorf("WeekID(%s) = %s, want %s", tt.date.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestFlattenEmission(t *testing.T) {
	weeks := []models.EmissionWeek{
		{
			StartDate: "2024-03-04T00:00:00Z",
			EndDate:   "2024-03-10T23:59:59Z",
			Allocations: []models.EmissionAllocation{
				{Name: "Team", UnlockAmount: 10, UnlockValue: 100},
				{Name: "Investors", UnlockAmount: 20, UnlockValue: 200},
			},
		},
		{
			StartDate: "2024-03-11T00:00:00Z",
			EndDate:   "2024-03-17T23:59:59Z",
			Allocations: []models.EmissionAllocation{
				{Name: "Team", UnlockAmount: 5, UnlockValue: 50},
			},
		},
	}

	records := FlattenEmission("ARB", weeks, nil)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Token != "ARB" || records[0].Week != "2024-W10" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[0].Amount != 10 || records[0].ValueUSD != 100 {
		t.Errorf("unexpected first record values: %+v", records[0])
	}
	if records[2].Week != "2024-W11" {
		t.Errorf("unexpected third record week: %s", records[2].Week)
	}
}

func TestFlattenEmissionSkipsBadDates(t *testing.T) {
	weeks := []models.EmissionWeek{
		{StartDate: "not-a-date", EndDate: "2024-03-10T23:59:59Z",
			Allocations: []models.EmissionAllocation{{Name: "Team", UnlockAmount: 1, UnlockValue: 1}}},
		{StartDate: "2024-03-11T00:00:00Z", EndDate: "2024-03-17T23:59:59Z",
			Allocations: []models.EmissionAllocation{{Name: "Team", UnlockAmount: 5, UnlockValue: 50}}},
	}

	var errored int
	records := FlattenEmission("ARB", weeks, func(models.EmissionWeek, error) { errored++ })
	if errored != 1 {
		t.Errorf("expected 1 error callback, got %d", errored)
	}
	if len(records) != 1 || records[0].Week != "2024-W11" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFlattenerStartStop(t *testing.T) {
	ch := channel.NewChannels(8, 8)
	defer ch.Close()

	f := NewFlattener(processorConfig(), ch)
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}
	cancel()
	f.Stop()
}

func TestFlattenerForwardsCycleMarkerAfterData(t *testing.T) {
	ch := channel.NewChannels(8, 8)
	defer ch.Close()

	f := NewFlattener(processorConfig(), ch)
	f.ctx = context.Background()

	data, _ := json.Marshal([]models.EmissionWeek{
		{
			StartDate: "2024-03-04T00:00:00Z",
			EndDate:   "2024-03-10T23:59:59Z",
			Allocations: []models.EmissionAllocation{
				{Name: "Team", UnlockAmount: 10, UnlockValue: 100},
			},
		},
	})

	f.processMessage(models.RawEmissionMessage{
		Symbol:    "ARB",
		TokenID:   "arb-id",
		Data:      data,
		Timestamp: time.Now(),
		CycleID:   "cycle-1",
	})
	f.forwardCycleMarker(models.RawEmissionMessage{
		Timestamp: time.Now(),
		CycleEnd:  true,
		CycleID:   "cycle-1",
	})

	var batches []models.UnlockBatch
	for len(ch.Processed) > 0 {
		batches = append(batches, <-ch.Processed)
	}

	if len(batches) != 2 {
		t.Fatalf("expected data batch + marker, got %d", len(batches))
	}
	if batches[0].CycleEnd || batches[0].Symbol != "ARB" || batches[0].RecordCount != 1 {
		t.Errorf("unexpected data batch: %+v", batches[0])
	}
	if !batches[1].CycleEnd || batches[1].CycleID != "cycle-1" {
		t.Errorf("unexpected marker batch: %+v", batches[1])
	}
}

func TestFlattenerBatchSizeFlush(t *testing.T) {
	cfg := processorConfig()
	cfg.Processor.BatchSize = 2
	ch := channel.NewChannels(8, 8)
	defer ch.Close()

	f := NewFlattener(cfg, ch)
	f.ctx = context.Background()

	data, _ := json.Marshal([]models.EmissionWeek{
		{
			StartDate: "2024-03-04T00:00:00Z",
			EndDate:   "2024-03-10T23:59:59Z",
			Allocations: []models.EmissionAllocation{
				{Name: "Team", UnlockAmount: 10, UnlockValue: 100},
				{Name: "Investors", UnlockAmount: 20, UnlockValue: 200},
			},
		},
	})

	f.processMessage(models.RawEmissionMessage{
		Symbol:    "ARB",
		Data:      data,
		Timestamp: time.Now(),
		CycleID:   "cycle-1",
	})

	select {
	case batch := <-ch.Processed:
		if batch.RecordCount != 2 {
			t.Errorf("expected 2 records in flushed batch, got %d", batch.RecordCount)
		}
	default:
		t.Fatal("expected batch to be flushed on reaching batch size")
	}
}
