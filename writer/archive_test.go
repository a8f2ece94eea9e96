package writer

import (
	"strings"
	"testing"
	"time"

	appconfig "unlockflow/config"
	"unlockflow/logger"
	"unlockflow/models"
)

func TestS3KeyPartitioning(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Storage.S3.Prefix = "unlocks/weekly"
	w := &ArchiveWriter{cfg: cfg, log: logger.GetLogger()}

	dataset := models.Dataset{
		CycleID:     "cycle-1",
		GeneratedAt: time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC),
	}
	key := w.s3Key(dataset)

	if !strings.HasPrefix(key, "unlocks/weekly/year=2024/month=03/day=05/") {
		t.Fatalf("unexpected key prefix: %s", key)
	}
	if !strings.Contains(key, "unlocks_cycle-1_") || !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("unexpected key filename: %s", key)
	}
}

func TestS3KeyDefaultPrefix(t *testing.T) {
	w := &ArchiveWriter{cfg: &appconfig.Config{}, log: logger.GetLogger()}
	key := w.s3Key(models.Dataset{CycleID: "c", GeneratedAt: time.Now()})
	if !strings.HasPrefix(key, "unlocks/weekly/") {
		t.Fatalf("expected default prefix, got %s", key)
	}
}

func TestCreateParquetProducesData(t *testing.T) {
	w := &ArchiveWriter{cfg: &appconfig.Config{}, log: logger.GetLogger()}
	dataset := models.Dataset{
		CycleID: "cycle-1",
		Rows: []models.WeeklyUnlock{
			{
				Week:      "2024-W10",
				Token:     "ARB",
				StartDate: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
				EndDate:   time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC),
				Amount:    10,
				ValueUSD:  100,
				Percent:   100,
			},
		},
	}

	data, err := w.createParquet(dataset)
	if err != nil {
		t.Fatalf("createParquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet output")
	}
	// Parquet files end with the PAR1 magic bytes.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Errorf("output does not look like a parquet file")
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	w := &ArchiveWriter{
		cfg:   &appconfig.Config{},
		queue: make(chan models.Dataset, 1),
		log:   logger.GetLogger(),
	}

	w.Publish(models.Dataset{CycleID: "first"})
	w.Publish(models.Dataset{CycleID: "second"})

	if len(w.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(w.queue))
	}
	got := <-w.queue
	if got.CycleID != "first" {
		t.Errorf("queued dataset = %s, want first", got.CycleID)
	}
}
