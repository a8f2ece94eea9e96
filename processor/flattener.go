package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "unlockflow/config"
	"unlockflow/internal/channel"
	"unlockflow/logger"
	"unlockflow/models"
)

// Flattener turns raw emission payloads into flat weekly unlock records. Each
// (week, allocation) pair becomes one record. Records are batched per token
// and flushed by size or timeout; cycle markers are forwarded only after every
// open batch has been flushed so the aggregator sees a complete cycle.
type Flattener struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Batching
	batches   map[string]*models.UnlockBatch
	lastFlush map[string]time.Time

	// Metrics
	messagesProcessed int64
	batchesProcessed  int64
	errorsCount       int64
	recordsProcessed  int64
}

func NewFlattener(cfg *appconfig.Config, ch *channel.Channels) *Flattener {
	return &Flattener{
		config:    cfg,
		channels:  ch,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		batches:   make(map[string]*models.UnlockBatch),
		lastFlush: make(map[string]time.Time),
	}
}

func (f *Flattener) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("flattener already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	log := f.log.WithComponent("flattener").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting flattener")

	f.wg.Add(1)
	go f.worker()

	// Start batch flusher
	f.wg.Add(1)
	go f.batchFlusher()

	// Start metrics reporter
	go f.metricsReporter(ctx)

	log.Info("flattener started successfully")
	return nil
}

func (f *Flattener) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("flattener").Info("stopping flattener")

	// Flush remaining batches
	f.flushAllBatches()

	f.wg.Wait()
	f.log.WithComponent("flattener").Info("flattener stopped")
}

// worker consumes the raw channel. A single worker keeps cycle markers
// ordered behind the data messages they terminate.
func (f *Flattener) worker() {
	defer f.wg.Done()

	log := f.log.WithComponent("flattener").WithFields(logger.Fields{"worker": "flattener"})

	log.Info("starting flattener worker")

	for {
		select {
		case <-f.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case rawMsg, ok := <-f.channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}

			if rawMsg.CycleEnd {
				f.forwardCycleMarker(rawMsg)
				continue
			}

			start := time.Now()
			recordsProcessed := f.processMessage(rawMsg)
			duration := time.Since(start)

			f.messagesProcessed++
			f.recordsProcessed += int64(recordsProcessed)
			logger.AddRecordsFlattened(recordsProcessed)

			logger.LogPerformanceEntry(log, "flattener", "process_message", duration, logger.Fields{
				"symbol":            rawMsg.Symbol,
				"records_processed": recordsProcessed,
			})
		}
	}
}

// forwardCycleMarker flushes every open batch, then emits a marker batch so
// the aggregator can close the cycle.
func (f *Flattener) forwardCycleMarker(rawMsg models.RawEmissionMessage) {
	f.flushAllBatches()

	marker := models.UnlockBatch{
		BatchID:     uuid.New().String(),
		CycleID:     rawMsg.CycleID,
		Timestamp:   rawMsg.Timestamp,
		ProcessedAt: time.Now(),
		CycleEnd:    true,
	}
	if !f.channels.SendProcessed(f.ctx, marker) && f.ctx.Err() == nil {
		f.log.WithComponent("flattener").WithFields(logger.Fields{
			"cycle_id": rawMsg.CycleID,
		}).Warn("failed to forward cycle marker")
	}
}

func (f *Flattener) processMessage(rawMsg models.RawEmissionMessage) int {
	log := f.log.WithComponent("flattener").WithFields(logger.Fields{
		"symbol":    rawMsg.Symbol,
		"operation": "process_message",
	})

	var weeks []models.EmissionWeek
	if err := json.Unmarshal(rawMsg.Data, &weeks); err != nil {
		f.errorsCount++
		log.WithError(err).Warn("failed to unmarshal emission data")
		return 0
	}

	records := FlattenEmission(rawMsg.Symbol, weeks, func(week models.EmissionWeek, err error) {
		f.errorsCount++
		log.WithError(err).WithFields(logger.Fields{
			"start_date": week.StartDate,
			"end_date":   week.EndDate,
		}).Warn("failed to parse emission week")
	})
	if len(records) == 0 {
		log.Warn("no records flattened from message")
		return 0
	}

	f.addToBatch(rawMsg, records)

	log.WithFields(logger.Fields{
		"records_count": len(records),
		"weeks_count":   len(weeks),
	}).Debug("message processed successfully")

	logger.LogDataFlowEntry(log, "raw_channel", "processed_channel", len(records), "unlock_records")

	return len(records)
}

// FlattenEmission expands a token's emission weeks into one record per
// allocation. Weeks with unparseable dates are reported through onError and
// skipped.
func FlattenEmission(symbol string, weeks []models.EmissionWeek, onError func(models.EmissionWeek, error)) []models.UnlockRecord {
	var records []models.UnlockRecord

	for _, week := range weeks {
		startDate, err := time.Parse(models.APITimeLayout, week.StartDate)
		if err != nil {
			if onError != nil {
				onError(week, fmt.Errorf("parse start date: %w", err))
			}
			continue
		}
		endDate, err := time.Parse(models.APITimeLayout, week.EndDate)
		if err != nil {
			if onError != nil {
				onError(week, fmt.Errorf("parse end date: %w", err))
			}
			continue
		}

		weekID := WeekID(startDate)

		for _, allocation := range week.Allocations {
			records = append(records, models.UnlockRecord{
				Token:     symbol,
				Week:      weekID,
				StartDate: startDate,
				EndDate:   endDate,
				Amount:    allocation.UnlockAmount,
				ValueUSD:  allocation.UnlockValue,
			})
		}
	}

	return records
}

// WeekID renders the ISO week identifier (YYYY-Www) for the given date. The
// ISO year is used so the last days of December and first days of January
// fall under a single id.
func WeekID(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func (f *Flattener) addToBatch(rawMsg models.RawEmissionMessage, records []models.UnlockRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batchKey := rawMsg.Symbol

	batch, exists := f.batches[batchKey]
	if !exists {
		batch = &models.UnlockBatch{
			BatchID:     uuid.New().String(),
			Symbol:      rawMsg.Symbol,
			TokenID:     rawMsg.TokenID,
			CycleID:     rawMsg.CycleID,
			Records:     make([]models.UnlockRecord, 0, f.config.Processor.BatchSize),
			RecordCount: 0,
			Timestamp:   rawMsg.Timestamp,
			ProcessedAt: time.Now(),
		}
		f.batches[batchKey] = batch
		f.lastFlush[batchKey] = time.Now()
	}

	batch.Records = append(batch.Records, records...)
	batch.RecordCount = len(batch.Records)

	if rawMsg.Timestamp.After(batch.Timestamp) {
		batch.Timestamp = rawMsg.Timestamp
	}

	if batch.RecordCount >= f.config.Processor.BatchSize {
		f.flushBatch(batchKey)
	}
}

func (f *Flattener) batchFlusher() {
	defer f.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.flushTimedOutBatches()
		}
	}
}

func (f *Flattener) flushTimedOutBatches() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for batchKey, lastFlush := range f.lastFlush {
		if now.Sub(lastFlush) >= f.config.Processor.BatchTimeout {
			f.flushBatch(batchKey)
		}
	}
}

// flushBatch requires f.mu to be held.
func (f *Flattener) flushBatch(batchKey string) {
	batch, exists := f.batches[batchKey]
	if !exists || batch.RecordCount == 0 {
		return
	}

	log := f.log.WithComponent("flattener").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"symbol":       batch.Symbol,
		"record_count": batch.RecordCount,
		"operation":    "flush_batch",
	})

	select {
	case f.channels.Processed <- *batch:
		f.batchesProcessed++
		delete(f.batches, batchKey)
		delete(f.lastFlush, batchKey)

		logger.LogDataFlowEntry(log, "flattener", "processed_channel", batch.RecordCount, "batch")

	case <-f.ctx.Done():
		return
	default:
		log.Warn("processed channel is full, batch not sent")
	}
}

func (f *Flattener) flushAllBatches() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for batchKey := range f.batches {
		f.flushBatch(batchKey)
	}
}

func (f *Flattener) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reportMetrics()
		}
	}
}

func (f *Flattener) reportMetrics() {
	f.mu.RLock()
	messagesProcessed := f.messagesProcessed
	batchesProcessed := f.batchesProcessed
	errorsCount := f.errorsCount
	recordsProcessed := f.recordsProcessed
	activeBatches := len(f.batches)
	f.mu.RUnlock()

	errorRate := float64(0)
	if messagesProcessed+errorsCount > 0 {
		errorRate = float64(errorsCount) / float64(messagesProcessed+errorsCount)
	}

	f.log.LogMetric("flattener", "messages_processed", messagesProcessed, "counter", logger.Fields{})
	f.log.LogMetric("flattener", "batches_processed", batchesProcessed, "counter", logger.Fields{})
	f.log.LogMetric("flattener", "records_processed", recordsProcessed, "counter", logger.Fields{})
	f.log.LogMetric("flattener", "errors_count", errorsCount, "counter", logger.Fields{})
	f.log.LogMetric("flattener", "error_rate", errorRate, "gauge", logger.Fields{})
	f.log.LogMetric("flattener", "active_batches", activeBatches, "gauge", logger.Fields{})

	f.log.WithComponent("flattener").WithFields(logger.Fields{
		"messages_processed": messagesProcessed,
		"batches_processed":  batchesProcessed,
		"records_processed":  recordsProcessed,
		"errors_count":       errorsCount,
		"error_rate":         errorRate,
		"active_batches":     activeBatches,
		"raw_channel_len":    len(f.channels.Raw),
		"raw_channel_cap":    cap(f.channels.Raw),
	}).Info("flattener metrics")
}
