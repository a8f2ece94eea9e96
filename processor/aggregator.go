package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "unlockflow/config"
	"unlockflow/internal/channel"
	"unlockflow/internal/metrics"
	"unlockflow/logger"
	"unlockflow/models"
)

// Publisher receives finished datasets. The dashboard store and the archive
// writer both implement it.
type Publisher interface {
	Publish(dataset models.Dataset)
}

// Aggregator accumulates flattened batches until a cycle marker arrives, then
// builds the bucketed weekly dataset and hands it to the registered
// publishers.
type Aggregator struct {
	config     *appconfig.Config
	channels   *channel.Channels
	publishers []Publisher
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log

	// records accumulated for the cycle currently in flight, keyed by cycle id
	pending map[string][]models.UnlockRecord
	symbols map[string]map[string]string // cycle id -> symbol -> token id

	datasetsBuilt int64
}

func NewAggregator(cfg *appconfig.Config, ch *channel.Channels, publishers ...Publisher) *Aggregator {
	return &Aggregator{
		config:     cfg,
		channels:   ch,
		publishers: publishers,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		pending:    make(map[string][]models.UnlockRecord),
		symbols:    make(map[string]map[string]string),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting aggregator")

	a.wg.Add(1)
	go a.worker()

	log.Info("aggregator started successfully")
	return nil
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("aggregator").Info("stopping aggregator")
	a.wg.Wait()
	a.log.WithComponent("aggregator").Info("aggregator stopped")
}

func (a *Aggregator) worker() {
	defer a.wg.Done()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"worker": "aggregator"})

	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch, ok := <-a.channels.Processed:
			if !ok {
				log.Info("processed channel closed, worker stopping")
				return
			}

			if batch.CycleEnd {
				a.closeCycle(batch.CycleID)
				continue
			}

			a.mu.Lock()
			a.pending[batch.CycleID] = append(a.pending[batch.CycleID], batch.Records...)
			if _, ok := a.symbols[batch.CycleID]; !ok {
				a.symbols[batch.CycleID] = make(map[string]string)
			}
			a.symbols[batch.CycleID][batch.Symbol] = batch.TokenID
			a.mu.Unlock()
		}
	}
}

// closeCycle builds and publishes the dataset for the given cycle. Cycles
// with no records publish nothing; the previous dataset stays live.
func (a *Aggregator) closeCycle(cycleID string) {
	a.mu.Lock()
	records := a.pending[cycleID]
	tokenIDs := a.symbols[cycleID]
	delete(a.pending, cycleID)
	delete(a.symbols, cycleID)
	a.mu.Unlock()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"cycle_id": cycleID})

	if len(records) == 0 {
		log.Warn("cycle closed with no records, skipping publish")
		return
	}

	start := time.Now()
	dataset := a.BuildDataset(cycleID, records, tokenIDs)

	for _, publisher := range a.publishers {
		publisher.Publish(dataset)
	}

	a.mu.Lock()
	a.datasetsBuilt++
	built := a.datasetsBuilt
	a.mu.Unlock()

	logger.IncrementDatasetPublished()
	metrics.EmitMetric(a.log, "aggregator", "datasets_published", built, "counter", logger.Fields{
		"rows":   len(dataset.Rows),
		"tokens": len(dataset.Tokens),
	})
	logger.LogPerformanceEntry(log, "aggregator", "build_dataset", time.Since(start), logger.Fields{
		"records": len(records),
		"rows":    len(dataset.Rows),
	})
}

// BuildDataset runs the aggregation pipeline over a cycle's records:
// per-(week, token) totals, OTHER bucketing, and the headline summary.
func (a *Aggregator) BuildDataset(cycleID string, records []models.UnlockRecord, tokenIDs map[string]string) models.Dataset {
	weekly := AggregateWeekly(records)
	rows := BucketMinor(weekly, a.config.Processor.BucketThresholdPct)

	tokens := make([]models.TokenInfo, 0, len(tokenIDs))
	for symbol, id := range tokenIDs {
		tokens = append(tokens, models.TokenInfo{ID: id, Symbol: symbol})
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Symbol < tokens[j].Symbol })

	now := time.Now().UTC()
	return models.Dataset{
		CycleID:     cycleID,
		Tokens:      tokens,
		Rows:        rows,
		Summary:     Summarize(rows),
		GeneratedAt: now,
	}
}
