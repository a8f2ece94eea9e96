package channel

import (
	"context"
	"sync"
	"time"

	"unlockflow/internal/metrics"
	"unlockflow/logger"
	"unlockflow/models"
)

type ChannelStats struct {
	RawSent          int64
	ProcessedSent    int64
	RawDropped       int64
	ProcessedDropped int64
}

// Channels bundles the pipeline channels: raw emission payloads from the
// reader and flattened record batches from the processor.
type Channels struct {
	Raw       chan models.RawEmissionMessage
	Processed chan models.UnlockBatch

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize, processedBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:       make(chan models.RawEmissionMessage, rawBufferSize),
		Processed: make(chan models.UnlockBatch, processedBufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":       rawBufferSize,
		"processed_buffer_size": processedBufferSize,
	}).Info("pipeline channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		close(c.Processed)
		c.log.WithComponent("channels").Info("pipeline channels closed")
	})
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementProcessedSent() {
	c.statsMutex.Lock()
	c.stats.ProcessedSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementProcessedDropped() {
	c.statsMutex.Lock()
	c.stats.ProcessedDropped++
	c.statsMutex.Unlock()
}

// SendRaw delivers a raw emission message without blocking. Cycle markers must
// not be dropped, so they block until delivered or the context is cancelled.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawEmissionMessage) bool {
	if msg.CycleEnd {
		select {
		case c.Raw <- msg:
			c.IncrementRawSent()
			return true
		case <-ctx.Done():
			return false
		}
	}

	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementRawDropped()
		return false
	}
}

// SendProcessed delivers a flattened batch without blocking, except for cycle
// markers which block until delivered or the context is cancelled.
func (c *Channels) SendProcessed(ctx context.Context, batch models.UnlockBatch) bool {
	if batch.CycleEnd {
		select {
		case c.Processed <- batch:
			c.IncrementProcessedSent()
			return true
		case <-ctx.Done():
			return false
		}
	}

	select {
	case c.Processed <- batch:
		c.IncrementProcessedSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementProcessedDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically emits channel depth and drop metrics
// until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log := c.log
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			metrics.EmitMetric(log, "channels", "raw_channel_len", len(c.Raw), "gauge", logger.Fields{"cap": cap(c.Raw)})
			metrics.EmitMetric(log, "channels", "processed_channel_len", len(c.Processed), "gauge", logger.Fields{"cap": cap(c.Processed)})
			metrics.EmitMetric(log, "channels", "raw_dropped", stats.RawDropped, "counter", nil)
			metrics.EmitMetric(log, "channels", "processed_dropped", stats.ProcessedDropped, "counter", nil)
		}
	}
}
