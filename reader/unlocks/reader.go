package unlocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"unlockflow/config"
	"unlockflow/internal/channel"
	"unlockflow/logger"
	"unlockflow/models"
)

// Reader periodically fetches the token list and each selected token's
// emission schedule, and feeds the raw payloads into the pipeline. Each pass
// over the selection is one fetch cycle; a cycle marker is sent once all
// tokens have been handled so downstream stages know the dataset is complete.
type Reader struct {
	config   *config.Config
	client   *Client
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	tokensFetched int64
	tokensSkipped int64
	cyclesRun     int64
}

// NewReader creates a reader that publishes raw emission messages to the
// provided channels.
func NewReader(cfg *config.Config, client *Client, ch *channel.Channels) *Reader {
	log := logger.GetLogger()

	log.WithComponent("unlocks_reader").WithFields(logger.Fields{
		"base_url":      cfg.Source.Unlocks.BaseURL,
		"refresh_every": cfg.Source.Unlocks.RefreshEvery.String(),
		"max_tokens":    cfg.Source.Unlocks.MaxTokens,
	}).Info("unlocks reader initialized")

	return &Reader{
		config:   cfg,
		client:   client,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      log,
	}
}

// Start begins the refresh loop. The first cycle runs immediately.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("unlocks_reader").WithFields(logger.Fields{"operation": "start"})

	if r.config.Source.Unlocks.APIKey == "" {
		log.Warn("no API key configured; requests will likely be rejected")
	}

	r.wg.Add(1)
	go r.refreshLoop()

	log.Info("unlocks reader started successfully")
	return nil
}

// Stop signals the refresh loop to stop and waits for completion.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("unlocks_reader").Info("stopping unlocks reader")
	r.wg.Wait()
	r.log.WithComponent("unlocks_reader").Info("unlocks reader stopped")
}

func (r *Reader) refreshLoop() {
	defer r.wg.Done()

	log := r.log.WithComponent("unlocks_reader").WithFields(logger.Fields{"worker": "refresh_loop"})

	r.runCycle()

	ticker := time.NewTicker(r.config.Source.Unlocks.RefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("refresh loop stopped due to context cancellation")
			return
		case <-ticker.C:
			r.runCycle()
		}
	}
}

// runCycle performs one full pass: token list, per-token emission fetches,
// cycle marker. Per-token failures are logged and skipped so one bad token
// cannot sink the cycle.
func (r *Reader) runCycle() {
	cycleID := uuid.New().String()
	log := r.log.WithComponent("unlocks_reader").WithFields(logger.Fields{"cycle_id": cycleID})

	start := time.Now()
	tokens, err := r.client.TokenList(r.ctx)
	if err != nil {
		log.WithError(err).Error("failed to fetch token list, skipping cycle")
		return
	}

	selected := r.selectTokens(tokens)
	log.WithFields(logger.Fields{
		"available": len(tokens),
		"selected":  len(selected),
	}).Info("starting fetch cycle")

	fetched := 0
	for i, token := range selected {
		if r.ctx.Err() != nil {
			return
		}

		if r.fetchEmission(token, cycleID) {
			fetched++
		}

		// pace requests between tokens, mirroring the API's fair-use guidance
		if delay := r.config.Reader.PacingDelay; delay > 0 && i < len(selected)-1 {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	marker := models.RawEmissionMessage{
		Timestamp: time.Now().UTC(),
		CycleEnd:  true,
		CycleID:   cycleID,
	}
	if !r.channels.SendRaw(r.ctx, marker) {
		log.Warn("failed to deliver cycle marker")
		return
	}

	r.mu.Lock()
	r.cyclesRun++
	r.tokensFetched += int64(fetched)
	r.tokensSkipped += int64(len(selected) - fetched)
	r.mu.Unlock()

	logger.LogPerformanceEntry(log, "unlocks_reader", "fetch_cycle", time.Since(start), logger.Fields{
		"tokens_fetched": fetched,
		"tokens_skipped": len(selected) - fetched,
	})
}

// fetchEmission retrieves one token's schedule and forwards it as a raw
// message. Returns false when the token was skipped.
func (r *Reader) fetchEmission(token models.TokenInfo, cycleID string) bool {
	log := r.log.WithComponent("unlocks_reader").WithFields(logger.Fields{
		"symbol":   token.Symbol,
		"token_id": token.ID,
	})

	weeks, err := r.client.Emission(r.ctx, token.ID)
	if err != nil {
		log.WithError(err).Warn("failed to fetch emission data, skipping token")
		return false
	}
	if len(weeks) == 0 {
		log.Info("token has no emission weeks, skipping")
		return false
	}

	payload, err := json.Marshal(weeks)
	if err != nil {
		log.WithError(err).Warn("failed to marshal emission data")
		return false
	}

	rawData := models.RawEmissionMessage{
		Symbol:    token.Symbol,
		TokenID:   token.ID,
		Data:      payload,
		Timestamp: time.Now().UTC(),
		CycleID:   cycleID,
	}

	if r.channels.SendRaw(r.ctx, rawData) {
		logger.LogDataFlowEntry(log, "unlocks_api", "raw_channel", len(weeks), "emission_weeks")
		return true
	}
	if r.ctx.Err() != nil {
		return false
	}
	log.Warn("raw channel is full, dropping data")
	return false
}

// selectTokens resolves the configured selection: explicit symbols when
// provided, otherwise the first max_tokens entries of the list.
func (r *Reader) selectTokens(tokens []models.TokenInfo) []models.TokenInfo {
	src := r.config.Source.Unlocks

	if len(src.Tokens) == 0 {
		if len(tokens) > src.MaxTokens {
			return tokens[:src.MaxTokens]
		}
		return tokens
	}

	wanted := make(map[string]struct{}, len(src.Tokens))
	for _, s := range src.Tokens {
		wanted[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}

	selected := make([]models.TokenInfo, 0, len(wanted))
	for _, token := range tokens {
		if _, ok := wanted[strings.ToUpper(token.Symbol)]; ok {
			selected = append(selected, token)
		}
	}
	return selected
}
