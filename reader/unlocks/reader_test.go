package unlocks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"unlockflow/internal/channel"
	"unlockflow/models"
)

func TestSelectTokensDefaultFirstN(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Source.Unlocks.MaxTokens = 2
	r := NewReader(cfg, NewClient(cfg), channel.NewChannels(1, 1))

	tokens := []models.TokenInfo{
		{ID: "1", Symbol: "ARB"},
		{ID: "2", Symbol: "OP"},
		{ID: "3", Symbol: "TIA"},
	}
	selected := r.selectTokens(tokens)
	if len(selected) != 2 || selected[0].Symbol != "ARB" || selected[1].Symbol != "OP" {
		t.Fatalf("unexpected selection: %+v", selected)
	}
}

func TestSelectTokensExplicitSymbols(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Source.Unlocks.Tokens = []string{"tia", " OP "}
	r := NewReader(cfg, NewClient(cfg), channel.NewChannels(1, 1))

	tokens := []models.TokenInfo{
		{ID: "1", Symbol: "ARB"},
		{ID: "2", Symbol: "OP"},
		{ID: "3", Symbol: "TIA"},
	}
	selected := r.selectTokens(tokens)
	if len(selected) != 2 {
		t.Fatalf("expected 2 tokens, got %+v", selected)
	}
	for _, tok := range selected {
		if tok.Symbol != "OP" && tok.Symbol != "TIA" {
			t.Errorf("unexpected token selected: %s", tok.Symbol)
		}
	}
}

func TestReaderStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Source.Unlocks.RefreshEvery = time.Hour
	ch := channel.NewChannels(8, 8)
	defer ch.Close()

	r := NewReader(cfg, NewClient(cfg), ch)
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}
	cancel()
	r.Stop()
}

func TestRunCycleSkipsFailingTokens(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/token/list", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"good","symbol":"ARB"},{"id":"bad","symbol":"OP"},{"id":"empty","symbol":"TIA"}]}`))
	})
	mux.HandleFunc("/v2/emission", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("tokenId") {
		case "good":
			w.Write([]byte(`{"data":[{"startDate":"2024-03-04T00:00:00Z","endDate":"2024-03-10T23:59:59Z","allocations":[{"name":"Team","unlockAmount":10,"unlockValue":100}]}]}`))
		case "bad":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Write([]byte(`{"data":[]}`))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Reader.Retry.MaxAttempts = 1
	ch := channel.NewChannels(8, 8)
	defer ch.Close()

	r := NewReader(cfg, NewClient(cfg), ch)
	r.ctx = context.Background()
	r.runCycle()

	var messages []models.RawEmissionMessage
	for len(ch.Raw) > 0 {
		messages = append(messages, <-ch.Raw)
	}

	if len(messages) != 2 {
		t.Fatalf("expected 1 data message + 1 marker, got %d", len(messages))
	}
	if messages[0].Symbol != "ARB" || messages[0].CycleEnd {
		t.Errorf("unexpected first message: %+v", messages[0])
	}
	if !messages[1].CycleEnd {
		t.Error("expected trailing cycle marker")
	}
	if messages[0].CycleID != messages[1].CycleID {
		t.Error("cycle ids do not match")
	}
}
