package metrics

import (
	"testing"

	"unlockflow/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	fields := logger.Fields{"token": "ARB", "unit": "count"}
	log := logger.Logger()

	EmitMetric(log, "aggregator", "datasets_published", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "aggregator" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != "datasets_published" {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Fields["token"] != "ARB" {
			t.Fatalf("unexpected fields: %v", event.Fields)
		}
	default:
		t.Fatal("metric was not dispatched")
	}
}

func TestEmitMetricEmptyNameIgnored(t *testing.T) {
	resetMetricHandlers()

	called := false
	id := RegisterMetricHandler(func(Metric) { called = true })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(logger.Logger(), "aggregator", "", 1, "counter", nil)
	if called {
		t.Fatal("handler should not fire for empty metric name")
	}
}
