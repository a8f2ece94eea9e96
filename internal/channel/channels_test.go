package channel

import (
	"context"
	"testing"
	"time"

	"unlockflow/models"
)

func TestSendRawNonBlocking(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawEmissionMessage{Symbol: "ARB"}) {
		t.Fatal("first send should succeed")
	}
	// Buffer full; non-marker messages are dropped, not blocked on.
	if c.SendRaw(ctx, models.RawEmissionMessage{Symbol: "OP"}) {
		t.Fatal("second send should drop")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendRawCycleMarkerBlocksUntilDelivered(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()
	ctx := context.Background()

	c.SendRaw(ctx, models.RawEmissionMessage{Symbol: "ARB"})

	delivered := make(chan bool, 1)
	go func() {
		delivered <- c.SendRaw(ctx, models.RawEmissionMessage{CycleEnd: true, CycleID: "c1"})
	}()

	select {
	case <-delivered:
		t.Fatal("marker should not be delivered while buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	<-c.Raw
	select {
	case ok := <-delivered:
		if !ok {
			t.Fatal("marker delivery failed")
		}
	case <-time.After(time.Second):
		t.Fatal("marker was never delivered")
	}
}

func TestSendRawCycleMarkerCancelled(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c.SendRaw(ctx, models.RawEmissionMessage{Symbol: "ARB"})
	cancel()

	if c.SendRaw(ctx, models.RawEmissionMessage{CycleEnd: true}) {
		t.Fatal("marker send should fail after cancellation")
	}
}

func TestSendProcessed(t *testing.T) {
	c := NewChannels(1, 1)
	defer c.Close()
	ctx := context.Background()

	if !c.SendProcessed(ctx, models.UnlockBatch{Symbol: "ARB"}) {
		t.Fatal("send should succeed")
	}
	if c.SendProcessed(ctx, models.UnlockBatch{Symbol: "OP"}) {
		t.Fatal("send should drop when buffer is full")
	}
	stats := c.GetStats()
	if stats.ProcessedSent != 1 || stats.ProcessedDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := NewChannels(1, 1)
	c.Close()
	c.Close()
}
