package messaging

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "yueling-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func testUserID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPublishReachesSubscriber(t *testing.T) {
	c := newTestClient(t)
	userID := testUserID("u-pub")

	got := make(chan []byte, 1)
	if err := c.SubscribeUser(userID, func(frame []byte) {
		got <- frame
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := c.PublishToUser(userID, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case frame := <-got:
		if string(frame) != `{"type":"ping"}` {
			t.Fatalf("unexpected frame: %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestResubscribeReplacesOldSubscription(t *testing.T) {
	c := newTestClient(t)
	userID := testUserID("u-resub")

	// A reconnecting user subscribes their subject again before the
	// displaced socket detaches; only the new handler may receive frames.
	var old, cur atomic.Int64
	if err := c.SubscribeUser(userID, func([]byte) { old.Add(1) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.SubscribeUser(userID, func([]byte) { cur.Add(1) }); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if err := c.PublishToUser(userID, []byte(`{"type":"system"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for cur.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := cur.Load(); got != 1 {
		t.Fatalf("expected 1 delivery to the replacement subscription, got %d", got)
	}
	if got := old.Load(); got != 0 {
		t.Fatalf("replaced subscription still receiving frames: %d deliveries", got)
	}

	// The replaced subscription was unsubscribed, so detaching the new
	// socket leaves nothing behind.
	if err := c.UnsubscribeUser(userID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
