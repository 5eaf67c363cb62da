package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"beefy-importer/internal/ranges"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := bus.Subscribe(10)

	err := bus.Publish(context.Background(), RangeResult{
		ImportKey: "product:investment:1",
		Range:     ranges.Range{From: 100, To: 139},
		Success:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-received:
		if res.ImportKey != "product:investment:1" {
			t.Errorf("expected product:investment:1, got %s", res.ImportKey)
		}
		if !res.Success {
			t.Error("expected success")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := bus.Subscribe(10)
	ch2 := bus.Subscribe(10)

	if err := bus.Publish(context.Background(), RangeResult{ImportKey: "k"}); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []<-chan RangeResult{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive result")
		}
	}
}

func TestBus_PublishBlocksUntilAccepted(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := bus.Subscribe(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Publish(context.Background(), RangeResult{ImportKey: "k"})
	}()

	select {
	case <-done:
		t.Fatal("publish returned before the subscriber accepted")
	case <-time.After(50 * time.Millisecond):
	}

	<-ch
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not return after acceptance")
	}
}

func TestBus_PublishRespectsContext(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.Subscribe(0) // never drained

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := bus.Publish(ctx, RangeResult{ImportKey: "k"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := bus.Subscribe(100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_ = bus.Publish(context.Background(), RangeResult{
				ImportKey: "k",
				Range:     ranges.Range{From: n, To: n},
			})
		}(int64(i))
	}
	wg.Wait()

	if len(received) != 50 {
		t.Errorf("expected 50 results, got %d", len(received))
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := New()
	bus.Subscribe(1)
	bus.Close()

	if err := bus.Publish(context.Background(), RangeResult{ImportKey: "k"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
