package turns

import (
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/banter/pkg/models"
)

func TestStopRegistrySetConsume(t *testing.T) {
	r := NewStopRegistry()

	if r.Pending("telegram:1") {
		t.Error("expected no pending signal on fresh registry")
	}

	sig := &StopSignal{
		ChannelKey:  "telegram:1",
		RequesterID: "u1",
		Payload:     &models.Message{ID: "m1", Content: "stop"},
		RequestedAt: time.Now(),
	}
	r.Set(sig)

	if !r.Pending("telegram:1") {
		t.Error("expected pending signal after Set")
	}
	if r.Pending("telegram:2") {
		t.Error("signal leaked to another channel")
	}

	got, ok := r.Consume("telegram:1")
	if !ok {
		t.Fatal("expected to consume signal")
	}
	if got.RequesterID != "u1" {
		t.Errorf("RequesterID = %q, want %q", got.RequesterID, "u1")
	}

	if _, ok := r.Consume("telegram:1"); ok {
		t.Error("second consume should find nothing")
	}
}

func TestStopRegistryLastWriterWins(t *testing.T) {
	r := NewStopRegistry()

	r.Set(&StopSignal{ChannelKey: "telegram:1", RequesterID: "first"})
	r.Set(&StopSignal{ChannelKey: "telegram:1", RequesterID: "second"})

	got, ok := r.Consume("telegram:1")
	if !ok {
		t.Fatal("expected a pending signal")
	}
	if got.RequesterID != "second" {
		t.Errorf("RequesterID = %q, want the overwriting signal", got.RequesterID)
	}
}

func TestStopRegistryConcurrentConsume(t *testing.T) {
	r := NewStopRegistry()
	r.Set(&StopSignal{ChannelKey: "telegram:1", RequesterID: "u1"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Consume("telegram:1"); ok {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if consumed != 1 {
		t.Errorf("signal consumed %d times, want exactly 1", consumed)
	}
}

func TestStopRegistryIgnoresInvalidSignal(t *testing.T) {
	r := NewStopRegistry()
	r.Set(nil)
	r.Set(&StopSignal{RequesterID: "u1"})

	if r.Pending("") {
		t.Error("empty channel key should never be pending")
	}
}
