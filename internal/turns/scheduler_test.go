package turns

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/banter/pkg/models"
)

type stubDetector struct{}

func (stubDetector) IsStop(msg *models.Message) bool {
	return strings.Contains(strings.ToLower(msg.Content), "stop")
}

func testMessage(chatID, content string) *models.Message {
	return &models.Message{
		ID:        "msg-" + content,
		Channel:   models.ChannelTelegram,
		ChatID:    chatID,
		SenderID:  "u1",
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func testTurn(chatID, content string, trigger models.TriggerKind) *models.Turn {
	return models.NewTurn(testMessage(chatID, content), trigger)
}

func TestSchedulerAcquireRelease(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})

	first := testTurn("1", "hello", models.TriggerManual)
	if got := s.TryAcquire(first); got != Admitted {
		t.Fatalf("first acquire = %v, want Admitted", got)
	}
	if !s.Locked(first.ChannelKey()) {
		t.Error("channel should be locked after admission")
	}

	second := testTurn("1", "follow-up", models.TriggerManual)
	if got := s.TryAcquire(second); got != Queued {
		t.Fatalf("second acquire = %v, want Queued", got)
	}

	// A different channel is unaffected.
	other := testTurn("2", "hi", models.TriggerManual)
	if got := s.TryAcquire(other); got != Admitted {
		t.Errorf("other channel acquire = %v, want Admitted", got)
	}

	next := s.Release(first.ChannelKey(), first.ID)
	if next == nil || next.ID != second.ID {
		t.Fatalf("Release returned %v, want the queued turn", next)
	}
	// The backlog head inherits the lock, so an arrival racing the
	// handover queues instead of stealing the channel.
	if !s.Locked(first.ChannelKey()) {
		t.Error("channel should stay locked while the handed-over turn runs")
	}
	if got := s.TryAcquire(testTurn("1", "racer", models.TriggerManual)); got != Queued {
		t.Errorf("acquire during handover = %v, want Queued", got)
	}

	if got := s.Release(first.ChannelKey(), next.ID); got == nil {
		t.Fatal("second release should pop the racer")
	} else if s.Release(first.ChannelKey(), got.ID) != nil {
		t.Fatal("final release should drain the queue")
	}
	if s.Locked(first.ChannelKey()) {
		t.Error("channel should be unlocked once the backlog drains")
	}
}

func TestSchedulerFIFOReplay(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})

	holder := testTurn("1", "busy", models.TriggerManual)
	s.TryAcquire(holder)

	queued := make([]*models.Turn, 3)
	for i, content := range []string{"a", "b", "c"} {
		queued[i] = testTurn("1", content, models.TriggerManual)
		if got := s.TryAcquire(queued[i]); got != Queued {
			t.Fatalf("acquire %q = %v, want Queued", content, got)
		}
	}
	if got := s.QueueLen("telegram:1"); got != 3 {
		t.Fatalf("QueueLen = %d, want 3", got)
	}

	current := holder
	for i := range queued {
		next := s.Release("telegram:1", current.ID)
		if next == nil || next.ID != queued[i].ID {
			t.Fatalf("release %d returned wrong turn", i)
		}
		current = next
	}
	if next := s.Release("telegram:1", current.ID); next != nil {
		t.Errorf("empty queue release returned %v", next)
	}
	if s.Locked("telegram:1") {
		t.Error("channel should be unlocked after the backlog drains")
	}
}

func TestSchedulerStaleLockRecovery(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		StaleLockTimeout: 3 * time.Minute,
		Detector:         stubDetector{},
	})

	now := time.Now()
	s.now = func() time.Time { return now }

	stuck := testTurn("1", "busy", models.TriggerManual)
	s.TryAcquire(stuck)
	s.TryAcquire(testTurn("1", "waiting", models.TriggerManual))
	s.TryAcquire(testTurn("1", "please stop", models.TriggerManual))

	// Just under the timeout the lock still holds and queueing continues.
	now = now.Add(3*time.Minute - time.Second)
	if got := s.TryAcquire(testTurn("1", "still waiting", models.TriggerManual)); got != Queued {
		t.Fatalf("acquire before timeout = %v, want Queued", got)
	}

	// Past the timeout the next arrival seizes the lock. The stale backlog
	// is discarded rather than replayed, and a stop aimed at the dead turn
	// is discarded with it instead of killing the fresh one.
	now = now.Add(2 * time.Second)
	fresh := testTurn("1", "fresh", models.TriggerManual)
	if got := s.TryAcquire(fresh); got != Admitted {
		t.Fatalf("acquire past timeout = %v, want Admitted", got)
	}
	if got := s.QueueLen("telegram:1"); got != 0 {
		t.Errorf("stale queue not discarded, len = %d", got)
	}
	if s.Stops().Pending("telegram:1") {
		t.Error("stale stop signal not discarded with the backlog")
	}

	// The displaced frame eventually finishes; its release must not free
	// the lock out from under the new holder.
	if next := s.Release("telegram:1", stuck.ID); next != nil {
		t.Errorf("displaced release returned %v, want nil", next)
	}
	if !s.Locked("telegram:1") {
		t.Error("displaced release must leave the new holder's lock intact")
	}
	s.Release("telegram:1", fresh.ID)
	if s.Locked("telegram:1") {
		t.Error("owner release should free the lock")
	}
}

func TestSchedulerStopInterception(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Detector: stubDetector{}})

	holder := testTurn("1", "busy", models.TriggerManual)
	s.TryAcquire(holder)

	stop := testTurn("1", "ok stop now", models.TriggerManual)
	if got := s.TryAcquire(stop); got != Dropped {
		t.Fatalf("stop phrase acquire = %v, want Dropped", got)
	}
	if !s.Stops().Pending("telegram:1") {
		t.Error("stop signal not registered")
	}
	if got := s.QueueLen("telegram:1"); got != 0 {
		t.Errorf("stop phrase was queued, len = %d", got)
	}

	// On an idle channel the same phrase is an ordinary turn.
	s2 := NewScheduler(SchedulerConfig{Detector: stubDetector{}})
	if got := s2.TryAcquire(testTurn("1", "stop", models.TriggerManual)); got != Admitted {
		t.Errorf("stop phrase on idle channel = %v, want Admitted", got)
	}
	if s2.Stops().Pending("telegram:1") {
		t.Error("idle channel should not register stop signals")
	}
}

func TestSchedulerStopResponseFrontQueue(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Detector: stubDetector{}})

	holder := testTurn("1", "busy", models.TriggerManual)
	s.TryAcquire(holder)
	backlog := testTurn("1", "queued earlier", models.TriggerManual)
	s.TryAcquire(backlog)

	ack := testTurn("1", "stop", models.TriggerManual)
	ack.IsStopResponse = true
	if got := s.TryAcquire(ack); got != Queued {
		t.Fatalf("stop-response acquire = %v, want Queued", got)
	}
	if s.Stops().Pending("telegram:1") {
		t.Error("stop-response turn must not be intercepted as a stop phrase")
	}

	next := s.Release("telegram:1", holder.ID)
	if next == nil || next.ID != ack.ID {
		t.Fatal("stop-response turn should be popped ahead of the backlog")
	}
	if next = s.Release("telegram:1", ack.ID); next == nil || next.ID != backlog.ID {
		t.Fatal("backlog should replay after the stop-response turn")
	}
}

func TestSchedulerReleaseConsumesStop(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Detector: stubDetector{}})

	holder := testTurn("1", "busy", models.TriggerManual)
	s.TryAcquire(holder)
	backlog := testTurn("1", "queued earlier", models.TriggerManual)
	s.TryAcquire(backlog)

	stop := testTurn("1", "please stop", models.TriggerManual)
	if got := s.TryAcquire(stop); got != Dropped {
		t.Fatalf("stop phrase acquire = %v, want Dropped", got)
	}

	// A stop still pending when the holder releases must not outlive it:
	// release itself consumes the signal and hands back the acknowledgement
	// turn, ahead of the backlog.
	ack := s.Release("telegram:1", holder.ID)
	if ack == nil || !ack.IsStopResponse {
		t.Fatalf("Release returned %+v, want the acknowledgement turn", ack)
	}
	if ack.Trigger != models.TriggerStopReissue {
		t.Errorf("ack trigger = %v, want %v", ack.Trigger, models.TriggerStopReissue)
	}
	if ack.Message == nil || ack.Message.ID != stop.Message.ID {
		t.Error("acknowledgement should respond to the stop message itself")
	}
	if s.Stops().Pending("telegram:1") {
		t.Error("stop signal left pending after release")
	}
	if !s.Locked("telegram:1") {
		t.Error("acknowledgement turn should inherit the lock")
	}

	next := s.Release("telegram:1", ack.ID)
	if next == nil || next.ID != backlog.ID {
		t.Fatal("backlog should replay after the acknowledgement")
	}
	if got := s.Release("telegram:1", next.ID); got != nil {
		t.Errorf("final release returned %v, want nil", got)
	}
}

func TestSchedulerPolicyFiltersQueuedAutoTurns(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Policy: PolicyFunc(func(msg *models.Message) bool {
			return strings.Contains(msg.Content, "bot")
		}),
	})

	s.TryAcquire(testTurn("1", "busy", models.TriggerManual))

	if got := s.TryAcquire(testTurn("1", "random chatter", models.TriggerAuto)); got != Dropped {
		t.Errorf("below-threshold auto turn = %v, want Dropped", got)
	}
	if got := s.TryAcquire(testTurn("1", "hey bot", models.TriggerAuto)); got != Queued {
		t.Errorf("matching auto turn = %v, want Queued", got)
	}
	// Manual turns always survive queueing.
	if got := s.TryAcquire(testTurn("1", "random chatter", models.TriggerManual)); got != Queued {
		t.Errorf("manual turn = %v, want Queued", got)
	}
}

func TestSchedulerConcurrentAcquire(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire(testTurn("1", "race", models.TriggerManual)) == Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("%d turns admitted concurrently, want exactly 1", admitted)
	}
	if got := s.QueueLen("telegram:1"); got != n-1 {
		t.Errorf("QueueLen = %d, want %d", got, n-1)
	}
}
