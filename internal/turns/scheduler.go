package turns

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/banter/internal/observability"
	"github.com/haasonsaas/banter/pkg/models"
)

// Admission is the scheduler's verdict on an arriving turn.
type Admission int

const (
	// Admitted means the turn now holds its channel lock and must be
	// processed by the caller, which becomes responsible for Release.
	Admitted Admission = iota

	// Queued means the channel is busy and the turn was appended to its
	// backlog. It will be handed back by a future Release.
	Queued

	// Dropped means the turn was discarded: either it was converted into a
	// stop signal, or the trigger policy decided it would not have produced
	// a response on an idle channel.
	Dropped
)

// String returns the admission name for logging.
func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// TriggerPolicy decides whether a message would plausibly have produced a
// response had its channel been idle. The scheduler consults it for queued
// auto-triggered turns so the backlog only holds messages worth replaying.
type TriggerPolicy interface {
	WouldRespond(msg *models.Message) bool
}

// PolicyFunc adapts a function to the TriggerPolicy interface.
type PolicyFunc func(*models.Message) bool

// WouldRespond implements TriggerPolicy.
func (f PolicyFunc) WouldRespond(msg *models.Message) bool { return f(msg) }

// StopDetector recognizes natural-language stop requests.
type StopDetector interface {
	IsStop(msg *models.Message) bool
}

// channelLock is the serialization state of one conversation.
type channelLock struct {
	locked        bool
	lockedAt      time.Time
	currentTurnID string
	queue         []*models.Turn
}

// SchedulerConfig configures the turn scheduler.
type SchedulerConfig struct {
	// StaleLockTimeout is how long a lock may be held before a new arrival
	// treats the holder as crashed and force-releases it. Defaults to 3m.
	StaleLockTimeout time.Duration

	// Policy gates queued auto-triggered turns. Nil admits everything.
	Policy TriggerPolicy

	// Detector recognizes stop phrases on busy channels. Nil disables
	// stop interception.
	Detector StopDetector

	// Stops receives intercepted stop requests. Created if nil.
	Stops *StopRegistry

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Scheduler enforces the one-turn-per-channel invariant. Each channel key has
// a lock and a FIFO backlog; arriving turns are admitted, queued, or dropped
// under a single mutex so admission decisions are atomic.
//
// Thread Safety:
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	channels map[string]*channelLock

	staleAfter time.Duration
	policy     TriggerPolicy
	detector   StopDetector
	stops      *StopRegistry
	logger     *slog.Logger
	metrics    *observability.Metrics

	// now is replaceable in tests
	now func() time.Time
}

// NewScheduler creates a scheduler with the given configuration.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.StaleLockTimeout <= 0 {
		cfg.StaleLockTimeout = 3 * time.Minute
	}
	if cfg.Stops == nil {
		cfg.Stops = NewStopRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		channels:   make(map[string]*channelLock),
		staleAfter: cfg.StaleLockTimeout,
		policy:     cfg.Policy,
		detector:   cfg.Detector,
		stops:      cfg.Stops,
		logger:     cfg.Logger.With("component", "scheduler"),
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// Stops returns the stop registry shared with providers and the runner.
func (s *Scheduler) Stops() *StopRegistry {
	return s.stops
}

// TryAcquire attempts to take the channel lock for a turn.
//
// If the current holder has exceeded the stale timeout it is presumed crashed:
// the lock is force-released and the backlog discarded, since queued messages
// that old would produce responses out of any useful context. When the channel
// is genuinely busy, a stop phrase is converted into a stop signal instead of
// queueing, stop-response turns jump to the front of the backlog, and
// auto-triggered turns are re-checked against the trigger policy in its
// neutral form before joining the queue.
func (s *Scheduler) TryAcquire(turn *models.Turn) Admission {
	key := turn.ChannelKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.channels[key]
	if !ok {
		entry = &channelLock{}
		s.channels[key] = entry
	}

	if entry.locked && s.now().Sub(entry.lockedAt) > s.staleAfter {
		_, droppedStop := s.stops.Consume(key)
		s.logger.Warn("recovering stale channel lock",
			"channel", key,
			"held_for", s.now().Sub(entry.lockedAt),
			"stuck_turn_id", entry.currentTurnID,
			"discarded_queue", len(entry.queue),
			"discarded_stop", droppedStop)
		entry.locked = false
		entry.lockedAt = time.Time{}
		entry.currentTurnID = ""
		entry.queue = nil
		s.metrics.RecordStaleLockRecovery(key)
		s.metrics.SetQueueDepth(key, 0)
	}

	if !entry.locked {
		entry.locked = true
		entry.lockedAt = s.now()
		entry.currentTurnID = turn.ID
		return Admitted
	}

	// Channel is busy. A stop phrase interrupts the holder instead of
	// queueing; stop-response turns are exempt so an acknowledgement can
	// never be mistaken for a new interruption.
	if !turn.IsStopResponse && turn.Message != nil && s.detector != nil && s.detector.IsStop(turn.Message) {
		s.stops.Set(&StopSignal{
			ChannelKey:  key,
			RequesterID: turn.Message.SenderID,
			Payload:     turn.Message,
			RequestedAt: s.now(),
		})
		s.logger.Info("stop signal registered",
			"channel", key,
			"requester", turn.Message.SenderID,
			"interrupted_turn_id", entry.currentTurnID)
		s.metrics.RecordStopSignal(key)
		return Dropped
	}

	if turn.IsStopResponse {
		entry.queue = append([]*models.Turn{turn}, entry.queue...)
		s.metrics.SetQueueDepth(key, len(entry.queue))
		return Queued
	}

	if turn.Trigger == models.TriggerAuto && s.policy != nil && !s.policy.WouldRespond(turn.Message) {
		s.logger.Debug("dropping queued message below trigger threshold",
			"channel", key, "turn_id", turn.ID)
		s.metrics.RecordDroppedTurn(key, "trigger_policy")
		return Dropped
	}

	entry.queue = append(entry.queue, turn)
	s.metrics.SetQueueDepth(key, len(entry.queue))
	s.logger.Debug("turn queued behind busy channel",
		"channel", key, "turn_id", turn.ID, "depth", len(entry.queue))
	return Queued
}

// Release ends a turn's hold on its channel and resolves what runs next. The
// turn ID must match the current holder; a frame whose lock was seized by
// stale recovery gets nil back and must not touch the channel again.
//
// A stop signal pending at release wins over the backlog: it is consumed here,
// under the same mutex that registered it, and returned as its acknowledgement
// turn. Otherwise the backlog head is returned. Either way the returned turn
// inherits the lock, so the caller runs it directly and releases again when it
// finishes. A nil return means the lock is now free.
func (s *Scheduler) Release(channelKey, turnID string) *models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.channels[channelKey]
	if !ok || !entry.locked {
		return nil
	}
	if entry.currentTurnID != turnID {
		s.logger.Warn("ignoring release from displaced turn",
			"channel", channelKey,
			"turn_id", turnID,
			"holder_turn_id", entry.currentTurnID)
		return nil
	}

	var next *models.Turn
	if sig, ok := s.stops.Consume(channelKey); ok {
		next = models.NewTurn(sig.Payload, models.TriggerStopReissue)
		next.IsStopResponse = true
		s.logger.Info("stop signal consumed at release",
			"channel", channelKey,
			"requester", sig.RequesterID)
	} else if len(entry.queue) > 0 {
		next = entry.queue[0]
		entry.queue = entry.queue[1:]
		s.metrics.SetQueueDepth(channelKey, len(entry.queue))
	}

	if next == nil {
		entry.locked = false
		entry.lockedAt = time.Time{}
		entry.currentTurnID = ""
		return nil
	}
	entry.lockedAt = s.now()
	entry.currentTurnID = next.ID
	return next
}

// QueueLen reports the backlog length for a channel.
func (s *Scheduler) QueueLen(channelKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.channels[channelKey]
	if !ok {
		return 0
	}
	return len(entry.queue)
}

// Locked reports whether a channel currently holds an active turn.
func (s *Scheduler) Locked(channelKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.channels[channelKey]
	return ok && entry.locked
}
