package turns

import (
	"sync"
	"time"

	"github.com/haasonsaas/banter/pkg/models"
)

// StopSignal is a pending request to interrupt the in-flight turn of one
// channel. The payload is the interrupting message itself; it is used later
// as the passport to regenerate an acknowledgement response.
type StopSignal struct {
	ChannelKey  string
	RequesterID string
	Payload     *models.Message
	RequestedAt time.Time
}

// StopRegistry is the process-wide map from channel key to a pending stop
// request. At most one signal is pending per channel: a second stop while one
// is pending overwrites it (last writer wins), so entries never accumulate.
//
// Thread Safety:
// StopRegistry is safe for concurrent use.
type StopRegistry struct {
	mu      sync.Mutex
	pending map[string]*StopSignal
}

// NewStopRegistry creates an empty stop registry.
func NewStopRegistry() *StopRegistry {
	return &StopRegistry{pending: make(map[string]*StopSignal)}
}

// Set records a stop request for the signal's channel, replacing any pending one.
func (r *StopRegistry) Set(sig *StopSignal) {
	if sig == nil || sig.ChannelKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[sig.ChannelKey] = sig
}

// Consume atomically reads and clears the pending signal for a channel.
// Under concurrent callers exactly one observes the signal.
func (r *StopRegistry) Consume(channelKey string) (*StopSignal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.pending[channelKey]
	if ok {
		delete(r.pending, channelKey)
	}
	return sig, ok
}

// Pending reports whether a stop request is waiting for the channel without
// consuming it. Provider calls poll this at safe checkpoints.
func (r *StopRegistry) Pending(channelKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[channelKey]
	return ok
}
