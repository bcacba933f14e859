// Package relay implements the single-transmitter broadcast core described
// in the original chat server: every submitted message passes through one
// goroutine that fans it out to all other connected clients, so broadcast
// order is globally serialized and each recipient sees exactly one copy.
package relay

import (
	"context"
	"sync"

	"github.com/irl-lan/chatrelay/internal/display"
	"github.com/irl-lan/chatrelay/internal/logging"
	"github.com/irl-lan/chatrelay/internal/metrics"
	"github.com/irl-lan/chatrelay/internal/registry"
)

// BackpressurePolicy controls what happens when a recipient's outbound
// buffer is full.
type BackpressurePolicy int

const (
	// PolicyDrop silently discards the message for that one recipient.
	PolicyDrop BackpressurePolicy = iota
	// PolicyKick marks the unresponsive recipient closed, treating a full
	// queue the same as a disconnect.
	PolicyKick
)

type submission struct {
	originatorID uint64
	payload      []byte
}

// Relay owns the submit/completed rendezvous and the single fan-out
// transmitter goroutine.
type Relay struct {
	reg    *registry.Registry
	policy BackpressurePolicy
	sink   display.Sink

	submitCh chan submission

	mu          sync.Mutex
	cond        *sync.Cond
	completedID int64 // -1 means no completion posted since last reset
	stopped     bool
}

// RelayOption configures a Relay at construction time.
type RelayOption func(*Relay)

// WithDisplay sets the sink the transmitter writes each broadcast payload
// to. The write happens once per submission, under the sink's lock,
// mirroring the shared draw_mutex the threaded server's receive tasks and
// transmitter contended over in the original C source.
func WithDisplay(sink display.Sink) RelayOption {
	return func(r *Relay) { r.sink = sink }
}

// New creates a Relay fanning messages out through reg.
func New(reg *registry.Registry, policy BackpressurePolicy, opts ...RelayOption) *Relay {
	r := &Relay{
		reg:         reg,
		policy:      policy,
		submitCh:    make(chan submission, 1),
		completedID: -1,
	}
	r.cond = sync.NewCond(&r.mu)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the single transmitter loop until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case sub := <-r.submitCh:
			r.broadcast(sub)
			r.mu.Lock()
			r.completedID = int64(sub.originatorID)
			r.cond.Broadcast()
			// Hold the next submission until the originator has consumed
			// this completion, so it cannot be overwritten unseen.
			for r.completedID != -1 {
				r.cond.Wait()
			}
			r.mu.Unlock()
		case <-ctx.Done():
			r.mu.Lock()
			r.stopped = true
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
	}
}

// broadcast fans sub's payload out to every record except its originator,
// and writes exactly one copy of the payload to the server's display pane
// regardless of how many recipients it reaches.
func (r *Relay) broadcast(sub submission) {
	if r.sink != nil {
		r.sink.Lock()
		r.sink.Write(string(sub.payload))
		r.sink.Unlock()
	}
	clients := r.reg.Snapshot()
	fanout := 0
	maxDepth, sumDepth := 0, 0
	for _, rec := range clients {
		if rec.ID == sub.originatorID || rec.Closed() {
			continue
		}
		fanout++
		depth := len(rec.Out)
		if depth > maxDepth {
			maxDepth = depth
		}
		sumDepth += depth
		select {
		case rec.Out <- sub.payload:
		default:
			if r.policy == PolicyKick {
				metrics.IncRelayKick()
				rec.MarkClosed()
			} else {
				metrics.IncRelayDrop()
			}
		}
	}
	metrics.SetBroadcastFanout(fanout)
	if fanout > 0 {
		metrics.SetQueueDepth(maxDepth, sumDepth/fanout)
	}
}

// Submit hands payload to the transmitter on behalf of originatorID and
// blocks until that specific broadcast has completed, mirroring the
// original server's submit/completed mutex-and-condvar rendezvous. It
// returns ctx.Err() if ctx is cancelled before the submission is accepted.
func (r *Relay) Submit(ctx context.Context, originatorID uint64, payload []byte) error {
	select {
	case r.submitCh <- submission{originatorID: originatorID, payload: payload}:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	for r.completedID != int64(originatorID) && !r.stopped {
		r.cond.Wait()
	}
	stopped := r.stopped
	if !stopped {
		r.completedID = -1
		r.cond.Broadcast()
	}
	r.mu.Unlock()
	if stopped {
		return context.Canceled
	}
	logging.L().Debug("relay_broadcast_complete", "originator_id", originatorID)
	return nil
}
