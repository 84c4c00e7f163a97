// Package engine implements the job engine: plan submission, job/step DAG
// materialization, per-worker FIFO scheduling under a concurrency clamp,
// step execution with retry/timeout/cancel, append-only persistence with
// hydration, and event fan-out. Grounded on the dispatch/backoff loop of
// internal/daemon/dispatcher.go, the rollback-safe submit flow of
// internal/plan/submit.go, and the non-blocking subscriber bus of
// internal/events/bus.go.
package engine

import (
	"github.com/msageha/orchestrator-core/internal/model"
)

// Event is fanned out to every subscriber on every job/step mutation,
// per spec.md §4.5.
type Event struct {
	Type     string           `json:"type"` // "job_state" | "step_progress" | "worker_status"
	JobID    string           `json:"job_id"`
	StepID   string           `json:"step_id,omitempty"`
	Worker   string           `json:"worker,omitempty"`
	State    string           `json:"state"`
	Code     string           `json:"code,omitempty"`
	Output   any              `json:"output,omitempty"`
	Error    *model.WireError `json:"error,omitempty"`
	TimingMs int64            `json:"timing_ms,omitempty"`
}

// subscriberBufferSize bounds each subscriber's channel; a full channel
// drops the event rather than blocking the publisher, matching the
// teacher's events.Bus non-blocking-send design.
const subscriberBufferSize = 256

type subscriber struct {
	id string
	ch chan Event
}

// Bus is a multi-subscriber, non-blocking event fan-out.
type Bus struct {
	subscribe   chan subscriber
	unsubscribe chan string
	publish     chan Event
	done        chan struct{}
}

// NewBus starts the bus's dispatch loop and returns it ready to use.
func NewBus() *Bus {
	b := &Bus{
		subscribe:   make(chan subscriber),
		unsubscribe: make(chan string),
		publish:     make(chan Event, 1024),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	subs := map[string]chan Event{}
	for {
		select {
		case s := <-b.subscribe:
			subs[s.id] = s.ch
		case id := <-b.unsubscribe:
			if ch, ok := subs[id]; ok {
				close(ch)
				delete(subs, id)
			}
		case evt := <-b.publish:
			for _, ch := range subs {
				select {
				case ch <- evt:
				default:
					// slow subscriber drops this event rather than blocking others.
				}
			}
		case <-b.done:
			for _, ch := range subs {
				close(ch)
			}
			return
		}
	}
}

// Subscribe registers a new subscriber, returning its event channel and
// an unsubscribe function.
func (b *Bus) Subscribe(id string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)
	b.subscribe <- subscriber{id: id, ch: ch}
	return ch, func() {
		select {
		case b.unsubscribe <- id:
		case <-b.done:
		}
	}
}

// Publish fans out evt to every current subscriber without blocking on
// any single slow consumer.
func (b *Bus) Publish(evt Event) {
	select {
	case b.publish <- evt:
	case <-b.done:
	}
}

// Close stops the dispatch loop and closes every subscriber channel.
func (b *Bus) Close() {
	close(b.done)
}
