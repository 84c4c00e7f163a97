package control

import (
	"sync"

	"github.com/msageha/orchestrator-core/internal/engine"
)

// ringBuffer keeps the last `cap` engine events, dropping the oldest once
// full, per spec.md §4.6. At a capacity of 2000 a linear scan per query
// is cheap enough that no secondary job_id/step_id index is warranted.
type ringBuffer struct {
	mu     sync.Mutex
	cap    int
	events []engine.Event
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{cap: cap, events: make([]engine.Event, 0, cap)}
}

func (r *ringBuffer) append(evt engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if len(r.events) > r.cap {
		overflow := len(r.events) - r.cap
		copy(r.events, r.events[overflow:])
		r.events = r.events[:r.cap]
	}
}

func (r *ringBuffer) byJob(jobID string) []engine.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.Event, 0)
	for _, evt := range r.events {
		if evt.JobID == jobID {
			out = append(out, evt)
		}
	}
	return out
}

func (r *ringBuffer) byStep(jobID, stepID string) []engine.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.Event, 0)
	for _, evt := range r.events {
		if evt.JobID == jobID && evt.StepID == stepID {
			out = append(out, evt)
		}
	}
	return out
}
