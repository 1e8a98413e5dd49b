package runner

import (
	"context"
	"sync"
	"time"

	"github.com/clinicflow/flowbridge/log"
)

// Kind is the type of a progress event.
type Kind string

// Event kinds.
const (
	KindStrategyStart    Kind = "STRATEGY_START"
	KindStepStart        Kind = "STEP_START"
	KindStepComplete     Kind = "STEP_COMPLETE"
	KindStrategyComplete Kind = "STRATEGY_COMPLETE"
	KindError            Kind = "ERROR"
)

// Status qualifies an event.
type Status string

// Event statuses.
const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event reports the progress of a strategy run.
type Event struct {
	Kind       Kind      `json:"type"`
	RunID      string    `json:"runId"`
	StrategyID string    `json:"strategyId,omitempty"`
	StepID     string    `json:"stepId,omitempty"`
	Message    string    `json:"message"`
	Status     Status    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DefaultEventBuffer is the per-subscriber buffer used when none is given.
const DefaultEventBuffer = 256

// Emitter fans events out to subscribers. Every subscriber has a bounded
// channel; an event that doesn't fit is dropped for that subscriber, and
// emitting with no subscribers is fine. Emitting never blocks a run.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
	logger *log.Logger
}

// NewEmitter returns an Emitter whose subscriber channels hold buffer
// events. A buffer <= 0 means DefaultEventBuffer.
func NewEmitter(buffer int, logger *log.Logger) *Emitter {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Emitter{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel receiving every event emitted from now on.
// The channel is closed once ctx is done.
func (e *Emitter) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, e.buffer)

	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.subs, ch)
		close(ch)
		e.mu.Unlock()
	}()

	return ch
}

// Emit delivers ev to every subscriber that has room for it.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warnf("Emitter:Emit", "subscriber full, dropping %s event of run %s", ev.Kind, ev.RunID)
		}
	}
}
