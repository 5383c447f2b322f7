package sync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/njoerd114/datastore/internal/errs"
	"github.com/njoerd114/datastore/internal/remote"
)

// Observer is told about every accepted state transition.
type Observer func(from State, action Action, to State)

// OutgoingQueue dispatches outbox entries to the remote one at a time.
// Each Start begins a new generation; work finishing after the generation
// ended is discarded.
type OutgoingQueue struct {
	outbox    Outbox
	processor *Processor
	log       *slog.Logger
	wake      chan struct{}

	mu         sync.Mutex
	state      State
	api        remote.API
	generation uint64
	cancel     context.CancelFunc
	observer   Observer
	done       chan struct{}
}

// NewOutgoingQueue creates a stopped queue.
func NewOutgoingQueue(outbox Outbox, processor *Processor, logger *slog.Logger) *OutgoingQueue {
	q := &OutgoingQueue{
		outbox:    outbox,
		processor: processor,
		log:       logger,
		wake:      make(chan struct{}, 1),
		state:     StateNotInitialized,
	}
	q.mu.Lock()
	q.transitionLocked(ActionInitialized)
	q.mu.Unlock()
	return q
}

// SetObserver installs o. It must be called before Start.
func (q *OutgoingQueue) SetObserver(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = o
}

// State returns the current state.
func (q *OutgoingQueue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Start begins dispatching through api. It is a no-op unless the queue is
// stopped or in error.
func (q *OutgoingQueue) Start(ctx context.Context, api remote.API) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.transitionLocked(ActionReceivedStart) {
		return
	}
	q.generation++
	q.api = api
	ctx, q.cancel = context.WithCancel(ctx)
	prev := q.done
	q.done = make(chan struct{})
	go q.run(ctx, q.generation, prev, q.done)
}

// Stop halts dispatching. A send in flight is not aborted. If it completes
// while the queue is stopped its result is disregarded and the entry is sent
// again after the next Start; if sync was restarted by then, the result is
// applied.
func (q *OutgoingQueue) Stop() {
	q.mu.Lock()
	q.generation++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.transitionLocked(ActionReceivedStop)
	q.mu.Unlock()
}

// Notify tells the queue that an entry was added to the outbox.
func (q *OutgoingQueue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the dispatch loop of the latest Start has exited.
func (q *OutgoingQueue) Wait() {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run is the dispatch loop of generation gen. It does not request an entry
// before the loop of the previous generation, closing prev, has exited, so
// at most one mutation is outstanding.
func (q *OutgoingQueue) run(ctx context.Context, gen uint64, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		state, api, ok := q.snapshot(gen)
		if !ok {
			return
		}

		switch state {
		case StateStarting:
			if api == nil {
				q.errored(gen, errs.New(errs.KindConfiguration, "outgoing queue started without a remote subscription"))
				return
			}
			q.transition(gen, ActionReceivedSubscription)

		case StateRequestingEvent:
			if api == nil {
				q.errored(gen, errs.New(errs.KindInternal, "requesting mutation without a remote subscription"))
				return
			}
			e, err := q.outbox.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.errored(gen, err)
				return
			}
			if e == nil {
				select {
				case <-ctx.Done():
					return
				case <-q.wake:
				}
				continue
			}
			if !q.transition(gen, ActionEnqueuedEvent) {
				return
			}
			if err := q.processor.Process(ctx, api, e, q.running); err != nil {
				if ctx.Err() == nil {
					// Already reported by the processor.
					q.log.Error("mutation left in outbox", "id", e.ID, "error", err)
					q.transition(gen, ActionErrored)
				}
				return
			}
			if !q.transition(gen, ActionProcessedEvent) {
				return
			}

		default:
			return
		}
	}
}

// --- helpers ---

// running reports whether sync is started, in any generation.
func (q *OutgoingQueue) running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case StateStarting, StateRequestingEvent, StateWaitingForEventToProcess:
		return true
	}
	return false
}

func (q *OutgoingQueue) snapshot(gen uint64) (State, remote.API, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, q.api, q.generation == gen
}

// transition applies a for generation gen. It is a no-op returning false
// when gen is stale or a is not valid in the current state.
func (q *OutgoingQueue) transition(gen uint64, a Action) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.generation != gen {
		return false
	}
	return q.transitionLocked(a)
}

func (q *OutgoingQueue) transitionLocked(a Action) bool {
	from := q.state
	to, ok := Resolve(from, a)
	if !ok {
		q.log.Debug("ignoring outgoing queue action", "state", from, "action", a)
		return false
	}
	q.state = to
	q.log.Debug("outgoing queue transition", "from", from, "action", a, "to", to)
	if q.observer != nil {
		q.observer(from, a, to)
	}
	return true
}

func (q *OutgoingQueue) errored(gen uint64, err error) {
	q.log.Error("outgoing queue failed", "error", err)
	if q.transition(gen, ActionErrored) {
		q.processor.report(err)
	}
}
