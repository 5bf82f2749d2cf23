package engine

import (
	"sync"

	"strategy-bot-go/internal/eventbus"
	"strategy-bot-go/internal/models"
)

// eventQueue is the publisher bots see. Fills and executions raised while the engine lock is
// held are queued and reach the bus only on flush, after the lock is released, so subscribers
// may call back into the engine. State snapshots go straight to the bus.
type eventQueue struct {
	mu      sync.Mutex
	bus     *eventbus.Bus
	pending []func()
}

func newEventQueue(bus *eventbus.Bus) *eventQueue {
	return &eventQueue{bus: bus}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

func (q *eventQueue) PublishOrderFilled(order *models.Order) {
	cp := *order
	q.push(func() { q.bus.PublishOrderFilled(&cp) })
}

func (q *eventQueue) PublishExecution(exec *models.Execution) {
	cp := exec.Clone()
	q.push(func() { q.bus.PublishExecution(cp) })
}

func (q *eventQueue) SaveBotState(state *models.BotState) {
	q.bus.SaveBotState(state)
}

// flush delivers queued events in the order they were raised. It must not be called with the
// engine lock held.
func (q *eventQueue) flush() {
	for {
		q.mu.Lock()
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, fn := range pending {
			fn()
		}
	}
}
