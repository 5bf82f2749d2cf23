// Package eventbus fans execution and fill events out to subscribers and persists them
// asynchronously.
package eventbus

import (
	"sync"

	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// ExecutionHandler is called once per finalized execution.
type ExecutionHandler func(exec *models.Execution)

// OrderHandler is called once per filled order.
type OrderHandler func(order *models.Order)

type persistJob struct {
	execution   *models.Execution
	botState    *models.BotState
	engineState *models.EngineState
}

// Bus delivers events synchronously to every subscriber within the publishing call, and
// hands persistence work to a background loop so storage latency never stalls a tick.
type Bus struct {
	mu            sync.RWMutex
	execHandlers  []ExecutionHandler
	orderHandlers []OrderHandler

	repo            persistence.Repository
	persistenceChan chan persistJob
	stopChan        chan struct{}
	wg              sync.WaitGroup
	running         bool
	logger          *zap.Logger
}

// New creates a bus. repo may be nil, in which case nothing is persisted.
func New(repo persistence.Repository, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		repo:            repo,
		persistenceChan: make(chan persistJob, 256),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the persistence loop. Without Start, persistence happens inline. A stopped bus
// can be started again.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.stopChan = make(chan struct{})
	b.running = true
	b.wg.Add(1)
	go b.persistenceLoop(b.stopChan)
	b.logger.Info("Event bus started")
}

// Stop drains queued persistence work and stops the loop.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus stopped")
}

// OnExecutionComplete registers an execution subscriber.
func (b *Bus) OnExecutionComplete(h ExecutionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execHandlers = append(b.execHandlers, h)
}

// OnOrderFilled registers a fill subscriber.
func (b *Bus) OnOrderFilled(h OrderHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderHandlers = append(b.orderHandlers, h)
}

// PublishExecution delivers a copy of exec to every subscriber and queues it for storage.
func (b *Bus) PublishExecution(exec *models.Execution) {
	b.mu.RLock()
	handlers := append([]ExecutionHandler(nil), b.execHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(func() { h(exec.Clone()) })
	}
	b.persist(persistJob{execution: exec.Clone()})
}

// PublishOrderFilled delivers a copy of order to every subscriber.
func (b *Bus) PublishOrderFilled(order *models.Order) {
	b.mu.RLock()
	handlers := append([]OrderHandler(nil), b.orderHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		cp := *order
		b.safeCall(func() { h(&cp) })
	}
}

// SaveBotState queues a bot state snapshot for storage.
func (b *Bus) SaveBotState(state *models.BotState) {
	b.persist(persistJob{botState: state})
}

// SaveEngineState queues an engine state snapshot for storage.
func (b *Bus) SaveEngineState(state *models.EngineState) {
	cp := *state
	b.persist(persistJob{engineState: &cp})
}

// safeCall keeps one failing subscriber from affecting the others or the publisher.
func (b *Bus) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (b *Bus) persist(job persistJob) {
	if b.repo == nil {
		return
	}
	b.mu.RLock()
	running := b.running
	if running {
		// Sending under the read lock keeps Stop from closing the loop mid-send.
		select {
		case b.persistenceChan <- job:
			b.mu.RUnlock()
			return
		default:
		}
	}
	b.mu.RUnlock()
	if running {
		b.logger.Warn("Persistence queue full, saving inline")
	}
	b.save(job)
}

// persistenceLoop handles the asynchronous saving of snapshots.
func (b *Bus) persistenceLoop(stop <-chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case job := <-b.persistenceChan:
			b.save(job)
		case <-stop:
			for {
				select {
				case job := <-b.persistenceChan:
					b.save(job)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) save(job persistJob) {
	var err error
	switch {
	case job.execution != nil:
		err = b.repo.SaveExecution(job.execution)
	case job.botState != nil:
		err = b.repo.SaveBotState(job.botState)
	case job.engineState != nil:
		err = b.repo.SaveEngineState(job.engineState)
	}
	if err != nil {
		b.logger.Error("CRITICAL: Failed to persist state", zap.Error(err))
	}
}
