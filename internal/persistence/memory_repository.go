package persistence

import (
	"sort"
	"sync"

	"strategy-bot-go/internal/models"
)

// MemoryRepository is an in-process Repository for paper sessions and tests.
// Values are deep-copied on the way in and out.
type MemoryRepository struct {
	mu          sync.RWMutex
	configs     map[string]*models.BotConfig
	states      map[string]*models.BotState
	executions  map[string][]*models.Execution
	engineState *models.EngineState
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		configs:    make(map[string]*models.BotConfig),
		states:     make(map[string]*models.BotState),
		executions: make(map[string][]*models.Execution),
	}
}

func (r *MemoryRepository) SaveBotConfig(cfg *models.BotConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.BotID] = cfg.Clone()
	return nil
}

func (r *MemoryRepository) LoadBotConfigs() ([]*models.BotConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.BotConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

func (r *MemoryRepository) DeleteBot(botID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[botID]; !ok {
		return ErrNotFound
	}
	delete(r.configs, botID)
	delete(r.states, botID)
	delete(r.executions, botID)
	return nil
}

func (r *MemoryRepository) SaveBotState(state *models.BotState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.BotID] = copyBotState(state)
	return nil
}

func (r *MemoryRepository) LoadBotState(botID string) (*models.BotState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[botID]
	if !ok {
		return nil, nil
	}
	return copyBotState(state), nil
}

func (r *MemoryRepository) SaveExecution(exec *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.executions[exec.BotID]
	for i, e := range list {
		if e.ID == exec.ID {
			list[i] = exec.Clone()
			return nil
		}
	}
	r.executions[exec.BotID] = append(list, exec.Clone())
	return nil
}

func (r *MemoryRepository) LoadExecutions(botID string, limit int) ([]*models.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.executions[botID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*models.Execution, len(list))
	for i, e := range list {
		out[i] = e.Clone()
	}
	return out, nil
}

func (r *MemoryRepository) SaveEngineState(state *models.EngineState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *state
	r.engineState = &cp
	return nil
}

func (r *MemoryRepository) LoadEngineState() (*models.EngineState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.engineState == nil {
		return nil, nil
	}
	cp := *r.engineState
	return &cp, nil
}

func (r *MemoryRepository) Close() error { return nil }

func copyBotState(s *models.BotState) *models.BotState {
	cp := *s
	cp.Positions = make([]*models.Position, len(s.Positions))
	for i, p := range s.Positions {
		pc := *p
		cp.Positions[i] = &pc
	}
	cp.StrategyState = append([]byte(nil), s.StrategyState...)
	return &cp
}
