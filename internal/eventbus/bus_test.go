package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"strategy-bot-go/internal/models"
	"strategy-bot-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockRepository wraps the in-memory repository and signals every save.
type mockRepository struct {
	*persistence.MemoryRepository
	sync.Mutex
	saveError    error
	saveCount    int
	saveDoneChan chan bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		MemoryRepository: persistence.NewMemoryRepository(),
		saveDoneChan:     make(chan bool, 64),
	}
}

func (m *mockRepository) signal() error {
	m.Lock()
	m.saveCount++
	err := m.saveError
	m.Unlock()
	m.saveDoneChan <- true
	return err
}

func (m *mockRepository) SaveExecution(exec *models.Execution) error {
	if err := m.MemoryRepository.SaveExecution(exec); err != nil {
		return err
	}
	return m.signal()
}

func (m *mockRepository) SaveBotState(state *models.BotState) error {
	if err := m.MemoryRepository.SaveBotState(state); err != nil {
		return err
	}
	return m.signal()
}

func (m *mockRepository) count() int {
	m.Lock()
	defer m.Unlock()
	return m.saveCount
}

func waitForSave(t *testing.T, repo *mockRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for save")
	}
}

func TestPublishExecutionReachesEverySubscriber(t *testing.T) {
	bus := New(nil, zap.NewNop())

	var got []string
	bus.OnExecutionComplete(func(e *models.Execution) { got = append(got, "first:"+e.ID) })
	bus.OnExecutionComplete(func(e *models.Execution) { panic("broken subscriber") })
	bus.OnExecutionComplete(func(e *models.Execution) { got = append(got, "third:"+e.ID) })

	bus.PublishExecution(&models.Execution{ID: "exec_1", BotID: "a"})

	assert.Equal(t, []string{"first:exec_1", "third:exec_1"}, got)
}

func TestSubscribersReceiveCopies(t *testing.T) {
	bus := New(nil, zap.NewNop())
	bus.OnExecutionComplete(func(e *models.Execution) {
		e.Status = models.ExecutionFailed
		e.Orders[0].Quantity = 0
	})
	bus.OnOrderFilled(func(o *models.Order) { o.Symbol = "changed" })

	order := &models.Order{ID: "o1", Symbol: "SPY", Quantity: 2}
	exec := &models.Execution{ID: "e1", Status: models.ExecutionSuccess, Orders: []*models.Order{order}}
	bus.PublishExecution(exec)
	bus.PublishOrderFilled(order)

	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Equal(t, 2.0, order.Quantity)
	assert.Equal(t, "SPY", order.Symbol)
}

func TestAsyncPersistence(t *testing.T) {
	repo := newMockRepository()
	bus := New(repo, zap.NewNop())
	bus.Start()
	defer bus.Stop()

	bus.PublishExecution(&models.Execution{ID: "e1", BotID: "a", StartedAt: time.Now()})
	waitForSave(t, repo)
	bus.SaveBotState(&models.BotState{BotID: "a", DailyTrades: 2})
	waitForSave(t, repo)

	execs, err := repo.LoadExecutions("a", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	state, err := repo.LoadBotState("a")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 2, state.DailyTrades)
}

func TestStopDrainsQueue(t *testing.T) {
	repo := newMockRepository()
	bus := New(repo, zap.NewNop())
	bus.Start()

	for i := 0; i < 20; i++ {
		bus.PublishExecution(&models.Execution{ID: models.NewID("exec"), BotID: "a", StartedAt: time.Now()})
	}
	bus.Stop()

	assert.Equal(t, 20, repo.count())

	// After Stop, saves happen inline.
	bus.SaveEngineState(&models.EngineState{DailyOrderCount: 3})
	state, err := repo.LoadEngineState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 3, state.DailyOrderCount)
}

func TestRestartAfterStopPersistsAgain(t *testing.T) {
	repo := newMockRepository()
	bus := New(repo, zap.NewNop())
	bus.Start()
	bus.Stop()

	bus.Start()
	bus.PublishExecution(&models.Execution{ID: "e1", BotID: "a", StartedAt: time.Now()})
	waitForSave(t, repo)
	bus.Stop()

	execs, err := repo.LoadExecutions("a", 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestPersistenceErrorsAreLoggedNotPropagated(t *testing.T) {
	repo := newMockRepository()
	repo.saveError = errors.New("disk full")
	bus := New(repo, zap.NewNop())

	assert.NotPanics(t, func() {
		bus.PublishExecution(&models.Execution{ID: "e1", BotID: "a"})
	})
	assert.Equal(t, 1, repo.count())
}
