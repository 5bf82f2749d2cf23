package persistence

import (
	"errors"

	"strategy-bot-go/internal/models"
)

// ErrNotFound is returned when a bot does not exist in storage.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for engine persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type Repository interface {
	// SaveBotConfig inserts or replaces a bot definition.
	SaveBotConfig(cfg *models.BotConfig) error

	// LoadBotConfigs returns every stored bot definition ordered by bot id.
	LoadBotConfigs() ([]*models.BotConfig, error)

	// DeleteBot removes a bot with its state and execution history.
	// It returns ErrNotFound when the bot was never saved.
	DeleteBot(botID string) error

	// SaveBotState atomically replaces the runtime state of one bot.
	SaveBotState(state *models.BotState) error

	// LoadBotState loads a bot's runtime state.
	// If no state is found, it returns (nil, nil).
	LoadBotState(botID string) (*models.BotState, error)

	// SaveExecution appends or updates an execution record.
	SaveExecution(exec *models.Execution) error

	// LoadExecutions returns up to limit of the bot's most recent executions, oldest first.
	// A limit <= 0 returns all of them.
	LoadExecutions(botID string, limit int) ([]*models.Execution, error)

	// SaveEngineState atomically replaces the engine-wide state.
	SaveEngineState(state *models.EngineState) error

	// LoadEngineState loads the engine state, or (nil, nil) when none was saved.
	LoadEngineState() (*models.EngineState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
