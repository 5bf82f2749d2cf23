package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"strategy-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	botPrefix   = []byte("bot/")
	statePrefix = []byte("state/")
	execPrefix  = []byte("exec/")
	engineKey   = []byte("engine_state")
)

// badgerRepository is the BadgerDB implementation of the Repository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (Repository, error) {
	return NewBadgerRepositoryWithOptions(badger.DefaultOptions(dbPath))
}

// NewInMemoryBadgerRepository opens a badger instance that lives only in memory, for replays and tests.
func NewInMemoryBadgerRepository() (Repository, error) {
	return NewBadgerRepositoryWithOptions(badger.DefaultOptions("").WithInMemory(true))
}

// NewBadgerRepositoryWithOptions opens badger with caller-supplied options.
func NewBadgerRepositoryWithOptions(opts badger.Options) (Repository, error) {
	// Badger's own logging is disabled to keep the app's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

func botKey(botID string) []byte {
	return append(append([]byte{}, botPrefix...), botID...)
}

func stateKey(botID string) []byte {
	return append(append([]byte{}, statePrefix...), botID...)
}

func execBotPrefix(botID string) []byte {
	return []byte(fmt.Sprintf("%s%s/", execPrefix, botID))
}

// execKey orders a bot's executions by start time.
func execKey(exec *models.Execution) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", execPrefix, exec.BotID, exec.StartedAt.UnixNano(), exec.ID))
}

func (r *badgerRepository) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get decodes the value under key into v. It reports false when the key is absent.
func (r *badgerRepository) get(key []byte, v any) (bool, error) {
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("value is empty in database")
			}
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *badgerRepository) SaveBotConfig(cfg *models.BotConfig) error {
	return r.put(botKey(cfg.BotID), cfg)
}

func (r *badgerRepository) LoadBotConfigs() ([]*models.BotConfig, error) {
	var configs []*models.BotConfig
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = botPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(botPrefix); it.ValidForPrefix(botPrefix); it.Next() {
			var cfg models.BotConfig
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cfg)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			configs = append(configs, &cfg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].BotID < configs[j].BotID })
	return configs, nil
}

func (r *badgerRepository) DeleteBot(botID string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(botKey(botID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := txn.Delete(botKey(botID)); err != nil {
			return err
		}
		return txn.Delete(stateKey(botID))
	})
	if err != nil {
		return err
	}
	return r.db.DropPrefix(execBotPrefix(botID))
}

func (r *badgerRepository) SaveBotState(state *models.BotState) error {
	return r.put(stateKey(state.BotID), state)
}

func (r *badgerRepository) LoadBotState(botID string) (*models.BotState, error) {
	var state models.BotState
	found, err := r.get(stateKey(botID), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (r *badgerRepository) SaveExecution(exec *models.Execution) error {
	return r.put(execKey(exec), exec)
}

func (r *badgerRepository) LoadExecutions(botID string, limit int) ([]*models.Execution, error) {
	prefix := execBotPrefix(botID)
	var execs []*models.Execution
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(execs) >= limit {
				break
			}
			var exec models.Execution
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &exec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			execs = append(execs, &exec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(execs)-1; i < j; i, j = i+1, j-1 {
		execs[i], execs[j] = execs[j], execs[i]
	}
	return execs, nil
}

func (r *badgerRepository) SaveEngineState(state *models.EngineState) error {
	return r.put(engineKey, state)
}

func (r *badgerRepository) LoadEngineState() (*models.EngineState, error) {
	var state models.EngineState
	found, err := r.get(engineKey, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
