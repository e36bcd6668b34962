package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	configPrefix   = "config/"
	statePrefix    = "state/"
	orderPrefix    = "order/"
	decisionPrefix = "decision/"
)

// BadgerRepository is the BadgerDB implementation of GridRepository.
// Every value is stored as JSON under a "<kind>/<id>" key.
type BadgerRepository struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerRepository opens (or creates) a repository at dbPath.
func NewBadgerRepository(dbPath string) (*BadgerRepository, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository opens a repository that lives only in memory.
func NewInMemoryRepository() (*BadgerRepository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerRepository, error) {
	// Badger 自带的日志太吵, 错误仍会通过返回值传递
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %w", models.ErrPersistenceFailure, err)
	}
	return &BadgerRepository{db: db, now: time.Now}, nil
}

func (r *BadgerRepository) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", models.ErrPersistenceFailure, key, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", models.ErrPersistenceFailure, key, err)
	}
	return nil
}

// get decodes key into v. found is false when the key does not exist.
func (r *BadgerRepository) get(key string, v interface{}) (found bool, err error) {
	err = r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
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
		return false, fmt.Errorf("%w: read %s: %w", models.ErrPersistenceFailure, key, err)
	}
	return true, nil
}

// scan calls fn with the raw value of every key under prefix.
func (r *BadgerRepository) scan(prefix string, fn func(val []byte) error) error {
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scan %s: %w", models.ErrPersistenceFailure, prefix, err)
	}
	return nil
}

func (r *BadgerRepository) GetBotState(pair string) (*models.GridBotState, error) {
	var state models.GridBotState
	found, err := r.get(statePrefix+pair, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (r *BadgerRepository) SaveBotState(state *models.GridBotState) error {
	if state == nil || state.Pair == "" {
		return fmt.Errorf("%w: state without pair", models.ErrPersistenceFailure)
	}
	state.Version++
	state.UpdatedAt = r.now()
	if err := r.put(statePrefix+state.Pair, state); err != nil {
		state.Version--
		return err
	}
	return nil
}

func (r *BadgerRepository) SaveOrder(order *models.GridOrder) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("%w: order without id", models.ErrPersistenceFailure)
	}
	return r.put(orderPrefix+order.ID, order)
}

func (r *BadgerRepository) UpdateOrderStatus(orderID string, status models.OrderStatus, filledAt *time.Time) error {
	var order models.GridOrder
	found, err := r.get(orderPrefix+orderID, &order)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: order %s", models.ErrOrderNotFound, orderID)
	}
	order.Status = status
	if filledAt != nil {
		order.FilledAt = filledAt
	}
	return r.put(orderPrefix+orderID, &order)
}

func (r *BadgerRepository) UpdateOrderExchangeID(orderID, exchangeID string) error {
	var order models.GridOrder
	found, err := r.get(orderPrefix+orderID, &order)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: order %s", models.ErrOrderNotFound, orderID)
	}
	order.ExchangeID = exchangeID
	return r.put(orderPrefix+orderID, &order)
}

func (r *BadgerRepository) GetActiveOrders(pair string) ([]models.GridOrder, error) {
	var out []models.GridOrder
	err := r.scan(orderPrefix, func(val []byte) error {
		var o models.GridOrder
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if o.Pair == pair && o.Status == models.OrderOpen {
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *BadgerRepository) CancelAllOrdersForPair(pair string) (int, error) {
	active, err := r.GetActiveOrders(pair)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		for i := range active {
			active[i].Status = models.OrderCancelled
			data, err := json.Marshal(&active[i])
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(orderPrefix+active[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: cancel orders of %s: %w", models.ErrPersistenceFailure, pair, err)
	}
	return len(active), nil
}

func (r *BadgerRepository) GetConfig(pair string) (*models.GridConfig, error) {
	var cfg models.GridConfig
	found, err := r.get(configPrefix+pair, &cfg)
	if err != nil || !found {
		return nil, err
	}
	return &cfg, nil
}

// GetActiveConfigs returns all configs with IsActive set, ordered by pair.
func (r *BadgerRepository) GetActiveConfigs() ([]models.GridConfig, error) {
	var out []models.GridConfig
	err := r.scan(configPrefix, func(val []byte) error {
		var c models.GridConfig
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		if c.IsActive {
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out, nil
}

func (r *BadgerRepository) SaveConfig(cfg *models.GridConfig) error {
	if cfg == nil || cfg.Pair == "" {
		return fmt.Errorf("%w: config without pair", models.ErrInvalidConfiguration)
	}
	now := r.now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	return r.put(configPrefix+cfg.Pair, cfg)
}

func (r *BadgerRepository) UpdateConfigStatus(pair string, running bool, decision models.Decision, at time.Time) error {
	cfg, err := r.GetConfig(pair)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("%w: no config for %s", models.ErrInvalidConfiguration, pair)
	}
	cfg.IsRunning = running
	if decision != "" {
		cfg.LastDecision = decision
		cfg.LastDecisionAt = at
	}
	return r.SaveConfig(cfg)
}

func (r *BadgerRepository) SaveDecision(rec *models.DecisionRecord) error {
	if rec == nil || rec.Pair == "" {
		return fmt.Errorf("%w: decision without pair", models.ErrInvalidConfiguration)
	}
	return r.put(decisionPrefix+rec.Pair, rec)
}

func (r *BadgerRepository) GetDecision(pair string) (*models.DecisionRecord, error) {
	var rec models.DecisionRecord
	found, err := r.get(decisionPrefix+pair, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// Close gracefully closes the connection to the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
