package persistence

import (
	"time"

	"spot-grid-bot-go/internal/models"
)

// GridRepository defines the interface for grid state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the reconciler and lifecycle controller.
type GridRepository interface {
	// GetBotState loads the state of pair. If none is stored it returns (nil, nil).
	GetBotState(pair string) (*models.GridBotState, error)

	// SaveBotState atomically replaces the state of state.Pair and bumps its version.
	SaveBotState(state *models.GridBotState) error

	SaveOrder(order *models.GridOrder) error
	UpdateOrderStatus(orderID string, status models.OrderStatus, filledAt *time.Time) error
	// UpdateOrderExchangeID records the exchange id of an order acknowledged after its create call.
	UpdateOrderExchangeID(orderID, exchangeID string) error
	GetActiveOrders(pair string) ([]models.GridOrder, error)

	// CancelAllOrdersForPair marks every open order mirror of pair cancelled
	// and returns how many were changed.
	CancelAllOrdersForPair(pair string) (int, error)

	GetConfig(pair string) (*models.GridConfig, error)
	GetActiveConfigs() ([]models.GridConfig, error)
	SaveConfig(cfg *models.GridConfig) error
	UpdateConfigStatus(pair string, running bool, decision models.Decision, at time.Time) error

	// SaveDecision / GetDecision store the latest signal of the external decision engine.
	SaveDecision(rec *models.DecisionRecord) error
	GetDecision(pair string) (*models.DecisionRecord, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
