package models

import "errors"

// Error taxonomy shared by all components. Callers match with errors.Is.
var (
	// ErrInvalidConfiguration covers bad capital/levels/range input. The pair stays paused.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrExchangeUnavailable is a transport error or timeout. The outcome of the call is unknown.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	// ErrExchangeRejected means the exchange refused the command.
	ErrExchangeRejected = errors.New("exchange rejected")
	// ErrStateInconsistency means local state references an order the exchange does not know.
	ErrStateInconsistency = errors.New("state inconsistency")
	// ErrPersistenceFailure means the store failed after exchange side effects happened.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrOrderNotFound is returned by exchange lookups for unknown orders.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPassInFlight is returned when a pass for the pair is already running.
	ErrPassInFlight = errors.New("reconciliation pass already in flight")
	// ErrBotNotRunning is returned when a pass is requested for a stopped bot.
	ErrBotNotRunning = errors.New("bot not running")
)
