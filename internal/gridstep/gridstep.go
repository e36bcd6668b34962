// Package gridstep implements the per-level order state machine.
//
//	EMPTY --place buy--> BUY_PENDING --ack--> BUY_RESTING --fill--> EMPTY(last=BUY) --place sell--> SELL_PENDING
//	SELL_PENDING --ack--> SELL_RESTING --fill--> EMPTY(last=SELL) --place buy--> BUY_PENDING
//	any --cancel--> EMPTY
//
// A step in EMPTY that still holds inventory always wants a sell at its upper bound.
package gridstep

import (
	"fmt"
	"time"

	"spot-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when an event does not apply to the step's state.
var ErrInvalidTransition = fmt.Errorf("%w: invalid step transition", models.ErrStateInconsistency)

// ActionKind is what a step wants the reconciler to do.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionPlaceBuy
	ActionPlaceSell
)

func (k ActionKind) String() string {
	switch k {
	case ActionPlaceBuy:
		return "place_buy"
	case ActionPlaceSell:
		return "place_sell"
	default:
		return "none"
	}
}

// Action is the desired command for one step.
type Action struct {
	Kind   ActionKind
	Side   models.Side
	Price  decimal.Decimal
	Amount decimal.Decimal // 卖单为持仓数量, 买单由调用方决定
}

// Fill is an execution reported by the exchange.
type Fill struct {
	OrderID string
	Price   decimal.Decimal
	Amount  decimal.Decimal
	At      time.Time
}

// Desired returns the action the step wants at the current price.
func Desired(step *models.GridStep, price decimal.Decimal) Action {
	if step.State != models.StepEmpty || step.Active != nil {
		return Action{Kind: ActionNone}
	}
	if step.Holding != nil && step.Holding.Amount.IsPositive() {
		return Action{Kind: ActionPlaceSell, Side: models.Sell, Price: step.Upper, Amount: step.Holding.Amount}
	}
	if price.GreaterThan(step.Lower) {
		return Action{Kind: ActionPlaceBuy, Side: models.Buy, Price: step.Lower}
	}
	return Action{Kind: ActionNone}
}

// MarkPending records a create command that has been issued but not acknowledged.
func MarkPending(step *models.GridStep, order models.ActiveOrder) error {
	if step.State != models.StepEmpty || step.Active != nil {
		return fmt.Errorf("%w: level %d cannot place %s in state %s", ErrInvalidTransition, step.Level, order.Side, step.State)
	}
	switch order.Side {
	case models.Buy:
		step.State = models.StepBuyPending
	case models.Sell:
		if step.Holding == nil {
			return fmt.Errorf("%w: level %d has no inventory to sell", ErrInvalidTransition, step.Level)
		}
		step.State = models.StepSellPending
	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidTransition, order.Side)
	}
	step.Seq++
	o := order
	step.Active = &o
	return nil
}

// Acknowledge moves a pending step to resting once the exchange confirmed the order.
func Acknowledge(step *models.GridStep, exchangeID string) error {
	switch step.State {
	case models.StepBuyPending:
		step.State = models.StepBuyResting
	case models.StepSellPending:
		step.State = models.StepSellResting
	case models.StepBuyResting, models.StepSellResting:
		// 重复确认是幂等的
	default:
		return fmt.Errorf("%w: level %d cannot acknowledge in state %s", ErrInvalidTransition, step.Level, step.State)
	}
	if exchangeID != "" {
		step.Active.ExchangeID = exchangeID
	}
	step.Rejection = nil
	return nil
}

// ApplyFill records an execution of the resting order and frees the step.
// For a sell it returns the portion of inventory that was closed, which is
// what accounting needs to emit a trade. A partial sell keeps the remainder
// on the step so it is offered again.
func ApplyFill(step *models.GridStep, f Fill) (*models.Holding, error) {
	if step.Active == nil || (step.State != models.StepBuyResting && step.State != models.StepSellResting) {
		return nil, fmt.Errorf("%w: level %d cannot fill in state %s", ErrInvalidTransition, step.Level, step.State)
	}
	side := step.Active.Side
	step.Active = nil
	step.State = models.StepEmpty

	if side == models.Buy {
		if step.Holding != nil {
			// 合并持仓, 按加权均价
			total := step.Holding.Amount.Add(f.Amount)
			cost := step.Holding.Amount.Mul(step.Holding.Price).Add(f.Amount.Mul(f.Price))
			step.Holding = &models.Holding{BuyOrderID: f.OrderID, Price: cost.Div(total), Amount: total, FilledAt: f.At}
		} else {
			step.Holding = &models.Holding{BuyOrderID: f.OrderID, Price: f.Price, Amount: f.Amount, FilledAt: f.At}
		}
		step.LastFilledSide = models.Buy
		return nil, nil
	}

	if step.Holding == nil {
		step.LastFilledSide = models.Sell
		return nil, nil
	}
	closed := *step.Holding
	if f.Amount.LessThan(closed.Amount) {
		closed.Amount = f.Amount
		step.Holding.Amount = step.Holding.Amount.Sub(f.Amount)
		step.LastFilledSide = models.Buy
	} else {
		step.Holding = nil
		step.LastFilledSide = models.Sell
	}
	return &closed, nil
}

// Cancel returns the step to EMPTY. Inventory held by the step is kept.
func Cancel(step *models.GridStep) {
	step.Active = nil
	step.State = models.StepEmpty
}

// Reset clears the step completely, including inventory.
func Reset(step *models.GridStep) {
	Cancel(step)
	step.Holding = nil
	step.LastFilledSide = ""
	step.Rejection = nil
}

// Reject records an exchange rejection for the current config fingerprint.
func Reject(step *models.GridStep, reason, fingerprint string, at time.Time) {
	Cancel(step)
	step.Rejection = &models.Rejection{Reason: reason, Fingerprint: fingerprint, At: at}
}

// Blocked reports whether a previous rejection still applies.
func Blocked(step *models.GridStep, fingerprint string, now time.Time, cooldown time.Duration) bool {
	r := step.Rejection
	if r == nil || r.Fingerprint != fingerprint {
		return false
	}
	return now.Sub(r.At) < cooldown
}

// IsPending reports whether the step has a create command with unknown outcome.
func IsPending(step *models.GridStep) bool {
	return step.State == models.StepBuyPending || step.State == models.StepSellPending
}

// IsResting reports whether the step has an acknowledged order.
func IsResting(step *models.GridStep) bool {
	return step.State == models.StepBuyResting || step.State == models.StepSellResting
}
