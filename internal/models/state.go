package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StepState 网格档位的状态
type StepState string

const (
	StepEmpty       StepState = "EMPTY"
	StepBuyPending  StepState = "BUY_PENDING"
	StepBuyResting  StepState = "BUY_RESTING"
	StepSellPending StepState = "SELL_PENDING"
	StepSellResting StepState = "SELL_RESTING"
)

// ActiveOrder 档位上当前挂着的订单
type ActiveOrder struct {
	OrderID       string          `json:"order_id"` // 本地 GridOrder ID
	ClientOrderID string          `json:"client_order_id"`
	ExchangeID    string          `json:"exchange_id,omitempty"` // 确认前为空
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	PlacedAt      time.Time       `json:"placed_at"`
}

// Holding 档位持有的买入成交, 用于计算卖出后的利润
type Holding struct {
	BuyOrderID string          `json:"buy_order_id"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	FilledAt   time.Time       `json:"filled_at"`
}

// Rejection 记录交易所拒单, 在配置变化或冷却结束前不再重试
type Rejection struct {
	Reason      string    `json:"reason"`
	Fingerprint string    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

// GridStep 网格中的一个档位 (pair, level)
type GridStep struct {
	Level          int             `json:"level"`
	Lower          decimal.Decimal `json:"lower"`
	Upper          decimal.Decimal `json:"upper"`
	State          StepState       `json:"state"`
	Active         *ActiveOrder    `json:"active,omitempty"`
	LastFilledSide Side            `json:"last_filled_side,omitempty"`
	Holding        *Holding        `json:"holding,omitempty"`
	Seq            int             `json:"seq"` // 下单序号, 用于生成确定性的 clientOrderId
	Rejection      *Rejection      `json:"rejection,omitempty"`
	SkipNotedFor   string          `json:"skip_noted_for,omitempty"` // 已记录过最小名义价值跳过的配置指纹
}

// GridBotState 定义了每个交易对需要持久化的全部数据
type GridBotState struct {
	Pair             string          `json:"pair"`
	Version          int             `json:"version"`
	LadderID         string          `json:"ladder_id,omitempty"`
	Fingerprint      string          `json:"fingerprint,omitempty"` // 生成网格时的配置指纹
	LowerBound       decimal.Decimal `json:"lower_bound"`
	UpperBound       decimal.Decimal `json:"upper_bound"`
	OrderAmount      decimal.Decimal `json:"order_amount"`
	Steps            []GridStep      `json:"steps"`
	CumulativeProfit decimal.Decimal `json:"cumulative_profit"`
	TradeCount       int             `json:"trade_count"`
	LastPrice        decimal.Decimal `json:"last_price"`
	CapitalCommitted decimal.Decimal `json:"capital_committed"` // 买单占用的计价货币
	BaseCommitted    decimal.Decimal `json:"base_committed"`    // 档位持有的基础货币
	LastError        string          `json:"last_error,omitempty"`
	LastPassAt       time.Time       `json:"last_pass_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewGridBotState returns an empty state for pair.
func NewGridBotState(pair string) *GridBotState {
	return &GridBotState{Pair: pair, Version: 1}
}

// HasLadder reports whether a ladder has been built.
func (s *GridBotState) HasLadder() bool {
	return len(s.Steps) > 0
}

// ActiveOrders returns the orders currently owned by steps.
func (s *GridBotState) ActiveOrders() []ActiveOrder {
	var out []ActiveOrder
	for i := range s.Steps {
		if s.Steps[i].Active != nil {
			out = append(out, *s.Steps[i].Active)
		}
	}
	return out
}

// Holdings returns the base inventory held by steps.
func (s *GridBotState) Holdings() []Holding {
	var out []Holding
	for i := range s.Steps {
		if s.Steps[i].Holding != nil {
			out = append(out, *s.Steps[i].Holding)
		}
	}
	return out
}

// RecomputeCommitted refreshes the committed quote and base amounts.
func (s *GridBotState) RecomputeCommitted() {
	quote := decimal.Zero
	base := decimal.Zero
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.Active != nil && st.Active.Side == Buy {
			quote = quote.Add(st.Active.Amount.Mul(st.Active.Price))
		}
		if st.Holding != nil {
			base = base.Add(st.Holding.Amount)
		}
	}
	s.CapitalCommitted = quote
	s.BaseCommitted = base
}

// Clone returns a deep copy of the state.
func (s *GridBotState) Clone() *GridBotState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Steps != nil {
		c.Steps = make([]GridStep, len(s.Steps))
		for i, st := range s.Steps {
			if st.Active != nil {
				a := *st.Active
				st.Active = &a
			}
			if st.Holding != nil {
				h := *st.Holding
				st.Holding = &h
			}
			if st.Rejection != nil {
				r := *st.Rejection
				st.Rejection = &r
			}
			c.Steps[i] = st
		}
	}
	return &c
}
