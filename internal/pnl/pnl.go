// Package pnl holds the money primitives for the lifecycle engine: per-leg
// unrealized P&L, profit-target limit pricing, and realized P&L from broker
// transaction flows. All arithmetic is fixed-point via shopspring/decimal;
// floats never enter these formulas.
package pnl

import (
	"github.com/shopspring/decimal"
)

// DefaultMultiplier is the contract multiplier applied when a leg does not
// supply its own.
const DefaultMultiplier = 100

var (
	hundred = decimal.New(100, 0)
	one     = decimal.New(1, 0)
)

// Direction is the side of a leg from the account's perspective.
type Direction string

const (
	// Short legs were sold to open.
	Short Direction = "short"
	// Long legs were bought to open.
	Long Direction = "long"
)

// PriceEffect describes whether an opening order collected or paid premium.
type PriceEffect string

const (
	// Credit means premium was collected at open.
	Credit PriceEffect = "Credit"
	// Debit means premium was paid at open.
	Debit PriceEffect = "Debit"
)

// RoundStorage quantizes a monetary value to cents, half away from zero.
// Every value persisted by the store passes through this.
func RoundStorage(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundDisplay quantizes to cents with banker's rounding, for report and
// dashboard output only.
func RoundDisplay(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// RoundTick rounds a price to the nearest tick increment.
func RoundTick(d, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return d
	}
	return d.Div(tick).Round(0).Mul(tick)
}

// LegUnrealized computes the unrealized P&L for one leg.
//
//	short: (avg − current) × |qty| × multiplier
//	long:  (current − avg) × |qty| × multiplier
//
// quantity is taken as an absolute count; multiplier <= 0 falls back to the
// contract default.
func LegUnrealized(avgPrice, currentPrice decimal.Decimal, quantity int, dir Direction, multiplier int) decimal.Decimal {
	if quantity < 0 {
		quantity = -quantity
	}
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	scale := decimal.New(int64(quantity), 0).Mul(decimal.New(int64(multiplier), 0))

	var perShare decimal.Decimal
	if dir == Short {
		perShare = avgPrice.Sub(currentPrice)
	} else {
		perShare = currentPrice.Sub(avgPrice)
	}
	return perShare.Mul(scale)
}

// TargetPrice computes the limit price for a profit-target exit order.
// Credit spreads close at credit × (1 − pct/100); debit spreads close at
// debit × (1 + pct/100). basis is the absolute opening credit or debit per
// spread; targetPct is the whole-number percentage (40 means 40%).
func TargetPrice(basis decimal.Decimal, targetPct decimal.Decimal, effect PriceEffect) decimal.Decimal {
	frac := targetPct.Div(hundred)
	if effect == Debit {
		return basis.Mul(one.Add(frac))
	}
	return basis.Mul(one.Sub(frac))
}

// SpreadRealized is the realized P&L of one filled profit-target spread:
// (original credit − |fill price|) × multiplier × quantity.
func SpreadRealized(originalCredit, fillPrice decimal.Decimal, quantity int) decimal.Decimal {
	if quantity <= 0 {
		quantity = 1
	}
	return originalCredit.Sub(fillPrice.Abs()).
		Mul(decimal.New(int64(DefaultMultiplier), 0)).
		Mul(decimal.New(int64(quantity), 0))
}

// Action is the broker's transaction action verb.
type Action string

const (
	SellToOpen  Action = "Sell to Open"
	BuyToOpen   Action = "Buy to Open"
	SellToClose Action = "Sell to Close"
	BuyToClose  Action = "Buy to Close"
)

// Flow is one monetary transaction line feeding the realized P&L formula.
// NetValue keeps the broker's sign.
type Flow struct {
	Action   Action
	NetValue decimal.Decimal
}

// OpeningValue sums opening flows: sells contribute +net_value, buys
// contribute −|net_value|.
func OpeningValue(flows []Flow) decimal.Decimal {
	total := decimal.Zero
	for _, f := range flows {
		if f.Action == SellToOpen {
			total = total.Add(f.NetValue)
		} else {
			total = total.Sub(f.NetValue.Abs())
		}
	}
	return total
}

// ClosingValue sums closing flows, assignment and exercise lines included:
// buys-to-close contribute −|net_value|, everything else +net_value.
func ClosingValue(flows []Flow) decimal.Decimal {
	total := decimal.Zero
	for _, f := range flows {
		if f.Action == BuyToClose {
			total = total.Sub(f.NetValue.Abs())
		} else {
			total = total.Add(f.NetValue)
		}
	}
	return total
}

// Realized computes the position's realized P&L from its opening and closing
// transaction flows. Commissions and fees are not subtracted here; they are
// tracked on the Trade records.
func Realized(opening, closing []Flow) decimal.Decimal {
	return OpeningValue(opening).Add(ClosingValue(closing))
}
