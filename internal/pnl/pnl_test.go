package pnl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLegUnrealized(t *testing.T) {
	tests := []struct {
		name       string
		avg        string
		current    string
		qty        int
		dir        Direction
		multiplier int
		want       string
	}{
		{"short winning", "1.70", "1.02", 1, Short, 100, "68"},
		{"short losing", "1.70", "2.30", 1, Short, 100, "-60"},
		{"long winning", "1.02", "1.70", 1, Long, 100, "68"},
		{"long losing", "2.30", "1.70", 1, Long, 100, "-60"},
		{"negative qty treated as absolute", "1.70", "1.02", -2, Short, 100, "136"},
		{"zero multiplier defaults to 100", "1.70", "1.02", 1, Short, 0, "68"},
		{"custom multiplier", "1.70", "1.02", 1, Short, 10, "6.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LegUnrealized(dec(tt.avg), dec(tt.current), tt.qty, tt.dir, tt.multiplier)
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestTargetPrice(t *testing.T) {
	// Senex Trident per-spread targets: 40/60/50 percent of credit.
	assert.True(t, TargetPrice(dec("2.50"), dec("40"), Credit).Equal(dec("1.50")))
	assert.True(t, TargetPrice(dec("2.50"), dec("60"), Credit).Equal(dec("1.00")))
	assert.True(t, TargetPrice(dec("1.76"), dec("50"), Credit).Equal(dec("0.88")))
	// Debit spreads close above the opening debit.
	assert.True(t, TargetPrice(dec("2.00"), dec("50"), Debit).Equal(dec("3.00")))
}

func TestSpreadRealized(t *testing.T) {
	// (1.70 − 1.02) × 100 = 68.00
	assert.True(t, SpreadRealized(dec("1.70"), dec("1.02"), 1).Equal(dec("68")))
	// fill price sign is ignored
	assert.True(t, SpreadRealized(dec("1.70"), dec("-1.02"), 1).Equal(dec("68")))
	// quantity scales per-spread P&L
	assert.True(t, SpreadRealized(dec("1.70"), dec("1.02"), 2).Equal(dec("136")))
	// zero quantity defaults to one spread
	assert.True(t, SpreadRealized(dec("1.70"), dec("1.02"), 0).Equal(dec("68")))
}

func TestRealizedFromFlows(t *testing.T) {
	t.Run("credit spread closed by buy", func(t *testing.T) {
		opening := []Flow{
			{Action: SellToOpen, NetValue: dec("340.00")},
		}
		closing := []Flow{
			{Action: BuyToClose, NetValue: dec("-102.00")},
		}
		assert.True(t, Realized(opening, closing).Equal(dec("238")))
	})

	t.Run("assignment counts as closing", func(t *testing.T) {
		opening := []Flow{
			{Action: SellToOpen, NetValue: dec("900.00")},
		}
		closing := []Flow{
			{Action: "Assignment", NetValue: dec("-90000.00")},
		}
		assert.True(t, Realized(opening, closing).Equal(dec("-89100")))
	})

	t.Run("expired worthless keeps full credit", func(t *testing.T) {
		opening := []Flow{
			{Action: SellToOpen, NetValue: dec("340.00")},
		}
		assert.True(t, Realized(opening, nil).Equal(dec("340")))
	})

	t.Run("debit legs reduce opening value", func(t *testing.T) {
		opening := []Flow{
			{Action: SellToOpen, NetValue: dec("500.00")},
			{Action: BuyToOpen, NetValue: dec("-160.00")},
		}
		assert.True(t, OpeningValue(opening).Equal(dec("340")))
	})
}

func TestRounding(t *testing.T) {
	// storage rounds half away from zero
	assert.Equal(t, "1.24", RoundStorage(dec("1.235")).String())
	// display uses banker's rounding
	assert.Equal(t, "1.24", RoundDisplay(dec("1.235")).String())
	assert.Equal(t, "1.22", RoundDisplay(dec("1.225")).String())
	// tick rounding
	assert.True(t, RoundTick(dec("1.2345"), dec("0.01")).Equal(dec("1.23")))
	assert.True(t, RoundTick(dec("1.237"), dec("0.05")).Equal(dec("1.25")))
	assert.True(t, RoundTick(dec("1.2345"), dec("0")).Equal(dec("1.2345")))
}
