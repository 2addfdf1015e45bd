// Package strategy encodes what each strategy expects after an opening
// fill: which spreads its legs split into and the profit target each
// spread carries.
package strategy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/halpertlabs/spreadkeeper/internal/models"
	"github.com/halpertlabs/spreadkeeper/internal/occ"
)

// ProfitTargetSpec is one profit-target order a strategy expects to keep
// working while its spread is open.
type ProfitTargetSpec struct {
	SpreadType models.SpreadType
	// Percent of the spread's credit to capture before buying back.
	Percent decimal.Decimal
	// Quantity of spreads the target closes when it fills.
	Quantity int
}

// Specification describes what a filled opening order should look like for
// a given strategy.
type Specification struct {
	StrategyType models.StrategyType
	// LegCount is the expected option leg count, 0 when variable.
	LegCount int
	Targets  []ProfitTargetSpec
	// Managed is false for strategies the engine records but never places
	// profit targets for.
	Managed bool
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// specifications is the per-strategy expectation table. Senex Trident is
// the flagship: two put spreads at staggered targets plus a call spread.
var specifications = map[models.StrategyType]Specification{
	models.StrategySenexTrident: {
		StrategyType: models.StrategySenexTrident,
		LegCount:     6,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadPut1, Percent: pct("40"), Quantity: 1},
			{SpreadType: models.SpreadPut2, Percent: pct("60"), Quantity: 1},
			{SpreadType: models.SpreadCall, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyIronCondor: {
		StrategyType: models.StrategyIronCondor,
		LegCount:     4,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadPut, Percent: pct("50"), Quantity: 1},
			{SpreadType: models.SpreadCall, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyShortIronCondor: {
		StrategyType: models.StrategyShortIronCondor,
		LegCount:     4,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadPut, Percent: pct("50"), Quantity: 1},
			{SpreadType: models.SpreadCall, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyLongIronCondor: {
		StrategyType: models.StrategyLongIronCondor,
		LegCount:     4,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadPut, Percent: pct("50"), Quantity: 1},
			{SpreadType: models.SpreadCall, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyShortPutVertical: {
		StrategyType: models.StrategyShortPutVertical,
		LegCount:     2,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadGeneric, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyShortCallVertical: {
		StrategyType: models.StrategyShortCallVertical,
		LegCount:     2,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadGeneric, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyLongPutVertical: {
		StrategyType: models.StrategyLongPutVertical,
		LegCount:     2,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadGeneric, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyLongCallVertical: {
		StrategyType: models.StrategyLongCallVertical,
		LegCount:     2,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadGeneric, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyCashSecuredPut: {
		StrategyType: models.StrategyCashSecuredPut,
		LegCount:     1,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadSingleLeg, Percent: pct("50"), Quantity: 1},
		},
	},
	models.StrategyCoveredCall: {
		StrategyType: models.StrategyCoveredCall,
		LegCount:     1,
		Managed:      true,
		Targets: []ProfitTargetSpec{
			{SpreadType: models.SpreadSingleLeg, Percent: pct("50"), Quantity: 1},
		},
	},
}

// SpecFor returns the expectation table entry for the strategy.
// Unknown and external strategies come back unmanaged.
func SpecFor(strategyType models.StrategyType) Specification {
	if spec, ok := specifications[strategyType]; ok {
		return spec
	}
	return Specification{StrategyType: strategyType, Managed: false}
}

// ExpectedTargets returns the profit targets the strategy should keep
// working, or nil for unmanaged strategies.
func ExpectedTargets(strategyType models.StrategyType) []ProfitTargetSpec {
	return SpecFor(strategyType).Targets
}

// leg pairs a parsed OCC symbol with its signed quantity.
type leg struct {
	symbol   occ.Symbol
	raw      string
	quantity int
}

// SplitSpreads groups a position's option legs into the spread units the
// strategy manages, returning OCC symbols per spread type. Spread
// assignment is by strike: short puts descend put_spread_1 first (the
// spread closest to the money takes the earliest target).
func SplitSpreads(strategyType models.StrategyType, legs []models.Leg) (map[models.SpreadType][]string, error) {
	var puts, calls []leg
	for _, l := range legs {
		if l.InstrumentType != models.InstrumentEquityOption {
			continue
		}
		sym, err := occ.Parse(l.Symbol)
		if err != nil {
			return nil, fmt.Errorf("parse leg %s: %w", l.Symbol, err)
		}
		entry := leg{symbol: sym, raw: strings.TrimSpace(l.Symbol), quantity: l.Quantity}
		if sym.Type == occ.Put {
			puts = append(puts, entry)
		} else {
			calls = append(calls, entry)
		}
	}

	out := make(map[models.SpreadType][]string)
	switch strategyType {
	case models.StrategySenexTrident:
		if len(puts) != 4 || len(calls) != 2 {
			return nil, fmt.Errorf("senex trident expects 4 puts and 2 calls, got %d puts %d calls", len(puts), len(calls))
		}
		shortPuts, longPuts := splitByDirection(puts)
		if len(shortPuts) != 2 || len(longPuts) != 2 {
			return nil, fmt.Errorf("senex trident expects 2 short and 2 long puts")
		}
		// Highest short strike pairs with the highest long strike.
		sortByStrikeDesc(shortPuts)
		sortByStrikeDesc(longPuts)
		out[models.SpreadPut1] = []string{shortPuts[0].raw, longPuts[0].raw}
		out[models.SpreadPut2] = []string{shortPuts[1].raw, longPuts[1].raw}
		out[models.SpreadCall] = symbols(calls)
	case models.StrategyIronCondor, models.StrategyShortIronCondor, models.StrategyLongIronCondor:
		if len(puts) != 2 || len(calls) != 2 {
			return nil, fmt.Errorf("iron condor expects 2 puts and 2 calls, got %d puts %d calls", len(puts), len(calls))
		}
		out[models.SpreadPut] = symbols(puts)
		out[models.SpreadCall] = symbols(calls)
	case models.StrategyShortPutVertical, models.StrategyLongPutVertical:
		out[models.SpreadGeneric] = symbols(puts)
	case models.StrategyShortCallVertical, models.StrategyLongCallVertical:
		out[models.SpreadGeneric] = symbols(calls)
	case models.StrategyCashSecuredPut:
		out[models.SpreadSingleLeg] = symbols(puts)
	case models.StrategyCoveredCall:
		out[models.SpreadSingleLeg] = symbols(calls)
	default:
		all := append(symbols(puts), symbols(calls)...)
		if len(all) > 0 {
			out[models.SpreadGeneric] = all
		}
	}
	return out, nil
}

func splitByDirection(legs []leg) (short, long []leg) {
	for _, l := range legs {
		if l.quantity < 0 {
			short = append(short, l)
		} else {
			long = append(long, l)
		}
	}
	return short, long
}

func sortByStrikeDesc(legs []leg) {
	for i := 1; i < len(legs); i++ {
		for j := i; j > 0 && legs[j].symbol.Strike.GreaterThan(legs[j-1].symbol.Strike); j-- {
			legs[j], legs[j-1] = legs[j-1], legs[j]
		}
	}
}

func symbols(legs []leg) []string {
	out := make([]string, 0, len(legs))
	for _, l := range legs {
		out = append(out, l.raw)
	}
	return out
}

// Classify infers a strategy type from the shape of an opening order's
// option legs when the engine adopts a position it did not originate.
func Classify(legs []models.Leg) models.StrategyType {
	var shortPuts, longPuts, shortCalls, longCalls int
	for _, l := range legs {
		if l.InstrumentType != models.InstrumentEquityOption {
			continue
		}
		sym, err := occ.Parse(l.Symbol)
		if err != nil {
			return models.StrategyExternal
		}
		switch {
		case sym.Type == occ.Put && l.Quantity < 0:
			shortPuts++
		case sym.Type == occ.Put:
			longPuts++
		case sym.Type == occ.Call && l.Quantity < 0:
			shortCalls++
		default:
			longCalls++
		}
	}

	switch {
	case shortPuts == 2 && longPuts == 2 && shortCalls == 1 && longCalls == 1:
		return models.StrategySenexTrident
	case shortPuts == 1 && longPuts == 1 && shortCalls == 1 && longCalls == 1:
		return models.StrategyShortIronCondor
	case shortPuts == 1 && longPuts == 1 && shortCalls == 0 && longCalls == 0:
		return models.StrategyShortPutVertical
	case shortCalls == 1 && longCalls == 1 && shortPuts == 0 && longPuts == 0:
		return models.StrategyShortCallVertical
	case shortPuts == 1 && longPuts+shortCalls+longCalls == 0:
		return models.StrategyCashSecuredPut
	case shortCalls == 1 && shortPuts+longPuts+longCalls == 0:
		return models.StrategyCoveredCall
	}
	return models.StrategyExternal
}
