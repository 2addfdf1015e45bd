package occ

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		wantRoot   string
		wantExp    string
		wantType   OptionType
		wantStrike string
		wantErr    bool
	}{
		{"spy call", "SPY   250117C00455000", "SPY", "2025-01-17", Call, "455", false},
		{"spy put", "SPY   250117P00450000", "SPY", "2025-01-17", Put, "450", false},
		{"long root", "GOOGL 261218C02500000", "GOOGL", "2026-12-18", Call, "2500", false},
		{"fractional strike", "XSP   250321P00447500", "XSP", "2025-03-21", Put, "447.5", false},
		{"too short", "SPY250117C455", "", "", "", "", true},
		{"bad right", "SPY   250117X00455000", "", "", "", "", true},
		{"bad expiration", "SPY   25ab17C00455000", "", "", "", "", true},
		{"bad strike", "SPY   250117C00455x00", "", "", "", "", true},
		{"empty root", "      250117C00455000", "", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, err := Parse(tt.symbol)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoot, sym.Root)
			assert.Equal(t, tt.wantExp, sym.Expiration.Format("2006-01-02"))
			assert.Equal(t, tt.wantType, sym.Type)
			assert.True(t, sym.Strike.Equal(decimal.RequireFromString(tt.wantStrike)),
				"strike %s != %s", sym.Strike, tt.wantStrike)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	// encode ∘ decode must be identity over broker-issued symbols,
	// padding spaces included.
	symbols := []string{
		"SPY   250117C00455000",
		"SPY   250117P00450000",
		"GOOGL 261218C02500000",
		"XSP   250321P00447500",
		"F     240621C00012000",
	}
	for _, s := range symbols {
		sym, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, sym.Format())
	}
}

func TestFormatFromFields(t *testing.T) {
	sym := Symbol{
		Root:       "SPY",
		Expiration: time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC),
		Type:       Put,
		Strike:     decimal.RequireFromString("450"),
	}
	assert.Equal(t, "SPY   250117P00450000", sym.Format())
}

func TestUnderlying(t *testing.T) {
	assert.Equal(t, "SPY", Underlying("SPY   250117P00450000"))
	assert.Equal(t, "AAPL", Underlying("AAPL"))
	assert.Equal(t, "BRK.B", Underlying("BRK.B"))
}

func TestIsOption(t *testing.T) {
	assert.True(t, IsOption("SPY   250117P00450000"))
	assert.False(t, IsOption("SPY"))
	assert.False(t, IsOption(""))
}
