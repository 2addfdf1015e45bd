// Package occ implements the 21-character OCC option symbol codec used by the
// broker: root padded to 6 characters, YYMMDD expiration, C/P flag, and the
// strike in milli-dollars padded to 8 digits.
package occ

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SymbolLength is the fixed length of a broker-issued OCC symbol.
const SymbolLength = 21

// OptionType is the contract right encoded at position 12 of the symbol.
type OptionType string

const (
	// Call is the call option right.
	Call OptionType = "C"
	// Put is the put option right.
	Put OptionType = "P"
)

// Symbol is the decoded form of an OCC option symbol.
type Symbol struct {
	Root       string          // underlying root, without padding
	Expiration time.Time       // expiration date, UTC midnight
	Type       OptionType      // Call or Put
	Strike     decimal.Decimal // strike in dollars
}

// Parse decodes a 21-character OCC symbol. The root occupies characters 0-5
// (space padded), the expiration is YYMMDD in 6-11, the right is C or P at
// 12, and characters 13-20 hold the strike in milli-dollars.
func Parse(s string) (Symbol, error) {
	if len(s) != SymbolLength {
		return Symbol{}, fmt.Errorf("occ: symbol %q has length %d, want %d", s, len(s), SymbolLength)
	}

	root := strings.TrimRight(s[0:6], " ")
	if root == "" {
		return Symbol{}, fmt.Errorf("occ: symbol %q has empty root", s)
	}

	expStr := s[6:12]
	if !isAllDigits(expStr) {
		return Symbol{}, fmt.Errorf("occ: symbol %q has non-numeric expiration %q", s, expStr)
	}
	exp, err := time.ParseInLocation("060102", expStr, time.UTC)
	if err != nil {
		return Symbol{}, fmt.Errorf("occ: symbol %q has invalid expiration %q: %w", s, expStr, err)
	}

	var typ OptionType
	switch s[12] {
	case 'C':
		typ = Call
	case 'P':
		typ = Put
	default:
		return Symbol{}, fmt.Errorf("occ: symbol %q has invalid right %q, want C or P", s, string(s[12]))
	}

	strikeStr := s[13:21]
	if !isAllDigits(strikeStr) {
		return Symbol{}, fmt.Errorf("occ: symbol %q has non-numeric strike %q", s, strikeStr)
	}
	milli, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return Symbol{}, fmt.Errorf("occ: symbol %q strike parse: %w", s, err)
	}

	return Symbol{
		Root:       root,
		Expiration: exp,
		Type:       typ,
		Strike:     decimal.New(milli, -3),
	}, nil
}

// Format is the inverse of Parse and reproduces the exact string the broker
// issues, padding spaces included.
func (sym Symbol) Format() string {
	milli := sym.Strike.Mul(decimal.New(1000, 0)).IntPart()
	return fmt.Sprintf("%-6s%s%s%08d",
		sym.Root,
		sym.Expiration.UTC().Format("060102"),
		string(sym.Type),
		milli,
	)
}

// String implements fmt.Stringer.
func (sym Symbol) String() string { return sym.Format() }

// IsOption reports whether s looks like an OCC option symbol rather than an
// equity ticker. Equity symbols from the broker are short and carry no
// 6-digit date run.
func IsOption(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Underlying returns the option root for OCC symbols and the symbol itself
// for anything else (equity legs come through with their plain ticker).
func Underlying(s string) string {
	sym, err := Parse(s)
	if err != nil {
		return s
	}
	return sym.Root
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
