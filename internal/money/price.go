// Package money defines the fixed-point numeric types shared by the trading
// core. Prices and derived quantities are integer cents or tenths of a cent;
// nothing in this package touches a float.
package money

import "fmt"

// Price is an exchange price in integer cents, always in [MinPrice, MaxPrice].
type Price int

const (
	MinPrice Price = 1
	MaxPrice Price = 99
)

// Valid reports whether p falls in the admissible Kalshi price range.
func (p Price) Valid() bool {
	return p >= MinPrice && p <= MaxPrice
}

func (p Price) String() string {
	return fmt.Sprintf("%d¢", int(p))
}

// Tenths counts tenths of a cent. Mids and gaps are stored this way so that
// averaging two integer prices never loses precision to truncation.
type Tenths int64

// TenthsOf converts a whole-cent Price to its tenths representation.
func TenthsOf(p Price) Tenths {
	return Tenths(p) * 10
}

// Cents truncates tenths back to whole cents (toward zero), used only for
// display/logging — the trading core keeps everything in tenths until a
// price must be placed on the wire.
func (t Tenths) Cents() int {
	return int(t) / 10
}

// Mid computes the fixed-point mid of a bid/ask pair, in tenths of a cent,
// per §3: "(bid+ask)/2 when both sides present, else the present one". A nil
// pointer means the side is absent. ok is false if neither side is present.
func Mid(bid, ask *Price) (mid Tenths, ok bool) {
	switch {
	case bid != nil && ask != nil:
		return (TenthsOf(*bid) + TenthsOf(*ask)) / 2, true
	case bid != nil:
		return TenthsOf(*bid), true
	case ask != nil:
		return TenthsOf(*ask), true
	default:
		return 0, false
	}
}

// Gap is 100 - yesMid - noMid, in tenths of a cent. May be negative (crossed
// or noisy books) — the strategy is defined on the signed value.
func Gap(yesMid, noMid Tenths) Tenths {
	return 1000 - yesMid - noMid
}
