// Package feed turns a raw exchange delta stream into, per ticker, a
// best-of-book projection and a routed Sample delivered to that ticker's
// trader (C6). Only best bid/ask per side is retained — full depth is
// never needed by the core.
package feed

import (
	"time"

	"github.com/kxquant/momentum-engine/internal/market"
	"github.com/kxquant/momentum-engine/internal/money"
	"github.com/kxquant/momentum-engine/internal/trade"
)

// Delta is one order-book update: a quantity change at a price level on one
// side. DeltaQty may be negative (level reduced) or positive (level
// increased); a level's resulting quantity is floored at zero. Ts is the
// exchange's own timestamp for the update, used to order the Sample routed
// to the trader rather than wall-clock arrival time; the zero value means
// the source didn't carry one, and routing falls back to time.Now().
type Delta struct {
	Price    money.Price
	DeltaQty int
	Side     trade.Side
	Ts       time.Time
}

// Book is the best-of-book projection for one ticker: a price -> quantity
// table per side, indexed directly by price (1..99) rather than a sparse
// map, since the admissible price range is small and fixed. Not safe for
// concurrent use — each ticker's Book is touched by exactly one fan-out
// goroutine (§5).
type Book struct {
	qty [2][100]int // qty[side][price], price in [1,99]
}

// NewBook returns an empty order book.
func NewBook() *Book {
	return &Book{}
}

// ApplyDelta merges one delta into the book. A resulting negative quantity
// is clamped to zero, removing that level.
func (b *Book) ApplyDelta(d Delta) {
	if !d.Price.Valid() {
		return
	}
	q := b.qty[d.Side][d.Price] + d.DeltaQty
	if q < 0 {
		q = 0
	}
	b.qty[d.Side][d.Price] = q
}

// Reset replaces the book wholesale from a full snapshot (one quantity per
// occupied level), used by on_snapshot rather than a sequence of deltas.
func (b *Book) Reset(side trade.Side, levels map[money.Price]int) {
	b.qty[side] = [100]int{}
	for p, q := range levels {
		if p.Valid() && q > 0 {
			b.qty[side][p] = q
		}
	}
}

// BestBid returns the highest price on side with qty > 0.
func (b *Book) BestBid(side trade.Side) (money.Price, bool) {
	for p := money.MaxPrice; p >= money.MinPrice; p-- {
		if b.qty[side][p] > 0 {
			return p, true
		}
	}
	return 0, false
}

// bestAsk derives the ask on side from the opposite side's best bid: in a
// binary market, offering to sell Yes at price p is equivalent to a bid to
// buy No at 100-p, so the best Yes ask is 100 minus the best No bid (and
// symmetrically for No), per §4.6.
func (b *Book) bestAsk(side trade.Side) (money.Price, bool) {
	otherBid, ok := b.BestBid(side.Opposite())
	if !ok {
		return 0, false
	}
	return money.Price(100 - int(otherBid)), true
}

// Mids computes yes_mid and no_mid for the current book state, falling
// back to the complementary mid (100 - other side) when one side has no
// bids of its own yet but the other side implies its ask. ok is false only
// when neither side has any data at all.
func (b *Book) Mids() (yesMid, noMid money.Tenths, ok bool) {
	yesBid, yesBidOK := b.BestBid(trade.Yes)
	noBid, noBidOK := b.BestBid(trade.No)
	if !yesBidOK && !noBidOK {
		return 0, 0, false
	}

	yesAsk, yesAskOK := b.bestAsk(trade.Yes)
	noAsk, noAskOK := b.bestAsk(trade.No)

	var yesBidP, yesAskP, noBidP, noAskP *money.Price
	if yesBidOK {
		yesBidP = &yesBid
	}
	if yesAskOK {
		yesAskP = &yesAsk
	}
	if noBidOK {
		noBidP = &noBid
	}
	if noAskOK {
		noAskP = &noAsk
	}

	yesMid, yesOK := money.Mid(yesBidP, yesAskP)
	noMid, noOK := money.Mid(noBidP, noAskP)

	switch {
	case yesOK && noOK:
		return yesMid, noMid, true
	case yesOK:
		return yesMid, 1000 - yesMid, true
	case noOK:
		return 1000 - noMid, noMid, true
	default:
		return 0, 0, false
	}
}

// ToSample builds a market.Sample timestamped at ts from the book's current
// state. ok is false if the book has no admissible data yet.
func (b *Book) ToSample(ts time.Time) (market.Sample, bool) {
	yesMid, noMid, ok := b.Mids()
	if !ok {
		return market.Sample{}, false
	}
	return market.Sample{
		Timestamp: ts,
		YesMid:    yesMid,
		NoMid:     noMid,
		Gap:       1000 - yesMid - noMid,
	}, true
}
