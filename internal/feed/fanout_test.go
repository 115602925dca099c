package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kxquant/momentum-engine/internal/market"
	"github.com/kxquant/momentum-engine/internal/trade"
)

type fakeSubscriber struct {
	mu    sync.Mutex
	adds  [][]string
	rems  [][]string
}

func (f *fakeSubscriber) UpdateSubscriptions(add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(add) > 0 {
		f.adds = append(f.adds, add)
	}
	if len(remove) > 0 {
		f.rems = append(f.rems, remove)
	}
	return nil
}

func (f *fakeSubscriber) totalAdds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.adds {
		n += len(a)
	}
	return n
}

type fakeTrader struct {
	mu      sync.Mutex
	samples []market.Sample
}

func (f *fakeTrader) Submit(s market.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
}

func (f *fakeTrader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func TestFanOut_AttachRoutesDeltasToTrader(t *testing.T) {
	sub := &fakeSubscriber{}
	fo := NewFanOut(sub, 20*time.Millisecond)
	defer fo.Stop()

	trader := &fakeTrader{}
	fo.Attach("TICKER-X", trader)

	fo.OnDelta("TICKER-X", Delta{Price: 40, DeltaQty: 1, Side: trade.Yes})
	fo.OnDelta("TICKER-X", Delta{Price: 50, DeltaQty: 1, Side: trade.No})

	require.Eventually(t, func() bool { return trader.count() == 2 }, time.Second, time.Millisecond)
}

func TestFanOut_DetachStopsRouting(t *testing.T) {
	sub := &fakeSubscriber{}
	fo := NewFanOut(sub, 20*time.Millisecond)
	defer fo.Stop()

	trader := &fakeTrader{}
	fo.Attach("TICKER-X", trader)
	fo.OnDelta("TICKER-X", Delta{Price: 40, DeltaQty: 1, Side: trade.Yes})

	fo.Detach("TICKER-X")
	fo.OnDelta("TICKER-X", Delta{Price: 60, DeltaQty: 1, Side: trade.Yes})

	require.Eventually(t, func() bool { return trader.count() == 1 }, time.Second, time.Millisecond)
}

func TestFanOut_DebouncesSubscriptionUpdates(t *testing.T) {
	sub := &fakeSubscriber{}
	fo := NewFanOut(sub, 30*time.Millisecond)
	defer fo.Stop()

	fo.Attach("A", &fakeTrader{})
	fo.Attach("B", &fakeTrader{})
	fo.Attach("C", &fakeTrader{})

	require.Eventually(t, func() bool { return sub.totalAdds() == 3 }, time.Second, time.Millisecond)
}

// historyTrader is a TraderHandle backed by a real market.State, so a test
// can observe whether a routed Sample actually advanced a trader's history
// or was rejected by its I6 ordering rule.
type historyTrader struct {
	mu       sync.Mutex
	history  *market.State
	inserted []bool
}

func (h *historyTrader) Submit(s market.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inserted = append(h.inserted, h.history.Insert(s))
}

func (h *historyTrader) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inserted)
}

// TestFanOut_OutOfOrderDeltaDroppedByExchangeTimestamp reproduces the spec's
// S6 scenario: a delta carrying an exchange timestamp older than what's
// already buffered is dropped by the trader's history, even though it
// arrives later on the wire, because the fan-out stamps the routed Sample
// from the delta's own Ts rather than wall-clock arrival time.
func TestFanOut_OutOfOrderDeltaDroppedByExchangeTimestamp(t *testing.T) {
	sub := &fakeSubscriber{}
	fo := NewFanOut(sub, 20*time.Millisecond)
	defer fo.Stop()

	ht := &historyTrader{history: market.NewState(5*time.Second, 50*time.Millisecond)}
	fo.Attach("TICKER-X", ht)

	now := time.Now()
	fo.OnDelta("TICKER-X", Delta{Price: 40, DeltaQty: 1, Side: trade.Yes, Ts: now})
	// Arrives later on the wire but stamped earlier by the exchange.
	fo.OnDelta("TICKER-X", Delta{Price: 50, DeltaQty: 1, Side: trade.No, Ts: now.Add(-time.Second)})
	fo.OnDelta("TICKER-X", Delta{Price: 45, DeltaQty: 1, Side: trade.Yes, Ts: now.Add(time.Second)})

	require.Eventually(t, func() bool { return ht.count() == 3 }, time.Second, time.Millisecond)

	ht.mu.Lock()
	defer ht.mu.Unlock()
	require.True(t, ht.inserted[0], "first sample should be inserted")
	require.False(t, ht.inserted[1], "stale exchange timestamp must be dropped")
	require.True(t, ht.inserted[2], "later-stamped sample should be inserted")
	require.Equal(t, 2, ht.history.Len())
}

func TestFanOut_UnattachedTickerDropped(t *testing.T) {
	sub := &fakeSubscriber{}
	fo := NewFanOut(sub, 20*time.Millisecond)
	defer fo.Stop()

	// No panic, no trader call, for a ticker never attached.
	fo.OnDelta("GHOST", Delta{Price: 40, DeltaQty: 1, Side: trade.Yes})
}
