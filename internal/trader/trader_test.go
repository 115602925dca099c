package trader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kxquant/momentum-engine/internal/market"
	"github.com/kxquant/momentum-engine/internal/risk"
	"github.com/kxquant/momentum-engine/internal/strategy"
	"github.com/kxquant/momentum-engine/internal/trade"
	"github.com/kxquant/momentum-engine/internal/tracker"
)

// fakeAPI is a scriptable OrderAPI fake (§9: "enabling in-memory fakes for
// property tests"). Every call fills immediately at the requested limit
// price, unless reject is set (the order is Rejected) or nextStatus holds a
// non-zero status to report instead.
type fakeAPI struct {
	nextStatus  OrderStatus
	reject      bool
	calls       []OrderResult
	cancelCalls []string
	nextID      int
}

func (f *fakeAPI) PlaceOrder(_ context.Context, _ string, _ trade.Side, action Action, limitPriceCents, size int) (OrderResult, error) {
	f.nextID++
	status := Filled
	if f.nextStatus != 0 {
		status = f.nextStatus
	}
	if f.reject {
		status = Rejected
	}
	filled := size
	if status == PartiallyFilled && size > 1 {
		filled = size / 2
	}
	res := OrderResult{
		OrderID:           "ord-1",
		Status:            status,
		FilledQty:         filled,
		AvgFillPriceCents: limitPriceCents,
	}
	f.calls = append(f.calls, res)
	return res, nil
}

func (f *fakeAPI) CancelOrder(_ context.Context, orderID string) error {
	f.cancelCalls = append(f.cancelCalls, orderID)
	return nil
}

func testCfg() Config {
	return Config{
		Ticker:            "TICKER-X",
		OrderSize:         5,
		StopLossCents:     2,
		TrailingStopCents: 2,
		FeeCents:          1,
		Momentum: strategy.Config{
			Window:                  5 * time.Second,
			EntryThreshold:          20,
			ConvergenceThresholdPct: 0.03,
		},
	}
}

func newRiskMgr(t *testing.T) *risk.Manager {
	m := risk.NewManager(risk.Config{
		MaxPositionPerMarketCents: 1000,
		MaxTotalExposureCents:     100000,
		MaxDailyLossCents:         100000,
		CooldownSeconds:           0,
		OrderAckTimeout:           5 * time.Second,
	})
	t.Cleanup(m.Stop)
	return m
}

// TestTrader_S1EntryAndTrailingExit reproduces the spec's S1 scenario end
// to end: a bullish signal triggers an entry, then price rises and falls
// through the trailing stop.
func TestTrader_S1EntryAndTrailingExit(t *testing.T) {
	api := &fakeAPI{}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	t0 := time.Now()
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})

	tr.onStrategyTick(context.Background(), t1)
	require.Equal(t, Holding, tr.State())
	require.True(t, trk.HasOpen("TICKER-X"))

	// t=6s: yes_mid rises to 40 -> highest=40, trailing=38.
	t2 := t1.Add(time.Second)
	tr.onSample(market.Sample{Timestamp: t2, YesMid: 400, NoMid: 580, Gap: 20})
	tr.mu.Lock()
	trailing := tr.pos.trailingStopCents
	tr.mu.Unlock()
	require.Equal(t, int64(38), trailing)

	// t=7s: yes_mid drops to 37 <= trailing(38) -> exit.
	t3 := t2.Add(time.Second)
	tr.onSample(market.Sample{Timestamp: t3, YesMid: 370, NoMid: 580, Gap: 50})
	tr.onTick(t3)

	require.Equal(t, Flat, tr.State())
	require.False(t, trk.HasOpen("TICKER-X"))
}

// TestTrader_S2StopLoss reproduces the spec's stop-loss scenario.
func TestTrader_S2StopLoss(t *testing.T) {
	api := &fakeAPI{}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	t0 := time.Now()
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})
	tr.onStrategyTick(context.Background(), t1)
	require.Equal(t, Holding, tr.State())

	tr.mu.Lock()
	stopLoss := tr.pos.stopLossCents
	tr.mu.Unlock()
	require.Equal(t, int64(33), stopLoss) // entry 36 - stop(2) - fee(1)

	t2 := t1.Add(time.Second)
	tr.onSample(market.Sample{Timestamp: t2, YesMid: 320, NoMid: 580, Gap: 100})
	tr.onTick(t2)

	require.Equal(t, Flat, tr.State())
}

func TestTrader_RejectedEntryStaysFlat(t *testing.T) {
	api := &fakeAPI{reject: true}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	t0 := time.Now()
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})
	tr.onStrategyTick(context.Background(), t1)

	require.Equal(t, Flat, tr.State())
	stats := riskMgr.GetStats()
	require.Zero(t, stats.ReservedCents)
}

func TestTrader_NeutralSignal_RemainsFlat(t *testing.T) {
	api := &fakeAPI{}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	t0 := time.Now()
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 305, NoMid: 595, Gap: 100})
	tr.onStrategyTick(context.Background(), t1)

	require.Equal(t, Flat, tr.State())
}

func TestTrader_ShutdownWhileHolding_BeginsExit(t *testing.T) {
	api := &fakeAPI{}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	t0 := time.Now()
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})
	tr.onStrategyTick(context.Background(), t1)
	require.Equal(t, Holding, tr.State())

	tr.shutdown()
	require.Equal(t, Flat, tr.State())
}

// TestTrader_PartialFillOnEntry_CancelsResidual reproduces §6's partial-fill
// rule: the filled quantity is a full success, but the unfilled residual
// must be cancelled rather than left resting.
func TestTrader_PartialFillOnEntry_CancelsResidual(t *testing.T) {
	api := &fakeAPI{nextStatus: PartiallyFilled}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	t0 := time.Now()
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})
	tr.onStrategyTick(context.Background(), t1)

	require.Equal(t, Holding, tr.State())
	require.Equal(t, []string{"ord-1"}, api.cancelCalls)
	tr.mu.Lock()
	size := tr.pos.size
	tr.mu.Unlock()
	require.Equal(t, testCfg().OrderSize/2, size)
}

// TestTrader_S5MomentumReversal reproduces the spec's S5 scenario: an
// opposing signal closes the held position, and a fresh entry is taken
// immediately in the reversed direction.
func TestTrader_S5MomentumReversal(t *testing.T) {
	api := &fakeAPI{}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	// Anchor history to the recent past: completeExit's reversal re-entry
	// evaluates momentum against the real wall clock, not the synthetic
	// timestamps fed to onSample/onStrategyTick below.
	base := time.Now().Add(-9 * time.Second)
	t0 := base
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})
	tr.onStrategyTick(context.Background(), t1)

	require.Equal(t, Holding, tr.State())
	tr.mu.Lock()
	entrySide := tr.pos.side
	tr.mu.Unlock()
	require.Equal(t, trade.Yes, entrySide)

	// t2 lands about 1s after real "now", so the re-entry's window still
	// holds t1 and t2: yes_mid collapses and the gap shrinks
	// fast the other way -> a high-confidence bearish signal opposing the
	// held yes position.
	t2 := t1.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t2, YesMid: 300, NoMid: 700, Gap: 20})
	tr.onStrategyTick(context.Background(), t2)

	require.Equal(t, Holding, tr.State())
	require.True(t, trk.HasOpen("TICKER-X"))
	tr.mu.Lock()
	newSide := tr.pos.side
	tr.mu.Unlock()
	require.Equal(t, trade.No, newSide)
}

// TestTrader_PartialFillOnExit_ResidualStaysHeld reproduces §6's partial-fill
// rule on the exit side: the filled quantity is closed out for real PnL, the
// unfilled residual's order is cancelled, and — since that residual was
// never sold — the trader stays Holding with a reduced position rather than
// flattening.
func TestTrader_PartialFillOnExit_ResidualStaysHeld(t *testing.T) {
	api := &fakeAPI{}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(testCfg(), api, riskMgr, trk, nil)

	t0 := time.Now()
	tr.onSample(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	tr.onSample(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})
	tr.onStrategyTick(context.Background(), t1)
	require.Equal(t, Holding, tr.State())

	entrySize := testCfg().OrderSize

	// Stop-loss triggers the exit, but this time the exchange only partially
	// fills the sell order.
	api.nextStatus = PartiallyFilled
	t2 := t1.Add(time.Second)
	tr.onSample(market.Sample{Timestamp: t2, YesMid: 320, NoMid: 580, Gap: 100})
	tr.onTick(t2)

	require.Equal(t, Holding, tr.State(), "residual is still held, not flattened")
	require.Equal(t, []string{"ord-1"}, api.cancelCalls)
	require.True(t, trk.HasOpen("TICKER-X"))

	tr.mu.Lock()
	size := tr.pos.size
	tr.mu.Unlock()
	require.Equal(t, entrySize-entrySize/2, size, "residual size is what wasn't filled")
}

func TestTrader_InboxOverflow_DropsOldest(t *testing.T) {
	cfg := testCfg()
	cfg.InboxCapacity = 2
	api := &fakeAPI{}
	riskMgr := newRiskMgr(t)
	trk := tracker.New(nil)
	tr := New(cfg, api, riskMgr, trk, nil)

	for i := 0; i < 10; i++ {
		tr.Submit(market.Sample{Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond), YesMid: market.Tenths(i)})
	}
	require.LessOrEqual(t, len(tr.inbox), 2)
}
