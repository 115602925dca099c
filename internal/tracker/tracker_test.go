package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kxquant/momentum-engine/internal/trade"
)

type recordingSink struct {
	records []trade.Record
}

func (r *recordingSink) Write(rec trade.Record) error {
	r.records = append(r.records, rec)
	return nil
}

// TestRecordExit_S1PnL reproduces the spec's S1 trailing-stop scenario:
// entry 36, exit 37, fee 1 => breakeven per contract.
func TestRecordExit_S1PnL(t *testing.T) {
	sink := &recordingSink{}
	tr := New(sink)

	t0 := time.Now()
	tr.RecordEntry("TICKER-X", trade.Yes, 5, 36, t0)

	rec, ok := tr.RecordExit("TICKER-X", 37, 1, trade.ExitTrailingStop, t0.Add(2*time.Second))
	require.True(t, ok)
	require.NotNil(t, rec.RealizedPnLCents)
	require.Equal(t, int64(0), *rec.RealizedPnLCents)
	require.Len(t, sink.records, 1)
}

// TestRecordExit_S2StopLoss reproduces the spec's S2 scenario: entry 36,
// exit 32, fee 1, size 5 => -5 per contract * 5 = -25 total... spec states
// P&L/contract = -5; this asserts the per-trade total scales by size.
func TestRecordExit_S2StopLoss(t *testing.T) {
	tr := New(nil)
	t0 := time.Now()
	tr.RecordEntry("TICKER-X", trade.Yes, 5, 36, t0)

	rec, ok := tr.RecordExit("TICKER-X", 32, 1, trade.ExitStopLoss, t0.Add(time.Second))
	require.True(t, ok)
	require.Equal(t, int64(-25), *rec.RealizedPnLCents)
}

func TestRecordExit_NoOpenEntry(t *testing.T) {
	tr := New(nil)
	_, ok := tr.RecordExit("NOPE", 50, 1, trade.ExitStopLoss, time.Now())
	require.False(t, ok)
}

func TestSnapshot_AggregatesAcrossTickers(t *testing.T) {
	tr := New(nil)
	t0 := time.Now()

	tr.RecordEntry("A", trade.Yes, 5, 36, t0)
	tr.RecordExit("A", 40, 1, trade.ExitTrailingStop, t0.Add(time.Second))

	tr.RecordEntry("B", trade.No, 3, 50, t0)
	tr.RecordExit("B", 40, 1, trade.ExitStopLoss, t0.Add(time.Second))

	snap := tr.Snapshot()
	require.Equal(t, 1, snap.Wins)
	require.Equal(t, 1, snap.Losses)
	require.Contains(t, snap.PerTicker, "A")
	require.Contains(t, snap.PerTicker, "B")
}

func TestHasOpen(t *testing.T) {
	tr := New(nil)
	require.False(t, tr.HasOpen("A"))

	tr.RecordEntry("A", trade.Yes, 1, 50, time.Now())
	require.True(t, tr.HasOpen("A"))

	tr.RecordExit("A", 55, 1, trade.ExitTrailingStop, time.Now())
	require.False(t, tr.HasOpen("A"))
}

func TestTeeSink_ContinuesPastError(t *testing.T) {
	good := &recordingSink{}
	tee := TeeSink{Sinks: []Sink{failingSink{}, good}}

	err := tee.Write(trade.Record{Ticker: "X"})
	require.Error(t, err)
	require.Len(t, good.records, 1)
}

type failingSink struct{}

func (failingSink) Write(trade.Record) error { return assertError }

var assertError = &sinkError{"boom"}

type sinkError struct{ msg string }

func (e *sinkError) Error() string { return e.msg }
