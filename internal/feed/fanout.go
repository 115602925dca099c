package feed

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kxquant/momentum-engine/internal/market"
	"github.com/kxquant/momentum-engine/internal/money"
	"github.com/kxquant/momentum-engine/internal/trade"
)

// TraderHandle is the narrow surface the fan-out needs from a trader: a
// non-blocking place to push the latest Sample. Traders implement this
// with a bounded inbox channel (§5); the fan-out must never block on a
// slow trader.
type TraderHandle interface {
	Submit(market.Sample)
}

// Subscriber instructs the external market-data feed which tickers to
// stream. Implemented by internal/kalshi.FeedClient; faked in tests.
type Subscriber interface {
	UpdateSubscriptions(add, remove []string) error
}

// FanOut owns the per-ticker routing table and subscription set (C6).
type FanOut struct {
	subscriber Subscriber
	debounce   time.Duration

	mu      sync.Mutex
	books   map[string]*Book
	traders map[string]TraderHandle
	addPend map[string]struct{}
	remPend map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewFanOut constructs a FanOut that flushes pending subscription changes
// to subscriber at least every debounce interval (§4.6: "batched every
// ≤ 200ms").
func NewFanOut(subscriber Subscriber, debounce time.Duration) *FanOut {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	f := &FanOut{
		subscriber: subscriber,
		debounce:   debounce,
		books:      make(map[string]*Book),
		traders:    make(map[string]TraderHandle),
		addPend:    make(map[string]struct{}),
		remPend:    make(map[string]struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go f.flushLoop()
	return f
}

// Stop halts the debounce flusher. Safe to call once.
func (f *FanOut) Stop() {
	close(f.stop)
	<-f.done
}

// SetSubscriber installs the feed subscriber after construction, for
// wiring orders where the subscriber itself needs this FanOut as its
// delivery sink (a construction cycle broken by building one side first).
func (f *FanOut) SetSubscriber(subscriber Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriber = subscriber
}

func (f *FanOut) flushLoop() {
	defer close(f.done)
	ticker := time.NewTicker(f.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *FanOut) flush() {
	f.mu.Lock()
	if len(f.addPend) == 0 && len(f.remPend) == 0 {
		f.mu.Unlock()
		return
	}
	add := make([]string, 0, len(f.addPend))
	for t := range f.addPend {
		add = append(add, t)
	}
	rem := make([]string, 0, len(f.remPend))
	for t := range f.remPend {
		rem = append(rem, t)
	}
	f.addPend = make(map[string]struct{})
	f.remPend = make(map[string]struct{})
	subscriber := f.subscriber
	f.mu.Unlock()

	if subscriber == nil {
		return
	}
	if err := subscriber.UpdateSubscriptions(add, rem); err != nil {
		log.Error().Err(err).Strs("add", add).Strs("remove", rem).Msg("feed: subscription update failed")
	}
}

// Attach registers interest in ticker and queues a subscription add.
func (f *FanOut) Attach(ticker string, handle TraderHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traders[ticker] = handle
	f.books[ticker] = NewBook()
	delete(f.remPend, ticker)
	f.addPend[ticker] = struct{}{}
}

// Detach reverses Attach and queues a subscription removal.
func (f *FanOut) Detach(ticker string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.traders, ticker)
	delete(f.books, ticker)
	delete(f.addPend, ticker)
	f.remPend[ticker] = struct{}{}
}

// OnSnapshot replaces ticker's book wholesale from a full book snapshot and
// routes the resulting Sample to its trader, if attached.
func (f *FanOut) OnSnapshot(ticker string, yesLevels, noLevels map[money.Price]int) {
	f.mu.Lock()
	book, ok := f.books[ticker]
	if !ok {
		f.mu.Unlock()
		return
	}
	book.Reset(trade.Yes, yesLevels)
	book.Reset(trade.No, noLevels)
	f.routeLocked(ticker, book, time.Now())
	f.mu.Unlock()
}

// OnDelta applies one delta to ticker's book and routes the resulting
// Sample to its trader, if attached. Deltas for tickers with no attached
// book (already detached, or never attached) are dropped. The Sample is
// timestamped from the delta's own Ts when the source provided one, so a
// message that arrives late but carries an earlier timestamp than what's
// already buffered is dropped by market.State.Insert (I6) rather than
// accepted out of order.
func (f *FanOut) OnDelta(ticker string, d Delta) {
	f.mu.Lock()
	book, ok := f.books[ticker]
	if !ok {
		f.mu.Unlock()
		return
	}
	book.ApplyDelta(d)
	ts := d.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	f.routeLocked(ticker, book, ts)
	f.mu.Unlock()
}

// routeLocked builds a Sample timestamped at ts from book's current state
// and pushes it to ticker's trader. Caller must hold f.mu.
func (f *FanOut) routeLocked(ticker string, book *Book, ts time.Time) {
	sample, ok := book.ToSample(ts)
	if !ok {
		return
	}
	handle, ok := f.traders[ticker]
	if !ok {
		return
	}
	handle.Submit(sample)
}
