// Package risk is the gatekeeper: the single place that knows total
// exposure, per-market position size, cooldowns, and the circuit breaker.
// Every entry a trader wants to open passes through Manager first.
package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ReservationID is an opaque handle returned by CheckAndReserve. Reservations
// are idempotent against double release/commit.
type ReservationID int64

var (
	// ErrCircuitTripped means realized losses today breached the daily cap;
	// no new entries are admitted until the next trading day or an operator
	// reset.
	ErrCircuitTripped = errors.New("risk: circuit breaker tripped")
	// ErrPositionLimit means the ticker's existing position plus this size
	// would exceed max_position_per_market.
	ErrPositionLimit = errors.New("risk: per-market position limit exceeded")
	// ErrExposureLimit means committed + reserved exposure plus this
	// reservation would exceed max_total_exposure_cents.
	ErrExposureLimit = errors.New("risk: total exposure limit exceeded")
	// ErrCooldown means the ticker traded too recently.
	ErrCooldown = errors.New("risk: cooldown active for this market")
	// ErrUnknownReservation is returned by Release/CommitEntry for an id
	// that was never issued, already committed, or already released.
	ErrUnknownReservation = errors.New("risk: unknown or already-resolved reservation")
	// ErrShuttingDown means the orchestrator has begun its shutdown
	// sequence; no new reservations are admitted (§4.8's shutting_down
	// flag), though CommitExit always proceeds.
	ErrShuttingDown = errors.New("risk: shutting down, no new reservations")
)

// Config holds the thresholds Manager enforces. Passed once at
// construction; immutable for the life of the process.
type Config struct {
	MaxPositionPerMarketCents int64 // a contract count, compared with position size
	MaxTotalExposureCents     int64
	MaxDailyLossCents         int64
	CooldownSeconds           time.Duration
	OrderAckTimeout           time.Duration
}

type reservation struct {
	ticker     string
	sizeCents  int64 // size * price, the cap-checked quantity
	expiresAt  time.Time
}

// Manager is the thread-safe risk gate (C3). A single mutex protects all
// fields; the lock is never held across I/O.
type Manager struct {
	cfg Config

	mu sync.Mutex

	totalExposureCents    int64 // sum over committed open positions (I2)
	reservedCents         int64 // sum over outstanding, uncommitted reservations
	realizedPnLCentsToday int64
	tradingDay            time.Time
	lastTradeAt           map[string]time.Time
	positionSizeCents     map[string]int64
	reservations          map[ReservationID]*reservation
	nextID                ReservationID
	shuttingDown          bool

	stopSweep chan struct{}
}

// NewManager constructs a Manager and starts its background reservation
// sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.OrderAckTimeout <= 0 {
		cfg.OrderAckTimeout = 5 * time.Second
	}
	m := &Manager{
		cfg:               cfg,
		tradingDay:        time.Now().Truncate(24 * time.Hour),
		lastTradeAt:       make(map[string]time.Time),
		positionSizeCents: make(map[string]int64),
		reservations:      make(map[ReservationID]*reservation),
		stopSweep:         make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the background sweeper. Safe to call once.
func (m *Manager) Stop() {
	close(m.stopSweep)
}

// sweepLoop releases reservations that were never committed within
// order_ack_timeout, matching §4.3's "released if not committed within
// order_ack_timeout" rule.
func (m *Manager) sweepLoop() {
	interval := m.cfg.OrderAckTimeout / 2
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case now := <-ticker.C:
			m.sweepExpired(now)
		}
	}
}

func (m *Manager) sweepExpired(now time.Time) {
	m.mu.Lock()
	var expired []ReservationID
	for id, r := range m.reservations {
		if now.After(r.expiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r := m.reservations[id]
		delete(m.reservations, id)
		m.reservedCents -= r.sizeCents
		log.Warn().
			Str("ticker", r.ticker).
			Int64("reservation_id", int64(id)).
			Msg("risk: reservation expired without commit, releasing")
	}
	m.mu.Unlock()
}

// CheckAndReserve implements §4.3(check_and_reserve): it atomically checks
// the circuit breaker, per-market position cap, total exposure cap, and
// cooldown, and on success records a pending reservation.
func (m *Manager) CheckAndReserve(ticker string, size, priceCents int64) (ReservationID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	if m.shuttingDown {
		return 0, ErrShuttingDown
	}
	if m.circuitTrippedLocked() {
		return 0, ErrCircuitTripped
	}

	cost := size * priceCents
	if m.positionSizeCents[ticker]+size > m.cfg.MaxPositionPerMarketCents {
		return 0, ErrPositionLimit
	}
	if m.totalExposureCents+m.reservedCents+cost > m.cfg.MaxTotalExposureCents {
		return 0, ErrExposureLimit
	}
	if last, ok := m.lastTradeAt[ticker]; ok && time.Since(last) < m.cfg.CooldownSeconds {
		return 0, ErrCooldown
	}

	m.nextID++
	id := m.nextID
	m.reservations[id] = &reservation{
		ticker:    ticker,
		sizeCents: cost,
		expiresAt: time.Now().Add(m.cfg.OrderAckTimeout),
	}
	m.reservedCents += cost

	log.Debug().
		Str("ticker", ticker).
		Int64("reservation_id", int64(id)).
		Int64("cost_cents", cost).
		Msg("risk: reservation admitted")

	return id, nil
}

// CommitEntry finalizes a reservation into real exposure once the order is
// filled, using the actual fill price (which may differ from the price
// quoted at reservation time).
func (m *Manager) CommitEntry(id ReservationID, ticker string, size, entryPriceCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.reservations, id)
	m.reservedCents -= r.sizeCents

	m.totalExposureCents += size * entryPriceCents
	m.positionSizeCents[ticker] += size
	m.lastTradeAt[ticker] = time.Now()

	log.Info().
		Str("ticker", ticker).
		Int64("reservation_id", int64(id)).
		Int64("entry_price_cents", entryPriceCents).
		Msg("risk: entry committed")

	return nil
}

// Release undoes a reservation on order rejection. Idempotent: releasing an
// already-released or already-committed id is a no-op error, not a panic.
func (m *Manager) Release(id ReservationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return ErrUnknownReservation
	}
	delete(m.reservations, id)
	m.reservedCents -= r.sizeCents
	return nil
}

// CommitExit decreases exposure and records realized P&L, per
// §4.3(commit_exit). It always succeeds — exits are never blocked by risk,
// even with the circuit tripped (I5).
func (m *Manager) CommitExit(ticker string, realizedPnLCents, size, entryPriceCents int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	m.totalExposureCents -= size * entryPriceCents
	if m.positionSizeCents[ticker] -= size; m.positionSizeCents[ticker] < 0 {
		m.positionSizeCents[ticker] = 0
	}
	m.realizedPnLCentsToday += realizedPnLCents

	tripped := m.circuitTrippedLocked()
	log.Info().
		Str("ticker", ticker).
		Int64("realized_pnl_cents", realizedPnLCents).
		Int64("realized_pnl_today_cents", m.realizedPnLCentsToday).
		Bool("circuit_tripped", tripped).
		Msg("risk: exit committed")
}

// IsCircuitTripped is a read-only check of whether the daily loss cap has
// been breached.
func (m *Manager) IsCircuitTripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.circuitTrippedLocked()
}

// circuitTrippedLocked is the derived rule from §3: realized_pnl_cents_today
// <= -max_daily_loss_cents. Caller must hold m.mu.
func (m *Manager) circuitTrippedLocked() bool {
	return m.realizedPnLCentsToday <= -m.cfg.MaxDailyLossCents
}

// checkDayReset rolls realized P&L over at a UTC day boundary, which is also
// how the circuit breaker clears itself absent an operator-forced reset.
// Caller must hold m.mu.
func (m *Manager) checkDayReset() {
	today := time.Now().Truncate(24 * time.Hour)
	if today.After(m.tradingDay) {
		log.Info().Msg("risk: new trading day, resetting daily P&L and circuit state")
		m.realizedPnLCentsToday = 0
		m.tradingDay = today
	}
}

// HydrateRestoredPosition re-registers exposure for a position the process
// already held before a restart (§4.8 reconciliation). It bypasses the
// reserve/commit flow entirely — there is no in-flight order to ack — and
// must be called once per restored position, before any new reservation for
// that ticker, so I2 (total exposure == sum of size*entry_price) holds for
// the remainder of the session rather than starting at zero under a live
// position.
func (m *Manager) HydrateRestoredPosition(ticker string, size, entryPriceCents int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalExposureCents += size * entryPriceCents
	m.positionSizeCents[ticker] += size

	log.Info().
		Str("ticker", ticker).
		Int64("size", size).
		Int64("entry_price_cents", entryPriceCents).
		Msg("risk: exposure hydrated for a restored position")
}

// HydrateRealizedPnLToday restores today's realized P&L from a persisted
// snapshot, so the circuit breaker's state survives a restart instead of
// resetting to zero mid-day. Total exposure is not restored from the
// snapshot directly — it is reconstructed position-by-position via
// HydrateRestoredPosition, which reflects exactly what's still open rather
// than a point-in-time total that may already be stale.
func (m *Manager) HydrateRealizedPnLToday(realizedPnLCentsToday int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDayReset()
	m.realizedPnLCentsToday = realizedPnLCentsToday

	log.Info().
		Int64("realized_pnl_today_cents", realizedPnLCentsToday).
		Bool("circuit_tripped", m.circuitTrippedLocked()).
		Msg("risk: realized P&L hydrated from persisted daily state")
}

// SetShuttingDown sets or clears the global shutting_down flag the
// orchestrator raises on shutdown (§4.8): once true, CheckAndReserve
// refuses all new reservations, but CommitExit and Release are unaffected.
func (m *Manager) SetShuttingDown(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shuttingDown = v
}

// ForceReset lets an operator clear the circuit breaker mid-day (the
// "operator reset" referenced by I5) without waiting for the day boundary.
func (m *Manager) ForceReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Warn().Msg("risk: circuit breaker force-reset by operator")
	m.realizedPnLCentsToday = 0
}

// Stats is a point-in-time, read-only snapshot for status reporting.
type Stats struct {
	TotalExposureCents    int64
	ReservedCents         int64
	RealizedPnLCentsToday int64
	CircuitTripped        bool
	OpenReservations      int
}

// GetStats returns a snapshot of the manager's current state.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalExposureCents:    m.totalExposureCents,
		ReservedCents:         m.reservedCents,
		RealizedPnLCentsToday: m.realizedPnLCentsToday,
		CircuitTripped:        m.circuitTrippedLocked(),
		OpenReservations:      len(m.reservations),
	}
}
