// Package storage is the optional GORM-backed durability layer: a second
// home for closed trades (alongside the default JSON-lines sink) and the
// restart-recovery store for open positions and risk state. Nothing in the
// trading core depends on this package directly — it is wired in only
// when DATABASE_PATH is configured.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kxquant/momentum-engine/internal/trade"
)

// gormTrade is the normalized row persisted for a closed trade.
type gormTrade struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	Ticker           string `gorm:"index"`
	Side             string
	Size             int
	EntryPriceCents  int
	ExitPriceCents   int
	ExitReason       string
	RealizedPnLCents int64
	OpenedAt         time.Time
	ClosedAt         time.Time
	CreatedAt        time.Time
}

func (gormTrade) TableName() string { return "trades" }

// gormOpenPosition is a persisted snapshot of a position still open when the
// process last wrote it — read back on startup by the orchestrator's
// reconciliation step.
type gormOpenPosition struct {
	Ticker             string `gorm:"primaryKey"`
	Side               string
	Size               int
	EntryPriceCents    int
	HighestSeenCents   int
	StopLossCents      int
	TrailingStopCents  int
	OpenedAt           time.Time
	ExchangeOrderID    string
	UpdatedAt          time.Time
}

func (gormOpenPosition) TableName() string { return "open_positions" }

// gormRiskState is a daily snapshot of the risk manager's ledger, keyed by
// trading day, so a restart mid-day resumes with the correct circuit state.
type gormRiskState struct {
	Date                  string `gorm:"primaryKey"` // "2006-01-02"
	TotalExposureCents    int64
	RealizedPnLCentsToday int64
	UpdatedAt             time.Time
}

func (gormRiskState) TableName() string { return "risk_state" }

// Store wraps a GORM connection to either sqlite (local/dev, a bare path)
// or postgres (prod, a postgres:// DSN) — the same dual-driver convention
// the rest of this corpus uses for its GORM models.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates. dsn starting with "postgres://" or
// "postgresql://" selects the Postgres driver; anything else is treated as
// a sqlite file path (parent directories created as needed).
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("storage: connect postgres: %w", err)
		}
		log.Info().Msg("storage: connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create db directory: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("storage: connect sqlite %q: %w", dsn, err)
		}
		log.Info().Str("path", dsn).Msg("storage: connected (sqlite)")
	}

	if err := db.AutoMigrate(&gormTrade{}, &gormOpenPosition{}, &gormRiskState{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Write implements tracker.Sink — this is how the corpus's GORM stack earns
// a role despite the persistence format itself being JSON-lines by default:
// the Sink interface accepts a second concrete implementation.
func (s *Store) Write(rec trade.Record) error {
	row := gormTrade{
		Ticker:          rec.Ticker,
		Side:            rec.Side.String(),
		Size:            rec.Size,
		EntryPriceCents: rec.EntryPriceCents,
		ExitReason:      rec.ExitReason.String(),
		OpenedAt:        rec.OpenedAt,
		CreatedAt:       time.Now(),
	}
	if rec.ExitPriceCents != nil {
		row.ExitPriceCents = *rec.ExitPriceCents
	}
	if rec.ClosedAt != nil {
		row.ClosedAt = *rec.ClosedAt
	}
	if rec.RealizedPnLCents != nil {
		row.RealizedPnLCents = *rec.RealizedPnLCents
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("storage: persist trade: %w", err)
	}
	return nil
}

// OpenPositionSnapshot is the data the orchestrator needs to re-attach a
// Holding trader on restart.
type OpenPositionSnapshot struct {
	Ticker            string
	Side              trade.Side
	Size              int
	EntryPriceCents   int
	HighestSeenCents  int
	StopLossCents     int
	TrailingStopCents int
	OpenedAt          time.Time
	ExchangeOrderID   string
}

// SaveOpenPosition upserts the current state of a held position.
func (s *Store) SaveOpenPosition(p OpenPositionSnapshot) error {
	row := gormOpenPosition{
		Ticker:            p.Ticker,
		Side:              p.Side.String(),
		Size:              p.Size,
		EntryPriceCents:   p.EntryPriceCents,
		HighestSeenCents:  p.HighestSeenCents,
		StopLossCents:     p.StopLossCents,
		TrailingStopCents: p.TrailingStopCents,
		OpenedAt:          p.OpenedAt,
		ExchangeOrderID:   p.ExchangeOrderID,
		UpdatedAt:         time.Now(),
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("storage: save open position %s: %w", p.Ticker, err)
	}
	return nil
}

// RemoveOpenPosition deletes the persisted snapshot once a position closes.
func (s *Store) RemoveOpenPosition(ticker string) error {
	if err := s.db.Delete(&gormOpenPosition{}, "ticker = ?", ticker).Error; err != nil {
		return fmt.Errorf("storage: remove open position %s: %w", ticker, err)
	}
	return nil
}

// LoadOpenPositions returns every position persisted as still open — called
// once, at startup, by the orchestrator's reconciliation step.
func (s *Store) LoadOpenPositions() ([]OpenPositionSnapshot, error) {
	var rows []gormOpenPosition
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: load open positions: %w", err)
	}
	out := make([]OpenPositionSnapshot, 0, len(rows))
	for _, r := range rows {
		side := trade.Yes
		if r.Side == trade.No.String() {
			side = trade.No
		}
		out = append(out, OpenPositionSnapshot{
			Ticker:            r.Ticker,
			Side:              side,
			Size:              r.Size,
			EntryPriceCents:   r.EntryPriceCents,
			HighestSeenCents:  r.HighestSeenCents,
			StopLossCents:     r.StopLossCents,
			TrailingStopCents: r.TrailingStopCents,
			OpenedAt:          r.OpenedAt,
			ExchangeOrderID:   r.ExchangeOrderID,
		})
	}
	return out, nil
}

// SaveRiskState persists today's exposure/P&L snapshot, keyed by date.
func (s *Store) SaveRiskState(totalExposureCents, realizedPnLCentsToday int64) error {
	row := gormRiskState{
		Date:                  time.Now().Format("2006-01-02"),
		TotalExposureCents:    totalExposureCents,
		RealizedPnLCentsToday: realizedPnLCentsToday,
		UpdatedAt:             time.Now(),
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("storage: save risk state: %w", err)
	}
	return nil
}

// LoadTodayRiskState returns today's persisted snapshot, if any.
func (s *Store) LoadTodayRiskState() (totalExposureCents, realizedPnLCentsToday int64, found bool, err error) {
	var row gormRiskState
	today := time.Now().Format("2006-01-02")
	result := s.db.First(&row, "date = ?", today)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("storage: load risk state: %w", result.Error)
	}
	return row.TotalExposureCents, row.RealizedPnLCentsToday, true, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
