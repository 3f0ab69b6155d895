package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"grvt-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// HedgeSnapshot is one instrument's per-tick state written for offline review.
type HedgeSnapshot struct {
	Time             time.Time
	Instrument       string
	PositionMode     string
	AbsANotional     float64
	AbsBNotional     float64
	DiffNotional     float64
	TotalNotional    float64
	UnmatchedLots    int
	UnmatchedUSDT    float64
	ActiveOrdersA    int
	ActiveOrdersB    int
	CooldownActive   bool
	OldestLotAgeSecs float64
}

// Writer streams hedge snapshots into TimescaleDB from a single background
// goroutine. Enqueue never blocks; overflow is counted and dropped.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	snapshots chan HedgeSnapshot
	started   atomic.Bool
	dropped   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		snapshots: make(chan HedgeSnapshot, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) Enqueue(snapshot HedgeSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snapshot:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.write(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		position_mode TEXT NOT NULL,
		abs_a_notional DOUBLE PRECISION NOT NULL,
		abs_b_notional DOUBLE PRECISION NOT NULL,
		diff_notional DOUBLE PRECISION NOT NULL,
		total_notional DOUBLE PRECISION NOT NULL,
		unmatched_lots INTEGER NOT NULL,
		unmatched_usdt DOUBLE PRECISION NOT NULL,
		active_orders_a INTEGER NOT NULL,
		active_orders_b INTEGER NOT NULL,
		cooldown_active BOOLEAN NOT NULL,
		oldest_lot_age_secs DOUBLE PRECISION NOT NULL
	)`, w.table("hedge_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("hedge_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale hedge_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) write(ctx context.Context, snap HedgeSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, position_mode, abs_a_notional, abs_b_notional, diff_notional,
		total_notional, unmatched_lots, unmatched_usdt, active_orders_a, active_orders_b,
		cooldown_active, oldest_lot_age_secs
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, w.table("hedge_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Instrument,
		snap.PositionMode,
		snap.AbsANotional,
		snap.AbsBNotional,
		snap.DiffNotional,
		snap.TotalNotional,
		snap.UnmatchedLots,
		snap.UnmatchedUSDT,
		snap.ActiveOrdersA,
		snap.ActiveOrdersB,
		snap.CooldownActive,
		snap.OldestLotAgeSecs,
	); err != nil && w.log != nil {
		w.log.Warn("timescale snapshot write failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	if w.schema == "" || w.schema == "public" {
		return name
	}
	return w.schema + "." + name
}
