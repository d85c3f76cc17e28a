package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// BasisSnapshot is one observation of the spread and funding state.
type BasisSnapshot struct {
	Time              time.Time
	SpotAsset         string
	PerpAsset         string
	SpotPrice         float64
	PerpMark          float64
	PerpIndex         float64
	BasisBps          float64
	FundingRateHourly float64
	FundingAPRPct     float64
	FundingVelocity   float64
}

// PositionSnapshot is one observation of the open hedge.
type PositionSnapshot struct {
	Time            time.Time
	State           string
	SpotAsset       string
	PerpAsset       string
	SpotSizeBase    float64
	PerpSizeBase    float64
	SpotEntryPrice  float64
	PerpEntryPrice  float64
	HedgeDriftPct   float64
	UnrealizedQuote float64
	FundingAccrued  float64
	EquityQuote     float64
}

// Writer persists snapshots to Timescale/Postgres on a background
// goroutine. Writes never block the trading loop; a full queue drops.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	basis     chan BasisSnapshot
	positions chan PositionSnapshot
	started   atomic.Bool
	dropBasis atomic.Uint64
	dropPos   atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
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
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		basis:     make(chan BasisSnapshot, queueSize),
		positions: make(chan PositionSnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
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

func (w *Writer) EnqueueBasis(snapshot BasisSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.basis <- snapshot:
		return
	default:
		if w.dropBasis.Add(1) == 1 && w.log != nil {
			w.log.Warn("history basis queue full")
		}
	}
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
		return
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("history position queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.basis:
			w.writeBasis(ctx, snap)
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		spot_asset TEXT NOT NULL,
		perp_asset TEXT NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		perp_mark DOUBLE PRECISION NOT NULL,
		perp_index DOUBLE PRECISION NOT NULL,
		basis_bps DOUBLE PRECISION NOT NULL,
		funding_rate_hourly DOUBLE PRECISION NOT NULL,
		funding_apr_pct DOUBLE PRECISION NOT NULL,
		funding_velocity DOUBLE PRECISION NOT NULL
	)`, w.table("basis_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL,
		spot_asset TEXT NOT NULL,
		perp_asset TEXT NOT NULL,
		spot_size_base DOUBLE PRECISION NOT NULL,
		perp_size_base DOUBLE PRECISION NOT NULL,
		spot_entry_price DOUBLE PRECISION NOT NULL,
		perp_entry_price DOUBLE PRECISION NOT NULL,
		hedge_drift_pct DOUBLE PRECISION NOT NULL,
		unrealized_quote DOUBLE PRECISION NOT NULL,
		funding_accrued DOUBLE PRECISION NOT NULL,
		equity_quote DOUBLE PRECISION NOT NULL
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("basis_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("basis_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("position_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeBasis(ctx context.Context, snap BasisSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, spot_asset, perp_asset, spot_price, perp_mark, perp_index,
		basis_bps, funding_rate_hourly, funding_apr_pct, funding_velocity
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("basis_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.SpotAsset,
		snap.PerpAsset,
		snap.SpotPrice,
		snap.PerpMark,
		snap.PerpIndex,
		snap.BasisBps,
		snap.FundingRateHourly,
		snap.FundingAPRPct,
		snap.FundingVelocity,
	); err != nil && w.log != nil {
		w.log.Warn("history basis insert failed", zap.Error(err))
	}
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, state, spot_asset, perp_asset, spot_size_base, perp_size_base,
		spot_entry_price, perp_entry_price, hedge_drift_pct, unrealized_quote,
		funding_accrued, equity_quote
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.State,
		snap.SpotAsset,
		snap.PerpAsset,
		snap.SpotSizeBase,
		snap.PerpSizeBase,
		snap.SpotEntryPrice,
		snap.PerpEntryPrice,
		snap.HedgeDriftPct,
		snap.UnrealizedQuote,
		snap.FundingAccrued,
		snap.EquityQuote,
	); err != nil && w.log != nil {
		w.log.Warn("history position insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
