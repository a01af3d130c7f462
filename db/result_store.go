package db

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"simtrade/backtest"
	"simtrade/metrics"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	defaultQueueSize         = 512
	defaultBatchSize         = 64
	defaultFlushInterval     = 200 * time.Millisecond
	defaultMaxRetries        = 5
	defaultBackoffBase       = 150 * time.Millisecond
	defaultBackoffCap        = 3 * time.Second
	defaultDrainTimeout      = 30 * time.Second
	defaultOperationDeadline = 10 * time.Second
)

// RunRecord is one persisted simulation run.
type RunRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// TradeRecord is one persisted trade close.
type TradeRecord struct {
	RunID      string    `json:"run_id"`
	TradeID    string    `json:"trade_id"`
	Direction  int       `json:"direction"`
	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitTime   time.Time `json:"exit_time"`
	ExitPrice  float64   `json:"exit_price"`
	Volume     float64   `json:"volume"`
	PnLPoints  float64   `json:"pnl_points"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	Partial    bool      `json:"partial"`
}

type tradeRequest struct {
	runID string
	trade backtest.ClosedTrade
}

// ResultStore persists runs, trades and summaries into PostgreSQL with
// automatic migrations. Trade writes are buffered and flushed in batches;
// a lost batch never affects the simulation itself.
type ResultStore struct {
	pool *pgxpool.Pool

	queue chan tradeRequest
	wg    sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	backoffBase   time.Duration
	backoffCap    time.Duration
	drainTimeout  time.Duration

	closing       atomic.Bool
	closeOnce     sync.Once
	poolCloseOnce sync.Once
}

// NewResultStore connects, applies migrations and starts the background
// trade writer. On failure the caller runs without persistence.
func NewResultStore(connURL string) (*ResultStore, error) {
	if strings.TrimSpace(connURL) == "" {
		return nil, errors.New("empty db connection string")
	}

	if err := runMigrations(connURL); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := &ResultStore{
		pool:          pool,
		queue:         make(chan tradeRequest, defaultQueueSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		maxRetries:    defaultMaxRetries,
		backoffBase:   defaultBackoffBase,
		backoffCap:    defaultBackoffCap,
		drainTimeout:  defaultDrainTimeout,
	}

	store.wg.Add(1)
	go store.worker()
	return store, nil
}

func runMigrations(connURL string) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", sourceDriver, connURL)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := migrator.Close()
		if srcErr != nil {
			log.Printf("migrate source close: %v", srcErr)
		}
		if dbErr != nil {
			log.Printf("migrate db close: %v", dbErr)
		}
	}()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// CreateRun registers a run before it starts.
func (s *ResultStore) CreateRun(ctx context.Context, r RunRecord) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	const sql = `
        INSERT INTO runs (id, name, symbol, timeframe, status, initial_balance, started_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            started_at = EXCLUDED.started_at
    `
	_, err := s.pool.Exec(ctx, sql,
		r.ID, r.Name, r.Symbol, r.Timeframe, r.Status, r.InitialBalance, nullableTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun records the terminal state of a run.
func (s *ResultStore) FinishRun(ctx context.Context, id, status string, finalBalance float64, runErr string) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	const sql = `
        UPDATE runs SET status = $2, final_balance = $3, error = $4, finished_at = $5
        WHERE id = $1
    `
	_, err := s.pool.Exec(ctx, sql, id, status, finalBalance, runErr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	return nil
}

// QueueTrade buffers one closed trade for asynchronous persistence. The
// write is best effort: when the queue is full the trade is dropped with a
// metric rather than stalling the engine.
func (s *ResultStore) QueueTrade(runID string, trade backtest.ClosedTrade) error {
	if s.closing.Load() {
		return errors.New("result store shutting down")
	}
	metrics.IncPersistenceAttempts(runID)

	select {
	case s.queue <- tradeRequest{runID: runID, trade: trade}:
		return nil
	default:
		metrics.IncPersistenceFailures(runID)
		return fmt.Errorf("trade queue full for run %s", runID)
	}
}

func (s *ResultStore) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	buffer := make([]tradeRequest, 0, s.batchSize)

	flush := func(ctx context.Context) {
		if len(buffer) == 0 {
			return
		}
		batch := append([]tradeRequest(nil), buffer...)
		buffer = buffer[:0]

		start := time.Now()
		if err := s.persistBatchWithRetry(ctx, batch); err != nil {
			log.Printf("trade persistence batch failed (size=%d): %v", len(batch), err)
			for _, req := range batch {
				metrics.IncPersistenceFailures(req.runID)
			}
		}
		duration := time.Since(start)
		for _, req := range batch {
			metrics.ObservePersistLatency(req.runID, duration)
		}
	}

	for {
		select {
		case req, ok := <-s.queue:
			if !ok {
				drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
				flush(drainCtx)
				cancel()
				return
			}
			buffer = append(buffer, req)
			if len(buffer) >= s.batchSize {
				flush(context.Background())
			}
		case <-ticker.C:
			flush(context.Background())
		}
	}
}

func (s *ResultStore) persistBatchWithRetry(ctx context.Context, batch []tradeRequest) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		if err := s.persistBatchOnce(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (s *ResultStore) persistBatchOnce(ctx context.Context, batch []tradeRequest) error {
	execCtx, cancel := context.WithTimeout(ctx, defaultOperationDeadline)
	defer cancel()

	tx, err := s.pool.BeginTx(execCtx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.Background())
		}
	}()

	const sql = `
        INSERT INTO trades (run_id, trade_id, direction, entry_time, entry_price,
                            exit_time, exit_price, volume, pnl_points, pnl, reason, partial)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
    `
	for _, req := range batch {
		t := req.trade
		if _, err := tx.Exec(execCtx, sql,
			req.runID, t.ID, t.Direction,
			t.EntryTime.UTC(), t.EntryPrice,
			t.ExitTime.UTC(), t.ExitPrice,
			t.Volume, t.PnLPoints, t.PnL, string(t.Reason), t.Partial,
		); err != nil {
			return fmt.Errorf("insert trade %s/%s: %w", req.runID, t.ID, err)
		}
	}

	if err := tx.Commit(execCtx); err != nil {
		return fmt.Errorf("commit trade batch: %w", err)
	}
	committed = true
	return nil
}

// SaveSummary upserts the final report figures for a run.
func (s *ResultStore) SaveSummary(ctx context.Context, report *backtest.Report) error {
	if report == nil {
		return errors.New("nil report")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	breakdown, err := json.Marshal(report.ExitBreakdown)
	if err != nil {
		return fmt.Errorf("marshal exit breakdown: %w", err)
	}

	const sql = `
        INSERT INTO run_summaries (run_id, total_trades, wins, losses, win_rate,
                                   gross_profit, gross_loss, profit_factor, net_profit,
                                   max_drawdown_pct, exit_breakdown, recorded_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (run_id) DO UPDATE SET
            total_trades = EXCLUDED.total_trades,
            wins = EXCLUDED.wins,
            losses = EXCLUDED.losses,
            win_rate = EXCLUDED.win_rate,
            gross_profit = EXCLUDED.gross_profit,
            gross_loss = EXCLUDED.gross_loss,
            profit_factor = EXCLUDED.profit_factor,
            net_profit = EXCLUDED.net_profit,
            max_drawdown_pct = EXCLUDED.max_drawdown_pct,
            exit_breakdown = EXCLUDED.exit_breakdown,
            recorded_at = EXCLUDED.recorded_at
    `
	_, err = s.pool.Exec(ctx, sql,
		report.RunID, report.TotalTrades, report.Wins, report.Losses, report.WinRate,
		report.GrossProfit, report.GrossLoss, report.ProfitFactor, report.NetProfit,
		report.MaxDrawdownPct, breakdown, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert summary %s: %w", report.RunID, err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *ResultStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	const sql = `
        SELECT id, name, symbol, timeframe, status, error,
               initial_balance, final_balance, started_at, finished_at
        FROM runs WHERE id = $1
    `
	row := s.pool.QueryRow(ctx, sql, id)
	return scanRun(row)
}

// ListRuns returns all runs, newest first.
func (s *ResultStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	const sql = `
        SELECT id, name, symbol, timeframe, status, error,
               initial_balance, final_balance, started_at, finished_at
        FROM runs ORDER BY created_at DESC
    `
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListTrades returns a run's trades in close order.
func (s *ResultStore) ListTrades(ctx context.Context, runID string) ([]TradeRecord, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	const sql = `
        SELECT run_id, trade_id, direction, entry_time, entry_price,
               exit_time, exit_price, volume, pnl_points, pnl, reason, partial
        FROM trades WHERE run_id = $1 ORDER BY id
    `
	rows, err := s.pool.Query(ctx, sql, runID)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", runID, err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.RunID, &t.TradeID, &t.Direction, &t.EntryTime, &t.EntryPrice,
			&t.ExitTime, &t.ExitPrice, &t.Volume, &t.PnLPoints, &t.PnL, &t.Reason, &t.Partial,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var r RunRecord
	var startedAt, finishedAt *time.Time
	if err := row.Scan(
		&r.ID, &r.Name, &r.Symbol, &r.Timeframe, &r.Status, &r.Error,
		&r.InitialBalance, &r.FinalBalance, &startedAt, &finishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if startedAt != nil {
		r.StartedAt = *startedAt
	}
	if finishedAt != nil {
		r.FinishedAt = *finishedAt
	}
	return &r, nil
}

func (s *ResultStore) waitBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(float64(s.backoffBase) * math.Pow(2, float64(attempt-1)))
	if backoff > s.backoffCap {
		backoff = s.backoffCap
	}
	jitter := time.Duration(rand.Float64() * float64(backoff) * 0.5)

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close drains buffered trades and releases the pool. The context bounds
// how long the drain may take.
func (s *ResultStore) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.queue)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.poolCloseOnce.Do(func() { s.pool.Close() })
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.poolCloseOnce.Do(func() { s.pool.Close() })
		log.Printf("result store close timed out: %v", ctx.Err())
		return ctx.Err()
	case <-done:
		return nil
	}
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, defaultOperationDeadline)
}

func nullableTime(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	utc := ts.UTC()
	return &utc
}
