package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"simtrade/backtest"
	"simtrade/config"
	"simtrade/datafeed"
	"simtrade/db"
	"simtrade/market"
	"simtrade/risk"
	"simtrade/runtimeflags"
	"simtrade/strategy"
)

// RunStatus is the lifecycle of a managed run.
type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusDone    RunStatus = "done"
	StatusFailed  RunStatus = "failed"
)

type managedRun struct {
	id       string
	cfg      config.RunConfig
	status   RunStatus
	err      string
	report   *backtest.Report
	started  time.Time
	finished time.Time
	cancel   context.CancelFunc
}

// RunInfo is a point-in-time snapshot of one run for the API.
type RunInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RunManager owns the configured runs and drives each one in its own
// goroutine. Persistence is best effort: a dead database never fails a run.
type RunManager struct {
	mu    sync.RWMutex
	runs  map[string]*managedRun
	order []string

	flags *runtimeflags.Flags
	store *db.ResultStore
	wg    sync.WaitGroup
}

// NewRunManager wires a manager. store may be nil when persistence is off.
func NewRunManager(flags *runtimeflags.Flags, store *db.ResultStore) *RunManager {
	if flags == nil {
		flags = runtimeflags.New(runtimeflags.DefaultState())
	}
	return &RunManager{
		runs:  make(map[string]*managedRun),
		flags: flags,
		store: store,
	}
}

// Flags exposes the runtime flags for the API to inspect and toggle.
func (m *RunManager) Flags() *runtimeflags.Flags {
	return m.flags
}

// AddRun registers a run definition and returns its id.
func (m *RunManager) AddRun(cfg config.RunConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if r.cfg.Name == cfg.Name {
			return "", fmt.Errorf("run name %q already registered", cfg.Name)
		}
	}

	id := uuid.NewString()
	m.runs[id] = &managedRun{id: id, cfg: cfg, status: StatusPending}
	m.order = append(m.order, id)
	log.Printf("[manager] registered run %q as %s", cfg.Name, id)
	return id, nil
}

// StartRun launches one pending run.
func (m *RunManager) StartRun(ctx context.Context, id string) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown run %s", id)
	}
	if run.status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("run %s is %s, not pending", id, run.status)
	}
	runCtx, cancel := context.WithCancel(ctx)
	run.status = StatusRunning
	run.started = time.Now().UTC()
	run.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.execute(runCtx, run)
	}()
	return nil
}

// StartAll launches every pending run.
func (m *RunManager) StartAll(ctx context.Context) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.StartRun(ctx, id); err != nil {
			log.Printf("[manager] start %s: %v", id, err)
		}
	}
}

// Wait blocks until every launched run has finished.
func (m *RunManager) Wait() {
	m.wg.Wait()
}

// StopAll cancels all in-flight runs.
func (m *RunManager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.runs {
		if run.cancel != nil {
			run.cancel()
		}
	}
}

func (m *RunManager) execute(ctx context.Context, run *managedRun) {
	report, err := m.runOnce(ctx, run)

	m.mu.Lock()
	run.finished = time.Now().UTC()
	if err != nil {
		run.status = StatusFailed
		run.err = err.Error()
	} else {
		run.status = StatusDone
		run.report = report
	}
	m.mu.Unlock()

	if err != nil {
		log.Printf("[manager] run %q failed: %v", run.cfg.Name, err)
		return
	}
	log.Printf("[manager] %s", report.Summary())
}

func (m *RunManager) runOnce(ctx context.Context, run *managedRun) (*backtest.Report, error) {
	series, err := m.loadSeries(ctx, run.cfg)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}

	engine, err := m.buildEngine(run)
	if err != nil {
		return nil, err
	}

	m.persistStart(run, series)
	report, err := engine.Run(ctx, series)
	if err != nil {
		m.persistFailure(run, err)
		return nil, err
	}
	m.persistReport(run, report)
	return report, nil
}

func (m *RunManager) loadSeries(ctx context.Context, cfg config.RunConfig) (*market.Series, error) {
	tf, err := market.ParseTimeframe(cfg.Data.Timeframe)
	if err != nil {
		return nil, err
	}

	var source datafeed.Source
	switch cfg.Data.Source {
	case "binance":
		source = datafeed.NewBinanceSource(cfg.Data.Symbol, tf, cfg.Data.Limit)
	default:
		source = &datafeed.CSVSource{Path: cfg.Data.File, Symbol: cfg.Data.Symbol, Timeframe: tf}
	}

	series, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}

	spec := datafeed.IndicatorSpec{
		EMAFastPeriod: cfg.Data.Indicator.EMAFastPeriod,
		EMASlowPeriod: cfg.Data.Indicator.EMASlowPeriod,
		ATRPeriod:     cfg.Data.Indicator.ATRPeriod,
		ADXPeriod:     cfg.Data.Indicator.ADXPeriod,
	}
	if err := datafeed.Precompute(series, spec); err != nil {
		return nil, fmt.Errorf("precompute indicators: %w", err)
	}
	return series, nil
}

func (m *RunManager) buildEngine(run *managedRun) (*backtest.Engine, error) {
	cfg := run.cfg

	var strat strategy.Strategy
	switch cfg.Strategy {
	case "", "ema_cross":
		strat = strategy.NewEMACross(cfg.EMACross)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}

	return backtest.NewEngine(backtest.Config{
		RunID:          run.id,
		InitialBalance: cfg.InitialBalance,
		Parameters:     cfg.Engine,
		Strategy:       strat,
		Sizer:          risk.NewSizer(cfg.Sizer),
		Governor:       risk.NewGovernor(run.id, cfg.Governor, m.flags),
		Sessions:       cfg.Sessions,
		Calendar:       cfg.Calendar(),
		Policies:       cfg.Policies.Chain(),
		Flags:          m.flags,
	})
}

func (m *RunManager) persisting() bool {
	return m.store != nil && m.flags.PersistenceEnabled()
}

func (m *RunManager) persistStart(run *managedRun, series *market.Series) {
	if !m.persisting() {
		return
	}
	err := m.store.CreateRun(context.Background(), db.RunRecord{
		ID:             run.id,
		Name:           run.cfg.Name,
		Symbol:         series.Symbol,
		Timeframe:      string(series.Timeframe),
		Status:         string(StatusRunning),
		InitialBalance: run.cfg.InitialBalance,
		StartedAt:      run.started,
	})
	if err != nil {
		log.Printf("[manager] persist run start %s: %v", run.id, err)
	}
}

func (m *RunManager) persistFailure(run *managedRun, runErr error) {
	if !m.persisting() {
		return
	}
	if err := m.store.FinishRun(context.Background(), run.id, string(StatusFailed), 0, runErr.Error()); err != nil {
		log.Printf("[manager] persist run failure %s: %v", run.id, err)
	}
}

func (m *RunManager) persistReport(run *managedRun, report *backtest.Report) {
	if !m.persisting() {
		return
	}
	for _, trade := range report.Trades {
		if err := m.store.QueueTrade(run.id, trade); err != nil {
			log.Printf("[manager] persist trade %s/%s: %v", run.id, trade.ID, err)
		}
	}
	if err := m.store.SaveSummary(context.Background(), report); err != nil {
		log.Printf("[manager] persist summary %s: %v", run.id, err)
	}
	if err := m.store.FinishRun(context.Background(), run.id, string(StatusDone), report.FinalBalance, ""); err != nil {
		log.Printf("[manager] persist run finish %s: %v", run.id, err)
	}
}

// GetRun returns a snapshot of one run.
func (m *RunManager) GetRun(id string) (RunInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return RunInfo{}, fmt.Errorf("unknown run %s", id)
	}
	return snapshot(run), nil
}

// ListRuns returns snapshots of all runs in registration order.
func (m *RunManager) ListRuns() []RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]RunInfo, 0, len(m.order))
	for _, id := range m.order {
		infos = append(infos, snapshot(m.runs[id]))
	}
	return infos
}

// Report returns the final report of a finished run.
func (m *RunManager) Report(id string) (*backtest.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("unknown run %s", id)
	}
	if run.report == nil {
		return nil, fmt.Errorf("run %s has no report yet (status %s)", id, run.status)
	}
	return run.report, nil
}

func snapshot(run *managedRun) RunInfo {
	return RunInfo{
		ID:         run.id,
		Name:       run.cfg.Name,
		Status:     run.status,
		Error:      run.err,
		StartedAt:  run.started,
		FinishedAt: run.finished,
	}
}
