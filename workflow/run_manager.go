package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/loopflow/types"
	"go.uber.org/zap"
)

// RunStore persists finished runs
type RunStore interface {
	SaveRun(ctx context.Context, result *RunResult) error
}

// LoopArchive keeps terminal loop snapshots
type LoopArchive interface {
	ArchiveLoop(ctx context.Context, runID string, loop LoopSnapshot) error
}

const persistTimeout = 10 * time.Second

type managedRun struct {
	coord  *Coordinator
	cancel context.CancelFunc
	done   chan struct{}
	result *RunResult
	err    error

	// finishedAt is zero while the run is active; guarded by RunManager.mu
	finishedAt time.Time
}

// RunManager starts runs in the background and keeps them addressable by ID
type RunManager struct {
	execs   Executors
	cfg     EngineConfig
	logger  *zap.Logger
	metrics Metrics
	store   RunStore
	archive LoopArchive
	now     func() time.Time

	mu     sync.RWMutex
	runs   map[string]*managedRun
	closed bool
	wg     sync.WaitGroup
}

// RunManagerOption customizes a RunManager
type RunManagerOption func(*RunManager)

// WithRunStore persists every finished run
func WithRunStore(s RunStore) RunManagerOption {
	return func(m *RunManager) { m.store = s }
}

// WithLoopArchive archives the terminal snapshot of every loop
func WithLoopArchive(a LoopArchive) RunManagerOption {
	return func(m *RunManager) { m.archive = a }
}

// WithManagerLogger sets the logger
func WithManagerLogger(logger *zap.Logger) RunManagerOption {
	return func(m *RunManager) { m.logger = logger }
}

// WithManagerMetrics sets the metrics sink shared by all runs
func WithManagerMetrics(metrics Metrics) RunManagerOption {
	return func(m *RunManager) { m.metrics = metrics }
}

// NewRunManager creates a manager
func NewRunManager(execs Executors, cfg EngineConfig, opts ...RunManagerOption) *RunManager {
	m := &RunManager{
		execs: execs,
		cfg:   cfg,
		runs:  make(map[string]*managedRun),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "run_manager"))
	if m.metrics == nil {
		m.metrics = nopMetrics{}
	}
	return m
}

// Start validates the definition and launches a run. The run is detached
// from ctx's cancellation; use Cancel or ForceStop to stop it.
func (m *RunManager) Start(ctx context.Context, def *Definition, input string) (*Coordinator, error) {
	coord, err := NewCoordinator(def, m.execs, m.cfg, WithLogger(m.logger), WithMetrics(m.metrics))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &managedRun{coord: coord, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, errShuttingDown()
	}
	m.evictLocked()
	m.runs[coord.RunID()] = run
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()
		result, runErr := coord.Run(runCtx, input)
		m.persist(result)
		run.result, run.err = result, runErr
		close(run.done)
		coord.Events().Close()

		m.mu.Lock()
		run.finishedAt = m.now()
		m.evictLocked()
		m.mu.Unlock()
	}()

	m.logger.Info("run started", zap.String("run_id", coord.RunID()), zap.String("workflow_id", def.ID))
	return coord, nil
}

func (m *RunManager) persist(result *RunResult) {
	if result == nil || (m.store == nil && m.archive == nil) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if m.store != nil {
		if err := m.store.SaveRun(ctx, result); err != nil {
			m.logger.Error("failed to save run", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}
	if m.archive != nil {
		for _, loop := range result.Loops {
			if err := m.archive.ArchiveLoop(ctx, result.RunID, loop); err != nil {
				m.logger.Error("failed to archive loop",
					zap.String("run_id", result.RunID),
					zap.String("loop_id", loop.LoopID),
					zap.Error(err))
			}
		}
	}
}

func (m *RunManager) get(runID string) (*managedRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, types.NewNotFoundError("run not found: " + runID)
	}
	return run, nil
}

// Get returns the current state of a run
func (m *RunManager) Get(runID string) (*RunResult, error) {
	run, err := m.get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
		return run.result, nil
	default:
		return run.coord.Result(), nil
	}
}

// Regions lists the loop regions of a run
func (m *RunManager) Regions(runID string) ([]LoopRegion, error) {
	run, err := m.get(runID)
	if err != nil {
		return nil, err
	}
	return run.coord.Regions(), nil
}

// Wait blocks until the run finishes or ctx is done
func (m *RunManager) Wait(ctx context.Context, runID string) (*RunResult, error) {
	run, err := m.get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
		return run.result, run.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForceStop stops one loop of a run at its next iteration boundary
func (m *RunManager) ForceStop(runID, loopID string) error {
	run, err := m.get(runID)
	if err != nil {
		return err
	}
	if !run.coord.ForceStop(loopID) {
		return types.NewNotFoundError("loop not found: " + loopID)
	}
	return nil
}

// Cancel stops every loop of the run at its next iteration boundary and
// prevents further stages from starting.
func (m *RunManager) Cancel(runID string) error {
	run, err := m.get(runID)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// Subscribe streams the run's events. The channel is closed when the run
// finishes or cancel is called.
func (m *RunManager) Subscribe(runID string, buffer int) (<-chan Event, func(), error) {
	run, err := m.get(runID)
	if err != nil {
		return nil, nil, err
	}
	if buffer <= 0 {
		buffer = m.cfg.EventBuffer
	}
	ch, cancel := run.coord.Events().Subscribe(buffer)
	return ch, cancel, nil
}

// List returns summaries of all runs still held in memory, newest first.
// Evicted runs are only available from the RunStore.
func (m *RunManager) List() []RunSnapshot {
	m.mu.Lock()
	m.evictLocked()
	out := make([]RunSnapshot, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.coord.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// evictLocked drops finished runs older than RunRetention, then the oldest
// finished runs beyond MaxRetainedRuns. Active runs are never evicted.
func (m *RunManager) evictLocked() {
	now := m.now()
	finished := make([]string, 0, len(m.runs))
	for id, run := range m.runs {
		if run.finishedAt.IsZero() {
			continue
		}
		if m.cfg.RunRetention > 0 && now.Sub(run.finishedAt) > m.cfg.RunRetention {
			delete(m.runs, id)
			continue
		}
		finished = append(finished, id)
	}

	excess := len(finished) - m.cfg.MaxRetainedRuns
	if m.cfg.MaxRetainedRuns <= 0 || excess <= 0 {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return m.runs[finished[i]].finishedAt.Before(m.runs[finished[j]].finishedAt)
	})
	for _, id := range finished[:excess] {
		delete(m.runs, id)
	}
	m.logger.Debug("evicted finished runs", zap.Int("count", excess))
}

// Ping reports whether the manager still accepts runs
func (m *RunManager) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errShuttingDown()
	}
	return nil
}

func errShuttingDown() error {
	return types.NewError(types.ErrShuttingDown, "run manager is shutting down")
}

// Shutdown rejects new runs, cancels running ones and waits for them to finish
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, run := range m.runs {
		run.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
