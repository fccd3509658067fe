package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/types"
)

// ManagerState is the model lifecycle state.
type ManagerState string

const (
	StateUnloaded ManagerState = "unloaded"
	StateLoading  ManagerState = "loading"
	StateActive   ManagerState = "active"
	StateDraining ManagerState = "draining"
)

// BackendFactory builds a backend for a model handle. Production wires
// StartDetector; tests substitute fakes.
type BackendFactory func(handle types.ModelHandle) (Backend, error)

// Manager coordinates the model lifecycle across every stream: initial
// load, hot switch, and recovery when the backend dies. Streams keep running
// through all of it; frames arriving while no model is active are skipped.
type Manager struct {
	log    zerolog.Logger
	met    *metrics.Collector
	engine *Engine
	build  BackendFactory

	mu      sync.Mutex
	state   ManagerState
	handle  types.ModelHandle
	backend Backend
	reload  chan struct{}
}

// NewManager creates a manager in the Unloaded state.
func NewManager(eng *Engine, build BackendFactory, log zerolog.Logger, met *metrics.Collector) *Manager {
	return &Manager{
		log:    log.With().Str("component", "model_manager").Logger(),
		met:    met,
		engine: eng,
		build:  build,
		state:  StateUnloaded,
		reload: make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the active (or last-known-good) model handle.
func (m *Manager) Handle() types.ModelHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Load performs the initial model load: Unloaded -> Loading -> Active.
func (m *Manager) Load(handle types.ModelHandle) error {
	m.mu.Lock()
	if m.state != StateUnloaded {
		m.mu.Unlock()
		return fmt.Errorf("%w: load from state %s", types.ErrModelLoad, m.state)
	}
	m.state = StateLoading
	m.mu.Unlock()

	b, err := m.build(handle)
	if err != nil {
		m.mu.Lock()
		m.state = StateUnloaded
		m.mu.Unlock()
		return err
	}

	m.install(b, handle)
	m.log.Info().Str("model_id", handle.ID).Str("backend", handle.Backend).Msg("model loaded")
	return nil
}

// Switch hot-swaps the active model: Active -> Draining -> Loading ->
// Active. The old backend drains first (in-flight requests complete or time
// out; new ones are skipped), then the new one loads. If the load fails the
// previous model is restored: a faulty switch must not take down all streams.
func (m *Manager) Switch(ctx context.Context, handle types.ModelHandle) error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: switch from state %s", types.ErrModelLoad, m.state)
	}
	old := m.backend
	oldHandle := m.handle
	m.state = StateDraining
	m.mu.Unlock()

	m.log.Info().
		Str("from", oldHandle.ID).
		Str("to", handle.ID).
		Msg("model switch starting")

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	m.engine.Drain(drainCtx)
	cancel()

	m.mu.Lock()
	m.state = StateLoading
	m.mu.Unlock()

	b, err := m.build(handle)
	if err != nil {
		// Roll back to last-known-good; the old backend is still alive.
		m.install(old, oldHandle)
		m.log.Error().Err(err).
			Str("model_id", handle.ID).
			Msg("model switch failed, previous model restored")
		return fmt.Errorf("%w: %v", types.ErrModelLoad, err)
	}

	m.install(b, handle)
	if old != nil {
		old.Close()
	}
	m.log.Info().Str("model_id", handle.ID).Msg("model switch complete")
	return nil
}

// install makes a backend active and resumes the engine.
func (m *Manager) install(b Backend, handle types.ModelHandle) {
	m.mu.Lock()
	prev := m.handle
	m.backend = b
	m.handle = handle
	m.state = StateActive
	m.mu.Unlock()

	m.engine.SetBackend(b)
	m.engine.Resume()

	if prev.ID != "" {
		m.met.ModelInfo.DeleteLabelValues(prev.ID, prev.Backend)
	}
	m.met.ModelInfo.WithLabelValues(handle.ID, handle.Backend).Set(1)
}

// Run watches the active backend and reloads it when it dies. Streams keep
// decoding throughout; their frames are skipped until the reload succeeds,
// so the system degrades to "no detections" instead of crashing.
func (m *Manager) Run(ctx context.Context) {
	for {
		m.mu.Lock()
		b := m.backend
		m.mu.Unlock()

		var died <-chan struct{}
		if b != nil {
			died = b.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-died:
			m.log.Error().Msg("backend died, attempting reload")
			m.recover(ctx)
		case <-m.reload:
			m.recover(ctx)
		}
	}
}

// recover reloads the last-known-good handle with backoff until it sticks
// or the context ends.
func (m *Manager) recover(ctx context.Context) {
	m.mu.Lock()
	handle := m.handle
	m.state = StateLoading
	m.backend = nil
	m.mu.Unlock()

	m.engine.SetBackend(nil)

	delay := time.Second
	for {
		b, err := m.build(handle)
		if err == nil {
			m.install(b, handle)
			m.log.Info().Str("model_id", handle.ID).Msg("backend recovered")
			return
		}
		m.log.Error().Err(err).Dur("retry_in", delay).Msg("backend reload failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// Close drains and releases the active backend.
func (m *Manager) Close() {
	m.mu.Lock()
	b := m.backend
	m.backend = nil
	m.state = StateUnloaded
	m.mu.Unlock()

	m.engine.SetBackend(nil)
	if b != nil {
		b.Close()
	}
}
