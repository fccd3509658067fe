// Package supervisor owns the per-stream pipeline lifecycle.
//
// Each supervisor runs its own goroutine chain (source -> rate cap ->
// inference -> scorer -> publisher) so a stalled stream never blocks the
// others. Supervisors communicate with the shared engine and publisher only
// through their handles; there is no shared mutable state between streams.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/engine"
	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/publish"
	"github.com/clsferguson/proximeter/internal/scorer"
	"github.com/clsferguson/proximeter/internal/stream"
	"github.com/clsferguson/proximeter/internal/types"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// FrameSource abstracts the decode pipeline so tests can substitute fakes.
// stream.Source is the production implementation.
type FrameSource interface {
	Start(ctx context.Context) error
	Stop()
	Frames() <-chan types.Frame
	Reconnects() uint32
}

// SourceFactory builds a fresh source for a snapshot. Called again on every
// forced reconnect: sources are single-use.
type SourceFactory func(cfg types.StreamConfig, onStatus func(stream.Status)) (FrameSource, error)

// Options tune supervision behavior.
type Options struct {
	// WatchdogFactor: no frame for WatchdogFactor x frame budget forces a
	// reconnect even when the source has not reported failure.
	WatchdogFactor int
	// MaxConsecutiveFailures before the terminal Failed state.
	MaxConsecutiveFailures int
}

// DefaultOptions returns production supervision settings.
func DefaultOptions() Options {
	return Options{WatchdogFactor: 3, MaxConsecutiveFailures: 5}
}

// Health is the externally visible stream status.
type Health struct {
	StreamID        string    `json:"stream_id"`
	State           State     `json:"state"`
	LastFrameAt     time.Time `json:"last_frame_at"`
	FramesProcessed uint64    `json:"frames_processed"`
	FramesSkipped   uint64    `json:"frames_skipped"`
	Reconnects      uint32    `json:"reconnects"`
}

// Supervisor drives one stream's pipeline and restarts it on failure.
type Supervisor struct {
	log zerolog.Logger
	met *metrics.Collector
	eng *engine.Engine
	pub *publish.Publisher

	newSource SourceFactory
	opts      Options

	cfg atomic.Pointer[types.StreamConfig]

	mu          sync.Mutex
	state       State
	consecFails int
	cancel      context.CancelFunc

	reload chan struct{}
	done   chan struct{}

	lastFrame  atomic.Int64 // unix nanos of the last frame taken off the limiter
	processed  atomic.Uint64
	skipped    atomic.Uint64
	reconnects atomic.Uint32
	lastSeq    atomic.Uint64
}

// New creates a supervisor for the given snapshot. Call Start to run it.
func New(cfg types.StreamConfig, factory SourceFactory, eng *engine.Engine, pub *publish.Publisher, log zerolog.Logger, met *metrics.Collector, opts Options) *Supervisor {
	s := &Supervisor{
		log:       log.With().Str("stream_id", cfg.ID).Logger(),
		met:       met,
		eng:       eng,
		pub:       pub,
		newSource: factory,
		opts:      opts,
		state:     StateStarting,
		reload:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.cfg.Store(&cfg)
	return s
}

// Start registers the stream with the engine and launches the pipeline.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.eng.Register(s.Config().ID)
	go s.run(ctx)
}

// Stop tears the pipeline down promptly: the source is closed, no new
// inference requests are submitted, and the engine slot is released.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	if s.state != StateFailed {
		s.state = StateStopping
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
	s.eng.Unregister(s.Config().ID)
}

// Config returns the current snapshot.
func (s *Supervisor) Config() types.StreamConfig {
	return *s.cfg.Load()
}

// UpdateConfig replaces the snapshot atomically. Zone, label and threshold
// changes take effect at the next frame boundary; URL or FPS changes
// restart the decode pipeline.
func (s *Supervisor) UpdateConfig(cfg types.StreamConfig) {
	old := s.cfg.Load()
	s.cfg.Store(&cfg)
	if old.RTSPURL != cfg.RTSPURL || old.TargetFPS != cfg.TargetFPS ||
		old.Width != cfg.Width || old.Height != cfg.Height {
		select {
		case s.reload <- struct{}{}:
		default:
		}
	}
	s.log.Info().Msg("stream snapshot updated")
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Health returns the externally visible status snapshot.
func (s *Supervisor) Health() Health {
	var last time.Time
	if ns := s.lastFrame.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Health{
		StreamID:        s.Config().ID,
		State:           s.State(),
		LastFrameAt:     last,
		FramesProcessed: s.processed.Load(),
		FramesSkipped:   s.skipped.Load(),
		Reconnects:      s.reconnects.Load(),
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	if prev != st {
		s.log.Info().Str("from", string(prev)).Str("to", string(st)).Msg("stream state changed")
	}
	if st == StateRunning {
		s.met.StreamUp.WithLabelValues(s.Config().ID).Set(1)
	} else {
		s.met.StreamUp.WithLabelValues(s.Config().ID).Set(0)
	}
}

// run is the outer restart loop: build a pipeline, pump it until something
// forces a teardown, repeat. Exits on context cancellation or on escalation
// to Failed.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if s.State() != StateFailed {
			s.setState(StateStopped)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		healthy, err := s.runPipeline(ctx)
		if ctx.Err() != nil {
			return
		}

		if healthy {
			s.mu.Lock()
			s.consecFails = 0
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.consecFails++
			fails := s.consecFails
			s.mu.Unlock()

			if fails >= s.opts.MaxConsecutiveFailures {
				// Non-transient: stop restarting and surface for the
				// operator instead of spinning forever.
				s.setState(StateFailed)
				s.log.Error().Err(err).Int("consecutive_failures", fails).
					Msg("stream failed, giving up")
				return
			}
		}

		s.setState(StateReconnecting)
		s.reconnects.Add(1)
		s.met.Reconnects.WithLabelValues(s.Config().ID).Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// runPipeline builds one source + rate limiter and processes frames until
// the watchdog fires, a reload is requested, the source dies, or ctx ends.
// healthy reports whether at least one frame was fully processed.
func (s *Supervisor) runPipeline(ctx context.Context) (healthy bool, err error) {
	cfg := s.Config()
	s.setState(StateStarting)

	// Sequence numbers restart at 1 with every rebuilt source; the ordering
	// guard only holds within one connection.
	s.lastSeq.Store(0)

	src, err := s.newSource(cfg, func(st stream.Status) {
		if st == stream.StatusReconnecting {
			s.setState(StateReconnecting)
		}
	})
	if err != nil {
		return false, err
	}
	if err := src.Start(ctx); err != nil {
		return false, err
	}

	limiter := stream.NewRateLimiter(cfg.TargetFPS)
	lctx, lcancel := context.WithCancel(ctx)
	defer lcancel()
	defer src.Stop()
	go limiter.Run(lctx, src.Frames())

	s.setState(StateRunning)
	s.lastFrame.Store(time.Now().UnixNano())

	budget := cfg.FrameBudget()
	watchdogAfter := time.Duration(s.opts.WatchdogFactor) * budget
	watchdog := time.NewTicker(budget)
	defer watchdog.Stop()

	var lastCapDrops uint64

	for {
		select {
		case <-ctx.Done():
			return true, nil

		case <-s.reload:
			s.log.Info().Msg("snapshot change requires pipeline restart")
			return true, nil

		case <-watchdog.C:
			// Account frames shed by the rate cap.
			if d := limiter.Dropped(); d > lastCapDrops {
				s.met.FramesSkipped.WithLabelValues(cfg.ID, metrics.SkipReasonRateCap).
					Add(float64(d - lastCapDrops))
				lastCapDrops = d
			}
			silent := time.Since(time.Unix(0, s.lastFrame.Load()))
			if silent > watchdogAfter {
				// Silent stall: the source looks alive but no frames
				// move. Force a full pipeline rebuild.
				s.log.Warn().Dur("silent_for", silent).Msg("watchdog: no frames, forcing reconnect")
				return healthy, types.ErrConnectionLost
			}

		case f, ok := <-limiter.Out():
			if !ok {
				return healthy, types.ErrConnectionLost
			}
			s.lastFrame.Store(time.Now().UnixNano())
			if s.processFrame(ctx, f) {
				healthy = true
			}
		}
	}
}

// processFrame runs one frame through inference and scoring. Returns true
// when the frame was fully scored. Per-frame errors are recovered locally:
// the frame is skipped and the pipeline continues.
func (s *Supervisor) processFrame(ctx context.Context, f types.Frame) bool {
	cfg := s.cfg.Load() // snapshot applied at the frame boundary

	req := engine.NewRequest(f, cfg.FrameBudget())
	if err := s.eng.Submit(req); err != nil {
		// Engine draining, loading or down: skip, keep decoding.
		s.skipped.Add(1)
		s.met.FramesSkipped.WithLabelValues(cfg.ID, metrics.SkipReasonEngine).Inc()
		return false
	}

	res := req.Wait(ctx)
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, types.ErrInferenceTimeout):
		// Deadline skips are counted by the engine.
		s.skipped.Add(1)
		return false
	case errors.Is(res.Err, types.ErrEngineDown):
		s.skipped.Add(1)
		return false
	default:
		s.skipped.Add(1)
		s.log.Warn().Err(res.Err).Uint64("seq", f.Seq).Str("trace_id", f.TraceID).
			Msg("inference failed, frame skipped")
		return false
	}

	// Per-stream events must never go backwards.
	if prev := s.lastSeq.Load(); f.Seq < prev {
		s.log.Warn().Uint64("seq", f.Seq).Uint64("prev", prev).Msg("out-of-order frame dropped")
		return false
	}
	s.lastSeq.Store(f.Seq)

	events := scorer.Score(*cfg, scorer.FrameInfo{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
	}, res.Detections)
	for _, ev := range events {
		s.pub.Publish(ev)
	}

	s.processed.Add(1)
	s.met.FramesProcessed.WithLabelValues(cfg.ID).Inc()
	return true
}
