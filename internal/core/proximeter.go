// Package core wires the pipeline together and owns the service lifecycle.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/config"
	"github.com/clsferguson/proximeter/internal/control"
	"github.com/clsferguson/proximeter/internal/engine"
	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/publish"
	"github.com/clsferguson/proximeter/internal/server"
	"github.com/clsferguson/proximeter/internal/stream"
	"github.com/clsferguson/proximeter/internal/supervisor"
	"github.com/clsferguson/proximeter/internal/types"
)

// ProxiMeter is the service orchestrator.
type ProxiMeter struct {
	cfg *config.Config
	log zerolog.Logger
	met *metrics.Collector

	eng     *engine.Engine
	manager *engine.Manager
	pub     *publish.Publisher
	sse     *publish.Broadcaster
	mqtt    *publish.MQTTSink
	streams *supervisor.Registry
	ctrl    *control.Handler
	http    *server.Server

	mu      sync.Mutex
	started time.Time
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the service from a validated configuration.
func New(cfg *config.Config, log zerolog.Logger) *ProxiMeter {
	met := metrics.New()

	eng := engine.New(log, met)
	manager := engine.NewManager(eng, detectorFactory(cfg, log), log, met)

	sse := publish.NewBroadcaster(met)
	var sink *publish.MQTTSink
	if cfg.MQTT.Enabled {
		sink = publish.NewMQTTSink(publish.MQTTConfig{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			EventTopic: cfg.MQTT.EventTopic,
			QoS:        cfg.MQTT.QoS,
		}, log, met)
	}
	pub := publish.New(sse, sink, log, met)

	factory := func(sc types.StreamConfig, onStatus func(stream.Status)) (supervisor.FrameSource, error) {
		return stream.NewSource(stream.SourceConfig{
			StreamID: sc.ID,
			RTSPURL:  sc.RTSPURL,
			Width:    sc.Width,
			Height:   sc.Height,
			OnStatus: onStatus,
		}, log, met)
	}
	streams := supervisor.NewRegistry(factory, eng, pub, log, met, supervisor.DefaultOptions())

	p := &ProxiMeter{
		cfg:     cfg,
		log:     log.With().Str("component", "core").Logger(),
		met:     met,
		eng:     eng,
		manager: manager,
		pub:     pub,
		sse:     sse,
		mqtt:    sink,
		streams: streams,
	}
	p.http = server.New(server.Options{
		Addr:        cfg.HTTP.Addr,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		InstanceID:  cfg.InstanceID,
	}, streams, manager, sse, met, log)
	return p
}

// detectorFactory builds sidecar backends for the model manager.
func detectorFactory(cfg *config.Config, log zerolog.Logger) engine.BackendFactory {
	return func(handle types.ModelHandle) (engine.Backend, error) {
		return engine.StartDetector(engine.DetectorConfig{
			Command:         cfg.Model.Command,
			Handle:          handle,
			ConfidenceFloor: cfg.Model.ConfidenceFloor,
			StartTimeout:    time.Duration(cfg.Model.StartTimeoutS) * time.Second,
		}, log)
	}
}

// Run starts every component and blocks until the context is cancelled or a
// fatal startup error occurs.
func (p *ProxiMeter) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("service already running")
	}
	p.running = true
	p.started = time.Now()
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.runCtx = ctx
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Info().Str("instance_id", p.cfg.InstanceID).Msg("service starting")

	// Model first: streams are pointless without inference.
	if err := p.manager.Load(p.cfg.ModelHandle()); err != nil {
		return fmt.Errorf("initial model load: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.eng.Run(ctx)
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.manager.Run(ctx)
	}()

	if p.mqtt != nil {
		if err := p.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.mqtt.Run(ctx)
		}()

		p.ctrl = control.NewHandler(p.mqtt.Client(), p.cfg.MQTT.ControlTopic,
			p.cfg.MQTT.QoS, p.callbacks(), p.log)
		if err := p.ctrl.Start(ctx); err != nil {
			return fmt.Errorf("control plane: %w", err)
		}
	}

	p.streams.Apply(ctx, p.cfg.StreamSnapshots())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.http.Start(); err != nil {
			p.log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logStats(ctx)
	}()

	p.log.Info().
		Int("streams", len(p.cfg.Streams)).
		Str("model_id", p.cfg.Model.ID).
		Bool("mqtt", p.cfg.MQTT.Enabled).
		Msg("service running")

	<-ctx.Done()
	return nil
}

// Shutdown tears components down in dependency order: stream pipelines
// first (no new inference requests), then the engine and model, then the
// control plane and sinks.
func (p *ProxiMeter) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	p.log.Info().Msg("shutting down")

	// Streams first so nothing submits to the engine, then cancel the run
	// context before closing the backend: otherwise the manager sees the
	// backend die and respawns it mid-shutdown.
	p.streams.StopAll()
	if cancel != nil {
		cancel()
	}
	p.manager.Close()

	if p.ctrl != nil {
		p.ctrl.Stop()
	}
	if err := p.http.Shutdown(ctx); err != nil {
		p.log.Error().Err(err).Msg("http shutdown")
	}
	p.sse.Close()
	if p.mqtt != nil {
		p.mqtt.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn().Msg("shutdown timed out waiting for goroutines")
	}

	p.mu.Lock()
	uptime := time.Since(p.started)
	p.running = false
	p.mu.Unlock()

	p.log.Info().Dur("uptime", uptime).Msg("shutdown complete")
	return nil
}

func (p *ProxiMeter) callbacks() control.Callbacks {
	return control.Callbacks{
		OnGetStatus: p.status,
		OnPause: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.eng.Drain(ctx)
			return nil
		},
		OnResume: func() error {
			p.eng.Resume()
			return nil
		},
		OnSwitchModel: func(ctx context.Context, handle types.ModelHandle) error {
			return p.manager.Switch(ctx, handle)
		},
		OnUpdateStream: func(sc types.StreamConfig) error {
			if sup, ok := p.streams.Get(sc.ID); ok {
				if !sc.Enabled {
					p.streams.Remove(sc.ID)
					return nil
				}
				sup.UpdateConfig(sc)
				return nil
			}
			if !sc.Enabled {
				return fmt.Errorf("stream %q not found", sc.ID)
			}
			p.startStream(sc)
			return nil
		},
		OnRemoveStream: func(id string) error {
			if !p.streams.Remove(id) {
				return fmt.Errorf("stream %q not found", id)
			}
			return nil
		},
		OnShutdown: func() error {
			p.mu.Lock()
			cancel := p.cancel
			p.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return nil
		},
	}
}

// startStream adds one stream outside a full snapshot reconcile.
// Supervisors started by the control plane share the Run lifetime.
func (p *ProxiMeter) startStream(sc types.StreamConfig) {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil {
		return
	}
	current := make([]types.StreamConfig, 0, 8)
	for _, h := range p.streams.Health() {
		if sup, ok := p.streams.Get(h.StreamID); ok {
			current = append(current, sup.Config())
		}
	}
	current = append(current, sc)
	p.streams.Apply(ctx, current)
}

func (p *ProxiMeter) status() map[string]interface{} {
	p.mu.Lock()
	uptime := time.Since(p.started)
	p.mu.Unlock()

	return map[string]interface{}{
		"instance_id": p.cfg.InstanceID,
		"uptime_s":    uptime.Seconds(),
		"model_id":    p.manager.Handle().ID,
		"model_state": string(p.manager.State()),
		"accepting":   p.eng.Accepting(),
		"streams":     p.streams.Health(),
	}
}

// logStats periodically reports per-stream throughput and drop rates.
func (p *ProxiMeter) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	prev := make(map[string]supervisor.Health)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range p.streams.Health() {
				last := prev[h.StreamID]
				processed := h.FramesProcessed - last.FramesProcessed
				skipped := h.FramesSkipped - last.FramesSkipped
				prev[h.StreamID] = h

				ev := p.log.Info()
				total := processed + skipped
				if total > 0 && float64(skipped)/float64(total) > 0.5 {
					// Sustained shedding means the model cannot keep up
					// with the configured rates.
					ev = p.log.Warn()
				}
				ev.Str("stream_id", h.StreamID).
					Str("state", string(h.State)).
					Uint64("processed", processed).
					Uint64("skipped", skipped).
					Uint32("reconnects", h.Reconnects).
					Msg("stream stats")
			}
		}
	}
}
