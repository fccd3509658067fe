package supervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/engine"
	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/publish"
	"github.com/clsferguson/proximeter/internal/types"
)

// Registry owns all stream supervisors and reconciles them against
// configuration snapshots.
type Registry struct {
	log zerolog.Logger
	met *metrics.Collector
	eng *engine.Engine
	pub *publish.Publisher

	newSource SourceFactory
	opts      Options

	mu   sync.Mutex
	sups map[string]*Supervisor
}

// NewRegistry creates an empty registry. Apply starts supervisors.
func NewRegistry(factory SourceFactory, eng *engine.Engine, pub *publish.Publisher, log zerolog.Logger, met *metrics.Collector, opts Options) *Registry {
	return &Registry{
		log:       log,
		met:       met,
		eng:       eng,
		pub:       pub,
		newSource: factory,
		opts:      opts,
		sups:      make(map[string]*Supervisor),
	}
}

// Apply reconciles running supervisors against the desired snapshot set:
// new streams are started, changed streams updated in place, streams absent
// from the snapshot (or disabled) are stopped and removed.
func (r *Registry) Apply(ctx context.Context, cfgs []types.StreamConfig) {
	desired := make(map[string]types.StreamConfig, len(cfgs))
	for _, c := range cfgs {
		if c.Enabled {
			desired[c.ID] = c
		}
	}

	r.mu.Lock()
	var toStop []*Supervisor
	for id, sup := range r.sups {
		if _, ok := desired[id]; !ok {
			toStop = append(toStop, sup)
			delete(r.sups, id)
		}
	}
	var toStart []*Supervisor
	for id, cfg := range desired {
		if sup, ok := r.sups[id]; ok {
			sup.UpdateConfig(cfg)
			continue
		}
		sup := New(cfg, r.newSource, r.eng, r.pub, r.log, r.met, r.opts)
		r.sups[id] = sup
		toStart = append(toStart, sup)
	}
	r.mu.Unlock()

	// Stop and start outside the lock: Stop blocks until the pipeline
	// goroutine exits.
	for _, sup := range toStop {
		r.log.Info().Str("stream_id", sup.Config().ID).Msg("removing stream")
		sup.Stop()
	}
	for _, sup := range toStart {
		r.log.Info().Str("stream_id", sup.Config().ID).Msg("starting stream")
		sup.Start(ctx)
	}
}

// Remove stops one stream and drops it from the registry.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sup, ok := r.sups[id]
	if ok {
		delete(r.sups, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sup.Stop()
	return true
}

// Get returns the supervisor for a stream id.
func (r *Registry) Get(id string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.sups[id]
	return sup, ok
}

// Health returns status snapshots for all streams, ordered by id.
func (r *Registry) Health() []Health {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.sups))
	for _, sup := range r.sups {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	out := make([]Health, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// StopAll stops every supervisor concurrently and waits for them.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.sups))
	for _, sup := range r.sups {
		sups = append(sups, sup)
	}
	r.sups = make(map[string]*Supervisor)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Stop()
		}(sup)
	}
	wg.Wait()
}
