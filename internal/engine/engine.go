// Package engine serializes inference over the single active model.
//
// All stream supervisors submit into per-stream single-slot mailboxes; a
// lone worker loop services them round-robin so a slow or high-traffic
// stream cannot starve the others. Every request carries a deadline equal to
// the caller's frame budget: a request the worker cannot start in time is
// answered as skipped, never executed late.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clsferguson/proximeter/internal/mailbox"
	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/types"
)

// Result is the outcome of one inference request.
type Result struct {
	Detections []types.Detection
	Err        error
}

// Request is one frame submitted for inference. Deadline is the latest
// instant the engine may start processing; Budget bounds execution time once
// started.
type Request struct {
	Frame    types.Frame
	Deadline time.Time
	Budget   time.Duration

	resp chan Result
}

// NewRequest builds a request with its response slot.
func NewRequest(frame types.Frame, budget time.Duration) Request {
	return Request{
		Frame:    frame,
		Deadline: time.Now().Add(budget),
		Budget:   budget,
		resp:     make(chan Result, 1),
	}
}

// Wait blocks until the engine answers or ctx is done.
func (r Request) Wait(ctx context.Context) Result {
	select {
	case res := <-r.resp:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (r Request) respond(res Result) {
	// resp has capacity 1 and exactly one responder; never blocks.
	r.resp <- res
}

// Backend runs the actual model. Exactly one backend is active at a time;
// the engine only ever calls Infer from its worker loop.
type Backend interface {
	// Infer runs the model on one frame. The context carries the budget.
	Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error)
	// Handle identifies the loaded model.
	Handle() types.ModelHandle
	// Done is closed when the backend dies (process exit, device loss).
	Done() <-chan struct{}
	// Close releases the backend.
	Close() error
}

// Engine is the shared inference front. One instance serves every stream.
type Engine struct {
	log zerolog.Logger
	met *metrics.Collector

	mu     sync.Mutex
	queues map[string]*mailbox.Mailbox[Request]
	order  []string
	cursor int

	// backend is swapped whole by the model manager, never mutated in
	// place, so the worker loop reads a consistent handle without a lock.
	backend   atomic.Pointer[backendSlot]
	accepting atomic.Bool

	notify   chan struct{}
	inflight sync.WaitGroup
}

type backendSlot struct{ b Backend }

// New creates an engine with no backend. It rejects requests until the model
// manager installs one and calls Resume.
func New(log zerolog.Logger, met *metrics.Collector) *Engine {
	return &Engine{
		log:    log.With().Str("component", "engine").Logger(),
		met:    met,
		queues: make(map[string]*mailbox.Mailbox[Request]),
		notify: make(chan struct{}, 1),
	}
}

// Register adds a stream's request slot to the fairness rotation.
func (e *Engine) Register(streamID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queues[streamID]; ok {
		return
	}
	e.queues[streamID] = mailbox.New[Request]()
	e.order = append(e.order, streamID)
}

// Unregister removes a stream and fails its pending request, if any.
func (e *Engine) Unregister(streamID string) {
	e.mu.Lock()
	mb, ok := e.queues[streamID]
	if ok {
		delete(e.queues, streamID)
		for i, id := range e.order {
			if id == streamID {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	if ok {
		if req, pending := mb.TryTake(); pending {
			req.respond(Result{Err: types.ErrInferenceTimeout})
		}
		mb.Close()
	}
}

// Submit enqueues a request. Non-blocking: if the stream's slot already
// holds an unstarted request, that older one is evicted and answered as
// skipped. Returns ErrEngineDown while draining or without a live backend.
func (e *Engine) Submit(req Request) error {
	if !e.accepting.Load() {
		return types.ErrEngineDown
	}

	e.mu.Lock()
	mb, ok := e.queues[req.Frame.StreamID]
	e.mu.Unlock()
	if !ok {
		return types.ErrEngineDown
	}

	if old, evicted := mb.TryTake(); evicted {
		old.respond(Result{Err: types.ErrInferenceTimeout})
		e.met.FramesSkipped.WithLabelValues(old.Frame.StreamID, metrics.SkipReasonEvicted).Inc()
	}
	mb.Put(req)
	e.updateQueueDepth()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run services requests until ctx is done. Blocks; call from one goroutine.
func (e *Engine) Run(ctx context.Context) {
	for {
		req, ok := e.nextRequest(ctx)
		if !ok {
			return
		}
		e.serve(ctx, req)
	}
}

// serve answers one dequeued request. The in-flight count was taken by
// nextRequest; it is released here on every path.
func (e *Engine) serve(ctx context.Context, req Request) {
	defer e.inflight.Done()

	if time.Now().After(req.Deadline) {
		// Core backpressure policy: skip, never run late.
		req.respond(Result{Err: types.ErrInferenceTimeout})
		e.met.FramesSkipped.WithLabelValues(req.Frame.StreamID, metrics.SkipReasonDeadline).Inc()
		return
	}

	slot := e.backend.Load()
	if slot == nil {
		req.respond(Result{Err: types.ErrEngineDown})
		e.met.FramesSkipped.WithLabelValues(req.Frame.StreamID, metrics.SkipReasonEngine).Inc()
		return
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, req.Budget)
	dets, err := slot.b.Infer(cctx, req.Frame)
	cancel()

	if err == nil {
		e.met.InferenceTime.Observe(time.Since(start).Seconds())
	} else if errors.Is(err, types.ErrEngineDown) {
		// Fail closed: no new requests until the model manager reloads.
		e.accepting.Store(false)
		e.log.Error().Err(err).Msg("backend down, engine stopped accepting")
	}
	req.respond(Result{Detections: dets, Err: err})
}

// nextRequest scans the rotation from the cursor for a pending request,
// blocking on the notify channel when every slot is empty.
//
// The in-flight count is taken under the lock, before the request is
// handed to serve: Drain acquires the same lock after flipping accepting
// off, so any request dequeued before the flip is already counted when
// Drain starts waiting, and any dequeued after it is rejected here.
func (e *Engine) nextRequest(ctx context.Context) (Request, bool) {
scan:
	for {
		e.mu.Lock()
		n := len(e.order)
		for i := 0; i < n; i++ {
			idx := (e.cursor + i) % n
			id := e.order[idx]
			req, ok := e.queues[id].TryTake()
			if !ok {
				continue
			}
			e.cursor = (idx + 1) % n
			if !e.accepting.Load() {
				e.mu.Unlock()
				req.respond(Result{Err: types.ErrEngineDown})
				e.met.FramesSkipped.WithLabelValues(id, metrics.SkipReasonEngine).Inc()
				e.updateQueueDepth()
				continue scan
			}
			e.inflight.Add(1)
			e.mu.Unlock()
			e.updateQueueDepth()
			return req, true
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, false
		case <-e.notify:
		}
	}
}

// SetBackend installs a backend. Call only while draining or at startup.
func (e *Engine) SetBackend(b Backend) {
	if b == nil {
		e.backend.Store(nil)
		return
	}
	e.backend.Store(&backendSlot{b: b})
}

// Backend returns the active backend, or nil.
func (e *Engine) Backend() Backend {
	slot := e.backend.Load()
	if slot == nil {
		return nil
	}
	return slot.b
}

// Resume starts accepting requests.
func (e *Engine) Resume() {
	e.accepting.Store(true)
}

// Drain stops accepting new requests and waits for the in-flight one to
// complete or time out. Pending unstarted requests are answered as skipped.
func (e *Engine) Drain(ctx context.Context) {
	e.accepting.Store(false)

	e.mu.Lock()
	ids := append([]string(nil), e.order...)
	e.mu.Unlock()
	for _, id := range ids {
		e.mu.Lock()
		mb, ok := e.queues[id]
		e.mu.Unlock()
		if !ok {
			continue
		}
		if req, pending := mb.TryTake(); pending {
			req.respond(Result{Err: types.ErrInferenceTimeout})
			e.met.FramesSkipped.WithLabelValues(id, metrics.SkipReasonDeadline).Inc()
		}
	}
	e.updateQueueDepth()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Accepting reports whether Submit currently admits requests.
func (e *Engine) Accepting() bool {
	return e.accepting.Load()
}

func (e *Engine) updateQueueDepth() {
	e.mu.Lock()
	depth := 0
	for _, mb := range e.queues {
		if mb.Peek() {
			depth++
		}
	}
	e.mu.Unlock()
	e.met.QueueDepth.Set(float64(depth))
}
