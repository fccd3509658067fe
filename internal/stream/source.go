package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/types"
)

// Status is the connection state reported by a Source.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// SourceConfig configures one RTSP frame source.
type SourceConfig struct {
	StreamID string
	RTSPURL  string
	Width    int
	Height   int
	// OnStatus, if set, is called on every connection state transition.
	OnStatus func(Status)
}

// Source wraps a GStreamer decode pipeline producing timestamped frames from
// an RTSP URL. It owns reconnection: on any pipeline failure it retries with
// exponential backoff and full jitter, indefinitely, until stopped by its
// owner. Frames are delivered through a single-slot drop policy appsink so a
// slow consumer never backs the decoder up.
type Source struct {
	cfg     SourceConfig
	log     zerolog.Logger
	met     *metrics.Collector
	backoff Backoff

	frames chan types.Frame

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount uint64
	reconnects uint32
	lastFrame  atomic.Int64 // unix nanos of last decoded frame
}

// NewSource creates a frame source. Start must be called before Frames
// yields anything.
func NewSource(cfg SourceConfig, log zerolog.Logger, met *metrics.Collector) (*Source, error) {
	if cfg.RTSPURL == "" {
		return nil, fmt.Errorf("rtsp_url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	return &Source{
		cfg:     cfg,
		log:     log.With().Str("stream_id", cfg.StreamID).Logger(),
		met:     met,
		backoff: DefaultBackoff(),
		frames:  make(chan types.Frame, 1),
	}, nil
}

// Frames returns the decoded frame channel. Closed when the source stops.
func (s *Source) Frames() <-chan types.Frame {
	return s.frames
}

// Start launches the decode pipeline.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("source already started")
	}

	gst.Init(nil)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().
		Str("url", s.cfg.RTSPURL).
		Str("resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height)).
		Msg("rtsp source starting")
	return nil
}

// run connects and streams, reconnecting forever until the context is done.
func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.frames)

	s.setStatus(StatusConnecting)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.setStatus(StatusStopped)
			return
		default:
		}

		err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			s.setStatus(StatusStopped)
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("rtsp pipeline failed")
		}

		attempt++
		atomic.AddUint32(&s.reconnects, 1)
		delay := s.backoff.Next(attempt)

		s.setStatus(StatusReconnecting)
		s.log.Warn().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnecting to rtsp stream")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setStatus(StatusStopped)
			return
		}
	}
}

// connectAndStream builds the GStreamer pipeline and pumps frames until the
// pipeline errors or the context is cancelled. A non-nil error is a
// connection-class failure (types.ErrConnectionLost).
func (s *Source) connectAndStream(ctx context.Context) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("%w: create pipeline: %v", types.ErrConnectionLost, err)
	}
	defer pipeline.SetState(gst.StateNull)

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("%w: create rtspsrc: %v", types.ErrConnectionLost, err)
	}
	rtspsrc.SetProperty("location", s.cfg.RTSPURL)
	rtspsrc.SetProperty("protocols", 4) // TCP
	rtspsrc.SetProperty("latency", 200)

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return fmt.Errorf("%w: create rtph264depay: %v", types.ErrConnectionLost, err)
	}
	decode, err := gst.NewElement("avdec_h264")
	if err != nil {
		return fmt.Errorf("%w: create avdec_h264: %v", types.ErrConnectionLost, err)
	}
	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("%w: create videoconvert: %v", types.ErrConnectionLost, err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("%w: create videoscale: %v", types.ErrConnectionLost, err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("%w: create capsfilter: %v", types.ErrConnectionLost, err)
	}
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d",
		s.cfg.Width, s.cfg.Height,
	))
	capsfilter.SetProperty("caps", caps)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("%w: create appsink: %v", types.ErrConnectionLost, err)
	}
	// Hold at most one buffer and drop stale ones: decode speed never
	// depends on the consumer.
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.AddMany(rtspsrc, depay, decode, convert, scale, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("%w: add elements: %v", types.ErrConnectionLost, err)
	}
	if err := gst.ElementLinkMany(depay, decode, convert, scale, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("%w: link elements: %v", types.ErrConnectionLost, err)
	}

	// rtspsrc exposes pads only after SDP negotiation.
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		if sinkPad := depay.GetStaticPad("sink"); sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("%w: set playing: %v", types.ErrConnectionLost, err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return fmt.Errorf("%w: end of stream", types.ErrConnectionLost)

		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("%w: %v", types.ErrConnectionLost, gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, cur := msg.ParseStateChanged()
				if cur == gst.StatePlaying {
					s.setStatus(StatusConnected)
					s.log.Info().Msg("rtsp stream connected")
				}
			}
		}
	}
}

// onNewSample copies one decoded buffer out of GStreamer and hands it to the
// consumer, dropping it if the previous frame is still unconsumed.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		s.log.Error().Err(types.ErrDecode).Msg("sample without buffer")
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()
	if len(data) == 0 {
		s.log.Warn().Err(types.ErrDecode).Msg("empty decoded buffer, frame dropped")
		return gst.FlowOK
	}

	pixels := make([]byte, len(data))
	copy(pixels, data)

	frame := types.Frame{
		StreamID:  s.cfg.StreamID,
		Seq:       atomic.AddUint64(&s.frameCount, 1),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      pixels,
		TraceID:   uuid.New().String(),
	}
	s.lastFrame.Store(frame.Timestamp.UnixNano())

	select {
	case s.frames <- frame:
	default:
		// Consumer still holds the previous frame; shed this one.
		if s.met != nil {
			s.met.FramesSkipped.WithLabelValues(s.cfg.StreamID, metrics.SkipReasonDecode).Inc()
		}
	}
	return gst.FlowOK
}

// LastFrameAt returns the decode time of the most recent frame, or the zero
// time if none has arrived yet. The supervisor watchdog polls this.
func (s *Source) LastFrameAt() time.Time {
	ns := s.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reconnects returns the cumulative reconnect attempt count.
func (s *Source) Reconnects() uint32 {
	return atomic.LoadUint32(&s.reconnects)
}

// Stop tears the pipeline down and waits briefly for the decode goroutine.
// Safe to call more than once.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().
			Uint64("frames", atomic.LoadUint64(&s.frameCount)).
			Uint32("reconnects", s.Reconnects()).
			Msg("rtsp source stopped")
	case <-time.After(3 * time.Second):
		s.log.Warn().Msg("rtsp source stop timed out")
	}
}

func (s *Source) setStatus(st Status) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}
