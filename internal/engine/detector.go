package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/clsferguson/proximeter/internal/types"
)

// Detector runs the model in a sidecar process and speaks a length-prefixed
// msgpack protocol over stdin/stdout: 4-byte big-endian length, then one
// msgpack map. The sidecar loads the weights named by the model handle; this
// side only pumps frames and parses detections.
type Detector struct {
	handle types.ModelHandle
	log    zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	respCh  chan detectorResponse
	done    chan struct{}
	wg      sync.WaitGroup
}

// DetectorConfig configures the sidecar launch.
type DetectorConfig struct {
	// Command is the sidecar launcher (script or binary) plus any leading
	// arguments, e.g. ["python3", "detector.py"].
	Command []string
	// Handle names the weights, input size and compute backend.
	Handle types.ModelHandle
	// ConfidenceFloor is the lowest confidence the sidecar should emit.
	// Per-stream thresholds are applied downstream by the scorer.
	ConfidenceFloor float64
	// StartTimeout bounds how long to wait for the sidecar's ready line.
	StartTimeout time.Duration
}

type detectorRequest struct {
	StreamID  string `msgpack:"stream_id"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	FrameData []byte `msgpack:"frame_data"`
	TraceID   string `msgpack:"trace_id"`
}

type detectorResponse struct {
	StreamID   string          `msgpack:"stream_id"`
	Seq        uint64          `msgpack:"seq"`
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error"`
	Timing     struct {
		TotalMS     float64 `msgpack:"total_ms"`
		InferenceMS float64 `msgpack:"inference_ms"`
	} `msgpack:"timing"`
}

type wireDetection struct {
	ClassID    int     `msgpack:"class_id"`
	ClassName  string  `msgpack:"class"`
	Confidence float64 `msgpack:"confidence"`
	X          float64 `msgpack:"x"`
	Y          float64 `msgpack:"y"`
	W          float64 `msgpack:"w"`
	H          float64 `msgpack:"h"`
}

// StartDetector spawns the sidecar and starts its reader goroutines. The
// weights referenced by the handle must already be materialized on disk.
func StartDetector(cfg DetectorConfig, log zerolog.Logger) (*Detector, error) {
	if cfg.Handle.Path == "" {
		return nil, fmt.Errorf("%w: model path is empty", types.ErrModelLoad)
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: sidecar command is empty", types.ErrModelLoad)
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}

	d := &Detector{
		handle: cfg.Handle,
		log:    log.With().Str("component", "detector").Str("model_id", cfg.Handle.ID).Logger(),
		respCh: make(chan detectorResponse, 4),
		done:   make(chan struct{}),
	}

	args := append(append([]string{}, cfg.Command[1:]...),
		"--model", cfg.Handle.Path,
		"--input-size", strconv.Itoa(cfg.Handle.InputSize),
		"--backend", cfg.Handle.Backend,
		"--confidence", fmt.Sprintf("%.2f", cfg.ConfidenceFloor),
	)
	d.cmd = exec.Command(cfg.Command[0], args...)

	var err error
	if d.stdin, err = d.cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", types.ErrModelLoad, err)
	}
	if d.stdout, err = d.cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", types.ErrModelLoad, err)
	}
	if d.stderr, err = d.cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", types.ErrModelLoad, err)
	}

	if err := d.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelLoad, err)
	}

	d.log.Info().
		Int("pid", d.cmd.Process.Pid).
		Str("model", cfg.Handle.Path).
		Str("backend", cfg.Handle.Backend).
		Msg("detector sidecar spawned")

	d.wg.Add(3)
	go d.readResponses()
	go d.logStderr()
	go d.waitProcess()

	// The sidecar sends an empty ready message once the weights are loaded.
	select {
	case <-d.respCh:
	case <-d.done:
		return nil, fmt.Errorf("%w: sidecar exited during load", types.ErrModelLoad)
	case <-time.After(cfg.StartTimeout):
		d.Close()
		return nil, fmt.Errorf("%w: sidecar load timeout", types.ErrModelLoad)
	}

	d.log.Info().Msg("detector ready")
	return d, nil
}

// Handle implements Backend.
func (d *Detector) Handle() types.ModelHandle {
	return d.handle
}

// Done implements Backend: closed when the sidecar process has exited.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// Infer sends one frame and waits for its detections. The engine serializes
// calls, so at most one request is outstanding; stale responses left behind
// by a timed-out predecessor are discarded by sequence match.
func (d *Detector) Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	select {
	case <-d.done:
		return nil, fmt.Errorf("%w: sidecar exited", types.ErrEngineDown)
	default:
	}

	req := detectorRequest{
		StreamID:  frame.StreamID,
		Seq:       frame.Seq,
		Width:     frame.Width,
		Height:    frame.Height,
		FrameData: frame.Data,
		TraceID:   frame.TraceID,
	}
	if err := d.write(ctx, req); err != nil {
		return nil, err
	}

	for {
		select {
		case resp := <-d.respCh:
			if resp.StreamID != frame.StreamID || resp.Seq != frame.Seq {
				// Response to an earlier, timed-out request.
				continue
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("%w: %s", types.ErrInferenceFailed, resp.Error)
			}
			dets := make([]types.Detection, 0, len(resp.Detections))
			for _, wd := range resp.Detections {
				dets = append(dets, types.Detection{
					ClassID:    wd.ClassID,
					ClassName:  wd.ClassName,
					Confidence: wd.Confidence,
					Box:        types.BBox{X: wd.X, Y: wd.Y, W: wd.W, H: wd.H},
				})
			}
			return dets, nil
		case <-d.done:
			return nil, fmt.Errorf("%w: sidecar exited mid-request", types.ErrEngineDown)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrInferenceTimeout, ctx.Err())
		}
	}
}

// write frames one msgpack request onto stdin, bounded by ctx.
func (d *Detector) write(ctx context.Context, req detectorRequest) error {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", types.ErrInferenceFailed, err)
	}

	errCh := make(chan error, 1)
	go func() {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()

		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
		if _, err := d.stdin.Write(prefix); err != nil {
			errCh <- err
			return
		}
		_, err := d.stdin.Write(payload)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%w: stdin write: %v", types.ErrEngineDown, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: stdin write: %v", types.ErrInferenceTimeout, ctx.Err())
	case <-d.done:
		return fmt.Errorf("%w: sidecar exited during write", types.ErrEngineDown)
	}
}

// readResponses pumps length-prefixed msgpack messages off stdout.
func (d *Detector) readResponses() {
	defer d.wg.Done()

	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(d.stdout, lengthBuf); err != nil {
			if err != io.EOF {
				d.log.Error().Err(err).Msg("failed to read response length")
			}
			return
		}
		msgLen := binary.BigEndian.Uint32(lengthBuf)
		buf := make([]byte, msgLen)
		if _, err := io.ReadFull(d.stdout, buf); err != nil {
			d.log.Error().Err(err).Msg("failed to read response body")
			return
		}

		var resp detectorResponse
		if err := msgpack.Unmarshal(buf, &resp); err != nil {
			d.log.Error().Err(err).Int("len", len(buf)).Msg("undecodable detector response")
			continue
		}

		select {
		case d.respCh <- resp:
		default:
			d.log.Warn().Uint64("seq", resp.Seq).Msg("dropping detector response, channel full")
		}
	}
}

// logStderr bridges sidecar log lines into our logger.
func (d *Detector) logStderr() {
	defer d.wg.Done()

	scanner := bufio.NewScanner(d.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			d.log.Error().Str("log", line).Msg("detector stderr")
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			d.log.Warn().Str("log", line).Msg("detector stderr")
		default:
			d.log.Debug().Str("log", line).Msg("detector stderr")
		}
	}
}

// waitProcess reaps the sidecar and closes done so the engine fails closed.
func (d *Detector) waitProcess() {
	defer d.wg.Done()
	err := d.cmd.Wait()
	if err != nil {
		d.log.Error().Err(err).Msg("detector sidecar exited")
	} else {
		d.log.Info().Msg("detector sidecar exited cleanly")
	}
	close(d.done)
}

// Close asks the sidecar to exit by closing stdin, then kills it if it does
// not go within the grace period.
func (d *Detector) Close() error {
	d.writeMu.Lock()
	d.stdin.Close()
	d.writeMu.Unlock()

	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		d.log.Warn().Msg("detector did not exit, killing")
		if d.cmd.Process != nil {
			d.cmd.Process.Kill()
		}
		<-d.done
	}
	d.wg.Wait()
	return nil
}
