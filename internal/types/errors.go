package types

import "errors"

// Failure taxonomy for the pipeline. Per-frame and per-request errors are
// always recovered locally (skip and continue); only repeated same-class
// errors escalate to stream- or engine-level state changes.
var (
	// ErrConnectionLost is transient: the stream source retries with backoff.
	ErrConnectionLost = errors.New("connection lost")

	// ErrDecode marks a decode failure. Treated as ErrConnectionLost unless
	// repeated, then escalates the stream to Failed.
	ErrDecode = errors.New("decode error")

	// ErrInferenceTimeout marks a request whose deadline passed before the
	// engine could start it. The frame is skipped, never executed late.
	ErrInferenceTimeout = errors.New("inference deadline exceeded")

	// ErrInferenceFailed marks a per-request backend failure.
	ErrInferenceFailed = errors.New("inference failed")

	// ErrEngineDown means the shared inference backend is gone. The engine
	// stops accepting requests until the model manager reloads.
	ErrEngineDown = errors.New("inference engine down")

	// ErrModelLoad means a model switch failed to load. The previous model
	// remains active.
	ErrModelLoad = errors.New("model load failed")
)
