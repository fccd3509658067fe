package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clsferguson/proximeter/internal/engine"
	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/publish"
	"github.com/clsferguson/proximeter/internal/stream"
	"github.com/clsferguson/proximeter/internal/supervisor"
	"github.com/clsferguson/proximeter/internal/types"
)

type stubBackend struct{ done chan struct{} }

func (b *stubBackend) Infer(ctx context.Context, f types.Frame) ([]types.Detection, error) {
	return nil, nil
}
func (b *stubBackend) Handle() types.ModelHandle { return types.ModelHandle{ID: "m1"} }
func (b *stubBackend) Done() <-chan struct{}     { return b.done }
func (b *stubBackend) Close() error              { return nil }

func newTestServer(t *testing.T, loaded bool) (*Server, *publish.Broadcaster) {
	t.Helper()
	log := zerolog.Nop()
	met := metrics.New()

	eng := engine.New(log, met)
	mgr := engine.NewManager(eng, func(h types.ModelHandle) (engine.Backend, error) {
		return &stubBackend{done: make(chan struct{})}, nil
	}, log, met)
	if loaded {
		require.NoError(t, mgr.Load(types.ModelHandle{ID: "m1", Path: "/m1.onnx"}))
	}

	bc := publish.NewBroadcaster(met)
	pub := publish.New(bc, nil, log, met)

	factory := func(cfg types.StreamConfig, onStatus func(stream.Status)) (supervisor.FrameSource, error) {
		t.Fatal("no source should be built in server tests")
		return nil, nil
	}
	reg := supervisor.NewRegistry(factory, eng, pub, log, met, supervisor.DefaultOptions())

	s := New(Options{Addr: ":0", InstanceID: "lab-1"}, reg, mgr, bc, met, log)
	return s, bc
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, true)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lab-1")
}

func TestReadyzTracksModelState(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s2, _ := newTestServer(t, true)
	w = httptest.NewRecorder()
	s2.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "m1")
}

func TestStreamsEndpointEmpty(t *testing.T) {
	s, _ := newTestServer(t, true)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Streams []supervisor.Health `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Streams)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, true)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "proximeter_model_info")
}

func TestEventsSSE(t *testing.T) {
	s, bc := newTestServer(t, true)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the subscriber to register before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for bc.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotZero(t, bc.Subscribers(), "subscriber never registered")

	bc.Broadcast(types.ScoreEvent{
		Timestamp: time.Now().UTC(), StreamID: "cam1", ZoneID: "door",
		FrameSeq: 7, ObjectClass: "person", Confidence: 0.9,
	})

	reader := bufio.NewReader(resp.Body)
	var data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "cam1") {
			data = line
			break
		}
	}

	var ev types.ScoreEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data:")), &ev))
	assert.Equal(t, "cam1", ev.StreamID)
	assert.Equal(t, "door", ev.ZoneID)
	assert.Equal(t, uint64(7), ev.FrameSeq)
}

// A subscriber on an idle stream must still see the response open right
// away, not block until the first event or keepalive flushes it.
func TestEventsSSEOpensBeforeFirstEvent(t *testing.T) {
	s, _ := newTestServer(t, true)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "headers did not arrive before the first event")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
