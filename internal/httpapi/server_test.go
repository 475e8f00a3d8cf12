package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"anc/internal/frame"
	"anc/internal/metrics"
	"anc/internal/monitor"
	"anc/internal/pipeline"
	"anc/internal/spectrum"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats pipeline.Stats

func (f fixedStats) Stats() pipeline.Stats { return pipeline.Stats(f) }

func triple(seq uint64) monitor.Triple {
	in := make([]int16, 64)
	for i := range in {
		in[i] = int16(1000 * (i % 4))
	}
	return monitor.Triple{
		Seq:      seq,
		At:       time.Now(),
		Input:    frame.New(in),
		Estimate: frame.New(in),
		Residual: frame.Zero(64),
	}
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *monitor.Port) {
	t.Helper()
	port := monitor.NewPort()
	stats := fixedStats{Session: "s-1", State: pipeline.Running, Cycles: 42, Underruns: 1}
	api := New(port, stats, opts...)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return ts, port
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealthAndStatus(t *testing.T) {
	ts, port := newTestServer(t)
	port.Publish(triple(1))

	var health healthResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "running", health.State)

	var status map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/status", &status))
	assert.Equal(t, "s-1", status["session"])
	assert.Equal(t, "running", status["state"])
	assert.EqualValues(t, 42, status["cycles"])
	assert.EqualValues(t, 1, status["underruns"])
	assert.EqualValues(t, 1, status["published"])
}

func TestFrame(t *testing.T) {
	ts, port := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/frame", nil))

	port.Publish(triple(7))
	var f frameResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/frame", &f))
	assert.Equal(t, uint64(7), f.Seq)
	assert.Len(t, f.Input, 64)
	assert.Equal(t, int16(3000), f.Input[3])
	assert.Equal(t, 120.0, f.ERLE)
}

func TestSpectrum(t *testing.T) {
	ts, port := newTestServer(t)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/spectrum", nil))

	a, err := spectrum.New(64, 8000)
	require.NoError(t, err)
	ts, port = newTestServer(t, WithAnalyzer(a))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/spectrum", nil))

	port.Publish(triple(2))
	var sp spectrumResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/spectrum", &sp))
	assert.Equal(t, "spectrum", sp.Type)
	assert.Equal(t, uint64(2), sp.Seq)
	assert.Len(t, sp.Input, a.Bins())
	assert.Len(t, sp.Frequencies, a.Bins())
	assert.Equal(t, spectrum.Floor, sp.Residual[10])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Cycle(0.001, 10, 0.1)

	ts, _ := newTestServer(t, WithGatherer(reg))
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "anc_cycles_total 1")
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamFrames(t *testing.T) {
	ts, port := newTestServer(t)
	conn := dial(t, ts, "")
	require.Eventually(t, func() bool { return port.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	port.Publish(triple(5))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frameResponse
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "frame", f.Type)
	assert.Equal(t, uint64(5), f.Seq)

	conn.Close()
	require.Eventually(t, func() bool { return port.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamSpectrum(t *testing.T) {
	a, err := spectrum.New(64, 8000)
	require.NoError(t, err)
	ts, port := newTestServer(t, WithAnalyzer(a))
	conn := dial(t, ts, "?view=spectrum")
	require.Eventually(t, func() bool { return port.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	port.Publish(triple(9))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sp spectrumResponse
	require.NoError(t, conn.ReadJSON(&sp))
	assert.Equal(t, "spectrum", sp.Type)
	assert.Equal(t, uint64(9), sp.Seq)
}

func TestStreamRejectsUnknownView(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?view=waterfall"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
