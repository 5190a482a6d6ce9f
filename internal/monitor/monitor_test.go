package monitor

import (
	"bytes"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/db"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/testutil"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// circle produces a snapshot every 20 ms of a vehicle flying a 50 m
// radius circle at 10 m height.
func circle(n int) []ekf.Snapshot {
	out := make([]ekf.Snapshot, n)
	for i := range out {
		a := float64(i) * 0.01
		s := ekf.Snapshot{
			TimeMs:   uint32(i * 20),
			Healthy:  true,
			AidMode:  ekf.AidAbsolute,
			Position: r3.Vec{X: 50 * math.Cos(a), Y: 50 * math.Sin(a), Z: -10},
			Velocity: r3.Vec{X: -25 * math.Sin(a), Y: 25 * math.Cos(a)},
			Euler:    r3.Vec{Z: a + math.Pi/2},
		}
		s.Ratios.Vel = 0.2
		s.Ratios.Mag = 0.4
		out[i] = s
	}
	return out
}

func fill(h *History, snaps []ekf.Snapshot) {
	for _, s := range snaps {
		h.Observe(s)
	}
}

func TestHistoryThinsAndWraps(t *testing.T) {
	t.Parallel()
	h := NewHistory(10, 100)
	_, ok := h.Latest()
	assert.False(t, ok)

	fill(h, circle(100)) // 0..1980 ms
	pts := h.Points()
	require.Len(t, pts, 10)
	assert.Equal(t, uint32(1000), pts[0].TimeMs)
	assert.Equal(t, uint32(1900), pts[9].TimeMs)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, uint32(1980), latest.TimeMs, "latest is kept even when thinned")

	h.Reset()
	assert.Empty(t, h.Points())
	_, ok = h.Latest()
	assert.False(t, ok)
}

func TestPointOfDropsNonFinite(t *testing.T) {
	t.Parallel()
	s := ekf.Snapshot{Position: r3.Vec{X: math.NaN(), Y: 2, Z: math.Inf(-1)}}
	s.Ratios.TAS = math.NaN()
	s.Ratios.Vel = 0.3
	p := PointOf(s)
	assert.Equal(t, r3.Vec{Y: 2}, p.Position)
	assert.Zero(t, p.Ratios.TAS)
	assert.Equal(t, 0.3, p.Ratios.Vel)
	assert.Equal(t, "none", p.AidMode)
}

func TestRenderDashboard(t *testing.T) {
	t.Parallel()
	h := NewHistory(500, 0)
	fill(h, circle(50))

	var buf bytes.Buffer
	require.NoError(t, RenderDashboard(&buf, h.Points(), ChartOptions{SpeedUnits: "kph", Title: "lane view"}))
	html := buf.String()
	for _, want := range []string{"lane view", "Track", "Velocity", "Attitude", "Innovation test ratios", "Primary lane", "kph"} {
		assert.Contains(t, html, want)
	}

	buf.Reset()
	require.NoError(t, RenderDashboard(&buf, nil, ChartOptions{SpeedUnits: "furlongs"}))
	assert.Contains(t, buf.String(), "mps", "unknown units fall back to m/s")
}

func TestPlots(t *testing.T) {
	t.Parallel()
	h := NewHistory(500, 0)
	fill(h, circle(50))
	pts := h.Points()

	for _, kind := range PlotKinds {
		t.Run(string(kind), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WritePNG(&buf, kind, pts))
			assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
		})
	}
	assert.Error(t, WritePNG(&bytes.Buffer{}, "spectrum", pts))

	dir := t.TempDir()
	files, err := SavePlots(dir, "../flight 7", pts)
	require.NoError(t, err)
	require.Len(t, files, len(PlotKinds))
	for _, f := range files {
		assert.Equal(t, dir, filepath.Dir(f))
		assert.True(t, strings.HasPrefix(filepath.Base(f), "flight_7-"))
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, pngMagic))
	}
}

func TestWebServerLiveRoutes(t *testing.T) {
	t.Parallel()
	h := NewHistory(100, 0)
	ws := NewWebServer(WebServerConfig{History: h})
	mux := ws.Mux()

	rec := testutil.Serve(mux, http.MethodGet, "/api/status")
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)

	var health map[string]any
	rec = testutil.Serve(mux, http.MethodGet, "/health")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.DecodeJSON(t, rec, &health)
	assert.Equal(t, false, health["output"])

	snaps := circle(20)
	snaps[19].HaveLocation = true
	snaps[19].Location.Lat = math.NaN()
	snaps[19].Ratios.Hgt = math.Inf(1)
	fill(h, snaps)

	var status map[string]any
	rec = testutil.Serve(mux, http.MethodGet, "/api/status")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.DecodeJSON(t, rec, &status)
	assert.Equal(t, "absolute", status["aid_mode"])
	assert.EqualValues(t, 380, status["time_ms"])
	assert.Equal(t, []any{0.0, 0.0, 0.0}, status["location"])

	var pts []Point
	rec = testutil.Serve(mux, http.MethodGet, "/api/history?limit=5")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.DecodeJSON(t, rec, &pts)
	require.Len(t, pts, 5)
	assert.Equal(t, uint32(380), pts[4].TimeMs)

	rec = testutil.Serve(mux, http.MethodGet, "/api/history?limit=-1")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Serve(mux, http.MethodGet, "/")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	rec = testutil.Serve(mux, http.MethodGet, "/plots/track.png")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), pngMagic))

	rec = testutil.Serve(mux, http.MethodGet, "/plots/nope")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = testutil.Serve(mux, http.MethodGet, "/api/sessions")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestWebServerSessionRoutes(t *testing.T) {
	t.Parallel()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "nav.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	id, err := store.CreateSession(db.SessionReplay, "flight.navlog", "copter", nil)
	require.NoError(t, err)
	rec := store.NewRecorder(id)
	for _, s := range circle(30) {
		s.Ratios.Mag = math.NaN()
		require.NoError(t, rec.Observe(s))
	}
	require.NoError(t, rec.Finish(nil))

	ws := NewWebServer(WebServerConfig{History: NewHistory(10, 0), DB: store})
	mux := ws.Mux()

	var sessions []db.Session
	resp := testutil.Serve(mux, http.MethodGet, "/api/sessions")
	testutil.AssertStatusCode(t, resp.Code, http.StatusOK)
	testutil.DecodeJSON(t, resp, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)

	resp = testutil.Serve(mux, http.MethodGet, "/api/sessions/"+id)
	testutil.AssertStatusCode(t, resp.Code, http.StatusOK)

	resp = testutil.Serve(mux, http.MethodGet, "/api/sessions/missing")
	testutil.AssertStatusCode(t, resp.Code, http.StatusNotFound)

	var events []db.Event
	resp = testutil.Serve(mux, http.MethodGet, "/api/sessions/"+id+"/events")
	testutil.AssertStatusCode(t, resp.Code, http.StatusOK)
	testutil.DecodeJSON(t, resp, &events)
	require.NotEmpty(t, events)
	assert.Equal(t, db.EventAidMode, events[0].Kind)

	var samples []innovationView
	resp = testutil.Serve(mux, http.MethodGet, "/api/sessions/"+id+"/innovations?from_ms=100&to_ms=400")
	testutil.AssertStatusCode(t, resp.Code, http.StatusOK)
	testutil.DecodeJSON(t, resp, &samples)
	require.Len(t, samples, 4)
	assert.Equal(t, uint32(100), samples[0].TimeMs)
	assert.Nil(t, samples[0].Ratios["mag"])
	require.NotNil(t, samples[0].Ratios["vel"])
	assert.Equal(t, 0.2, *samples[0].Ratios["vel"])
}
