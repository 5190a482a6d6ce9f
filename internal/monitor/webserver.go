package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/navekf/internal/db"
	"github.com/banshee-data/navekf/internal/httputil"
	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/version"
)

// WebServer serves the dashboard, JSON status and stored sessions.
type WebServer struct {
	address string
	history *History
	db      *db.DB
	charts  ChartOptions
	server  *http.Server
	mux     *http.ServeMux
	logf    func(format string, v ...interface{})
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	History *History
	// DB enables the session routes. It may be nil.
	DB     *db.DB
	Charts ChartOptions
}

func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		history: config.History,
		db:      config.DB,
		charts:  config.Charts,
		logf:    monitoring.Prefixed("monitor"),
	}
	ws.mux = ws.setupRoutes()
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Mux exposes the routes so other packages can add admin pages.
func (ws *WebServer) Mux() *http.ServeMux { return ws.mux }

// Start serves until ctx ends, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		ws.logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.logf("shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			ws.logf("force close error: %v", err)
		}
	}
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /{$}", ws.handleDashboard)
	mux.HandleFunc("GET /api/status", ws.handleStatus)
	mux.HandleFunc("GET /api/history", ws.handleHistory)
	mux.HandleFunc("GET /plots/{kind}", ws.handlePlot)
	mux.HandleFunc("GET /api/sessions", ws.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", ws.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", ws.handleSessionEvents)
	mux.HandleFunc("GET /api/sessions/{id}/innovations", ws.handleSessionInnovations)
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, ok := ws.history.Latest()
	httputil.WriteJSONOK(w, map[string]any{
		"status":    "ok",
		"service":   "navekf",
		"version":   version.Version,
		"output":    ok,
		"healthy":   ok && snap.Healthy,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	o := ws.charts
	if u := r.URL.Query().Get("units"); u != "" {
		o.SpeedUnits = u
	}
	var buf bytes.Buffer
	if err := RenderDashboard(&buf, ws.history.Points(), o); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// statusView is the JSON form of the latest output.
type statusView struct {
	Point
	Status       string      `json:"status"`
	Faults       string      `json:"faults"`
	Timeouts     string      `json:"timeouts"`
	Location     *[3]float64 `json:"location,omitempty"`
	Prearm       string      `json:"prearm,omitempty"`
	LaneSwitches int         `json:"lane_switches"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := ws.history.Latest()
	if !ok {
		httputil.ServiceUnavailable(w, "no filter output yet")
		return
	}
	v := statusView{
		Point:        PointOf(snap),
		Status:       snap.Status.String(),
		Faults:       snap.Faults.String(),
		Timeouts:     snap.Timeouts.String(),
		Prearm:       snap.Prearm,
		LaneSwitches: snap.LaneSwitches,
	}
	if snap.HaveLocation {
		loc := snap.Location
		v.Location = &[3]float64{finite(loc.Lat), finite(loc.Lng), finite(loc.Alt)}
	}
	httputil.WriteJSONOK(w, v)
}

func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	points := ws.history.Points()
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		if n < len(points) {
			points = points[len(points)-n:]
		}
	}
	httputil.WriteJSONOK(w, points)
}

func (ws *WebServer) handlePlot(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("kind")
	kind := PlotKind(name)
	if ext := ".png"; len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		kind = PlotKind(name[:len(name)-len(ext)])
	}
	var buf bytes.Buffer
	if err := WritePNG(&buf, kind, ws.history.Points()); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) requireDB(w http.ResponseWriter) bool {
	if ws.db == nil {
		httputil.NotFound(w, "session storage disabled")
		return false
	}
	return true
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !ws.requireDB(w) {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := ws.db.ListSessions(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (ws *WebServer) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

func (ws *WebServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if !ws.requireDB(w) {
		return
	}
	s, err := ws.db.GetSession(r.PathValue("id"))
	if err != nil {
		ws.sessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s)
}

func (ws *WebServer) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !ws.requireDB(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := ws.db.GetSession(id); err != nil {
		ws.sessionError(w, err)
		return
	}
	events, err := ws.db.SessionEvents(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (ws *WebServer) handleSessionInnovations(w http.ResponseWriter, r *http.Request) {
	if !ws.requireDB(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := ws.db.GetSession(id); err != nil {
		ws.sessionError(w, err)
		return
	}
	q := r.URL.Query()
	from, _ := strconv.ParseUint(q.Get("from_ms"), 10, 32)
	to, _ := strconv.ParseUint(q.Get("to_ms"), 10, 32)
	series, err := ws.db.InnovationSeries(id, uint32(from), uint32(to))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]innovationView, len(series))
	for i, s := range series {
		out[i] = viewInnovation(s)
	}
	httputil.WriteJSONOK(w, out)
}

// innovationView encodes non-finite values as null.
type innovationView struct {
	TimeMs    uint32              `json:"time_ms"`
	Lane      int                 `json:"lane"`
	Ratios    map[string]*float64 `json:"ratios"`
	Variances map[string]*float64 `json:"variances"`
}

func orNull(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func viewInnovation(s db.InnovationSample) innovationView {
	r, v := s.Ratios, s.Variances
	return innovationView{
		TimeMs: s.TimeMs,
		Lane:   s.Lane,
		Ratios: map[string]*float64{
			"vel": orNull(r.Vel), "pos": orNull(r.Pos), "hgt": orNull(r.Hgt),
			"mag": orNull(r.Mag), "tas": orNull(r.TAS),
		},
		Variances: map[string]*float64{
			"vel": orNull(v.Vel), "pos": orNull(v.Pos), "hgt": orNull(v.Hgt), "mag": orNull(v.Mag),
		},
	}
}

// Close stops the server immediately.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}
