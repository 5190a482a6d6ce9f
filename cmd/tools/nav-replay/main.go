// Command nav-replay runs a navlog recording back through a fresh filter.
//
// It prints a JSON summary, optionally records the run as a replay session
// in the navd database and renders the static plots.
//
// Usage:
//
//	go run ./cmd/tools/nav-replay -log flight.navlog [-db navd.db] [-plots out/]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/config"
	"github.com/banshee-data/navekf/internal/db"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/monitor"
	"github.com/banshee-data/navekf/internal/navlog"
	"github.com/banshee-data/navekf/internal/replay"
)

type replayOptions struct {
	logPath       string
	dbPath        string
	plotDir       string
	configPath    string
	outputEveryMs uint32
}

// Summary is the JSON report of one replay.
type Summary struct {
	Log          string         `json:"log"`
	Session      string         `json:"session,omitempty"`
	Records      int            `json:"records"`
	Inputs       map[string]int `json:"inputs"`
	Outputs      int            `json:"outputs"`
	LaneSwitches int            `json:"lane_switches"`
	Healthy      bool           `json:"healthy"`
	AidMode      string         `json:"aid_mode"`
	Faults       string         `json:"faults"`
	FinalPos     r3.Vec         `json:"final_position"`
	// Compared counts logged outputs that line up with a replayed one.
	Compared       int      `json:"compared"`
	MaxPosDivergeM float64  `json:"max_position_divergence_m"`
	Plots          []string `json:"plots,omitempty"`
}

// divergence is the largest position gap between logged and replayed
// outputs at the same time.
func divergence(logged []navlog.OutputRecord, replayed map[uint32]r3.Vec) (int, float64) {
	n, worst := 0, 0.0
	for _, l := range logged {
		p, ok := replayed[l.TimeMs]
		if !ok {
			continue
		}
		n++
		// A diverged replay can produce NaN; report it as infinitely far.
		d := r3.Norm(r3.Sub(p, l.Pos))
		if math.IsNaN(d) {
			d = math.MaxFloat64
		}
		worst = max(worst, d)
	}
	return n, worst
}

func runReplay(ctx context.Context, o replayOptions) (Summary, error) {
	sum := Summary{Log: o.logPath, Inputs: map[string]int{}}
	r, err := navlog.Open(o.logPath)
	if err != nil {
		return sum, err
	}
	defer r.Close()
	hdr := r.Header()

	opts := replay.Options{OutputEveryMs: o.outputEveryMs}
	if o.configPath != "" {
		cfg, err := config.LoadTuningConfig(o.configPath)
		if err != nil {
			return sum, err
		}
		if err := cfg.Validate(); err != nil {
			return sum, err
		}
		p := ekf.ParamsFromSource(cfg)
		opts.Params = &p
	}

	var rec *db.Recorder
	if o.dbPath != "" {
		store, err := db.NewDB(o.dbPath)
		if err != nil {
			return sum, err
		}
		defer store.Close()
		sum.Session, err = store.CreateSession(db.SessionReplay, filepath.Base(o.logPath), hdr.Vehicle, hdr.Params)
		if err != nil {
			return sum, err
		}
		rec = store.NewRecorder(sum.Session)
		opts.OnLaneSwitch = rec.LaneSwitch
		opts.OnTransition = rec.Transition
	}

	history := monitor.NewHistory(20000, 100)
	replayed := map[uint32]r3.Vec{}
	opts.Emit = func(s ekf.Snapshot) error {
		history.Observe(s)
		replayed[s.TimeMs] = s.Position
		if rec != nil {
			return rec.Observe(s)
		}
		return nil
	}

	res, err := replay.Run(ctx, hdr, r, opts)
	if err != nil {
		return sum, err
	}
	sum.Records, sum.Outputs = res.Records, res.Outputs
	for t, n := range res.Inputs {
		sum.Inputs[t.String()] = n
	}
	sum.LaneSwitches = len(res.LaneSwitches)
	sum.Healthy = res.Final.Healthy
	sum.AidMode = res.Final.AidMode.String()
	sum.Faults = res.Final.Faults.String()
	sum.FinalPos = monitor.PointOf(res.Final).Position
	sum.Compared, sum.MaxPosDivergeM = divergence(res.Logged, replayed)

	if rec != nil {
		if err := rec.Finish(sum); err != nil {
			return sum, err
		}
	}
	if o.plotDir != "" {
		prefix := filepath.Base(o.logPath)
		sum.Plots, err = monitor.SavePlots(o.plotDir, prefix, history.Points())
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func writeSummary(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func main() {
	logPath := flag.String("log", "", "Path to the navlog recording (required)")
	dbPath := flag.String("db", "", "Record the run as a replay session in this database")
	plotDir := flag.String("plots", "", "Directory for PNG plots")
	configPath := flag.String("config", "", "Tuning JSON overriding the parameters in the log")
	outputMs := flag.Uint("output-ms", 20, "Minimum spacing of replayed outputs")
	flag.Parse()

	if *logPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -log flag is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := runReplay(ctx, replayOptions{
		logPath:       *logPath,
		dbPath:        *dbPath,
		plotDir:       *plotDir,
		configPath:    *configPath,
		outputEveryMs: uint32(*outputMs),
	})
	if err != nil {
		log.Fatalf("nav-replay: %v", err)
	}
	if err := writeSummary(os.Stdout, sum); err != nil {
		log.Fatalf("nav-replay: %v", err)
	}
}
