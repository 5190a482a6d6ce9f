// Command gen-navlog writes a simulated flight as a navlog recording, for
// exercising replay and the dashboards without hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/config"
	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navlog"
	"github.com/banshee-data/navekf/internal/sim"
)

type genOptions struct {
	output     string
	duration   time.Duration
	trajectory string
	seed       uint64
	vehicle    string
	airspeed   bool
	dropouts   []sim.Window
}

// parseDropout reads kind:startMs-endMs, e.g. gps:20000-25000.
func parseDropout(s string) (sim.Window, error) {
	kindName, span, ok := strings.Cut(s, ":")
	if !ok {
		return sim.Window{}, fmt.Errorf("dropout %q: expected kind:start-end", s)
	}
	k, err := dal.ParseKind(kindName)
	if err != nil {
		return sim.Window{}, err
	}
	a, b, ok := strings.Cut(span, "-")
	if !ok {
		return sim.Window{}, fmt.Errorf("dropout %q: expected start-end in ms", s)
	}
	start, err := strconv.ParseUint(a, 10, 32)
	if err != nil {
		return sim.Window{}, fmt.Errorf("dropout %q: %w", s, err)
	}
	end, err := strconv.ParseUint(b, 10, 32)
	if err != nil {
		return sim.Window{}, fmt.Errorf("dropout %q: %w", s, err)
	}
	if end <= start {
		return sim.Window{}, fmt.Errorf("dropout %q: end before start", s)
	}
	return sim.Window{Kind: k, StartMs: uint32(start), EndMs: uint32(end)}, nil
}

func trajectory(name string) (sim.Trajectory, error) {
	switch name {
	case "stationary":
		return sim.Stationary{}, nil
	case "straight":
		return sim.ConstantVelocity{Vel: r3.Vec{X: 15}}, nil
	case "circle":
		return sim.Circle{Radius: 80, Speed: 15}, nil
	}
	return nil, fmt.Errorf("unknown trajectory %q", name)
}

// generate writes the recording and returns its header.
func generate(o genOptions) (navlog.Header, error) {
	traj, err := trajectory(o.trajectory)
	if err != nil {
		return navlog.Header{}, err
	}
	cfg := config.DefaultTuningConfig()
	if o.vehicle != "" {
		cfg.VehicleClass = &o.vehicle
	}
	vc, err := dal.ParseVehicleClass(cfg.GetVehicleClass())
	if err != nil {
		return navlog.Header{}, err
	}
	dctx := dal.NewContext(vc, cfg)
	kinds := []dal.Kind{dal.KindIMU, dal.KindGPS, dal.KindBaro, dal.KindCompass}
	if o.airspeed {
		kinds = append(kinds, dal.KindAirspeed)
	}
	for _, k := range kinds {
		if _, err := dctx.Sensors.Add(k, k.String()+"0"); err != nil {
			return navlog.Header{}, err
		}
	}

	sc := sim.DefaultConfig()
	sc.Trajectory = traj
	sc.Seed = o.seed
	sc.GyroNoise, sc.AccelNoise = 1e-4, 1e-3
	sc.GPSPosNoise, sc.GPSVelNoise, sc.BaroNoise, sc.MagNoise = 0.3, 0.05, 0.1, 0.002
	sc.Dropouts = o.dropouts
	if o.airspeed {
		sc.TASRateHz = 20
	}

	w, err := navlog.NewWriter(o.output, navlog.NewHeader(dctx, cfg.Flatten()))
	if err != nil {
		return navlog.Header{}, err
	}
	if err := w.Write(navlog.ArmingRecord{Armed: true}); err != nil {
		w.Close()
		return navlog.Header{}, err
	}
	gen := sim.New(sc, sim.Instances{})
	total := uint32(o.duration / time.Millisecond)
	for gen.NowMs() < total {
		gen.Run(w, min(1000, total-gen.NowMs()))
		if gen.NowMs()%10000 == 0 {
			log.Printf("%d/%d s", gen.NowMs()/1000, total/1000)
		}
	}
	if err := w.Close(); err != nil {
		return navlog.Header{}, err
	}
	r, err := navlog.Open(o.output)
	if err != nil {
		return navlog.Header{}, err
	}
	defer r.Close()
	return r.Header(), nil
}

type dropoutFlags []sim.Window

func (d *dropoutFlags) String() string { return fmt.Sprint(len(*d)) }

func (d *dropoutFlags) Set(s string) error {
	w, err := parseDropout(s)
	if err != nil {
		return err
	}
	*d = append(*d, w)
	return nil
}

func main() {
	var drops dropoutFlags
	output := flag.String("o", "sample.navlog", "output path")
	duration := flag.Duration("d", 60*time.Second, "simulated duration")
	traj := flag.String("trajectory", "circle", "stationary, straight or circle")
	seed := flag.Uint64("seed", 1, "noise seed")
	vehicle := flag.String("vehicle", "", "vehicle class override")
	airspeed := flag.Bool("airspeed", false, "add an airspeed sensor")
	flag.Var(&drops, "dropout", "sensor outage kind:startMs-endMs (repeatable)")
	flag.Parse()

	hdr, err := generate(genOptions{
		output:     *output,
		duration:   *duration,
		trajectory: *traj,
		seed:       *seed,
		vehicle:    *vehicle,
		airspeed:   *airspeed,
		dropouts:   drops,
	})
	if err != nil {
		log.Fatalf("gen-navlog: %v", err)
	}
	log.Printf("created %s: %d records, %d-%d ms", *output, hdr.TotalRecords, hdr.StartMs, hdr.EndMs)
}
