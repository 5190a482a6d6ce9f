package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/navlog"
	"github.com/banshee-data/navekf/internal/sensorlink"
	"github.com/banshee-data/navekf/internal/serialmux"
	"github.com/banshee-data/navekf/internal/sim"
	"github.com/banshee-data/navekf/internal/timeutil"
)

// startHub runs the mux monitor and a producer fed from it. When the
// monitor ends, the subscription closes and the producer goroutine returns.
func startHub(ctx context.Context, wg *sync.WaitGroup, hub serialmux.SerialMuxInterface, prod *sensorlink.Producer, logf func(string, ...interface{})) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := hub.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logf("hub monitor: %v", err)
		}
		logf("hub monitor terminated")
	}()
	go func() {
		defer wg.Done()
		if err := sensorlink.FromSerial(ctx, hub, prod); err != nil && !errors.Is(err, context.Canceled) {
			logf("hub reader: %v", err)
		}
	}()
}

// simTrajectory maps the -sim-trajectory flag.
func simTrajectory(name string) (sim.Trajectory, error) {
	switch name {
	case "stationary":
		return sim.Stationary{}, nil
	case "straight":
		return sim.ConstantVelocity{Vel: r3.Vec{X: 10}}, nil
	case "circle":
		return sim.Circle{Radius: 50, Speed: 10}, nil
	}
	return nil, fmt.Errorf("unknown trajectory %q: expected stationary, straight or circle", name)
}

// disableMissing switches off simulated sensors that are not registered.
// The simulator writes instance 0 of each kind.
func disableMissing(ctx *dal.Context, cfg *sim.Config) {
	for k, rate := range map[dal.Kind]*int{
		dal.KindIMU:      &cfg.IMURateHz,
		dal.KindGPS:      &cfg.GPSRateHz,
		dal.KindBaro:     &cfg.BaroRateHz,
		dal.KindCompass:  &cfg.MagRateHz,
		dal.KindAirspeed: &cfg.TASRateHz,
	} {
		if ctx.Sensors.Count(k) == 0 {
			*rate = 0
		}
	}
}

// simHub plays a simulated flight into the hub side of a pipe port, so
// the daemon exercises the same line path as real hardware.
type simHub struct {
	gen        *sim.Generator
	out        *sensorlink.LineWriter
	clock      timeutil.Clock
	tick       time.Duration
	speed      float64
	durationMs uint32
}

func newSimHub(opts options, ctx *dal.Context, port *serialmux.PipePort) (*simHub, error) {
	traj, err := simTrajectory(opts.simTrajectory)
	if err != nil {
		return nil, err
	}
	cfg := sim.DefaultConfig()
	cfg.Trajectory = traj
	cfg.Seed = opts.simSeed
	cfg.GyroNoise, cfg.AccelNoise = 1e-4, 1e-3
	cfg.GPSPosNoise, cfg.GPSVelNoise, cfg.BaroNoise, cfg.MagNoise = 0.3, 0.05, 0.1, 0.002
	if ctx.Sensors.Count(dal.KindAirspeed) > 0 {
		cfg.TASRateHz = 20
	}
	disableMissing(ctx, &cfg)
	return &simHub{
		gen:        sim.New(cfg, sim.Instances{}),
		out:        sensorlink.NewLineWriter(port.Feed()),
		clock:      timeutil.RealClock{},
		tick:       10 * time.Millisecond,
		speed:      opts.simSpeed,
		durationMs: uint32(opts.simDuration / time.Millisecond),
	}, nil
}

// run writes one tick of simulated time per clock tick, scaled by speed.
// It arms the vehicle on the first tick, once the reader has subscribed,
// and returns when the duration is reached.
func (h *simHub) run(ctx context.Context) error {
	armed := false
	stepMs := max(1, int(h.speed*float64(h.tick/time.Millisecond)))
	t := h.clock.NewTicker(h.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
		}
		if !armed {
			if err := h.out.Write(navlog.ArmingRecord{Armed: true}); err != nil {
				return err
			}
			armed = true
		}
		for i := 0; i < stepMs; i++ {
			h.gen.Step(h.out)
		}
		if err := h.out.Flush(); err != nil {
			return err
		}
		if h.durationMs > 0 && h.gen.NowMs() >= h.durationMs {
			return nil
		}
	}
}
