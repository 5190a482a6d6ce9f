// Package replay runs a recorded navlog back through a fresh filter.
//
// The filter is a pure function of its parameters and the ordered input
// records, so replaying a log twice yields identical output.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/navlog"
)

// cancelCheckEvery is how many records pass between context checks.
const cancelCheckEvery = 1024

// RecordSource yields records in log order and io.EOF at the end.
type RecordSource interface {
	Next() (navlog.Record, error)
}

// Options control a replay.
type Options struct {
	// Params overrides the tuning stored in the log header.
	Params *ekf.Params
	// OutputEveryMs thins emitted snapshots; zero emits after every IMU
	// record of the primary lane's IMU.
	OutputEveryMs uint32
	// Emit receives output snapshots. Returning an error stops the run.
	Emit func(ekf.Snapshot) error
	// OnLaneSwitch observes primary lane changes.
	OnLaneSwitch func(ekf.LaneSwitch)
	// OnTransition observes fusion stream transitions of every lane.
	OnTransition func(lane int, tr ekf.Transition)
}

// Result summarises a replay.
type Result struct {
	Records      int
	Inputs       map[navlog.RecordType]int
	Outputs      int
	LaneSwitches []ekf.LaneSwitch
	Final        ekf.Snapshot
	// Logged holds the output records found in the log, for comparison
	// with the replayed solution.
	Logged []navlog.OutputRecord
}

type armState bool

func (a *armState) Armed() bool { return bool(*a) }

// Run replays every record from src into a new frontend built from hdr.
func Run(ctx context.Context, hdr navlog.Header, src RecordSource, opts Options) (Result, error) {
	logf := monitoring.Prefixed("replay")
	params := ekf.ParamsFromSource(dal.ParamMap(hdr.Params))
	if opts.Params != nil {
		params = *opts.Params
	}
	dctx, err := hdr.Context(dal.ParamMap(hdr.Params))
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}
	armed := new(armState)
	dctx.Arming = armed

	fe, err := ekf.NewFrontend(dctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("replay: %w", err)
	}
	res := Result{Inputs: make(map[navlog.RecordType]int)}
	fe.OnLaneSwitch = func(ls ekf.LaneSwitch) {
		res.LaneSwitches = append(res.LaneSwitches, ls)
		if opts.OnLaneSwitch != nil {
			opts.OnLaneSwitch(ls)
		}
	}
	if opts.OnTransition != nil {
		for i := 0; i < fe.NumCores(); i++ {
			lane := i
			fe.Core(i).Scheduler().OnTransition = func(tr ekf.Transition) { opts.OnTransition(lane, tr) }
		}
	}

	var lastEmit uint32
	emitted := false
	for {
		if res.Records%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		res.Records++

		switch r := rec.(type) {
		case navlog.ArmingRecord:
			*armed = armState(r.Armed)
		case navlog.OutputRecord:
			res.Logged = append(res.Logged, r)
			continue
		default:
			if !navlog.Apply(fe, rec) {
				logf("skipping %s record", rec.Type())
				continue
			}
		}
		res.Inputs[rec.Type()]++
		if imu, ok := rec.(navlog.IMURecord); ok && opts.Emit != nil {
			if imu.Sensor != fe.Core(fe.PrimaryCore()).IMU() {
				continue
			}
			now := imu.Delta.TimeMs
			if emitted && now-lastEmit < opts.OutputEveryMs {
				continue
			}
			lastEmit, emitted = now, true
			res.Outputs++
			if err := opts.Emit(fe.Snapshot()); err != nil {
				return res, err
			}
		}
	}
	res.Final = fe.Snapshot()
	logf("%d records, %d outputs, %d lane switches", res.Records, res.Outputs, len(res.LaneSwitches))
	return res, nil
}

// File opens and replays a log directory.
func File(ctx context.Context, path string, opts Options) (Result, error) {
	r, err := navlog.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()
	return Run(ctx, r.Header(), r, opts)
}
