// Command compass-cal fits a compass calibration offline from recorded
// magnetometer samples and saves it where navd -compass-cal loads it.
//
// Samples come from a CSV of mx,my,mz in milligauss, optionally followed
// by the attitude quaternion qw,qx,qy,qz, or from the mag records of a
// navlog recording.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/compasscal"
	"github.com/banshee-data/navekf/internal/config"
	"github.com/banshee-data/navekf/internal/navlog"
	"github.com/banshee-data/navekf/internal/navmath"
	"github.com/banshee-data/navekf/internal/timeutil"
)

// sampleInterval is the spacing assumed between samples, matching a
// 50 Hz compass.
const sampleInterval = 20 * time.Millisecond

type magSample struct {
	field  r3.Vec // milligauss
	att    navmath.Quat
	hasAtt bool
}

// readCSV skips blank lines, '#' comments and a non-numeric header row.
func readCSV(r io.Reader) ([]magSample, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var out []magSample
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) != 3 && len(row) != 7 {
			return nil, fmt.Errorf("line %d: expected 3 or 7 fields, got %d", line, len(row))
		}
		vals := make([]float64, len(row))
		for i, f := range row {
			vals[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				break
			}
		}
		if err != nil {
			if line == 1 && len(out) == 0 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		s := magSample{field: r3.Vec{X: vals[0], Y: vals[1], Z: vals[2]}}
		if len(vals) == 7 {
			s.att, s.hasAtt = navmath.Quat{vals[3], vals[4], vals[5], vals[6]}, true
		}
		out = append(out, s)
	}
}

// readNavlog takes every mag record of one compass instance.
func readNavlog(path string, sensor int) ([]magSample, error) {
	r, err := navlog.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []magSample
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if m, ok := rec.(navlog.MagRecord); ok && int(m.Sensor) == sensor {
			out = append(out, magSample{field: r3.Scale(1000, m.Field)})
		}
	}
}

func active(s compasscal.Status) bool {
	return s == compasscal.WaitingToStart || s == compasscal.RunningStepOne || s == compasscal.RunningStepTwo
}

type calOptions struct {
	offsetMax     float64
	tolerance     float64
	expectedField float64
	seed          uint64
	retry         bool
}

// calibrate replays samples through a calibrator on a simulated clock
// until it finishes or the samples run out.
func calibrate(samples []magSample, o calOptions) (compasscal.Report, error) {
	clk := timeutil.NewMockClock(time.Unix(0, 0))
	c := compasscal.New(clk, o.seed)
	c.ExpectedField = o.expectedField
	if err := c.Start(o.retry, false, 0, o.offsetMax, o.tolerance); err != nil {
		return compasscal.Report{}, err
	}
	for _, s := range samples {
		if s.hasAtt {
			c.NewSampleWithAttitude(s.field, s.att)
		} else {
			c.NewSample(s.field)
		}
		c.Update()
		clk.Advance(sampleInterval)
		if !active(c.Status()) {
			break
		}
	}
	r := c.Report()
	if r.Status == compasscal.Success {
		return r, nil
	}
	if active(r.Status) {
		return r, fmt.Errorf("ran out of samples at %.0f%% completion", r.Completion)
	}
	failure := r.Status
	if r.LastFailure != compasscal.NotStarted {
		failure = r.LastFailure
	}
	if failure == compasscal.BadOrientation {
		return r, fmt.Errorf("calibration failed: %s (suggested orientation %d)", failure, r.Orientation)
	}
	return r, fmt.Errorf("calibration failed: %s (fitness %.1f)", failure, r.Fitness)
}

func main() {
	csvPath := flag.String("csv", "", "CSV of mx,my,mz[,qw,qx,qy,qz] in milligauss")
	logPath := flag.String("navlog", "", "navlog recording to take mag records from")
	sensor := flag.Int("sensor", 0, "compass instance to use from -navlog")
	output := flag.String("o", "compass_cal.json", "calibration file to write")
	configPath := flag.String("config", "", "tuning JSON supplying compass_offs_max and compass_cal_fit")
	field := flag.Float64("field", 0, "expected field strength in milligauss (0 disables the radius check)")
	seed := flag.Uint64("seed", 1, "thinning seed")
	retry := flag.Bool("retry", true, "retry with fresh samples after a failed fit")
	flag.Parse()

	if (*csvPath == "") == (*logPath == "") {
		log.Fatal("exactly one of -csv or -navlog is required")
	}

	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("compass-cal: %v", err)
		}
	}

	var samples []magSample
	var err error
	if *csvPath != "" {
		f, ferr := os.Open(*csvPath)
		if ferr != nil {
			log.Fatalf("compass-cal: %v", ferr)
		}
		samples, err = readCSV(f)
		f.Close()
	} else {
		samples, err = readNavlog(*logPath, *sensor)
	}
	if err != nil {
		log.Fatalf("compass-cal: %v", err)
	}
	log.Printf("%d samples", len(samples))

	r, err := calibrate(samples, calOptions{
		offsetMax:     cfg.GetFloat("compass_offs_max"),
		tolerance:     cfg.GetFloat("compass_cal_fit"),
		expectedField: *field,
		seed:          *seed,
		retry:         *retry,
	})
	if err != nil {
		log.Fatalf("compass-cal: %v", err)
	}
	p := r.Params
	log.Printf("fitness %.2f mG, radius %.1f, offsets %.1f %.1f %.1f",
		r.Fitness, p.Radius, p.Offset.X, p.Offset.Y, p.Offset.Z)

	if err := compasscal.NewStore(*output).Save(r, time.Now()); err != nil {
		log.Fatalf("compass-cal: %v", err)
	}
	log.Printf("saved %s", *output)
}
