package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/navekf/internal/compasscal"
	"github.com/banshee-data/navekf/internal/config"
	"github.com/banshee-data/navekf/internal/dal"
	"github.com/banshee-data/navekf/internal/db"
	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/monitor"
	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/navlog"
	"github.com/banshee-data/navekf/internal/security"
	"github.com/banshee-data/navekf/internal/sensorlink"
	"github.com/banshee-data/navekf/internal/telemetry"
	"github.com/banshee-data/navekf/internal/timeutil"
)

// DefaultSensors matches a single-IMU hub with one of each aiding sensor.
const DefaultSensors = "imu,gps,baro,compass"

// registerSensors adds the comma-separated kinds to ctx in order. Hub
// lines address sensors by this registration index within each kind.
func registerSensors(ctx *dal.Context, list string) error {
	counts := map[dal.Kind]int{}
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		k, err := dal.ParseKind(name)
		if err != nil {
			return err
		}
		if _, err := ctx.Sensors.Add(k, fmt.Sprintf("%s%d", k, counts[k])); err != nil {
			return err
		}
		counts[k]++
	}
	if counts[dal.KindIMU] == 0 {
		return errors.New("at least one imu is required")
	}
	return nil
}

// pipeline is everything between the sensor link and the outputs. Apart
// from Snapshot reads, its state is only touched on the pump goroutine.
type pipeline struct {
	opts options
	logf func(format string, v ...interface{})

	cfg  *config.TuningConfig
	dctx *dal.Context
	fe   *ekf.Frontend
	link *sensorlink.Link

	history *monitor.History
	pub     *telemetry.Publisher
	web     *monitor.WebServer

	store *db.DB
	rec   *db.Recorder

	logw *navlog.Writer

	cal      *compasscal.Calibrator
	calStore *compasscal.Store
	calMu    sync.RWMutex
	magCal   dal.CompassCal
	haveCal  bool

	lastOut uint32
	haveOut bool
	outputs uint64
}

func newPipeline(opts options) (*pipeline, error) {
	p := &pipeline{opts: opts, logf: monitoring.Prefixed("navd")}

	p.cfg = config.DefaultTuningConfig()
	if opts.configPath != "" {
		cfg, err := config.LoadTuningConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		p.cfg = cfg
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	vc, err := dal.ParseVehicleClass(p.cfg.GetVehicleClass())
	if err != nil {
		return nil, err
	}

	p.link = sensorlink.NewLink()
	p.dctx = dal.NewContext(vc, p.cfg)
	p.dctx.Arming = p.link
	p.dctx.Clock = timeutil.NewBootClock(timeutil.RealClock{})
	if err := registerSensors(p.dctx, opts.sensors); err != nil {
		return nil, err
	}

	p.fe, err = ekf.NewFrontend(p.dctx, ekf.ParamsFromSource(p.cfg))
	if err != nil {
		return nil, err
	}
	if reason := p.fe.PrearmFailureReason(); reason != "" {
		p.logf("pre-arm: %s", reason)
	}

	p.history = monitor.NewHistory(opts.historyLen, opts.historyEveryMs)

	if opts.calFile != "" {
		p.calStore = compasscal.NewStore(opts.calFile)
		cal, saved, ok, err := p.calStore.Load()
		if err != nil {
			p.logf("ignoring compass calibration: %v", err)
		}
		if ok {
			p.logf("compass calibration from %s (fitness %.3g)", saved.Saved.Format(time.RFC3339), saved.Fitness)
			p.setCal(cal)
		}
	}
	if opts.calibrate {
		p.cal = compasscal.New(timeutil.RealClock{}, uint64(time.Now().UnixNano()))
		p.cal.OnSave = p.saveCal
		offsetMax := p.cfg.GetFloat("compass_offs_max")
		tolerance := p.cfg.GetFloat("compass_cal_fit")
		if err := p.cal.Start(true, p.calStore != nil, 2*time.Second, offsetMax, tolerance); err != nil {
			return nil, err
		}
	}

	p.link.Calibration = p.calibration
	p.link.Tap = p.tap
	p.link.AfterIMU = p.afterIMU
	return p, nil
}

// openOutputs starts the optional sinks: session store, navlog recording
// and the network surfaces.
func (p *pipeline) openOutputs() error {
	params := p.cfg.Flatten()
	if p.opts.dbPath != "" {
		store, err := db.NewDB(p.opts.dbPath)
		if err != nil {
			return err
		}
		p.store = store
		id, err := store.CreateSession(db.SessionLive, p.opts.input, p.dctx.Vehicle.String(), params)
		if err != nil {
			return err
		}
		p.rec = store.NewRecorder(id)
		p.fe.OnLaneSwitch = p.rec.LaneSwitch
		for i := 0; i < p.fe.NumCores(); i++ {
			lane := i
			p.fe.Core(i).Scheduler().OnTransition = func(tr ekf.Transition) { p.rec.Transition(lane, tr) }
		}
		p.logf("recording session %s to %s", id, p.opts.dbPath)
	}

	if p.opts.recordDir != "" {
		name := time.Now().UTC().Format("20060102T150405") + navlog.FileExtension
		path, err := security.OutputPath(p.opts.recordDir, name)
		if err != nil {
			return err
		}
		w, err := navlog.NewWriter(path, navlog.NewHeader(p.dctx, params))
		if err != nil {
			return err
		}
		p.logw = w
		p.logf("recording sensor log to %s", path)
	}

	if p.opts.grpcListen != "" {
		cfg := telemetry.DefaultConfig()
		cfg.ListenAddr = p.opts.grpcListen
		cfg.Params = params
		p.pub = telemetry.NewPublisher(cfg, p.fe)
		if err := p.pub.Start(); err != nil {
			return err
		}
	}

	if p.opts.listen != "" {
		p.web = monitor.NewWebServer(monitor.WebServerConfig{
			Address: p.opts.listen,
			History: p.history,
			DB:      p.store,
			Charts:  monitor.ChartOptions{SpeedUnits: p.opts.units, AssetsHost: p.opts.assetsHost},
		})
		if p.store != nil {
			if err := p.store.AttachAdminRoutes(p.web.Mux()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *pipeline) setCal(cal dal.CompassCal) {
	p.calMu.Lock()
	p.magCal, p.haveCal = cal, true
	p.calMu.Unlock()
}

func (p *pipeline) calibration(dal.SensorID) (dal.CompassCal, bool) {
	p.calMu.RLock()
	defer p.calMu.RUnlock()
	return p.magCal, p.haveCal
}

func (p *pipeline) saveCal(r compasscal.Report) {
	p.setCal(compasscal.CalFromParams(r.Params))
	if p.calStore == nil {
		return
	}
	if err := p.calStore.Save(r, time.Now()); err != nil {
		p.logf("failed to save compass calibration: %v", err)
		return
	}
	p.logf("compass calibration saved to %s", p.calStore.Path)
}

// tap sees raw records before calibration is applied.
func (p *pipeline) tap(rec navlog.Record) {
	if p.logw != nil {
		if err := p.logw.Write(rec); err != nil && !errors.Is(err, navlog.ErrClosed) {
			p.logf("navlog write failed: %v", err)
		}
	}
	if p.cal == nil {
		return
	}
	if m, ok := rec.(navlog.MagRecord); ok {
		// The calibrator works in milligauss.
		p.cal.NewSampleWithAttitude(r3.Scale(1000, m.Field), p.fe.Quaternion())
		p.cal.Update()
	}
}

func (p *pipeline) afterIMU(imu navlog.IMURecord) {
	if imu.Sensor != p.fe.Core(p.fe.PrimaryCore()).IMU() {
		return
	}
	now := imu.Delta.TimeMs
	if p.haveOut && now-p.lastOut < p.opts.outputEveryMs {
		return
	}
	p.lastOut, p.haveOut = now, true
	p.emit(p.fe.Snapshot())
}

func (p *pipeline) emit(s ekf.Snapshot) {
	p.outputs++
	p.history.Observe(s)
	if p.pub != nil {
		p.pub.Publish(s)
	}
	if p.rec != nil {
		if err := p.rec.Observe(s); err != nil {
			p.logf("session write failed: %v", err)
		}
	}
	if p.logw != nil {
		if err := p.logw.WriteOutput(s); err != nil && !errors.Is(err, navlog.ErrClosed) {
			p.logf("navlog write failed: %v", err)
		}
	}
}

// run pumps records into the filter and serves the outputs until ctx
// ends.
func (p *pipeline) run(ctx context.Context) error {
	var wg sync.WaitGroup
	errc := make(chan error, 2)
	if p.web != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.web.Start(ctx); err != nil {
				errc <- err
			}
		}()
	}
	if p.pub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pub.LogStats(ctx)
		}()
	}

	err := p.link.Pump(ctx, p.fe)
	wg.Wait()
	select {
	case werr := <-errc:
		return werr
	default:
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close flushes and closes every sink. It runs after the pump has
// stopped.
func (p *pipeline) close() error {
	var errs []error
	for _, prod := range p.link.Producers() {
		prod.LogStats()
	}
	if p.pub != nil {
		p.pub.Stop()
	}
	if p.logw != nil {
		errs = append(errs, p.logw.Close())
	}
	final := p.fe.Snapshot()
	if p.rec != nil {
		summary := map[string]any{
			"outputs":       p.outputs,
			"lane_switches": final.LaneSwitches,
			"healthy":       final.Healthy,
			"aid_mode":      final.AidMode.String(),
		}
		errs = append(errs, p.rec.Finish(summary))
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	p.logf("stopped after %d outputs, %d lane switches", p.outputs, final.LaneSwitches)
	return errors.Join(errs...)
}
