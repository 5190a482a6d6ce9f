// Command navd runs the navigation filter against a live sensor hub, or
// against the built-in simulator, and serves its output over gRPC and
// HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/navekf/internal/sensorlink"
	"github.com/banshee-data/navekf/internal/serialmux"
	"github.com/banshee-data/navekf/internal/version"
)

var (
	input      = flag.String("input", "sim", "Sensor input: serial, udp, sim or pcap")
	port       = flag.String("port", "/dev/ttyUSB0", "Serial port of the sensor hub")
	baud       = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	sensors    = flag.String("sensors", DefaultSensors, "Comma-separated sensor kinds in hub id order")
	udpListen  = flag.String("udp-listen", "", "UDP address for external navigation lines (empty disables)")
	pcapFile   = flag.String("pcap", "", "Packet capture to replay when -input=pcap")
	pcapPort   = flag.Int("pcap-port", 14560, "UDP port of sensor datagrams in the capture")
	listen     = flag.String("listen", ":8080", "HTTP dashboard address (empty disables)")
	grpcListen = flag.String("grpc-listen", "localhost:50061", "gRPC telemetry address (empty disables)")
	dbPath     = flag.String("db", "navd.db", "SQLite session database (empty disables)")
	recordDir  = flag.String("record", "", "Directory for navlog recordings (empty disables)")
	configPath = flag.String("config", "", "Tuning JSON; defaults when empty")
	outputMs   = flag.Uint("output-ms", 20, "Minimum spacing of published outputs")
	units      = flag.String("units", "mps", "Dashboard speed units")
	assetsHost = flag.String("assets-host", "", "Override the echarts script host")
	calFile    = flag.String("compass-cal", "", "Compass calibration file to load and save")
	calibrate  = flag.Bool("calibrate", false, "Run compass calibration while flying")
	simTraj    = flag.String("sim-trajectory", "circle", "Simulated trajectory: stationary, straight or circle")
	simSpeed   = flag.Float64("sim-speed", 1, "Simulated time per wall-clock time")
	simDur     = flag.Duration("sim-duration", 0, "Stop the simulation after this much simulated time (0 runs forever)")
	simSeed    = flag.Uint64("sim-seed", 1, "Simulator noise seed")
	showVer    = flag.Bool("version", false, "Print the version and exit")
	listPorts  = flag.Bool("list-ports", false, "List serial ports and exit")
)

// options is the flag set in a form tests can build directly.
type options struct {
	input, port, sensors string
	baud                 int
	udpListen            string
	pcapFile             string
	pcapPort             int
	listen, grpcListen   string
	dbPath, recordDir    string
	configPath           string
	outputEveryMs        uint32
	historyLen           int
	historyEveryMs       uint32
	units, assetsHost    string
	calFile              string
	calibrate            bool
	simTrajectory        string
	simSpeed             float64
	simDuration          time.Duration
	simSeed              uint64
}

func optionsFromFlags() options {
	return options{
		input: *input, port: *port, sensors: *sensors, baud: *baud,
		udpListen: *udpListen, pcapFile: *pcapFile, pcapPort: *pcapPort,
		listen: *listen, grpcListen: *grpcListen,
		dbPath: *dbPath, recordDir: *recordDir, configPath: *configPath,
		outputEveryMs:  uint32(*outputMs),
		historyLen:     3000,
		historyEveryMs: 100,
		units:          *units, assetsHost: *assetsHost,
		calFile: *calFile, calibrate: *calibrate,
		simTrajectory: *simTraj, simSpeed: *simSpeed, simDuration: *simDur, simSeed: *simSeed,
	}
}

func (o options) validate() error {
	switch o.input {
	case "serial":
		if o.port == "" {
			return fmt.Errorf("-port is required for serial input")
		}
	case "udp":
		if o.udpListen == "" {
			return fmt.Errorf("-udp-listen is required for udp input")
		}
	case "pcap":
		if o.pcapFile == "" {
			return fmt.Errorf("-pcap is required for pcap input")
		}
	case "sim":
		if o.simSpeed <= 0 {
			return fmt.Errorf("-sim-speed must be positive")
		}
	default:
		return fmt.Errorf("unknown input %q: expected serial, udp, sim or pcap", o.input)
	}
	return nil
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println("navd", version.String())
		return
	}
	if *listPorts {
		ports, err := serialmux.ListPorts()
		if err != nil {
			log.Fatalf("failed to list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	opts := optionsFromFlags()
	if err := opts.validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		log.Fatalf("navd: %v", err)
	}
}

// run builds the pipeline, attaches the input and blocks until ctx ends
// or a finite input is exhausted.
func run(ctx context.Context, opts options) error {
	p, err := newPipeline(opts)
	if err != nil {
		return err
	}
	if err := p.openOutputs(); err != nil {
		p.close()
		return err
	}
	log.Printf("navd %s: %s input, %d lanes", version.Version, opts.input, p.fe.NumCores())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	if err := attachInput(ctx, cancel, &wg, p); err != nil {
		cancel()
		wg.Wait()
		p.close()
		return err
	}
	if opts.udpListen != "" {
		l := sensorlink.NewUDPListener(sensorlink.UDPListenerConfig{
			Address:  opts.udpListen,
			Producer: p.link.NewProducer("udp", 0),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Start(ctx); err != nil && ctx.Err() == nil {
				p.logf("udp listener: %v", err)
			}
		}()
	}

	runErr := p.run(ctx)
	cancel()
	wg.Wait()
	if err := p.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// attachInput starts the goroutines of the selected input. Finite inputs
// cancel the run when they finish.
func attachInput(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, p *pipeline) error {
	opts := p.opts
	switch opts.input {
	case "serial":
		hub, err := serialmux.NewRealSerialMux(opts.port, serialmux.PortOptions{BaudRate: opts.baud})
		if err != nil {
			return err
		}
		if err := hub.Initialize(); err != nil {
			hub.Close()
			return fmt.Errorf("failed to initialise hub: %w", err)
		}
		if p.web != nil {
			hub.AttachAdminRoutes(p.web.Mux())
		}
		startHub(ctx, wg, hub, p.link.NewProducer("serial", 0), p.logf)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			hub.Close()
		}()

	case "udp":
		// Everything arrives through the UDP listener; the disabled hub
		// keeps the admin routes and shutdown path the same.
		hub := serialmux.NewDisabledSerialMux()
		if p.web != nil {
			hub.AttachAdminRoutes(p.web.Mux())
		}
		startHub(ctx, wg, hub, p.link.NewProducer("serial", 0), p.logf)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			hub.Close()
		}()

	case "sim":
		pipe := serialmux.NewPipePort()
		hub := serialmux.NewSerialMux(pipe)
		if err := hub.Initialize(); err != nil {
			return err
		}
		if p.web != nil {
			hub.AttachAdminRoutes(p.web.Mux())
		}
		sh, err := newSimHub(opts, p.dctx, pipe)
		if err != nil {
			return err
		}
		startHub(ctx, wg, hub, p.link.NewProducer("sim", 1024), p.logf)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer hub.Close()
			if err := sh.run(ctx); err != nil && ctx.Err() == nil {
				p.logf("simulator: %v", err)
			}
			if sh.durationMs > 0 && ctx.Err() == nil {
				p.logf("simulation finished at %d ms", sh.gen.NowMs())
				// Let the pump catch up with the last lines.
				time.Sleep(200 * time.Millisecond)
				cancel()
			}
		}()

	case "pcap":
		l := sensorlink.NewUDPListener(sensorlink.UDPListenerConfig{
			Producer: p.link.NewProducer("pcap", 1<<16),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := sensorlink.ReadPCAPFile(ctx, opts.pcapFile, opts.pcapPort, l)
			if err != nil && ctx.Err() == nil {
				p.logf("pcap: %v", err)
			}
			p.logf("pcap replay handled %d datagrams", n)
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()
	}
	return nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nRuns the navigation filter.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
