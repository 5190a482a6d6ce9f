package monitor

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/navekf/internal/units"
)

// DefaultAssetsHost serves the echarts scripts. Offline deployments point
// it at a local copy.
const DefaultAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ChartOptions controls RenderDashboard.
type ChartOptions struct {
	AssetsHost string
	// SpeedUnits is one of the units package speed units.
	SpeedUnits string
	Title      string
}

func (o ChartOptions) init(height string) charts.GlobalOpts {
	host := o.AssetsHost
	if host == "" {
		host = DefaultAssetsHost
	}
	return charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: height, AssetsHost: host})
}

func timeAxis(points []Point) []string {
	x := make([]string, len(points))
	for i, p := range points {
		x[i] = fmt.Sprintf("%.1f", float64(p.TimeMs)/1000)
	}
	return x
}

func lineData(points []Point, f func(Point) float64) []opts.LineData {
	d := make([]opts.LineData, len(points))
	for i, p := range points {
		v := f(p)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			d[i] = opts.LineData{Value: nil}
			continue
		}
		d[i] = opts.LineData{Value: v}
	}
	return d
}

type series struct {
	name string
	f    func(Point) float64
}

func timeSeriesChart(o ChartOptions, title, yName string, points []Point, ss ...series) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		o.init("360px"),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(timeAxis(points))
	for _, s := range ss {
		line.AddSeries(s.name, lineData(points, s.f), charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line
}

// trackChart plots north against east with equal axes.
func trackChart(o ChartOptions, points []Point) *charts.Scatter {
	data := make([]opts.ScatterData, 0, len(points))
	maxAbs := 1.0
	for _, p := range points {
		n, e := p.Position.X, p.Position.Y
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(n), math.Abs(e)))
		data = append(data, opts.ScatterData{Value: []interface{}{e, n, float64(p.TimeMs) / 1000}})
	}
	pad := maxAbs * 1.05
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		o.init("600px"),
		charts.WithTitleOpts(opts.Title{Title: "Track", Subtitle: fmt.Sprintf("%d points, NED origin", len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "East (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "North (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("position", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	return scatter
}

// RenderDashboard writes an HTML page with the track, height, velocity,
// attitude and innovation test ratio charts.
func RenderDashboard(w io.Writer, points []Point, o ChartOptions) error {
	if !units.IsValid(o.SpeedUnits) {
		o.SpeedUnits = units.MPS
	}
	speed := func(v float64) float64 { return units.ConvertSpeed(v, o.SpeedUnits) }
	deg := func(r float64) float64 { return units.ConvertAngle(r, units.Deg) }

	page := components.NewPage()
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	if o.Title != "" {
		page.PageTitle = o.Title
	}
	page.AddCharts(
		trackChart(o, points),
		timeSeriesChart(o, "Height", "m", points,
			series{"height", func(p Point) float64 { return -p.Position.Z }}),
		timeSeriesChart(o, "Velocity", o.SpeedUnits, points,
			series{"north", func(p Point) float64 { return speed(p.Velocity.X) }},
			series{"east", func(p Point) float64 { return speed(p.Velocity.Y) }},
			series{"down", func(p Point) float64 { return speed(p.Velocity.Z) }}),
		timeSeriesChart(o, "Attitude", "deg", points,
			series{"roll", func(p Point) float64 { return deg(p.Euler.X) }},
			series{"pitch", func(p Point) float64 { return deg(p.Euler.Y) }},
			series{"yaw", func(p Point) float64 { return units.WrapDegrees(deg(p.Euler.Z)) }}),
		timeSeriesChart(o, "Innovation test ratios", "ratio", points,
			series{"vel", func(p Point) float64 { return p.Ratios.Vel }},
			series{"pos", func(p Point) float64 { return p.Ratios.Pos }},
			series{"hgt", func(p Point) float64 { return p.Ratios.Hgt }},
			series{"mag", func(p Point) float64 { return p.Ratios.Mag }},
			series{"tas", func(p Point) float64 { return p.Ratios.TAS }}),
		timeSeriesChart(o, "Primary lane", "lane", points,
			series{"primary", func(p Point) float64 { return float64(p.Primary) }}),
	)
	return page.Render(w)
}
