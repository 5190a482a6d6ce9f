package monitor

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/navekf/internal/security"
)

// PlotKind names a static plot.
type PlotKind string

const (
	PlotTrack  PlotKind = "track"
	PlotRatios PlotKind = "ratios"
	PlotHeight PlotKind = "height"
)

var PlotKinds = []PlotKind{PlotTrack, PlotRatios, PlotHeight}

const (
	plotWidth  = 10 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// generateColors spreads n hues around the colour wheel.
func generateColors(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.45)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	hue := func(p, q, t float64) float64 {
		if t < 0 {
			t++
		}
		if t > 1 {
			t--
		}
		switch {
		case t < 1.0/6:
			return p + (q-p)*6*t
		case t < 0.5:
			return q
		case t < 2.0/3:
			return p + (q-p)*(2.0/3-t)*6
		}
		return p
	}
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	to8 := func(v float64) uint8 { return uint8(math.Round(v * 255)) }
	return to8(hue(p, q, h+1.0/3)), to8(hue(p, q, h)), to8(hue(p, q, h-1.0/3))
}

func addLines(p *plot.Plot, names []string, data []plotter.XYs) error {
	colors := generateColors(len(names))
	for i, name := range names {
		if len(data[i]) == 0 {
			continue
		}
		l, err := plotter.NewLine(data[i])
		if err != nil {
			return err
		}
		l.Color = colors[i]
		l.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(name, l)
	}
	return nil
}

// plottable drops points plotter would reject.
func plottable(x, y float64) bool {
	return !math.IsNaN(x) && !math.IsNaN(y) && !math.IsInf(x, 0) && !math.IsInf(y, 0)
}

// NewPlot builds one static plot from points.
func NewPlot(kind PlotKind, points []Point) (*plot.Plot, error) {
	p := plot.New()
	p.Legend.Top = true
	switch kind {
	case PlotTrack:
		p.Title.Text = "Track (NED)"
		p.X.Label.Text = "East (m)"
		p.Y.Label.Text = "North (m)"
		xy := make(plotter.XYs, 0, len(points))
		for _, pt := range points {
			if plottable(pt.Position.Y, pt.Position.X) {
				xy = append(xy, plotter.XY{X: pt.Position.Y, Y: pt.Position.X})
			}
		}
		if err := addLines(p, []string{"position"}, []plotter.XYs{xy}); err != nil {
			return nil, err
		}
	case PlotRatios:
		p.Title.Text = "Innovation test ratios"
		p.X.Label.Text = "Time (s)"
		p.Y.Label.Text = "Ratio"
		names := []string{"vel", "pos", "hgt", "mag", "tas"}
		data := make([]plotter.XYs, len(names))
		for _, pt := range points {
			t := float64(pt.TimeMs) / 1000
			r := pt.Ratios
			for i, v := range []float64{r.Vel, r.Pos, r.Hgt, r.Mag, r.TAS} {
				if plottable(t, v) {
					data[i] = append(data[i], plotter.XY{X: t, Y: v})
				}
			}
		}
		if err := addLines(p, names, data); err != nil {
			return nil, err
		}
		// Ratios above one are rejected.
		limit := plotter.NewFunction(func(float64) float64 { return 1 })
		limit.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		p.Add(limit)
	case PlotHeight:
		p.Title.Text = "Height"
		p.X.Label.Text = "Time (s)"
		p.Y.Label.Text = "Height (m)"
		xy := make(plotter.XYs, 0, len(points))
		for _, pt := range points {
			t := float64(pt.TimeMs) / 1000
			if plottable(t, pt.Position.Z) {
				xy = append(xy, plotter.XY{X: t, Y: -pt.Position.Z})
			}
		}
		if err := addLines(p, []string{"height"}, []plotter.XYs{xy}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown plot %q", kind)
	}
	return p, nil
}

// WritePNG renders one plot as PNG.
func WritePNG(w io.Writer, kind PlotKind, points []Point) error {
	p, err := NewPlot(kind, points)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePlots writes every plot kind under dir as <prefix>-<kind>.png and
// returns the file paths.
func SavePlots(dir, prefix string, points []Point) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	prefix = security.SanitizeFilename(prefix)
	var files []string
	for _, kind := range PlotKinds {
		p, err := NewPlot(kind, points)
		if err != nil {
			return files, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.png", prefix, kind))
		if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
			return files, err
		}
		if err := p.Save(plotWidth, plotHeight, path); err != nil {
			return files, fmt.Errorf("failed to save %s: %w", path, err)
		}
		files = append(files, path)
	}
	return files, nil
}
