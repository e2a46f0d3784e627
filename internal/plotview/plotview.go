// Package plotview renders grid-scan and chain output to image and HTML
// files: statistic curves and contour heatmaps as PNG via gonum/plot, and
// interactive versions via go-echarts.
package plotview

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/specfit/internal/chain"
	"github.com/banshee-data/specfit/internal/grid"
)

// viridis is the color ramp used for statistic surfaces in the HTML views.
var viridis = []string{
	"#440154", "#482777", "#3e4989", "#31688e", "#26828e",
	"#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725",
}

// Plotter writes plot files under one output directory.
type Plotter struct {
	outputDir string
}

// New creates the output directory if needed.
func New(outputDir string) (*Plotter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("plotview: create output dir: %w", err)
	}
	return &Plotter{outputDir: outputDir}, nil
}

// CurvePNG plots a one-dimensional scan as statistic versus parameter value
// and returns the written path. Invalid points are skipped.
func (p *Plotter) CurvePNG(res *grid.ScanResult, filename string) (string, error) {
	if len(res.Specs) != 1 {
		return "", fmt.Errorf("plotview: curve plot needs a 1-D scan, got %d dimensions", len(res.Specs))
	}

	pts := make(plotter.XYs, 0, len(res.Points))
	for i, pt := range res.Points {
		if !pt.Valid {
			continue
		}
		pts = append(pts, plotter.XY{X: res.Specs[0].Values[i], Y: pt.Statistic})
	}
	if len(pts) == 0 {
		return "", fmt.Errorf("plotview: no valid points to plot")
	}

	pl := plot.New()
	pl.Title.Text = "statistic scan"
	pl.X.Label.Text = fmt.Sprintf("parameter %d", res.Specs[0].Param)
	pl.Y.Label.Text = "statistic"
	if res.Specs[0].Log {
		pl.X.Scale = plot.LogScale{}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return "", fmt.Errorf("plotview: build line: %w", err)
	}
	line.Width = vg.Points(1)
	pl.Add(line, plotter.NewGrid())

	out := filepath.Join(p.outputDir, filename)
	if err := pl.Save(8*vg.Inch, 6*vg.Inch, out); err != nil {
		return "", fmt.Errorf("plotview: save %s: %w", out, err)
	}
	return out, nil
}

// scanGrid adapts a two-dimensional scan to gonum/plot's heatmap input. The
// first scan dimension is the fastest-varying (column) index.
type scanGrid struct {
	res *grid.ScanResult
}

func (g scanGrid) Dims() (c, r int) {
	return len(g.res.Specs[0].Values), len(g.res.Specs[1].Values)
}

func (g scanGrid) Z(c, r int) float64 {
	cols, _ := g.Dims()
	pt := g.res.Points[r*cols+c]
	if !pt.Valid {
		return math.NaN()
	}
	return pt.Statistic
}

func (g scanGrid) X(c int) float64 { return g.res.Specs[0].Values[c] }
func (g scanGrid) Y(r int) float64 { return g.res.Specs[1].Values[r] }

// ContourPNG plots a two-dimensional scan as a statistic heatmap and
// returns the written path.
func (p *Plotter) ContourPNG(res *grid.ScanResult, filename string) (string, error) {
	if len(res.Specs) != 2 {
		return "", fmt.Errorf("plotview: contour plot needs a 2-D scan, got %d dimensions", len(res.Specs))
	}

	pl := plot.New()
	pl.Title.Text = "statistic surface"
	pl.X.Label.Text = fmt.Sprintf("parameter %d", res.Specs[0].Param)
	pl.Y.Label.Text = fmt.Sprintf("parameter %d", res.Specs[1].Param)

	hm := plotter.NewHeatMap(scanGrid{res: res}, palette.Heat(12, 1))
	pl.Add(hm)

	out := filepath.Join(p.outputDir, filename)
	if err := pl.Save(8*vg.Inch, 8*vg.Inch, out); err != nil {
		return "", fmt.Errorf("plotview: save %s: %w", out, err)
	}
	return out, nil
}

// ScanHTML renders a two-dimensional scan as an interactive scatter with the
// statistic on the color axis, and returns the written path.
func (p *Plotter) ScanHTML(res *grid.ScanResult, filename string) (string, error) {
	if len(res.Specs) != 2 {
		return "", fmt.Errorf("plotview: HTML scan view needs a 2-D scan, got %d dimensions", len(res.Specs))
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	data := make([]opts.ScatterData, 0, len(res.Points))
	nx := len(res.Specs[0].Values)
	for i, pt := range res.Points {
		if !pt.Valid {
			continue
		}
		x := res.Specs[0].Values[i%nx]
		y := res.Specs[1].Values[i/nx]
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, pt.Statistic}})
		if pt.Statistic < lo {
			lo = pt.Statistic
		}
		if pt.Statistic > hi {
			hi = pt.Statistic
		}
	}
	if len(data) == 0 {
		return "", fmt.Errorf("plotview: no valid points to plot")
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "statistic surface", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "statistic surface", Subtitle: fmt.Sprintf("points=%d min=%.6g", len(data), res.MinStat)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: fmt.Sprintf("parameter %d", res.Specs[0].Param), NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: fmt.Sprintf("parameter %d", res.Specs[1].Param), NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("statistic", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	return p.renderHTML(scatter, filename)
}

// ChainTraceHTML renders the sample trace of one thawed parameter and
// returns the written path.
func (p *Plotter) ChainTraceHTML(run *chain.Run, k int, filename string) (string, error) {
	if k < 0 || k >= len(run.Thawed) {
		return "", fmt.Errorf("plotview: no thawed parameter slot %d", k)
	}

	xs := make([]int, len(run.Samples))
	ys := make([]opts.LineData, len(run.Samples))
	for i, row := range run.Samples {
		xs[i] = i
		ys[i] = opts.LineData{Value: row[k]}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "chain trace", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("chain trace, parameter %d", run.Thawed[k])}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	line.SetXAxis(xs).AddSeries("value", ys)

	return p.renderHTML(line, filename)
}

type renderable interface {
	Render(w io.Writer) error
}

func (p *Plotter) renderHTML(chart renderable, filename string) (string, error) {
	out := filepath.Join(p.outputDir, filename)
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("plotview: create %s: %w", out, err)
	}
	defer f.Close()
	if err := chart.Render(f); err != nil {
		return "", fmt.Errorf("plotview: render %s: %w", out, err)
	}
	return out, nil
}
