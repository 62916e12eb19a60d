// Package report renders training diagnostics as PNG charts.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/odenet/surrogate"
)

var (
	trainColor = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	testColor  = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	maxColor   = color.RGBA{R: 0, G: 190, B: 190, A: 140}
	meanColor  = color.RGBA{R: 20, G: 20, B: 200, A: 200}
)

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// epochPoints turns per-epoch losses into plot points, dropping non-finite
// values.
func epochPoints(losses []float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(losses))
	for i, v := range losses {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i + 1), Y: v})
	}
	return pts
}

// LossCurve plots the train and test loss per epoch to a PNG at path.
func LossCurve(path string, train, test []float64) error {
	trainPts, testPts := epochPoints(train), epochPoints(test)
	if len(trainPts) == 0 && len(testPts) == 0 {
		return errors.New("no finite losses to plot")
	}

	p := plot.New()
	p.Title.Text = "Loss per epoch (per sample)"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	for _, s := range []struct {
		name string
		pts  plotter.XYs
		col  color.Color
	}{
		{"train", trainPts, trainColor},
		{"test", testPts, testColor},
	} {
		if len(s.pts) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(s.pts)
		if err != nil {
			return err
		}
		line.Color = s.col
		line.Width = vg.Points(1.2)
		points.GlyphStyle.Color = s.col
		points.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(line, points)
		p.Legend.Add(s.name, line, points)
	}
	p.Legend.Top = true

	if err := ensureDir(path); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// GradientFlow draws the max and mean absolute gradient of every weight as
// overlaid bars, for spotting vanishing or exploding gradients.
func GradientFlow(path string, stats []surrogate.GradStat) error {
	if len(stats) == 0 {
		return errors.New("no gradient statistics to plot")
	}
	names := make([]string, len(stats))
	maxes := make(plotter.Values, len(stats))
	means := make(plotter.Values, len(stats))
	top := 0.0
	for i, s := range stats {
		names[i] = s.Name
		maxes[i] = s.MaxAbs
		means[i] = s.MeanAbs
		top = math.Max(top, s.MaxAbs)
	}

	p := plot.New()
	p.Title.Text = "Gradient flow"
	p.X.Label.Text = "layers"
	p.Y.Label.Text = "absolute gradient"
	p.Add(plotter.NewGrid())

	w := vg.Points(8)
	maxBars, err := plotter.NewBarChart(maxes, w)
	if err != nil {
		return err
	}
	maxBars.Color = maxColor
	maxBars.LineStyle.Width = 0
	meanBars, err := plotter.NewBarChart(means, w)
	if err != nil {
		return err
	}
	meanBars.Color = meanColor
	meanBars.LineStyle.Width = 0

	p.Add(maxBars, meanBars)
	p.Legend.Add("max-gradient", maxBars)
	p.Legend.Add("mean-gradient", meanBars)
	p.Legend.Top = true

	p.NominalX(names...)
	p.X.Tick.Label.Rotation = math.Pi / 2
	p.X.Tick.Label.XAlign = text.XRight
	p.X.Tick.Label.YAlign = text.YCenter
	p.X.Tick.Label.Font.Size = vg.Points(6)
	p.Y.Min = -0.001
	p.Y.Max = math.Max(top*1.05, 0.001)

	if err := ensureDir(path); err != nil {
		return err
	}
	width := vg.Length(len(stats))*vg.Points(14) + 2*vg.Inch
	return p.Save(max(width, 6*vg.Inch), 5*vg.Inch, path)
}
