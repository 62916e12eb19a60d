package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Series is one named curve of a comparison plot.
type Series struct {
	Name string
	Y    []float64
}

var comparePalette = []color.Color{
	color.RGBA{R: 120, G: 120, B: 120, A: 255}, // simulation
	color.RGBA{R: 20, G: 80, B: 200, A: 220},   // surrogate
	color.RGBA{R: 200, G: 30, B: 30, A: 200},   // baseline
	color.RGBA{R: 40, G: 140, B: 40, A: 200},
}

// Compare plots several curves over the same x values, for example the
// simulated response of one trajectory next to its predictions. A dashed
// vertical line marks split, the end of the training window; NaN hides it.
func Compare(path, title string, x []float64, split float64, series ...Series) error {
	if len(series) == 0 || len(x) == 0 {
		return errors.New("nothing to compare")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time"
	p.Y.Label.Text = "response"
	p.Add(plotter.NewGrid())

	var all plotter.XYs
	for i, s := range series {
		if len(s.Y) != len(x) {
			return fmt.Errorf("series %s has %d points, x has %d", s.Name, len(s.Y), len(x))
		}
		pts := make(plotter.XYs, len(x))
		for j := range x {
			pts[j] = plotter.XY{X: x[j], Y: s.Y[j]}
		}
		all = append(all, pts...)
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = comparePalette[i%len(comparePalette)]
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}

	xmin, xmax, ymin, ymax := autoRange(all)
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min, p.Y.Max = ymin, ymax

	if !math.IsNaN(split) {
		marker, err := plotter.NewLine(plotter.XYs{{X: split, Y: ymin}, {X: split, Y: ymax}})
		if err != nil {
			return err
		}
		marker.Color = color.Black
		marker.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		p.Add(marker)
		p.Legend.Add("end of training window", marker)
	}
	p.Legend.Top = true

	if err := ensureDir(path); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		if math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
			continue
		}
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	if math.IsInf(xmin, 1) {
		return -1, 1, -1, 1
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}
