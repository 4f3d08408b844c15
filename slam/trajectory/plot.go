package trajectory

import (
	"context"
	"fmt"
	"image/color"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotRenderer draws the top-down view of a snapshot: the base session in gray, every live
// session in its own color, and loop edges in red.
type PlotRenderer struct {
	Path string
	// Size is the width and height of the image.
	Size vg.Length
	// OnlyOptimized skips rendering after plain registrations.
	OnlyOptimized bool
}

// NewPlotRenderer renders to a PNG (or any format gonum/plot infers from the extension) at path.
func NewPlotRenderer(path string) *PlotRenderer {
	return &PlotRenderer{Path: path, Size: 8 * vg.Inch, OnlyOptimized: true}
}

// Publish implements Publisher.
func (r *PlotRenderer) Publish(ctx context.Context, snap Snapshot) error {
	if r.OnlyOptimized && snap.Event == EventRegistered {
		return nil
	}
	p, err := Plot(snap)
	if err != nil {
		return err
	}
	return errors.Wrap(p.Save(r.Size, r.Size, r.Path), "saving trajectory plot")
}

// Plot builds the plot of a snapshot.
func Plot(snap Snapshot) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "trajectory"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	xys := func(entries []Entry) plotter.XYs {
		out := make(plotter.XYs, len(entries))
		for i, e := range entries {
			pos := snap.Displayed(e)
			out[i].X, out[i].Y = pos.X, pos.Y
		}
		return out
	}

	if base := snap.Base(); len(base) > 0 {
		line, err := plotter.NewLine(xys(base))
		if err != nil {
			return nil, err
		}
		line.Color = color.Gray{Y: 128}
		p.Add(line)
		p.Legend.Add("base", line)
	}

	sessions := snap.Sessions()
	ids := make([]int, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		line, err := plotter.NewLine(xys(sessions[id]))
		if err != nil {
			return nil, err
		}
		line.Color = plotutil.Color(id)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("session %d", id), line)
	}

	for _, edge := range snap.Edges {
		if edge.Kind != LoopEdge {
			continue
		}
		from, okFrom := snap.Lookup(edge.From)
		to, okTo := snap.Lookup(edge.To)
		if !okFrom || !okTo {
			continue
		}
		line, err := plotter.NewLine(xys([]Entry{from, to}))
		if err != nil {
			return nil, err
		}
		line.Color = color.RGBA{R: 255, A: 255}
		line.Dashes = []vg.Length{vg.Points(3), vg.Points(2)}
		p.Add(line)
	}
	return p, nil
}
