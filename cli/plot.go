package cli

import (
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/loopfusion/slam/posegraph"
	"go.viam.com/loopfusion/slam/trajectory"
)

// PlotAction renders the trajectory of a saved pose graph.
func PlotAction(c *cli.Context) (err error) {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Close())
	}()
	dir, err := s.mapDir(c)
	if err != nil {
		return err
	}
	kfs, err := loadMap(c.Context, dir, s)
	if err != nil {
		return err
	}

	opts, err := s.cfg.GraphOptions()
	if err != nil {
		return err
	}
	graph := posegraph.NewGraph(opts, posegraph.Dependencies{}, s.logger.Sublogger("posegraph"))
	if err := graph.Load(c.Context, kfs); err != nil {
		return err
	}
	renderer := trajectory.NewPlotRenderer(c.String(outputFlag))
	renderer.OnlyOptimized = false
	if err := renderer.Publish(c.Context, graph.Snapshot(trajectory.EventLoaded, nil)); err != nil {
		return err
	}
	printf(c.App.Writer, "plotted %d keyframes to %s", len(kfs), renderer.Path)
	return nil
}
