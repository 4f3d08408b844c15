package cli

import (
	"context"
	"fmt"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/mapstore"
	"go.viam.com/loopfusion/spatialmath"
)

// InspectAction prints an overview of a saved pose graph: its extent, how far optimization moved
// the keyframes from their odometry, and every loop link.
func InspectAction(c *cli.Context) (err error) {
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
	if len(kfs) == 0 {
		printf(c.App.Writer, "pose graph in %s is empty", dir)
		return nil
	}

	summary := table.NewWriter()
	summary.SetOutputMirror(c.App.Writer)
	summary.AppendHeader(table.Row{"Pose graph", dir})
	first, last := kfs[0], kfs[len(kfs)-1]
	loops := lo.Filter(kfs, func(kf *keyframe.KeyFrame, _ int) bool { return kf.HasLoop() })
	summary.AppendRows([]table.Row{
		{"keyframes", len(kfs)},
		{"indices", fmt.Sprintf("%d..%d", first.Index, last.Index)},
		{"duration (s)", fmt.Sprintf("%.3f", last.Timestamp-first.Timestamp)},
		{"path length (m)", fmt.Sprintf("%.3f", pathLength(kfs))},
		{"loops", len(loops)},
	})
	summary.Render()

	corrections := lo.Map(kfs, func(kf *keyframe.KeyFrame, _ int) float64 {
		return kf.World.Point.Sub(kf.VIO.Point).Norm()
	})
	rows, err := statRows("correction (m)", corrections)
	if err != nil {
		return err
	}
	if len(loops) > 0 {
		loopRows, err := statRows("loop translation (m)", lo.Map(loops, func(kf *keyframe.KeyFrame, _ int) float64 {
			return kf.Loop.RelativeTranslation().Norm()
		}))
		if err != nil {
			return err
		}
		yawRows, err := statRows("loop yaw (deg)", lo.Map(loops, func(kf *keyframe.KeyFrame, _ int) float64 {
			return kf.Loop.RelativeYaw()
		}))
		if err != nil {
			return err
		}
		rows = append(append(rows, loopRows...), yawRows...)
	}
	statsTable := table.NewWriter()
	statsTable.SetOutputMirror(c.App.Writer)
	statsTable.AppendHeader(table.Row{"", "mean", "median", "p95", "max"})
	statsTable.AppendRows(rows)
	statsTable.Render()

	if bins := c.Int(histFlag); bins > 0 {
		printf(c.App.Writer, "correction (m)")
		if err := histogram.Fprint(c.App.Writer, histogram.Hist(bins, corrections), histogram.Linear(40)); err != nil {
			return err
		}
	}

	if len(loops) == 0 {
		return nil
	}
	loopTable := table.NewWriter()
	loopTable.SetOutputMirror(c.App.Writer)
	loopTable.AppendHeader(table.Row{"Index", "Loop index", "Relative translation", "Relative yaw (deg)"})
	for _, kf := range loops {
		t := kf.Loop.RelativeTranslation()
		loopTable.AppendRow(table.Row{
			kf.Index, kf.LoopIndex,
			fmt.Sprintf("(%.3f, %.3f, %.3f)", t.X, t.Y, t.Z),
			fmt.Sprintf("%.2f", kf.Loop.RelativeYaw()),
		})
	}
	loopTable.Render()
	return nil
}

// loadMap loads a saved pose graph, tolerating damage past the first readable keyframes.
func loadMap(ctx context.Context, dir string, s *session) ([]*keyframe.KeyFrame, error) {
	kfs, err := mapstore.Load(ctx, dir, s.cfg.StoreOptions(), s.logger)
	var corrupt *mapstore.CorruptRecordError
	if errors.As(err, &corrupt) {
		warningf(s.errOut, "pose graph is damaged from line %d on, showing the %d keyframes before it",
			corrupt.Line, len(kfs))
		return kfs, nil
	}
	return kfs, err
}

func pathLength(kfs []*keyframe.KeyFrame) float64 {
	length := 0.
	for i := 1; i < len(kfs); i++ {
		length += spatialmath.PoseBetween(kfs[i-1].World, kfs[i].World).Point.Norm()
	}
	return length
}

func statRows(name string, data []float64) ([]table.Row, error) {
	mean, err1 := stats.Mean(data)
	median, err2 := stats.Median(data)
	p95, err3 := stats.Percentile(data, 95)
	maximum, err4 := stats.Max(data)
	if err := multierr.Combine(err1, err2, err3, err4); err != nil {
		return nil, errors.Wrap(err, name)
	}
	format := func(v float64) string { return fmt.Sprintf("%.4f", v) }
	return []table.Row{{name, format(mean), format(median), format(p95), format(maximum)}}, nil
}
