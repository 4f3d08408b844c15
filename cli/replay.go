package cli

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/mapstore"
	"go.viam.com/loopfusion/slam/placerecognition"
	"go.viam.com/loopfusion/slam/posegraph"
	"go.viam.com/loopfusion/slam/trajectory"
	"go.viam.com/loopfusion/spatialmath"
)

// ReplayAction registers every keyframe of a trace with a pose graph, on top of the saved map when
// configured, drains the optimizer and saves the result.
func ReplayAction(c *cli.Context) (err error) {
	if c.Args().Len() != 1 {
		return errors.New("expected exactly one trace file")
	}
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Close())
	}()

	entries, err := readTraceFile(c.Args().First())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	engine, detect, err := newEngine(c, s, reg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, engine.Close())
	}()

	ctx := c.Context
	if s.cfg.LoadPreviousPoseGraph {
		if err := loadPrevious(ctx, s, engine); err != nil {
			return err
		}
	}

	for i, entry := range entries {
		kf := keyframe.New(entry.timestamp, entry.sequence, entry.vio, nil, nil)
		if dir := c.String(featuresFlag); dir != "" {
			if kf.KeyPoints, kf.Descriptors, err = mapstore.ReadFeatures(dir, i); err != nil {
				return errors.Wrapf(err, "features of trace keyframe %d", i)
			}
		}
		if _, err := engine.Register(ctx, kf, entry.source(detect)); err != nil {
			return errors.Wrapf(err, "registering trace keyframe %d", i)
		}
	}

	for {
		optimized, err := engine.OptimizeNow(ctx)
		if err != nil {
			return err
		}
		if !optimized {
			break
		}
	}

	kfs, err := engine.KeyFrames(ctx)
	if err != nil {
		return err
	}
	if s.cfg.PoseGraphPath != "" {
		if err := mapstore.Save(ctx, s.cfg.PoseGraphPath, kfs, s.cfg.StoreOptions(), s.logger); err != nil {
			return err
		}
	}

	drift, err := engine.Drift(ctx)
	if err != nil {
		return err
	}
	loops := 0
	for _, kf := range kfs {
		if kf.HasLoop() {
			loops++
		}
	}
	printf(c.App.Writer, "registered %d keyframes (%d total, %d loops)", len(entries), len(kfs), loops)
	printf(c.App.Writer, "drift: translation %v yaw %.3f deg", drift.Translation(),
		spatialmath.RadToDeg(drift.Yaw()))
	if c.Bool(metricsFlag) {
		return printMetrics(c, reg)
	}
	return nil
}

// newEngine wires the pose graph with its publishers, verifier and, when a vocabulary is
// configured, place recognition. detect reports whether place recognition is available.
func newEngine(c *cli.Context, s *session, reg prometheus.Registerer) (*posegraph.Engine, bool, error) {
	cfg := s.cfg
	opts, err := cfg.GraphOptions()
	if err != nil {
		return nil, false, err
	}

	broadcaster := trajectory.NewBroadcaster()
	if cfg.SaveLoopPath {
		writer, err := trajectory.NewLoopPathWriter(cfg.ResultPath)
		if err != nil {
			return nil, false, err
		}
		broadcaster.Add(writer)
	}
	if path := c.String(plotFlag); path != "" {
		broadcaster.Add(trajectory.NewPlotRenderer(path))
	}

	deps := posegraph.Dependencies{
		Verifier:  cfg.Verifier(keyframe.RejectAll, s.logger.Sublogger("verifier")),
		Publisher: broadcaster,
		Metrics:   posegraph.NewMetrics(reg),
	}

	detect := false
	if cfg.VocabularyPath != "" {
		voc, err := placerecognition.LoadVocabularyFile(cfg.VocabularyPath)
		if err != nil {
			return nil, false, err
		}
		var images *placerecognition.ImagePool
		if cfg.DebugImage {
			images = placerecognition.NewImagePool()
		}
		deps.Recognizer = placerecognition.NewRecognizer(voc, cfg.Policy(), images, s.logger.Sublogger("recognizer"))
		detect = true
	}

	logger := s.logger.Sublogger("posegraph")
	graph := posegraph.NewGraph(opts, deps, logger)
	return posegraph.NewEngine(graph, cfg.EngineOptions(), logger), detect, nil
}

// loadPrevious loads the saved map. A missing map starts an empty graph; a damaged one is used up
// to its first unreadable keyframe.
func loadPrevious(ctx context.Context, s *session, engine *posegraph.Engine) error {
	kfs, err := mapstore.Load(ctx, s.cfg.PoseGraphPath, s.cfg.StoreOptions(), s.logger)
	var corrupt *mapstore.CorruptRecordError
	switch {
	case errors.Is(err, mapstore.ErrNoPoseGraph):
		s.logger.Infow("no previous pose graph, starting empty", "dir", s.cfg.PoseGraphPath)
		return nil
	case errors.As(err, &corrupt):
		s.logger.Warnw("using the readable part of the previous pose graph", "keyframes", len(kfs), "error", err)
	case err != nil:
		return err
	}
	return engine.Load(ctx, kfs)
}

func printMetrics(c *cli.Context, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Metric", "Labels", "Value"})
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := ""
			for _, pair := range m.GetLabel() {
				labels += pair.GetName() + "=" + pair.GetValue() + " "
			}
			value := m.GetCounter().GetValue()
			if h := m.GetHistogram(); h != nil {
				value = float64(h.GetSampleCount())
			}
			t.AppendRow(table.Row{family.GetName(), labels, value})
		}
	}
	t.Render()
	return nil
}
