package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/posegraph"
	"go.viam.com/loopfusion/solver"
)

func TestFromReaderValidate(t *testing.T) {
	_, err := FromReader("somepath", strings.NewReader(""))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "EOF")

	_, err = FromReader("somepath", strings.NewReader(`{"use_imu": 1}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unmarshal")

	_, err = FromReader("somepath", strings.NewReader(`{"cloud": {}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown field")

	conf, err := FromReader("somepath", strings.NewReader(`{}`))
	test.That(t, err, test.ShouldBeNil)
	expected := Default()
	expected.ConfigFilePath = "somepath"
	test.That(t, conf, test.ShouldResemble, expected)

	_, err = FromReader("somepath", strings.NewReader(`{"loop": {"max_results": 0, "top_score": -1}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "max_results")
	test.That(t, err.Error(), test.ShouldContainSubstring, "top_score")

	_, err = FromReader("somepath", strings.NewReader(`{"optimization": {"loop_loss": "tukey", "idle_interval": "0s"}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "tukey")
	test.That(t, err.Error(), test.ShouldContainSubstring, "idle_interval")

	_, err = FromReader("somepath", strings.NewReader(`{"save_loop_path": true, "result_path": ""}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "result_path")

	_, err = FromReader("somepath", strings.NewReader(`{"optimization": {"idle_interval": "soon"}}`))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRead(t *testing.T) {
	t.Setenv("LOOPFUSION_TEST_MAP_DIR", "/tmp/maps")
	path := filepath.Join(t.TempDir(), "loopfusion.json")
	data := `{
		"use_imu": false,
		"pose_graph_path": "${LOOPFUSION_TEST_MAP_DIR}/run1",
		"load_previous_pose_graph": true,
		"visualization_shift_x": 2.5,
		"log_level": "debug",
		"loop": {"min_index": 20, "max_results": 6},
		"optimization": {"idle_interval": "500ms", "loop_loss": "cauchy", "loss_scale": 0.5, "linear_solver": "cg"}
	}`
	test.That(t, os.WriteFile(path, []byte(data), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ConfigFilePath, test.ShouldEqual, path)
	test.That(t, cfg.PoseGraphPath, test.ShouldEqual, "/tmp/maps/run1")
	test.That(t, cfg.Mode(), test.ShouldEqual, posegraph.Mode6DoF)
	test.That(t, cfg.Level(), test.ShouldEqual, logging.DEBUG)
	test.That(t, cfg.Loop.MinIndex, test.ShouldEqual, 20)
	test.That(t, cfg.Loop.SearchMargin, test.ShouldEqual, 50)

	opts, err := cfg.GraphOptions()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.Mode, test.ShouldEqual, posegraph.Mode6DoF)
	test.That(t, opts.LoopLoss, test.ShouldResemble, solver.CauchyLoss{A: 0.5})
	test.That(t, opts.Solver.LinearSolver, test.ShouldEqual, solver.ConjugateGradient)
	test.That(t, opts.Shift, test.ShouldResemble, r3.Vector{X: 2.5})
	test.That(t, cfg.EngineOptions().IdleInterval, test.ShouldEqual, 500*time.Millisecond)

	_, isGate := cfg.Verifier(keyframe.RejectAll, logging.NewTestLogger(t)).(*keyframe.MatchGate)
	test.That(t, isGate, test.ShouldBeTrue)
	cfg.Loop.MinMatches = 0
	epipolar, isEpipolar := cfg.Verifier(keyframe.RejectAll, logging.NewTestLogger(t)).(*keyframe.EpipolarGate)
	test.That(t, isEpipolar, test.ShouldBeTrue)
	test.That(t, epipolar.MinInliers, test.ShouldEqual, keyframe.DefaultMinMatches)
	cfg.Loop.MinInliers = 0
	_, isGate = cfg.Verifier(keyframe.RejectAll, logging.NewTestLogger(t)).(*keyframe.MatchGate)
	test.That(t, isGate, test.ShouldBeFalse)

	policy := cfg.Policy()
	test.That(t, policy.MinIndex, test.ShouldEqual, 20)
	test.That(t, policy.MaxResults, test.ShouldEqual, 6)

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOOPFUSION_USE_IMU", "false")
	t.Setenv("LOOPFUSION_DEBUG_IMAGE", "true")
	t.Setenv("LOOPFUSION_LOOP_MIN_INDEX", "7")
	t.Setenv("LOOPFUSION_OPTIMIZATION_IDLE_INTERVAL", "3s")
	t.Setenv("LOOPFUSION_OPTIMIZATION_LOOP_LOSS", "none")

	cfg := Default()
	cfg.ResultPath = "from-file.csv"
	test.That(t, FromEnv(cfg), test.ShouldBeNil)
	test.That(t, cfg.UseIMU, test.ShouldBeFalse)
	test.That(t, cfg.DebugImage, test.ShouldBeTrue)
	test.That(t, cfg.StoreOptions().Images, test.ShouldBeTrue)
	test.That(t, cfg.Loop.MinIndex, test.ShouldEqual, 7)
	test.That(t, cfg.Optimization.IdleInterval.Duration, test.ShouldEqual, 3*time.Second)
	// Unset variables keep the configured values.
	test.That(t, cfg.ResultPath, test.ShouldEqual, "from-file.csv")
	test.That(t, cfg.Loop.SearchMargin, test.ShouldEqual, 50)

	opts, err := cfg.GraphOptions()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.LoopLoss, test.ShouldBeNil)

	t.Setenv("LOOPFUSION_LOOP_MAX_RESULTS", "zero")
	test.That(t, FromEnv(cfg), test.ShouldNotBeNil)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Mode(), test.ShouldEqual, posegraph.Mode4DoF)
	opts, err := cfg.GraphOptions()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.LoopLoss, test.ShouldResemble, solver.HuberLoss{A: 0.1})
	test.That(t, opts.SequentialEdges, test.ShouldEqual, 4)
	test.That(t, opts.Solver.MaxIterations, test.ShouldEqual, 5)
	test.That(t, cfg.String(), test.ShouldContainSubstring, "mode=4dof")
}
