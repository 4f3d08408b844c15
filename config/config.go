// Package config defines the parameters of a loopfusion process.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/mapstore"
	"go.viam.com/loopfusion/slam/placerecognition"
	"go.viam.com/loopfusion/slam/posegraph"
	"go.viam.com/loopfusion/solver"
)

// Config is the full set of loopfusion parameters. Paths may reference environment variables as
// ${NAME}.
type Config struct {
	ConfigFilePath string `json:"-" ignored:"true"`

	// UseIMU selects 4-DoF optimization. Without inertial fusion upstream the graph is 6-DoF.
	UseIMU     bool `json:"use_imu" envconfig:"USE_IMU"`
	DebugImage bool `json:"debug_image" envconfig:"DEBUG_IMAGE"`
	// SaveLoopPath writes the corrected trajectory to ResultPath.
	SaveLoopPath          bool   `json:"save_loop_path" envconfig:"SAVE_LOOP_PATH"`
	ResultPath            string `json:"result_path" envconfig:"RESULT_PATH"`
	PoseGraphPath         string `json:"pose_graph_path" envconfig:"POSE_GRAPH_PATH"`
	VocabularyPath        string `json:"vocabulary_path" envconfig:"VOCABULARY_PATH"`
	LoadPreviousPoseGraph bool   `json:"load_previous_pose_graph" envconfig:"LOAD_PREVIOUS_POSE_GRAPH"`

	ShowSequentialEdges bool    `json:"show_sequential_edges" envconfig:"SHOW_SEQUENTIAL_EDGES"`
	ShowLoopEdges       bool    `json:"show_loop_edges" envconfig:"SHOW_LOOP_EDGES"`
	VisualizationShiftX float64 `json:"visualization_shift_x" envconfig:"VISUALIZATION_SHIFT_X"`
	VisualizationShiftY float64 `json:"visualization_shift_y" envconfig:"VISUALIZATION_SHIFT_Y"`

	LogLevel string `json:"log_level" envconfig:"LOG_LEVEL"`

	Loop         LoopConfig         `json:"loop" envconfig:"LOOP"`
	Optimization OptimizationConfig `json:"optimization" envconfig:"OPTIMIZATION"`
}

// LoopConfig tunes loop candidate selection.
type LoopConfig struct {
	SearchMargin   int     `json:"search_margin" envconfig:"SEARCH_MARGIN"`
	MinIndex       int     `json:"min_index" envconfig:"MIN_INDEX"`
	TopScore       float64 `json:"top_score" envconfig:"TOP_SCORE"`
	CandidateScore float64 `json:"candidate_score" envconfig:"CANDIDATE_SCORE"`
	MaxResults     int     `json:"max_results" envconfig:"MAX_RESULTS"`
	// MinMatches is the number of descriptor matches a candidate needs before geometric
	// verification. Zero disables the gate.
	MinMatches int `json:"min_matches" envconfig:"MIN_MATCHES"`
	// MinInliers is the number of matches that must agree on the epipolar geometry of the two
	// keyframes. Zero disables the check.
	MinInliers int `json:"min_inliers" envconfig:"MIN_INLIERS"`
}

// OptimizationConfig tunes the pose graph optimizer.
type OptimizationConfig struct {
	SequentialEdges int      `json:"sequential_edges" envconfig:"SEQUENTIAL_EDGES"`
	MaxIterations   int      `json:"max_iterations" envconfig:"MAX_ITERATIONS"`
	IdleInterval    Duration `json:"idle_interval" envconfig:"IDLE_INTERVAL"`
	LoopLoss        string   `json:"loop_loss" envconfig:"LOOP_LOSS"`
	LossScale       float64  `json:"loss_scale" envconfig:"LOSS_SCALE"`
	LinearSolver    string   `json:"linear_solver" envconfig:"LINEAR_SOLVER"`
}

// Duration is a time.Duration written as a string such as "2s".
type Duration struct {
	time.Duration
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON reads a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText parses a duration string. It also serves environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the parameters loopfusion runs with when nothing is configured.
func Default() *Config {
	policy := placerecognition.DefaultPolicy()
	graph := posegraph.DefaultOptions()
	return &Config{
		UseIMU:              true,
		ResultPath:          "loop_path.csv",
		PoseGraphPath:       "pose_graph",
		ShowSequentialEdges: true,
		ShowLoopEdges:       true,
		LogLevel:            "info",
		Loop: LoopConfig{
			SearchMargin:   policy.SearchMargin,
			MinIndex:       policy.MinIndex,
			TopScore:       policy.TopScore,
			CandidateScore: policy.CandidateScore,
			MaxResults:     policy.MaxResults,
			MinMatches:     keyframe.DefaultMinMatches,
			MinInliers:     keyframe.DefaultMinMatches,
		},
		Optimization: OptimizationConfig{
			SequentialEdges: graph.SequentialEdges,
			MaxIterations:   graph.Solver.MaxIterations,
			IdleInterval:    Duration{posegraph.DefaultIdleInterval},
			LoopLoss:        "huber",
			LossScale:       0.1,
			LinearSolver:    "auto",
		},
	}
}

// Validate reports every invalid parameter.
func (c *Config) Validate() error {
	var err error
	if _, levelErr := logging.LevelFromString(c.LogLevel); levelErr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError("log_level", levelErr))
	}
	if c.SaveLoopPath && c.ResultPath == "" {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError("", "result_path"))
	}
	if c.LoadPreviousPoseGraph && c.PoseGraphPath == "" {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError("", "pose_graph_path"))
	}
	return multierr.Combine(err, c.Loop.Validate("loop"), c.Optimization.Validate("optimization"))
}

// Validate reports every invalid loop parameter.
func (c *LoopConfig) Validate(path string) error {
	var err error
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"search_margin", float64(c.SearchMargin)},
		{"min_index", float64(c.MinIndex)},
		{"top_score", c.TopScore},
		{"candidate_score", c.CandidateScore},
		{"min_matches", float64(c.MinMatches)},
		{"min_inliers", float64(c.MinInliers)},
	} {
		if field.value < 0 {
			err = multierr.Append(err, utils.NewConfigValidationError(path,
				errors.Errorf("%q must not be negative, got %v", field.name, field.value)))
		}
	}
	if c.MaxResults < 1 {
		err = multierr.Append(err, utils.NewConfigValidationError(path,
			errors.Errorf(`"max_results" must be at least 1, got %d`, c.MaxResults)))
	}
	return err
}

// Validate reports every invalid optimization parameter.
func (c *OptimizationConfig) Validate(path string) error {
	var err error
	if c.SequentialEdges < 1 {
		err = multierr.Append(err, utils.NewConfigValidationError(path,
			errors.Errorf(`"sequential_edges" must be at least 1, got %d`, c.SequentialEdges)))
	}
	if c.MaxIterations < 1 {
		err = multierr.Append(err, utils.NewConfigValidationError(path,
			errors.Errorf(`"max_iterations" must be at least 1, got %d`, c.MaxIterations)))
	}
	if c.IdleInterval.Duration <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationError(path,
			errors.Errorf(`"idle_interval" must be positive, got %s`, c.IdleInterval)))
	}
	if _, lossErr := solver.NewLoss(c.LoopLoss, c.LossScale); lossErr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError(path, lossErr))
	}
	if _, solverErr := solver.LinearSolverFromString(c.LinearSolver); solverErr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError(path, solverErr))
	}
	return err
}

// Mode is the optimization mode implied by UseIMU.
func (c *Config) Mode() posegraph.Mode {
	return posegraph.ModeFor(c.UseIMU)
}

// Level is the parsed log level. Validate must have succeeded.
func (c *Config) Level() logging.Level {
	level, err := logging.LevelFromString(c.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// GraphOptions converts the parameters into pose graph options.
func (c *Config) GraphOptions() (posegraph.Options, error) {
	opts := posegraph.DefaultOptions()
	opts.Mode = c.Mode()
	opts.SequentialEdges = c.Optimization.SequentialEdges
	opts.Solver.MaxIterations = c.Optimization.MaxIterations
	linear, err := solver.LinearSolverFromString(c.Optimization.LinearSolver)
	if err != nil {
		return posegraph.Options{}, err
	}
	opts.Solver.LinearSolver = linear
	if opts.LoopLoss, err = solver.NewLoss(c.Optimization.LoopLoss, c.Optimization.LossScale); err != nil {
		return posegraph.Options{}, err
	}
	opts.Shift = r3.Vector{X: c.VisualizationShiftX, Y: c.VisualizationShiftY}
	opts.ShowSequentialEdges = c.ShowSequentialEdges
	opts.ShowLoopEdges = c.ShowLoopEdges
	return opts, nil
}

// EngineOptions converts the parameters into engine options.
func (c *Config) EngineOptions() posegraph.EngineOptions {
	return posegraph.EngineOptions{IdleInterval: c.Optimization.IdleInterval.Duration}
}

// Policy converts the loop parameters into a place recognition policy.
func (c *Config) Policy() placerecognition.Policy {
	return placerecognition.Policy{
		SearchMargin:   c.Loop.SearchMargin,
		MinIndex:       c.Loop.MinIndex,
		TopScore:       c.Loop.TopScore,
		CandidateScore: c.Loop.CandidateScore,
		MaxResults:     c.Loop.MaxResults,
	}
}

// Verifier builds the loop verification chain: the descriptor match count gate, then the epipolar
// gate, then next.
func (c *Config) Verifier(next keyframe.LoopVerifier, logger logging.Logger) keyframe.LoopVerifier {
	verifier := next
	if c.Loop.MinInliers > 0 {
		verifier = keyframe.NewEpipolarGate(c.Loop.MinInliers, verifier, logger)
	}
	if c.Loop.MinMatches > 0 {
		verifier = keyframe.NewMatchGate(c.Loop.MinMatches, verifier, logger)
	}
	return verifier
}

// StoreOptions converts the parameters into pose graph persistence options.
func (c *Config) StoreOptions() mapstore.Options {
	return mapstore.Options{Images: c.DebugImage}
}

func (c *Config) String() string {
	return fmt.Sprintf("mode=%s pose_graph=%q load=%t vocabulary=%q", c.Mode(), c.PoseGraphPath,
		c.LoadPreviousPoseGraph, c.VocabularyPath)
}
