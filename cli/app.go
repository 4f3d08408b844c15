// Package cli contains the loopfusion command line: replaying odometry traces through the pose
// graph and inspecting, plotting and training vocabularies from saved maps.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

// CLI flags.
const (
	configFlag   = "config"
	debugFlag    = "debug"
	logFileFlag  = "log-file"
	envFlag      = "env"
	plotFlag     = "plot"
	featuresFlag = "features"
	metricsFlag  = "metrics"
	mapFlag      = "map"
	outputFlag   = "output"
	branchFlag   = "branching"
	depthFlag    = "depth"
	seedFlag     = "seed"
	histFlag     = "histogram"
)

var app = &cli.App{
	Name:            "loopfusion",
	Usage:           "pose graph loop closure over visual-inertial odometry",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    configFlag,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:  envFlag,
			Usage: "apply LOOPFUSION_* environment overrides to the configuration",
			Value: true,
		},
		&cli.BoolFlag{
			Name:    debugFlag,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:  logFileFlag,
			Usage: "also write logs to the size-rotated `FILE`",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "replay",
			Usage:     "register an odometry trace with the pose graph, optimize it and save the map",
			ArgsUsage: "<trace>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  featuresFlag,
					Usage: "read keyframe features for trace line N from `DIR`/N_briefdes.dat and N_keypoints.txt",
				},
				&cli.StringFlag{
					Name:  plotFlag,
					Usage: "render the trajectory to `FILE` after every optimization",
				},
				&cli.BoolFlag{
					Name:  metricsFlag,
					Usage: "print pose graph metrics when done",
				},
			},
			Action: ReplayAction,
		},
		{
			Name:  "inspect",
			Usage: "summarize a saved pose graph",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  mapFlag,
					Usage: "pose graph `DIR`, defaults to the configured pose_graph_path",
				},
				&cli.IntFlag{
					Name:  histFlag,
					Usage: "also print a histogram of the odometry corrections with `N` bins",
				},
			},
			Action: InspectAction,
		},
		{
			Name:  "plot",
			Usage: "render a saved pose graph",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  mapFlag,
					Usage: "pose graph `DIR`, defaults to the configured pose_graph_path",
				},
				&cli.StringFlag{
					Name:     outputFlag,
					Aliases:  []string{"o"},
					Usage:    "image `FILE`",
					Required: true,
				},
			},
			Action: PlotAction,
		},
		{
			Name:  "vocab",
			Usage: "train a place recognition vocabulary from the descriptors of a saved pose graph",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  mapFlag,
					Usage: "pose graph `DIR`, defaults to the configured pose_graph_path",
				},
				&cli.StringFlag{
					Name:     outputFlag,
					Aliases:  []string{"o"},
					Usage:    "vocabulary `FILE`",
					Required: true,
				},
				&cli.IntFlag{
					Name:  branchFlag,
					Usage: "children per vocabulary node",
					Value: 10,
				},
				&cli.IntFlag{
					Name:  depthFlag,
					Usage: "vocabulary tree levels",
					Value: 6,
				},
				&cli.Int64Flag{
					Name:  seedFlag,
					Usage: "clustering seed",
					Value: 1,
				},
			},
			Action: VocabAction,
		},
		{
			Name:   "version",
			Usage:  "print version info for this program",
			Action: VersionAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
