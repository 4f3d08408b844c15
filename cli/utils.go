package cli

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/loopfusion/config"
	"go.viam.com/loopfusion/logging"
)

// printf prints a message with no decoration.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// warningf prints a message prefixed with a bold yellow "Warning: ".
func warningf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, "\033[1;33mWarning:\033[0m "+format+"\n", a...)
}

// session is what every command starts from: the effective configuration and a logger writing to
// the app's error writer and, when requested, a rotating log file.
type session struct {
	cfg    *config.Config
	logger logging.Logger
	errOut io.Writer
	closer io.Closer
}

func newSession(c *cli.Context) (*session, error) {
	cfg := config.Default()
	if path := c.String(configFlag); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return nil, err
		}
	}
	if c.Bool(envFlag) {
		if err := config.FromEnv(cfg); err != nil {
			return nil, err
		}
	}

	logger := logging.NewBlankLogger("loopfusion")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	level := cfg.Level()
	if c.Bool(debugFlag) {
		level = logging.DEBUG
	}
	logger.SetLevel(level)

	s := &session{cfg: cfg, logger: logger, errOut: c.App.ErrWriter}
	if path := c.String(logFileFlag); path != "" {
		appender, closer := logging.NewFileAppender(logging.FileAppenderConfig{Path: path, MaxBackups: 3})
		logger.AddAppender(appender)
		s.closer = closer
	}
	logger.Debugw("configuration", "config", cfg.String(), "file", cfg.ConfigFilePath)
	return s, nil
}

func (s *session) Close() error {
	err := s.logger.Sync()
	if s.closer != nil {
		err = multierr.Combine(err, s.closer.Close())
	}
	return err
}

// mapDir is the --map flag or the configured pose graph directory.
func (s *session) mapDir(c *cli.Context) (string, error) {
	if dir := c.String(mapFlag); dir != "" {
		return dir, nil
	}
	if s.cfg.PoseGraphPath == "" {
		return "", errors.Errorf("no pose graph directory: pass --%s or set pose_graph_path", mapFlag)
	}
	return s.cfg.PoseGraphPath, nil
}

// VersionAction prints the version of the binary.
func VersionAction(c *cli.Context) error {
	version := config.Version
	if version == "" {
		version = "(dev)"
	}
	revision := config.GitRevision
	if info, ok := debug.ReadBuildInfo(); ok && revision == "" {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 8 {
				revision = setting.Value[:8]
			}
		}
	}
	if revision == "" {
		revision = "?"
	}
	printf(c.App.Writer, "Version %s Git=%s", version, revision)
	return nil
}
