package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = ""
	GitRevision = ""
)

// EnvPrefix prefixes the environment variables that override configured values, for example
// LOOPFUSION_USE_IMU or LOOPFUSION_LOOP_MIN_INDEX.
const EnvPrefix = "LOOPFUSION"

// Read reads a config from the given file. ${NAME} references are replaced by environment
// variables before parsing.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies where, if applicable, the file
// the reader originated from. Unset parameters keep their Default values.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := Default()
	cfg.ConfigFilePath = originalPath

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot unmarshal config from %q", originalPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv overrides cfg with the LOOPFUSION_* environment variables that are set and validates
// the result.
func FromEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return errors.Wrap(err, "reading environment overrides")
	}
	return cfg.Validate()
}
