package config

import (
	"context"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is the config file read from the working directory when no path is given.
const DefaultFile = "tool.toml"

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `default:"info" usage:"Minimum log level (debug, info, warn or error)"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Tasks struct {
		File  string `default:"tasks.star" usage:"Name of the task script searched in the working directory and its parents"`
		Cache string `usage:"Path of the parsed task cache relative to the project root (disabled if empty)"`
	}
	Deps struct {
		File   string `default:"DEPS.yml" usage:"Dependency list relative to the project root"`
		Stamps string `default:"DEPS.stamps" usage:"File recording the extracted dependencies"`
	}
	Export struct {
		SourceDir string        `toml:"source_dir" default:"source" usage:"Directory searched for Python files to export"`
		OutputDir string        `toml:"output_dir" default:"images" usage:"Directory the exported images are written to"`
		URL       string        `default:"https://app.codeimage.dev/" usage:"CodeImage editor used for SVG exports"`
		Timeout   time.Duration `default:"60s" usage:"Timeout for each browser step"`
		Headless  bool          `default:"true" usage:"Run the browser without a window"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. If file is empty,
// DefaultFile is used when it exists.
func Loader(file string) (*Config, *aconfig.Loader) {
	if file == "" {
		file = DefaultFile
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "TOOL",
		SkipFlags:        true,
		AllowUnknownEnvs: true,
		Files:            []string{file},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the config. An explicitly passed file has to exist.
func Load(file string) (*Config, error) {
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return nil, eris.Wrapf(err, "failed to read config %s", file)
		}
	}

	cfg, loader := Loader(file)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load config")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf("invalid value for log.level: %s", cfg.Log.Level)
	}

	if cfg.Tasks.File == "" {
		return eris.New("tasks.file can't be empty")
	}

	if cfg.Export.Timeout <= 0 {
		return eris.Errorf("invalid value for export.timeout: %s (must be positive)", cfg.Export.Timeout)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

type configKey struct{}

// WithConfig attaches cfg to the context.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext returns the config attached with WithConfig.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configKey{}).(*Config)
	if !ok {
		panic("Config is missing in context!")
	}
	return cfg
}
