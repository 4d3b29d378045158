// Package config loads a warden configuration file into a process.Spec
// and the settings of the surrounding stack. Field names follow pm2's
// ecosystem file so existing app definitions carry over.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/readiness"
)

var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes environment overrides, e.g. WARDEN_APP_KILL_TIMEOUT.
const EnvPrefix = "WARDEN"

// FileConfig mirrors the configuration file layout.
type FileConfig struct {
	App      AppConfig     `mapstructure:"app"`
	Log      LogConfig     `mapstructure:"log"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	History  HistoryConfig `mapstructure:"history"`
	EnvFiles []string      `mapstructure:"env_files"`
}

// AppConfig is one pm2-style app entry.
type AppConfig struct {
	Name        string   `mapstructure:"name"`
	Script      string   `mapstructure:"script"`
	Args        []string `mapstructure:"args"`
	Command     string   `mapstructure:"command"` // full command line; wins over script+args
	Interpreter string   `mapstructure:"interpreter"`
	Cwd         string   `mapstructure:"cwd"`
	Env         EnvVars  `mapstructure:"env"`
	PIDFile     string   `mapstructure:"pid_file"`

	AutoRestart            bool          `mapstructure:"autorestart"`
	MinUptime              time.Duration `mapstructure:"min_uptime"`
	MaxRestarts            int           `mapstructure:"max_restarts"`
	RestartDelay           time.Duration `mapstructure:"restart_delay"`
	ExpBackoffRestartDelay time.Duration `mapstructure:"exp_backoff_restart_delay"`
	KillTimeout            time.Duration `mapstructure:"kill_timeout"`
	WaitReady              bool          `mapstructure:"wait_ready"`
	ListenTimeout          time.Duration `mapstructure:"listen_timeout"`
	MaxMemoryRestart       ByteSize      `mapstructure:"max_memory_restart"`
	MemoryCheckInterval    time.Duration `mapstructure:"memory_check_interval"`

	OutFile       string `mapstructure:"out_file"`
	ErrorFile     string `mapstructure:"error_file"`
	LogFile       string `mapstructure:"log_file"`
	LogDir        string `mapstructure:"log_dir"`
	Time          bool   `mapstructure:"time"`
	LogDateFormat string `mapstructure:"log_date_format"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	LogCompress   bool   `mapstructure:"log_compress"`

	Readiness readiness.Config `mapstructure:"readiness"`

	// rejected: warden runs exactly one instance and does not watch files
	Instances int  `mapstructure:"instances"`
	Watch     bool `mapstructure:"watch"`
}

// LogConfig configures warden's own log, not the child's output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	ShowTime   bool   `mapstructure:"show_time"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen    string                 `mapstructure:"listen"` // empty disables the HTTP endpoint
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
	Buffer  int      `mapstructure:"buffer"`
}

// Config is the resolved result of Load.
type Config struct {
	Path      string
	Spec      process.Spec
	Readiness readiness.Config
	Log       logger.SlogConfig
	Metrics   MetricsConfig
	History   HistoryConfig
	Env       *env.Env // base environment for the child: OS env plus env_files
}

func setDefaults(v *viper.Viper) {
	// every key listed here can be overridden from the environment
	for _, k := range []string{"name", "script", "command", "interpreter", "cwd", "pid_file",
		"out_file", "error_file", "log_file", "log_dir", "log_date_format"} {
		v.SetDefault("app."+k, "")
	}
	v.SetDefault("app.autorestart", true)
	v.SetDefault("app.max_restarts", process.DefaultMaxRestarts)
	v.SetDefault("app.min_uptime", process.DefaultMinUptime.String())
	v.SetDefault("app.restart_delay", 0)
	v.SetDefault("app.exp_backoff_restart_delay", 0)
	v.SetDefault("app.kill_timeout", process.DefaultKillTimeout.String())
	v.SetDefault("app.wait_ready", false)
	v.SetDefault("app.listen_timeout", process.DefaultReadyTimeout.String())
	v.SetDefault("app.max_memory_restart", 0)
	v.SetDefault("app.memory_check_interval", process.DefaultMemoryCheckInterval.String())
	v.SetDefault("app.time", false)
	v.SetDefault("app.readiness.kind", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("metrics.resources.max_history", 60)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.buffer", 256)
}

// Load reads path (TOML, YAML or JSON by extension), applies defaults and
// WARDEN_* environment overrides, and resolves the result. An empty path
// loads from defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		baseDir = filepath.Dir(path)
		if err := promoteApps(v); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrInvalidConfig, path, err)
	}
	cfg, err := fc.Resolve(baseDir)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// promoteApps accepts a pm2 ecosystem layout ({"apps": [{...}]}) by moving
// its single entry under app.
func promoteApps(v *viper.Viper) error {
	if !v.InConfig("apps") {
		return nil
	}
	if v.InConfig("app") {
		return fmt.Errorf("%w: both app and apps are set", ErrInvalidConfig)
	}
	apps, ok := v.Get("apps").([]any)
	if !ok {
		return fmt.Errorf("%w: apps must be a list", ErrInvalidConfig)
	}
	if len(apps) != 1 {
		return fmt.Errorf("%w: apps lists %d entries; exactly one app is supervised", ErrInvalidConfig, len(apps))
	}
	entry, ok := apps[0].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: apps[0] must be a table", ErrInvalidConfig)
	}
	for k, val := range entry {
		v.Set("app."+k, val)
	}
	return nil
}

// Resolve turns the decoded file into a validated Config. Relative paths
// are resolved against baseDir, the directory of the config file.
func (fc FileConfig) Resolve(baseDir string) (*Config, error) {
	a := fc.App
	if a.Instances > 1 {
		return nil, fmt.Errorf("%w: instances = %d; only a single instance is supported", ErrInvalidConfig, a.Instances)
	}
	if a.Watch {
		return nil, fmt.Errorf("%w: watch is not supported", ErrInvalidConfig)
	}

	var argv []string
	switch {
	case strings.TrimSpace(a.Command) != "":
		argv = process.ParseCommandLine(a.Command)
	case strings.TrimSpace(a.Script) != "":
		argv = append([]string{a.Script}, a.Args...)
	default:
		return nil, fmt.Errorf("%w: app needs a script or command", ErrInvalidConfig)
	}
	name := a.Name
	if name == "" && a.Script != "" {
		name = strings.TrimSuffix(filepath.Base(a.Script), filepath.Ext(a.Script))
	}

	cwd := a.Cwd
	switch {
	case cwd == "":
		cwd = baseDir
	case !filepath.IsAbs(cwd):
		cwd = filepath.Join(baseDir, cwd)
	}

	spec := process.Spec{
		Name:                   name,
		Command:                argv,
		Interpreter:            a.Interpreter,
		WorkDir:                cwd,
		Env:                    map[string]string(a.Env),
		PIDFile:                absFrom(cwd, a.PIDFile),
		AutoRestart:            a.AutoRestart,
		MinUptime:              a.MinUptime,
		MaxRestarts:            a.MaxRestarts,
		RestartDelay:           a.RestartDelay,
		ExpBackoffRestartDelay: a.ExpBackoffRestartDelay,
		KillTimeout:            a.KillTimeout,
		WaitReady:              a.WaitReady,
		ReadyTimeout:           a.ListenTimeout,
		MaxMemoryRestart:       uint64(a.MaxMemoryRestart),
		MemoryCheckInterval:    a.MemoryCheckInterval,
		Log: logger.Config{
			Dir:          absFrom(cwd, a.LogDir),
			StdoutPath:   absFrom(cwd, a.OutFile),
			StderrPath:   absFrom(cwd, a.ErrorFile),
			CombinedPath: absFrom(cwd, a.LogFile),
			Timestamp:    a.Time,
			DateFormat:   a.LogDateFormat,
			MaxSizeMB:    a.LogMaxSizeMB,
			MaxBackups:   a.LogMaxBackups,
			MaxAgeDays:   a.LogMaxAgeDays,
			Compress:     a.LogCompress,
		},
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	rc := a.Readiness
	if rc.Kind == "" && spec.WaitReady {
		rc.Kind = "notify"
	}
	if rc.Socket != "" {
		rc.Socket = absFrom(baseDir, rc.Socket)
	}

	base := env.New()
	for _, p := range fc.EnvFiles {
		vars, err := LoadEnvFile(absFrom(baseDir, p))
		if err != nil {
			return nil, fmt.Errorf("%w: env file: %w", ErrInvalidConfig, err)
		}
		for k, v := range vars {
			base.Set(k, v)
		}
	}

	l := fc.Log
	return &Config{
		Spec:      spec,
		Readiness: rc,
		Log: logger.SlogConfig{
			Level:    l.Level,
			Format:   l.Format,
			File:     absFrom(baseDir, l.File),
			ShowTime: l.ShowTime,
			Rotation: logger.Config{
				MaxSizeMB:  l.MaxSizeMB,
				MaxBackups: l.MaxBackups,
				MaxAgeDays: l.MaxAgeDays,
				Compress:   l.Compress,
			},
		},
		Metrics: fc.Metrics,
		History: fc.History,
		Env:     base,
	}, nil
}

func absFrom(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
