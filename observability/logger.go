package observability

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "SYSBUS_LOG_LEVEL"
	EnvLogTimestamp = "SYSBUS_LOG_TIMESTAMP"
	EnvLogNoColor   = "SYSBUS_LOG_NOCOLOR"
)

// Profile selects logging defaults before environment overrides apply.
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// LogConfig is the resolved logging setup.
type LogConfig struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Out       io.Writer
}

var configureOnce sync.Once

// InitLogger installs the runtime console logger tagged with app and returns it.
func InitLogger(app string) zerolog.Logger {
	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	return install(app, cfg)
}

// ConfigureRuntime applies the runtime profile once per process.
func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

// ConfigureTests applies the test profile once per process.
func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure applies profile once per process.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		install("sysbus", cfg)
	})
}

func install(app string, cfg LogConfig) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}
	ctx := zerolog.New(writer).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Str("app", app).Logger().Level(cfg.Level)
	log.Logger = logger
	return logger
}

func defaultConfig(profile Profile) LogConfig {
	switch profile {
	case ProfileTest:
		return LogConfig{Level: zerolog.DebugLevel, Timestamp: false, NoColor: true}
	default:
		return LogConfig{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *LogConfig) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

// ParseLevel maps a level name, as accepted by SYSBUS_LOG_LEVEL, to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	return parseLevel(raw)
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
