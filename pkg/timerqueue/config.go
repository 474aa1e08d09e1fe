package timerqueue

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/timerqueue/pkg/clock"
	tqerrors "github.com/vnykmshr/timerqueue/pkg/common/errors"
	"github.com/vnykmshr/timerqueue/pkg/common/validation"
	"github.com/vnykmshr/timerqueue/pkg/metrics"
)

// DefaultName labels metrics and logs when Config.Name is empty.
const DefaultName = "default"

const maxNameLength = 255

var logLevels = []string{"debug", "info", "warn", "error"}

// Config holds configuration for a TimerQueue.
type Config struct {
	// Name labels this queue's metrics and log records.
	Name string `yaml:"name"`

	// Alarm enables wake-capable scheduling. Hard deadlines then use
	// CLOCK_BOOTTIME_ALARM timers, which require CAP_WAKE_ALARM.
	Alarm bool `yaml:"alarm"`

	// EnableMetrics reports to metrics.DefaultRegistry when Metrics is nil.
	EnableMetrics bool `yaml:"metrics"`

	// LogLevel sets the level of the stderr logger built when Logger is nil.
	// Empty uses slog.Default().
	LogLevel string `yaml:"log_level"`

	// Clock overrides the system clock. The TimerQueue takes ownership
	// and closes it on Close.
	Clock clock.Clock `yaml:"-"`

	// Logger receives structured logs. If nil, see LogLevel.
	Logger *slog.Logger `yaml:"-"`

	// Metrics is the registry to report to. Nil disables metrics unless
	// EnableMetrics is set.
	Metrics *metrics.Registry `yaml:"-"`
}

// DefaultConfig returns a configuration for a no-wake queue with metrics
// disabled.
func DefaultConfig() Config {
	return Config{
		Name: DefaultName,
	}
}

// Validate checks the serializable fields.
func (c Config) Validate() error {
	if err := validation.ValidateNotEmpty("timerqueue", "name", c.Name); err != nil {
		return err
	}
	if err := validation.ValidateMaxLength("timerqueue", "name", c.Name, maxNameLength); err != nil {
		return err
	}
	return validation.ValidateOneOf("timerqueue", "log_level", strings.ToLower(c.LogLevel), logLevels...)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, tqerrors.NewOperationError("timerqueue", "ParseConfig", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads YAML from r. See ParseConfig.
func LoadConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, tqerrors.NewOperationError("timerqueue", "LoadConfig", err)
	}
	return ParseConfig(data)
}

// String returns the YAML encoding of the serializable fields.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(out)
}

func (c Config) logger() *slog.Logger {
	logger := c.Logger
	if logger == nil {
		if c.LogLevel == "" {
			logger = slog.Default()
		} else {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: parseLevel(c.LogLevel),
			}))
		}
	}
	return logger.With("component", "timerqueue", "queue", c.Name)
}

func (c Config) registry() *metrics.Registry {
	if c.Metrics != nil {
		return c.Metrics
	}
	if c.EnableMetrics {
		return metrics.DefaultRegistry
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
