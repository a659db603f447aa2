package conf

import (
	"fmt"

	"tunrelay/internal/flog"
)

// Log configures the engine's async leveled logger.
type Log struct {
	Level string `yaml:"level"`
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

var logLevels = map[string]flog.Level{
	"none":  flog.None,
	"debug": flog.Debug,
	"info":  flog.Info,
	"warn":  flog.Warn,
	"error": flog.Error,
	"fatal": flog.Fatal,
}

func (c *Log) validate() []error {
	if _, ok := logLevels[c.Level]; !ok {
		return []error{fmt.Errorf("log.level: invalid level %q", c.Level)}
	}
	return nil
}

// FlogLevel translates the configured level string into flog.Level,
// which is always well-formed by the time this is called: validate
// rejects anything not in logLevels.
func (c *Log) FlogLevel() flog.Level {
	return logLevels[c.Level]
}
