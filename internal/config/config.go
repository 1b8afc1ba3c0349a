// Package config holds the engine's configuration schema: application
// metadata, logging, and the tunables the raw-socket engine exposes to
// operators.
package config

import "time"

// Config is the top-level configuration tree for a tcpforge process.
type Config struct {
	App    *AppConfig    `yaml:"app" mapstructure:"app"`
	Log    *LogConfig    `yaml:"log" mapstructure:"log"`
	Engine *EngineConfig `yaml:"engine" mapstructure:"engine"`
}

// AppConfig carries basic application identity.
type AppConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Version     string `yaml:"version" mapstructure:"version"`
	Environment string `yaml:"environment" mapstructure:"environment"` // development/production
}

// LogConfig mirrors the fields logger.InitLogger actually consumes.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`   // debug/info/warn/error
	Format     string `yaml:"format" mapstructure:"format"` // json/text
	Output     string `yaml:"output" mapstructure:"output"` // stdout/stderr/file
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"` // days
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
	Caller     bool   `yaml:"caller" mapstructure:"caller"`
}

// EngineConfig tunes the raw-socket engine itself.
type EngineConfig struct {
	// FailureMode is "strict" (abort the process on a protocol violation,
	// matching the source's intent) or "soft" (close just the offending
	// connection).
	FailureMode string `yaml:"failure_mode" mapstructure:"failure_mode"`

	// ConnectTimeout is loaded with the rest of the schema but not read:
	// cmd/tcpforge's connect wait comes from its --close-after flag, and
	// the engine itself has no handshake timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// SendQueueWarnDepth is loaded with the rest of the schema but not
	// read: the engine logs no warning about the outbound queue's depth.
	SendQueueWarnDepth int `yaml:"send_queue_warn_depth" mapstructure:"send_queue_warn_depth"`
}

// Default returns a Config populated with the values cmd/tcpforge falls
// back to when no config file and no flags override them.
func Default() *Config {
	return &Config{
		App: &AppConfig{
			Name:        "tcpforge",
			Version:     "0.1.0",
			Environment: "development",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Engine: &EngineConfig{
			FailureMode:        "soft",
			ConnectTimeout:     5 * time.Second,
			SendQueueWarnDepth: 10000,
		},
	}
}
