package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader reads tcpforge's configuration from a YAML file, environment
// variables (TCPFORGE_ prefix), and built-in defaults, in that priority
// order lowest-to-highest: defaults, file, environment.
type Loader struct {
	configPath string
	viper      *viper.Viper
}

// NewLoader creates a Loader that searches configPath, then ./configs,
// then the working directory for a file named config.yaml. No
// environment-specific file name is looked up.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		viper:      viper.New(),
	}
}

// Load produces a fully populated Config.
func (l *Loader) Load() (*Config, error) {
	l.viper.SetConfigType("yaml")
	l.viper.SetEnvPrefix("TCPFORGE")
	l.viper.AutomaticEnv()
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults()

	if err := l.readConfigFile(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) readConfigFile() error {
	if l.configPath != "" {
		l.viper.AddConfigPath(l.configPath)
	}
	l.viper.AddConfigPath("./configs")
	l.viper.AddConfigPath(".")
	l.viper.SetConfigName("config")

	if err := l.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is fine; defaults + env vars still apply.
			return nil
		}
		return err
	}
	return nil
}

func (l *Loader) setDefaults() {
	d := Default()
	l.viper.SetDefault("app.name", d.App.Name)
	l.viper.SetDefault("app.version", d.App.Version)
	l.viper.SetDefault("app.environment", d.App.Environment)

	l.viper.SetDefault("log.level", d.Log.Level)
	l.viper.SetDefault("log.format", d.Log.Format)
	l.viper.SetDefault("log.output", d.Log.Output)

	l.viper.SetDefault("engine.failure_mode", d.Engine.FailureMode)
	l.viper.SetDefault("engine.connect_timeout", d.Engine.ConnectTimeout.String())
	l.viper.SetDefault("engine.send_queue_warn_depth", d.Engine.SendQueueWarnDepth)
}

func validate(cfg *Config) error {
	switch cfg.Engine.FailureMode {
	case "strict", "soft":
	default:
		return fmt.Errorf("engine.failure_mode must be \"strict\" or \"soft\", got %q", cfg.Engine.FailureMode)
	}
	switch cfg.Log.Output {
	case "stdout", "stderr", "file":
	default:
		return fmt.Errorf("log.output must be stdout, stderr, or file, got %q", cfg.Log.Output)
	}
	if cfg.Log.Output == "file" && cfg.Log.FilePath == "" {
		return fmt.Errorf("log.file_path is required when log.output is \"file\"")
	}
	return nil
}
