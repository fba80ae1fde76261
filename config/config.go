// Package config loads settings from defaults, an optional shellipc.yaml and SHELLIPC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/guseggert/shellipc/channel"
	"github.com/guseggert/shellipc/internal/files"
	"github.com/guseggert/shellipc/wire"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// FileName is the config file looked for in the working directory and its parents.
const FileName = "shellipc.yaml"

const envPrefix = "SHELLIPC"

type Config struct {
	Scheme           string        `mapstructure:"scheme"`
	WarnMessageBytes int           `mapstructure:"warn_message_bytes"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	// AutoClose makes the test harness exit after a TAP summary.
	AutoClose bool `mapstructure:"auto_close"`

	Log   LogConfig   `mapstructure:"log"`
	Relay RelayConfig `mapstructure:"relay"`

	// File is the config file that was read, if any.
	File string
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, receives logs too, rotated by size.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	// OverChannel sends logs to the other side as stdout frames as well.
	OverChannel bool `mapstructure:"over_channel"`
}

type RelayConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	URL        string `mapstructure:"url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheme", wire.Scheme)
	v.SetDefault("warn_message_bytes", channel.DefaultWarnThreshold)
	v.SetDefault("request_timeout", time.Duration(0))
	v.SetDefault("auto_close", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.over_channel", false)
	v.SetDefault("relay.listen_addr", "127.0.0.1:8080")
	v.SetDefault("relay.url", "")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(err)
	}
	return &c
}

// Load reads the config file at path, or FileName found by walking up from the working directory when path is empty.
// Environment variables override the file: log.level is SHELLIPC_LOG_LEVEL. AUTO_CLOSE is honoured as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("auto_close", envPrefix+"_AUTO_CLOSE", "AUTO_CLOSE"); err != nil {
		return nil, fmt.Errorf("binding AUTO_CLOSE: %w", err)
	}

	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path, err = files.FindUp(FileName, wd)
		if err != nil {
			return nil, fmt.Errorf("looking for %s: %w", FileName, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	c.File = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Scheme == "" {
		errs = append(errs, errors.New("scheme is empty"))
	} else if _, err := wire.EncodeWithScheme(c.Scheme, "probe"); err != nil {
		errs = append(errs, fmt.Errorf("invalid scheme %q", c.Scheme))
	}
	if c.WarnMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("warn_message_bytes must not be negative, got %d", c.WarnMessageBytes))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ChannelOptions returns the channel settings from c.
func (c *Config) ChannelOptions() []channel.Option {
	return []channel.Option{
		channel.WithScheme(c.Scheme),
		channel.WithWarnThreshold(c.WarnMessageBytes),
		channel.WithRequestTimeout(c.RequestTimeout),
	}
}
