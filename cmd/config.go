package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	configDirName  = ".chatsession"
	configFileName = "config"
	envPrefix      = "CS"

	logLevelKey  = "log.level"
	logFormatKey = "log.format"
)

// loadConfig reads config.toml from path, or from ~/.chatsession when path
// is empty. A missing default file is not an error. CS_ prefixed
// environment variables override file values, e.g. CS_ENGINES_WEB_URL.
func loadConfig(path string) (*viper.Viper, error) {
	cfg := viper.New()
	cfg.SetConfigType("toml")
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	cfg.SetDefault(logLevelKey, "info")
	cfg.SetDefault(logFormatKey, "text")

	if path != "" {
		cfg.SetConfigFile(path)
		if err := cfg.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return cfg, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg.SetConfigName(configFileName)
	cfg.AddConfigPath(filepath.Join(homeDir, configDirName))
	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return cfg, nil
}

func newLogger(cfg *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.GetString(logLevelKey))); err != nil {
		return nil, fmt.Errorf("parse %s: %w", logLevelKey, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch format := strings.ToLower(cfg.GetString(logFormatKey)); format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown %s %q", logFormatKey, format)
	}
}
