package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"procodus.dev/sensor-hub/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It reads an optional .env file, then config.yaml, then SENSOR_HUB_*
// environment variables.
func InitConfig(cfgFile string) error {
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sensor-hub/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("SENSOR_HUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	cfg := logger.DefaultConfig()
	cfg.Level = logger.ParseLevel(viper.GetString("log.level"))

	if path := viper.GetString("log.file.path"); path != "" {
		cfg.File = &logger.FileConfig{
			Path:       path,
			MaxSizeMB:  viper.GetInt("log.file.max_size_mb"),
			MaxBackups: viper.GetInt("log.file.max_backups"),
			MaxAgeDays: viper.GetInt("log.file.max_age_days"),
			Compress:   viper.GetBool("log.file.compress"),
		}
	}

	return logger.New(cfg)
}

// parseCredentials reads device credentials from a config map
// (devices: {jetson-01: secret}) or from a "id=secret,id=secret" string as
// given in the environment.
func parseCredentials(raw any) (map[string]string, error) {
	out := make(map[string]string)
	switch v := raw.(type) {
	case nil:
	case map[string]string:
		for id, secret := range v {
			out[id] = secret
		}
	case map[string]any:
		for id, secret := range v {
			s, ok := secret.(string)
			if !ok {
				return nil, fmt.Errorf("secret for device %q must be a string", id)
			}
			out[id] = s
		}
	case string:
		for pair := range strings.SplitSeq(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			id, secret, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid device credential %q, want id=secret", pair)
			}
			out[strings.TrimSpace(id)] = strings.TrimSpace(secret)
		}
	default:
		return nil, fmt.Errorf("unsupported device credentials type %T", raw)
	}
	return out, nil
}

// stringList accepts a YAML list or a comma-separated string.
func stringList(key string) []string {
	var out []string
	for _, item := range viper.GetStringSlice(key) {
		for part := range strings.SplitSeq(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
