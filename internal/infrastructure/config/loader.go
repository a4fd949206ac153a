package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LoadConfig loads configuration from the given YAML paths, falling back to
// defaults and FIXGATE_* environment variables.
func LoadConfig(logger *zap.Logger, configPaths ...string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("FIXGATE")

	setDefaults(v)

	if len(configPaths) == 0 {
		configPaths = []string{
			"./fixgate.yaml",
			"./configs/fixgate.yaml",
			"/etc/fixgate/fixgate.yaml",
		}
	}

	var loadedFiles []string
	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loadedFiles = append(loadedFiles, path)
	}

	if len(loadedFiles) == 0 {
		logger.Warn("No configuration files found, using defaults and environment variables")
	} else {
		logger.Info("Loaded configuration files", zap.Strings("files", loadedFiles))
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("protocol", string(cfg.Server.Protocol)),
		zap.String("log_file_dir", cfg.Journal.LogFileDir))

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9880)
	v.SetDefault("server.protocol", string(ProtocolBoth))
	v.SetDefault("server.receive_buffer_size", 64*1024)
	v.SetDefault("server.slow_consumer_timeout", 10*time.Second)
	v.SetDefault("server.library_timeout", 10*time.Second)
	v.SetDefault("server.reply_timeout", 5*time.Second)

	v.SetDefault("fix.heartbeat_interval", 30*time.Second)
	v.SetDefault("fix.send_window", 2*time.Minute)
	v.SetDefault("fix.sending_time_precision", string(PrecisionMillis))
	v.SetDefault("fix.max_concurrent_resends", 2)
	v.SetDefault("fix.no_logon_timeout", 10*time.Second)

	v.SetDefault("fixp.min_keep_alive", 100*time.Millisecond)
	v.SetDefault("fixp.max_keep_alive", 65*time.Second)
	v.SetDefault("fixp.no_logon_timeout", 10*time.Second)
	v.SetDefault("fixp.max_retransmission_range", 10000)
	v.SetDefault("fixp.max_concurrent_retransmits", 2)

	v.SetDefault("journal.log_file_dir", "./fixgate-logs")
	v.SetDefault("journal.sequence_flush_timeout", 200*time.Millisecond)
	v.SetDefault("journal.sequence_flush_records", 1024)
	v.SetDefault("journal.replay_index_capacity", 32768)
	v.SetDefault("journal.graceful_shutdown", true)

	v.SetDefault("archive.dir", "./fixgate-archive")
	v.SetDefault("archive.segment_length", int64(64*1024*1024))
	v.SetDefault("archive.sync_every_commit", false)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", "127.0.0.1:9881")

	v.SetDefault("auth.strategy", "accept_all")
	v.SetDefault("auth.jwt_secret", "")
}
