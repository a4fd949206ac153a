// Package config defines the engine configuration model and its viper-based
// loader.
package config

import (
	"fmt"
	"time"

	"github.com/Aidin1998/fixgate/common/errors"
)

// SendingTimePrecision selects how SendingTime (52) is encoded on outbound
// FIX messages.
type SendingTimePrecision string

const (
	PrecisionSeconds SendingTimePrecision = "SECONDS"
	PrecisionMillis  SendingTimePrecision = "MILLIS"
	PrecisionMicros  SendingTimePrecision = "MICROS"
	PrecisionNanos   SendingTimePrecision = "NANOS"
)

// ProtocolMode selects which acceptor protocols the gateway binds.
type ProtocolMode string

const (
	ProtocolFix  ProtocolMode = "fix"
	ProtocolFixP ProtocolMode = "fixp"
	ProtocolBoth ProtocolMode = "both"
)

// EngineConfig is the root configuration for the gateway process.
type EngineConfig struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server  ServerConfig  `mapstructure:"server"`
	Fix     FixConfig     `mapstructure:"fix"`
	FixP    FixPConfig    `mapstructure:"fixp"`
	Journal JournalConfig `mapstructure:"journal"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

// ServerConfig covers the listening acceptor.
type ServerConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	Protocol            ProtocolMode  `mapstructure:"protocol"`
	ReceiveBufferSize   int           `mapstructure:"receive_buffer_size"`
	SlowConsumerTimeout time.Duration `mapstructure:"slow_consumer_timeout"`
	LibraryTimeout      time.Duration `mapstructure:"library_timeout"`
	ReplyTimeout        time.Duration `mapstructure:"reply_timeout"`
}

// FixConfig covers the tag=value session layer.
type FixConfig struct {
	HeartbeatInterval    time.Duration        `mapstructure:"heartbeat_interval"`
	SendWindow           time.Duration        `mapstructure:"send_window"`
	SendingTimePrecision SendingTimePrecision `mapstructure:"sending_time_precision"`
	MaxConcurrentResends int                  `mapstructure:"max_concurrent_resends"`
	NoLogonTimeout       time.Duration        `mapstructure:"no_logon_timeout"`
}

// FixPConfig covers the binary entry point session layer.
type FixPConfig struct {
	MinKeepAlive             time.Duration `mapstructure:"min_keep_alive"`
	MaxKeepAlive             time.Duration `mapstructure:"max_keep_alive"`
	NoLogonTimeout           time.Duration `mapstructure:"no_logon_timeout"`
	MaxRetransmissionRange   int           `mapstructure:"max_retransmission_range"`
	MaxConcurrentRetransmits int           `mapstructure:"max_concurrent_retransmits"`
}

// JournalConfig covers the on-disk indexes.
type JournalConfig struct {
	LogFileDir           string        `mapstructure:"log_file_dir"`
	SequenceFlushTimeout time.Duration `mapstructure:"sequence_flush_timeout"`
	SequenceFlushRecords int           `mapstructure:"sequence_flush_records"`
	ReplayIndexCapacity  int           `mapstructure:"replay_index_capacity"`
	GracefulShutdown     bool          `mapstructure:"graceful_shutdown"`
}

// ArchiveConfig covers the embedded recording archive.
type ArchiveConfig struct {
	Dir             string `mapstructure:"dir"`
	SegmentLength   int64  `mapstructure:"segment_length"`
	SyncEveryCommit bool   `mapstructure:"sync_every_commit"`
}

// AdminConfig covers the HTTP admin surface.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AuthConfig selects the authentication strategy for logon/negotiate.
type AuthConfig struct {
	Strategy  string `mapstructure:"strategy"` // accept_all | jwt
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Validate checks cross-field consistency. Failures wrap ErrConfigInvalid.
func (c *EngineConfig) Validate() error {
	switch c.Server.Protocol {
	case ProtocolFix, ProtocolFixP, ProtocolBoth:
	default:
		return errors.Configf("unknown protocol mode %q", c.Server.Protocol)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Configf("server port %d out of range", c.Server.Port)
	}
	switch c.Fix.SendingTimePrecision {
	case PrecisionSeconds, PrecisionMillis, PrecisionMicros, PrecisionNanos:
	default:
		return errors.Configf("unknown sending time precision %q", c.Fix.SendingTimePrecision)
	}
	if c.FixP.MinKeepAlive <= 0 || c.FixP.MaxKeepAlive < c.FixP.MinKeepAlive {
		return errors.Configf("keep alive window [%s, %s] invalid", c.FixP.MinKeepAlive, c.FixP.MaxKeepAlive)
	}
	if c.Journal.LogFileDir == "" {
		return errors.Configf("journal.log_file_dir is required")
	}
	if c.Journal.ReplayIndexCapacity <= 0 || c.Journal.ReplayIndexCapacity&(c.Journal.ReplayIndexCapacity-1) != 0 {
		return errors.Configf("replay index capacity %d must be a power of two", c.Journal.ReplayIndexCapacity)
	}
	if c.Auth.Strategy == "jwt" && c.Auth.JWTSecret == "" {
		return errors.Configf("auth.jwt_secret is required for the jwt strategy")
	}
	if c.Auth.Strategy != "jwt" && c.Auth.Strategy != "accept_all" {
		return errors.Configf("unknown auth strategy %q", c.Auth.Strategy)
	}
	return nil
}

func (c *EngineConfig) String() string {
	return fmt.Sprintf("EngineConfig{env=%s, addr=%s:%d, protocol=%s, logDir=%s}",
		c.Environment, c.Server.Host, c.Server.Port, c.Server.Protocol, c.Journal.LogFileDir)
}
