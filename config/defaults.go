package config

import (
	"path/filepath"
	"time"

	"github.com/opd-ai/obexd/limits"
)

// Defaults applied to zero-valued fields.
const (
	DefaultOPPAddress    = "127.0.0.1:6509"
	DefaultPBAPAddress   = "127.0.0.1:6510"
	DefaultOPPChannel    = 9
	DefaultPBAPChannel   = 19
	DefaultRetryWindow   = 3 * time.Second
	DefaultRetryInterval = 250 * time.Millisecond
	DefaultSRMInterval   = 10 * time.Millisecond
	DefaultMetricsPort   = 9109
	DefaultShutdown      = 5 * time.Second
)

// GetDefaultConfig returns a configuration that serves both profiles over
// loopback TCP.
func GetDefaultConfig() *Config {
	cfg := &Config{
		OPP:  OPPConfig{Enabled: true},
		PBAP: PBAPConfig{Enabled: true},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTransportDefaults(&cfg.Transport)

	if cfg.OPP.DownloadDir == "" {
		cfg.OPP.DownloadDir = filepath.Join(GetConfigDir(), "downloads")
	}
	if cfg.OPP.MaxPacketLength == 0 {
		cfg.OPP.MaxPacketLength = limits.MaxPacketLength
	}

	if cfg.PBAP.PhonebookDir == "" {
		cfg.PBAP.PhonebookDir = filepath.Join(GetConfigDir(), "phonebook")
	}
	if cfg.PBAP.SRMInterval == 0 {
		cfg.PBAP.SRMInterval = DefaultSRMInterval
	}
	if cfg.PBAP.MaxPacketLength == 0 {
		cfg.PBAP.MaxPacketLength = limits.MaxPacketLength
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdown
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTransportDefaults(cfg *TransportConfig) {
	if cfg.Kind == "" {
		cfg.Kind = TransportTCP
	}
	if cfg.OPPAddress == "" {
		cfg.OPPAddress = DefaultOPPAddress
	}
	if cfg.PBAPAddress == "" {
		cfg.PBAPAddress = DefaultPBAPAddress
	}
	if cfg.OPPChannel == 0 {
		cfg.OPPChannel = DefaultOPPChannel
	}
	if cfg.PBAPChannel == 0 {
		cfg.PBAPChannel = DefaultPBAPChannel
	}
	if cfg.RetryWindow == 0 {
		cfg.RetryWindow = DefaultRetryWindow
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
}
