// Package config loads the daemon configuration from a YAML file and
// OBEXD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Transport kinds.
const (
	TransportTCP   = "tcp"
	TransportBluez = "bluez"
)

// Config is the complete daemon configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	OPP OPPConfig `mapstructure:"opp" yaml:"opp"`

	PBAP PBAPConfig `mapstructure:"pbap" yaml:"pbap"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout bounds Service.Stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logrus.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TransportConfig selects how OBEX sessions are carried.
type TransportConfig struct {
	Kind string `mapstructure:"kind" validate:"required,oneof=tcp bluez" yaml:"kind"`

	// OPPAddress and PBAPAddress are TCP listen addresses.
	OPPAddress string `mapstructure:"opp_address" yaml:"opp_address"`

	PBAPAddress string `mapstructure:"pbap_address" yaml:"pbap_address"`

	// OPPChannel and PBAPChannel are the RFCOMM channels registered with BlueZ.
	OPPChannel uint16 `mapstructure:"opp_channel" validate:"omitempty,min=1,max=30" yaml:"opp_channel"`

	PBAPChannel uint16 `mapstructure:"pbap_channel" validate:"omitempty,min=1,max=30" yaml:"pbap_channel"`

	// RetryWindow bounds how long an outbound connect keeps retrying.
	RetryWindow time.Duration `mapstructure:"retry_window" validate:"gte=0" yaml:"retry_window"`

	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0" yaml:"retry_interval"`
}

// OPPConfig configures Object Push.
type OPPConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	DownloadDir string `mapstructure:"download_dir" validate:"required_if=Enabled true" yaml:"download_dir"`

	AutoAccept bool `mapstructure:"auto_accept" yaml:"auto_accept"`

	MaxPacketLength int `mapstructure:"max_packet_length" validate:"min=255,max=65534" yaml:"max_packet_length"`
}

// PBAPConfig configures the phonebook server.
type PBAPConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	PhonebookDir string `mapstructure:"phonebook_dir" validate:"required_if=Enabled true" yaml:"phonebook_dir"`

	AutoAccept bool `mapstructure:"auto_accept" yaml:"auto_accept"`

	// Password answers authentication challenges without asking.
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	SRMInterval time.Duration `mapstructure:"srm_interval" validate:"gt=0" yaml:"srm_interval"`

	MaxPacketLength int `mapstructure:"max_packet_length" validate:"min=255,max=65534" yaml:"max_packet_length"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load reads configPath, or the default location when configPath is
// empty. A missing file yields the defaults; environment variables apply
// in both cases.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	setViperDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("OBEXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(GetConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// setViperDefaults registers every key so AutomaticEnv can override keys
// that are absent from the file.
func setViperDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.opp_address", d.Transport.OPPAddress)
	v.SetDefault("transport.pbap_address", d.Transport.PBAPAddress)
	v.SetDefault("transport.opp_channel", d.Transport.OPPChannel)
	v.SetDefault("transport.pbap_channel", d.Transport.PBAPChannel)
	v.SetDefault("transport.retry_window", d.Transport.RetryWindow)
	v.SetDefault("transport.retry_interval", d.Transport.RetryInterval)
	v.SetDefault("opp.enabled", d.OPP.Enabled)
	v.SetDefault("opp.download_dir", d.OPP.DownloadDir)
	v.SetDefault("opp.auto_accept", d.OPP.AutoAccept)
	v.SetDefault("opp.max_packet_length", d.OPP.MaxPacketLength)
	v.SetDefault("pbap.enabled", d.PBAP.Enabled)
	v.SetDefault("pbap.phonebook_dir", d.PBAP.PhonebookDir)
	v.SetDefault("pbap.auto_accept", d.PBAP.AutoAccept)
	v.SetDefault("pbap.password", d.PBAP.Password)
	v.SetDefault("pbap.srm_interval", d.PBAP.SRMInterval)
	v.SetDefault("pbap.max_packet_length", d.PBAP.MaxPacketLength)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags and the rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if !cfg.OPP.Enabled && !cfg.PBAP.Enabled {
		return fmt.Errorf("%w: neither opp nor pbap is enabled", ErrInvalid)
	}
	if cfg.Transport.Kind == TransportTCP {
		if cfg.OPP.Enabled && cfg.Transport.OPPAddress == "" {
			return fmt.Errorf("%w: transport.opp_address is required for tcp", ErrInvalid)
		}
		if cfg.PBAP.Enabled && cfg.Transport.PBAPAddress == "" {
			return fmt.Errorf("%w: transport.pbap_address is required for tcp", ErrInvalid)
		}
	}
	if cfg.Transport.Kind == TransportBluez && cfg.OPP.Enabled && cfg.PBAP.Enabled &&
		cfg.Transport.OPPChannel == cfg.Transport.PBAPChannel {
		return fmt.Errorf("%w: opp and pbap share RFCOMM channel %d", ErrInvalid, cfg.Transport.OPPChannel)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return fmt.Errorf("%w: metrics.port is required when metrics are enabled", ErrInvalid)
	}
	return nil
}

// YAML renders cfg as YAML with the password masked.
func YAML(cfg *Config) ([]byte, error) {
	c := *cfg
	if c.PBAP.Password != "" {
		c.PBAP.Password = "********"
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// SaveConfig writes cfg to path, creating the directory when needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigDir returns $XDG_CONFIG_HOME/obexd, ~/.config/obexd, or "."
// when no home directory is known.
func GetConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "obexd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "obexd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}
