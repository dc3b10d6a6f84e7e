package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Configuration is the full gateway configuration, loaded from a YAML file
// with GATEWAY_* environment overrides.
type Configuration struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`
	SpoolDir   string `mapstructure:"spool_dir"`

	Cloud CloudSettings `mapstructure:"cloud"`
	MQTT  MQTTSettings  `mapstructure:"mqtt"`
	Radio RadioSettings `mapstructure:"radio"`
	Sync  SyncSettings  `mapstructure:"sync"`
	Nodes NodeSettings  `mapstructure:"nodes"`
}

// CloudSettings configure the cloud transport bridge.
type CloudSettings struct {
	BaseURL   string        `mapstructure:"base_url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MQTTSettings configure the optional local fan-out publisher.
type MQTTSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	BrokerURL    string        `mapstructure:"broker_url"`
	ClientID     string        `mapstructure:"client_id"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	TopicRoot    string        `mapstructure:"topic_root"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// RadioSettings configure the LoRa interface.
type RadioSettings struct {
	Enabled        bool          `mapstructure:"enabled"`
	Device         string        `mapstructure:"device"`
	GatewayID      uint32        `mapstructure:"gateway_id"`
	BeaconInterval time.Duration `mapstructure:"beacon_interval"`
}

// SyncSettings configure the store-and-forward sync loop.
type SyncSettings struct {
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Retention         time.Duration `mapstructure:"retention"`
	TelemetryInterval time.Duration `mapstructure:"telemetry_interval"`
}

// NodeSettings configure node liveness tracking.
type NodeSettings struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	OfflineTimeout time.Duration `mapstructure:"offline_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("spool_dir", "./data/spool")

	v.SetDefault("cloud.timeout", "30s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "edge-gateway")
	v.SetDefault("mqtt.topic_root", "trailsense")
	v.SetDefault("mqtt.reconnect_min", "1s")
	v.SetDefault("mqtt.reconnect_max", "2m")

	v.SetDefault("radio.enabled", false)
	v.SetDefault("radio.device", "/dev/ttyUSB0")
	v.SetDefault("radio.beacon_interval", "30s")

	v.SetDefault("sync.interval", "60s")
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.base_delay", "60s")
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retention", "168h")
	v.SetDefault("sync.telemetry_interval", "300s")

	v.SetDefault("nodes.sweep_interval", "60s")
	v.SetDefault("nodes.offline_timeout", "300s")
}

// Load reads the configuration file at path. A missing file is not an error;
// defaults and environment overrides still apply.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()

	var cfg Configuration
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Configuration) validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BaseDelay <= 0 {
		return fmt.Errorf("sync.base_delay must be positive, got %s", c.Sync.BaseDelay)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
	}
	return nil
}
