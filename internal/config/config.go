package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a Legion peer.
type Config struct {
	ConfigFile string `mapstructure:"config_file" yaml:"config_file"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`

	Discovery  DiscoveryConfig  `mapstructure:"discovery" yaml:"discovery"`
	Detector   DetectorConfig   `mapstructure:"detector" yaml:"detector"`
	Election   ElectionConfig   `mapstructure:"election" yaml:"election"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Transfer   TransferConfig   `mapstructure:"transfer" yaml:"transfer"`
	Share      ShareConfig      `mapstructure:"share" yaml:"share"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

type DiscoveryConfig struct {
	Port     int           `mapstructure:"port" yaml:"port"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type DetectorConfig struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	SuspectTimeout time.Duration `mapstructure:"suspect_timeout" yaml:"suspect_timeout"`
	DeadTimeout    time.Duration `mapstructure:"dead_timeout" yaml:"dead_timeout"`
}

type ElectionConfig struct {
	ControlPort        int           `mapstructure:"control_port" yaml:"control_port"`
	AnswerTimeout      time.Duration `mapstructure:"answer_timeout" yaml:"answer_timeout"`
	CoordinatorTimeout time.Duration `mapstructure:"coordinator_timeout" yaml:"coordinator_timeout"`
	LeaderGracePeriod  time.Duration `mapstructure:"leader_grace_period" yaml:"leader_grace_period"`
}

type CatalogConfig struct {
	QueryTimeout     time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval" yaml:"announce_interval"`
}

type TransferConfig struct {
	Port        int           `mapstructure:"port" yaml:"port"`
	ChunkSize   int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	DownloadDir string        `mapstructure:"download_dir" yaml:"download_dir"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

type ShareConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// Load loads configuration from config files, environment variables and
// defaults.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/legion")

	setDefaults()

	viper.SetEnvPrefix("LEGION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(filename string) (*Config, error) {
	viper.SetConfigFile(filename)

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", filename, err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("log_level", "info")

	viper.SetDefault("discovery.port", 9999)
	viper.SetDefault("discovery.interval", "2s")

	viper.SetDefault("detector.scan_interval", "2s")
	viper.SetDefault("detector.suspect_timeout", "6s")
	viper.SetDefault("detector.dead_timeout", "15s")

	viper.SetDefault("election.control_port", 0)
	viper.SetDefault("election.answer_timeout", "3s")
	viper.SetDefault("election.coordinator_timeout", "5s")
	viper.SetDefault("election.leader_grace_period", "8s")

	viper.SetDefault("catalog.query_timeout", "5s")
	viper.SetDefault("catalog.announce_interval", "15s")

	viper.SetDefault("transfer.port", 0)
	viper.SetDefault("transfer.chunk_size", 65536)
	viper.SetDefault("transfer.download_dir", "downloads")
	viper.SetDefault("transfer.dial_timeout", "10s")

	viper.SetDefault("share.dir", "shared_files")
	viper.SetDefault("share.watch", true)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
}

// Validate validates the configuration. The timeout ordering it enforces is
// what keeps healthy peers from being suspected under normal announce jitter.
func (c *Config) Validate() error {
	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("invalid discovery port: %d", c.Discovery.Port)
	}

	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery interval must be positive")
	}

	if c.Detector.ScanInterval <= 0 {
		return fmt.Errorf("detector scan interval must be positive")
	}

	if c.Detector.SuspectTimeout < 3*c.Discovery.Interval {
		return fmt.Errorf("suspect timeout %s must be at least 3x the discovery interval %s",
			c.Detector.SuspectTimeout, c.Discovery.Interval)
	}

	if c.Detector.DeadTimeout <= c.Detector.SuspectTimeout {
		return fmt.Errorf("dead timeout %s must exceed suspect timeout %s",
			c.Detector.DeadTimeout, c.Detector.SuspectTimeout)
	}

	if c.Election.AnswerTimeout <= 0 || c.Election.CoordinatorTimeout <= 0 {
		return fmt.Errorf("election timeouts must be positive")
	}

	if c.Election.LeaderGracePeriod <= 0 {
		return fmt.Errorf("leader grace period must be positive")
	}

	if c.Catalog.QueryTimeout <= 0 {
		return fmt.Errorf("catalog query timeout must be positive")
	}

	if c.Catalog.AnnounceInterval <= 0 {
		return fmt.Errorf("catalog announce interval must be positive")
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer chunk size must be positive")
	}

	if c.Share.Dir == "" {
		return fmt.Errorf("share directory must be set")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}
