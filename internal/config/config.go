package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	DownloadDirectory string `mapstructure:"DownloadDirectory"`
	ListenPort        int    `mapstructure:"ListenPort"`
	LogLevel          string `mapstructure:"LogLevel"`
	LogFormat         string `mapstructure:"LogFormat"`

	MaxPeers           int           `mapstructure:"MaxPeers"`
	MaxRetries         int           `mapstructure:"MaxRetries"`
	RetryBackoff       time.Duration `mapstructure:"RetryBackoff"`
	DialTimeout        time.Duration `mapstructure:"DialTimeout"`
	DialRate           float64       `mapstructure:"DialRate"`
	DialBurst          int           `mapstructure:"DialBurst"`
	WriteRetryInterval time.Duration `mapstructure:"WriteRetryInterval"`

	Connection Connection `mapstructure:"Connection"`
}

// Connection holds per peer connection timing and pipelining limits.
type Connection struct {
	HandshakeTimeout  time.Duration `mapstructure:"HandshakeTimeout"`
	IdleTimeout       time.Duration `mapstructure:"IdleTimeout"`
	WriteTimeout      time.Duration `mapstructure:"WriteTimeout"`
	KeepAliveInterval time.Duration `mapstructure:"KeepAliveInterval"`
	RequestTimeout    time.Duration `mapstructure:"RequestTimeout"`
	TickInterval      time.Duration `mapstructure:"TickInterval"`
	MaxRequests       int           `mapstructure:"MaxRequests"`
	MaxHashFailures   int           `mapstructure:"MaxHashFailures"`
}

func Default() Config {
	return Config{
		DownloadDirectory:  "./downloads",
		ListenPort:         6881,
		LogLevel:           "info",
		LogFormat:          "text",
		MaxPeers:           50,
		MaxRetries:         3,
		RetryBackoff:       5 * time.Second,
		DialTimeout:        10 * time.Second,
		DialRate:           10,
		DialBurst:          5,
		WriteRetryInterval: 5 * time.Second,
		Connection:         DefaultConnection(),
	}
}

func DefaultConnection() Connection {
	return Connection{
		HandshakeTimeout:  5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 90 * time.Second,
		RequestTimeout:    30 * time.Second,
		TickInterval:      time.Second,
		MaxRequests:       5,
		MaxHashFailures:   3,
	}
}

// Load builds the configuration from defaults, an optional config file,
// SWARMWIRE_ environment variables and any flags in fs, in increasing order
// of precedence.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("swarmwire")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var bindErr error
	if fs != nil {
		// --listen-port binds to ListenPort and so on
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", ""), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
	}
	if bindErr != nil {
		return Config{}, bindErr
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("DownloadDirectory", d.DownloadDirectory)
	v.SetDefault("ListenPort", d.ListenPort)
	v.SetDefault("LogLevel", d.LogLevel)
	v.SetDefault("LogFormat", d.LogFormat)
	v.SetDefault("MaxPeers", d.MaxPeers)
	v.SetDefault("MaxRetries", d.MaxRetries)
	v.SetDefault("RetryBackoff", d.RetryBackoff)
	v.SetDefault("DialTimeout", d.DialTimeout)
	v.SetDefault("DialRate", d.DialRate)
	v.SetDefault("DialBurst", d.DialBurst)
	v.SetDefault("WriteRetryInterval", d.WriteRetryInterval)
	v.SetDefault("Connection.HandshakeTimeout", d.Connection.HandshakeTimeout)
	v.SetDefault("Connection.IdleTimeout", d.Connection.IdleTimeout)
	v.SetDefault("Connection.WriteTimeout", d.Connection.WriteTimeout)
	v.SetDefault("Connection.KeepAliveInterval", d.Connection.KeepAliveInterval)
	v.SetDefault("Connection.RequestTimeout", d.Connection.RequestTimeout)
	v.SetDefault("Connection.TickInterval", d.Connection.TickInterval)
	v.SetDefault("Connection.MaxRequests", d.Connection.MaxRequests)
	v.SetDefault("Connection.MaxHashFailures", d.Connection.MaxHashFailures)
}

func (c Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("MaxPeers must be positive, got %d", c.MaxPeers)
	}
	if c.Connection.MaxRequests <= 0 {
		return fmt.Errorf("Connection.MaxRequests must be positive, got %d", c.Connection.MaxRequests)
	}
	if c.Connection.RequestTimeout <= 0 || c.Connection.IdleTimeout <= 0 {
		return fmt.Errorf("connection timeouts must be positive")
	}
	return nil
}

func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
