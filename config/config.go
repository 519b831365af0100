// Package config loads the bridge configuration from a TOML file.
//
// Keys absent from the file keep the values of Default(). Durations are written as Go
// duration strings ("5s", "1m30s").
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	RPC       RPCConfig       `toml:"rpc"`
	Receive   ReceiveConfig   `toml:"receive"`
	Forward   ForwardConfig   `toml:"forward"`
	Images    ImagesConfig    `toml:"images"`
	KeepAlive KeepAliveConfig `toml:"keepalive"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Limits    LimitsConfig    `toml:"limits"`
	Registry  RegistryConfig  `toml:"registry"`
	API       APIConfig       `toml:"api"`
	Log       LogConfig       `toml:"log"`
}

// RPCConfig locates the injected module's endpoint.
type RPCConfig struct {
	Network     string        `toml:"network"` // "tcp" or "unix"
	Host        string        `toml:"host"`
	Port        int           `toml:"port"`
	Socket      string        `toml:"socket"` // unix socket / pipe path
	ModulePath  string        `toml:"module_path"`
	Version     string        `toml:"version"`
	Codec       string        `toml:"codec"` // "json" or "cbor"
	CallTimeout time.Duration `toml:"call_timeout"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

// Address returns the dial address for Network.
func (c RPCConfig) Address() string {
	if c.Network == "unix" {
		return c.Socket
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type ReceiveConfig struct {
	Enabled     bool          `toml:"enabled"`
	BufferSize  int           `toml:"buffer_size"`
	PollTimeout time.Duration `toml:"poll_timeout"`
	Pyq         bool          `toml:"pyq"`
}

type ForwardConfig struct {
	URLs            []string      `toml:"urls"`
	Mode            string        `toml:"mode"` // "at-most-once" or "at-least-once"
	MaxRetries      int           `toml:"max_retries"`
	RetryBackoff    time.Duration `toml:"retry_backoff"`
	RetryMaxBackoff time.Duration `toml:"retry_max_backoff"`
	Timeout         time.Duration `toml:"timeout"`
	Balancer        string        `toml:"balancer"`
}

// ImagesConfig saves inbound images per sender as <dir>/<nickname>/<n>.<ext>.
type ImagesConfig struct {
	Dir          string        `toml:"dir"` // empty disables saving
	DownloadWait time.Duration `toml:"download_wait"`
}

type KeepAliveConfig struct {
	Interval time.Duration `toml:"interval"`
}

type ReconnectConfig struct {
	Enabled         bool          `toml:"enabled"`
	InitialInterval time.Duration `toml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval"`
	MaxElapsed      time.Duration `toml:"max_elapsed"` // 0 retries until Stop
}

// LimitsConfig throttles outbound sends. A zero rate disables throttling.
type LimitsConfig struct {
	SendRate  float64 `toml:"send_rate"`
	SendBurst int     `toml:"send_burst"`
}

type RegistryConfig struct {
	Endpoints   []string `toml:"endpoints"` // empty disables etcd
	TTL         int64    `toml:"ttl"`
	Advertise   string   `toml:"advertise"`    // admin address published for this bridge
	SinkService string   `toml:"sink_service"` // watched for forward targets when set
}

type APIConfig struct {
	Listen string `toml:"listen"` // empty disables the admin API
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"` // empty logs to stderr
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		RPC: RPCConfig{
			Network:     "tcp",
			Host:        "127.0.0.1",
			Port:        10086,
			Codec:       "json",
			CallTimeout: 5 * time.Second,
			DialTimeout: 3 * time.Second,
		},
		Receive: ReceiveConfig{
			Enabled:     true,
			BufferSize:  100,
			PollTimeout: time.Second,
		},
		Forward: ForwardConfig{
			Mode:            "at-most-once",
			MaxRetries:      3,
			RetryBackoff:    500 * time.Millisecond,
			RetryMaxBackoff: 10 * time.Second,
			Timeout:         5 * time.Second,
			Balancer:        "round-robin",
		},
		Images:    ImagesConfig{DownloadWait: 30 * time.Second},
		KeepAlive: KeepAliveConfig{Interval: 30 * time.Second},
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
		},
		Limits:   LimitsConfig{SendRate: 2, SendBurst: 5},
		Registry: RegistryConfig{TTL: 10},
		API:      APIConfig{Listen: "127.0.0.1:9999"},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Load reads path over Default(). Unknown keys are rejected so typos do not pass silently.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return finish(cfg, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg, meta)
}

func finish(cfg Config, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := lo.Map(undecoded, func(k toml.Key, _ int) string { return k.String() })
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	// A socket path alone selects the unix transport.
	if meta.IsDefined("rpc", "socket") && !meta.IsDefined("rpc", "network") {
		cfg.RPC.Network = "unix"
	}
	cfg.RPC.Host = strings.TrimSpace(cfg.RPC.Host)
	cfg.Images.Dir = strings.TrimSpace(cfg.Images.Dir)
	cfg.Forward.URLs = normalize(cfg.Forward.URLs)
	cfg.Registry.Endpoints = normalize(cfg.Registry.Endpoints)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(lo.Contains([]string{"tcp", "unix"}, c.RPC.Network), "rpc.network: %q is not tcp or unix", c.RPC.Network)
	if c.RPC.Network == "unix" {
		check(c.RPC.Socket != "", "rpc.socket: required for unix network")
	} else {
		check(c.RPC.Port > 0 && c.RPC.Port < 65536, "rpc.port: %d out of range", c.RPC.Port)
	}
	check(lo.Contains([]string{"json", "cbor"}, c.RPC.Codec), "rpc.codec: %q is not json or cbor", c.RPC.Codec)
	check(c.RPC.CallTimeout > 0, "rpc.call_timeout: must be positive")
	check(c.RPC.DialTimeout > 0, "rpc.dial_timeout: must be positive")

	check(c.Receive.BufferSize > 0, "receive.buffer_size: must be positive")
	check(c.Receive.PollTimeout > 0, "receive.poll_timeout: must be positive")

	check(lo.Contains([]string{"at-most-once", "at-least-once"}, c.Forward.Mode), "forward.mode: unknown %q", c.Forward.Mode)
	check(lo.Contains([]string{"round-robin", "weighted-random", "consistent-hash"}, c.Forward.Balancer), "forward.balancer: unknown %q", c.Forward.Balancer)
	check(c.Forward.MaxRetries >= 0, "forward.max_retries: must not be negative")
	check(c.Forward.Timeout > 0, "forward.timeout: must be positive")
	for _, u := range c.Forward.URLs {
		check(strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://"), "forward.urls: %q is not an http(s) URL", u)
	}

	if c.Images.Dir != "" {
		check(c.Images.DownloadWait > 0, "images.download_wait: must be positive")
	}

	check(c.KeepAlive.Interval > 0, "keepalive.interval: must be positive")
	if c.Reconnect.Enabled {
		check(c.Reconnect.InitialInterval > 0, "reconnect.initial_interval: must be positive")
		check(c.Reconnect.MaxInterval >= c.Reconnect.InitialInterval, "reconnect.max_interval: below initial_interval")
	}
	check(c.Limits.SendRate >= 0, "limits.send_rate: must not be negative")
	if c.Limits.SendRate > 0 {
		check(c.Limits.SendBurst > 0, "limits.send_burst: must be positive when send_rate is set")
	}
	if len(c.Registry.Endpoints) > 0 {
		check(c.Registry.TTL > 0, "registry.ttl: must be positive")
	}
	_, err := zapcore.ParseLevel(c.Log.Level)
	check(err == nil, "log.level: %q is not a zap level", c.Log.Level)

	return errors.Join(errs...)
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
