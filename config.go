package mqttsim

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort    = 1883
	DefaultTLSPort = 8883

	// ReconnectDynamic makes every session pick its own reconnect delay.
	ReconnectDynamic time.Duration = -1
)

// SimulatorConfig is everything the controller needs before it creates any
// pool.
type SimulatorConfig struct {
	Hostname  string
	Hostnames []string
	Port      int

	TLS         bool
	Certificate string
	PrivateKey  string

	Username string
	Password string
	ClientID string

	Active  int
	Passive int
	Delay   time.Duration

	BurstInterval time.Duration
	BurstSpread   time.Duration
	BurstSize     int

	PublishTopic   string
	SubscribeTopic string
	RotatePerBurst bool

	QoS          int
	Retain       bool
	CleanSession bool

	ReconnectInterval time.Duration
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration

	Payload        string
	PayloadCeiling int
	Modulo         uint64
	DeferPublish   bool

	Threads       int
	StatsInterval time.Duration
	Heartbeat     time.Duration
	MetricsAddr   string

	Log LogConfig
}

type LogConfig struct {
	SessionFile string
	ErrorFile   string
	AppFile     string
	MaxSize     int // MB
	MaxBackups  int
	MaxAge      int // days
	Compress    bool
	Verbose     bool
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		SessionFile: "./logs/session.log",
		ErrorFile:   "./logs/error.log",
		AppFile:     "./logs/simulator.log",
		MaxSize:     50, // MB
		MaxBackups:  30,
		MaxAge:      7, // days
		Compress:    true,
	}
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Hostname:          "localhost",
		Port:              DefaultPort,
		Username:          "user",
		Password:          "password",
		Active:            1,
		Passive:           1,
		BurstInterval:     3000 * time.Millisecond,
		BurstSpread:       1000 * time.Millisecond,
		BurstSize:         25,
		CleanSession:      true,
		ReconnectInterval: ReconnectDynamic,
		KeepAlive:         30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		PayloadCeiling:    1000,
		Modulo:            1000,
		StatsInterval:     500 * time.Millisecond,
		Heartbeat:         DefaultHeartbeat,
		Log:               DefaultLogConfig(),
	}
}

// Validate returns the first problem found as a *ConfigError.
func (c SimulatorConfig) Validate() error {
	switch {
	case c.Hostname == "" && len(c.Hostnames) == 0:
		return &ConfigError{Field: "hostname", Reason: "must not be empty"}
	case c.Port <= 0 || c.Port > 65535:
		return &ConfigError{Field: "port", Reason: "must be between 1 and 65535"}
	case c.Active < 0:
		return &ConfigError{Field: "amount-active", Reason: "must not be negative"}
	case c.Passive < 0:
		return &ConfigError{Field: "amount-passive", Reason: "must not be negative"}
	case c.Delay < 0:
		return &ConfigError{Field: "delay", Reason: "must not be negative"}
	case c.BurstInterval <= 0:
		return &ConfigError{Field: "burst-interval", Reason: "must be > 0"}
	case c.BurstSpread < 0:
		return &ConfigError{Field: "burst-spread", Reason: "must not be negative"}
	case c.BurstSize < 0:
		return &ConfigError{Field: "msg-per-burst", Reason: "must not be negative"}
	case c.QoS < 0 || c.QoS > 2:
		return &ConfigError{Field: "qos", Reason: "must be 0, 1 or 2"}
	case c.ReconnectInterval < 0 && c.ReconnectInterval != ReconnectDynamic:
		return &ConfigError{Field: "reconnect-interval", Reason: "must be >= 0, or -1 for dynamic"}
	case c.PayloadCeiling <= 0:
		return &ConfigError{Field: "payload-ceiling", Reason: "must be > 0"}
	case c.Modulo == 0:
		return &ConfigError{Field: "modulo", Reason: "must be > 0"}
	case (c.Certificate == "") != (c.PrivateKey == ""):
		return &ConfigError{Field: "certificate", Reason: "certificate and private key must be given together"}
	case c.Threads < 0:
		return &ConfigError{Field: "threads", Reason: "must not be negative"}
	case c.StatsInterval <= 0:
		return &ConfigError{Field: "stats-interval", Reason: "must be > 0"}
	}
	return nil
}

// LoadTLS builds the client TLS configuration. Broker certificates are never
// verified.
func (c SimulatorConfig) LoadTLS() (*tls.Config, error) {
	if !c.TLS {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: true}
	if c.Certificate != "" {
		pair, err := tls.LoadX509KeyPair(c.Certificate, c.PrivateKey)
		if err != nil {
			return nil, &ConfigError{Field: "certificate", Reason: err.Error()}
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// hostFor picks the broker of the session with global index n.
func (c SimulatorConfig) hostFor(n int) string {
	if len(c.Hostnames) == 0 {
		return c.Hostname
	}
	return c.Hostnames[n%len(c.Hostnames)]
}

// FileConfig is the on-disk form of SimulatorConfig. Durations are strings
// such as "3s" or "250ms"; zero values leave the defaults alone.
type FileConfig struct {
	Hostname  string   `toml:"hostname" yaml:"hostname" json:"hostname"`
	Hostnames []string `toml:"hostname_list" yaml:"hostname_list" json:"hostname_list"`
	Port      int      `toml:"port" yaml:"port" json:"port"`

	TLS         bool   `toml:"ssl" yaml:"ssl" json:"ssl"`
	Certificate string `toml:"certificate" yaml:"certificate" json:"certificate"`
	PrivateKey  string `toml:"private_key" yaml:"private_key" json:"private_key"`

	Username string `toml:"username" yaml:"username" json:"username"`
	Password string `toml:"password" yaml:"password" json:"password"`
	ClientID string `toml:"client_id" yaml:"client_id" json:"client_id"`

	Active  *int   `toml:"amount_active" yaml:"amount_active" json:"amount_active"`
	Passive *int   `toml:"amount_passive" yaml:"amount_passive" json:"amount_passive"`
	Delay   string `toml:"delay" yaml:"delay" json:"delay"`

	BurstInterval string `toml:"burst_interval" yaml:"burst_interval" json:"burst_interval"`
	BurstSpread   string `toml:"burst_spread" yaml:"burst_spread" json:"burst_spread"`
	BurstSize     *int   `toml:"msg_per_burst" yaml:"msg_per_burst" json:"msg_per_burst"`

	PublishTopic   string `toml:"publish_topic" yaml:"publish_topic" json:"publish_topic"`
	SubscribeTopic string `toml:"subscribe_topic" yaml:"subscribe_topic" json:"subscribe_topic"`
	RotatePerBurst bool   `toml:"rotate_per_burst" yaml:"rotate_per_burst" json:"rotate_per_burst"`

	QoS          int   `toml:"qos" yaml:"qos" json:"qos"`
	Retain       bool  `toml:"retain" yaml:"retain" json:"retain"`
	CleanSession *bool `toml:"clean_session" yaml:"clean_session" json:"clean_session"`

	ReconnectInterval string `toml:"reconnect_interval" yaml:"reconnect_interval" json:"reconnect_interval"`

	Payload        string `toml:"payload" yaml:"payload" json:"payload"`
	PayloadCeiling int    `toml:"payload_ceiling" yaml:"payload_ceiling" json:"payload_ceiling"`
	Modulo         uint64 `toml:"modulo" yaml:"modulo" json:"modulo"`
	DeferPublish   bool   `toml:"defer_publish" yaml:"defer_publish" json:"defer_publish"`

	Threads       int    `toml:"threads" yaml:"threads" json:"threads"`
	StatsInterval string `toml:"stats_interval" yaml:"stats_interval" json:"stats_interval"`
	MetricsAddr   string `toml:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`

	Verbose bool   `toml:"verbose" yaml:"verbose" json:"verbose"`
	LogDir  string `toml:"log_dir" yaml:"log_dir" json:"log_dir"`
}

// LoadConfigFile reads a .toml, .yaml/.yml or .json file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &fc, nil
}

// Apply copies every value set in the file onto cfg.
func (f *FileConfig) Apply(cfg *SimulatorConfig) error {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if len(f.Hostnames) > 0 {
		cfg.Hostnames = f.Hostnames
	}
	if f.TLS {
		cfg.TLS = true
		if f.Port == 0 {
			cfg.Port = DefaultTLSPort
		}
	}
	if f.Port != 0 {
		cfg.Port = f.Port
	}
	if f.Certificate != "" {
		cfg.Certificate = f.Certificate
	}
	if f.PrivateKey != "" {
		cfg.PrivateKey = f.PrivateKey
	}
	if f.Username != "" {
		cfg.Username = f.Username
	}
	if f.Password != "" {
		cfg.Password = f.Password
	}
	if f.ClientID != "" {
		cfg.ClientID = f.ClientID
	}
	if f.Active != nil {
		cfg.Active = *f.Active
	}
	if f.Passive != nil {
		cfg.Passive = *f.Passive
	}
	if f.BurstSize != nil {
		cfg.BurstSize = *f.BurstSize
	}
	if f.PublishTopic != "" {
		cfg.PublishTopic = f.PublishTopic
	}
	if f.SubscribeTopic != "" {
		cfg.SubscribeTopic = f.SubscribeTopic
	}
	if f.RotatePerBurst {
		cfg.RotatePerBurst = true
	}
	if f.QoS != 0 {
		cfg.QoS = f.QoS
	}
	if f.Retain {
		cfg.Retain = true
	}
	if f.CleanSession != nil {
		cfg.CleanSession = *f.CleanSession
	}
	if f.Payload != "" {
		cfg.Payload = f.Payload
	}
	if f.PayloadCeiling != 0 {
		cfg.PayloadCeiling = f.PayloadCeiling
	}
	if f.Modulo != 0 {
		cfg.Modulo = f.Modulo
	}
	if f.DeferPublish {
		cfg.DeferPublish = true
	}
	if f.Threads != 0 {
		cfg.Threads = f.Threads
	}
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if f.Verbose {
		cfg.Log.Verbose = true
	}
	if f.LogDir != "" {
		cfg.Log.SessionFile = filepath.Join(f.LogDir, "session.log")
		cfg.Log.ErrorFile = filepath.Join(f.LogDir, "error.log")
		cfg.Log.AppFile = filepath.Join(f.LogDir, "simulator.log")
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delay", f.Delay, &cfg.Delay},
		{"burst_interval", f.BurstInterval, &cfg.BurstInterval},
		{"burst_spread", f.BurstSpread, &cfg.BurstSpread},
		{"reconnect_interval", f.ReconnectInterval, &cfg.ReconnectInterval},
		{"stats_interval", f.StatsInterval, &cfg.StatsInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		if d.dst == &cfg.ReconnectInterval && (d.raw == "dynamic" || d.raw == "-1") {
			*d.dst = ReconnectDynamic
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return &ConfigError{Field: d.name, Reason: err.Error()}
		}
		*d.dst = v
	}
	return nil
}

// PoolConfig is one shard's share of the population plus everything a
// session needs to build itself.
type PoolConfig struct {
	Sim SimulatorConfig
	TLS *tls.Config

	Shard   int
	Active  int
	Passive int

	// First global session index of this shard, used for round-robin hosts.
	ActiveOffset  int
	PassiveOffset int

	Numbers *ClientNumberPool
	Log     *Log
	Dialer  Dialer
}

func (p PoolConfig) total() int {
	return p.Active + p.Passive
}
