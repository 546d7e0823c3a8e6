package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration, merged from the YAML file,
// environment overrides and flags, in that order of increasing
// precedence.
type Config struct {
	Server       ServerConfig   `yaml:"server"`
	Storage      StorageConfig  `yaml:"storage"`
	Bus          BusConfig      `yaml:"bus"`
	Presence     PresenceConfig `yaml:"presence"`
	Redis        RedisConfig    `yaml:"redis"`
	Logging      LoggingConfig  `yaml:"logging"`
	NodeID       int64          `yaml:"node_id"`
	HistoryLimit int            `yaml:"history_limit"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds the certificate pair. Both empty means plain HTTP.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig points at the on-disk stores.
type StorageConfig struct {
	MessagePath      string `yaml:"message_path"`
	ConversationPath string `yaml:"conversation_path"`
}

// BusConfig tunes the durable event bus.
type BusConfig struct {
	Dir            string    `yaml:"dir"`
	MaxSegmentSize SizeBytes `yaml:"max_segment_size"`
	QueueCapacity  int       `yaml:"queue_capacity"`
}

// PresenceConfig tunes presence and inbox lifetimes.
type PresenceConfig struct {
	TTL      Duration `yaml:"ttl"`
	InboxTTL Duration `yaml:"inbox_ttl"`
}

// RedisConfig enables the shared presence/inbox backends. An empty
// address keeps the in-process fallbacks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig selects log level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console|json
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// ApplyDefaults fills anything still unset after file, env and flags.
func (c *Config) ApplyDefaults() {
	if c.Storage.MessagePath == "" {
		c.Storage.MessagePath = "./data/messages"
	}
	if c.Storage.ConversationPath == "" {
		c.Storage.ConversationPath = "./data/conversations.db"
	}
	if c.Bus.Dir == "" {
		c.Bus.Dir = "./data/bus"
	}
	if c.Bus.MaxSegmentSize == 0 {
		c.Bus.MaxSegmentSize = SizeBytes(64 * 1024 * 1024)
	}
	if c.Bus.QueueCapacity == 0 {
		c.Bus.QueueCapacity = 4096
	}
	if c.Presence.TTL == 0 {
		c.Presence.TTL = Duration(5 * time.Minute)
	}
	if c.Presence.InboxTTL == 0 {
		c.Presence.InboxTTL = Duration(7 * 24 * time.Hour)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
}

// ParseCommandFlags parses the CLI surface, returning values plus the
// set of flags the operator explicitly passed.
func ParseCommandFlags() (addr string, dataDir string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dataPtr := flag.String("data", "./data", "Data directory")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dataPtr, *cfgPtr, setFlags
}

// ResolveConfigPath decides the config file path from the flag value and
// the COURIER_CONFIG environment variable when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("COURIER_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEnvOverrides applies COURIER_* environment variables onto cfg and
// reports whether any were present.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("COURIER_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("COURIER_MESSAGE_PATH"); v != "" {
		envUsed = true
		cfg.Storage.MessagePath = v
	}
	if v := os.Getenv("COURIER_CONVERSATION_PATH"); v != "" {
		envUsed = true
		cfg.Storage.ConversationPath = v
	}
	if v := os.Getenv("COURIER_BUS_DIR"); v != "" {
		envUsed = true
		cfg.Bus.Dir = v
	}
	if v := os.Getenv("COURIER_REDIS_ADDR"); v != "" {
		envUsed = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("COURIER_REDIS_PASSWORD"); v != "" {
		envUsed = true
		cfg.Redis.Password = v
	}
	if v := os.Getenv("COURIER_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("COURIER_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			envUsed = true
			cfg.NodeID = n
		}
	}
	if v := os.Getenv("COURIER_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COURIER_LOG_FORMAT"); v != "" {
		envUsed = true
		cfg.Logging.Format = v
	}
	if c := os.Getenv("COURIER_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("COURIER_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}
