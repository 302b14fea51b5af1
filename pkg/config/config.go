package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures the static configuration shared by the three quiver
// services. Every binary reads the same config.ini; each service picks the
// sections it needs.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (QUIVER_<SECTION>_<KEY>)
//  2. config.ini in the working directory (or --config path)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Gate configures the HTTP front door.
	Gate GateConfig `mapstructure:"gateserver"`

	// Verify locates the external verification-code RPC service.
	// The section keeps the historical "varifyserver" spelling on disk.
	Verify EndpointConfig `mapstructure:"varifyserver"`

	// Status locates the session-placement service and holds its token key.
	Status StatusConfig `mapstructure:"statusserver"`

	// Mysql configures the database backend and its handle pool.
	Mysql MysqlConfig `mapstructure:"mysql"`

	// Redis configures the shared session cache.
	Redis RedisConfig `mapstructure:"redis"`

	// Self identifies this chat instance inside the cluster.
	Self ServerConfig `mapstructure:"selfserver"`

	// Peer lists the other chat instances by section name.
	Peer PeerConfig `mapstructure:"peerserver"`

	// Chat holds chat-service tuning knobs.
	Chat ChatConfig `mapstructure:"chatserver"`

	// Metrics configures the optional Prometheus endpoint. Port 0 disables it.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Servers maps a chat server name (from Peer.Servers or Self.Name) to its
	// endpoint. Populated from the correspondingly named ini sections.
	Servers map[string]ServerConfig `mapstructure:"-"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// GateConfig configures the gate HTTP server.
type GateConfig struct {
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535"`
}

// EndpointConfig is a host:port pair for an RPC collaborator.
type EndpointConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
}

// Addr returns the dialable host:port string.
func (e EndpointConfig) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// StatusConfig configures the status service.
type StatusConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`

	// TokenSecret signs chat-session tokens (HS256). All status instances and
	// test fixtures must agree on it.
	TokenSecret string `mapstructure:"tokensecret"`

	// TokenTTL bounds token validity. Default 24h.
	TokenTTL time.Duration `mapstructure:"tokenttl"`
}

// Addr returns the dialable host:port string.
func (s StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MysqlConfig configures the database backend.
type MysqlConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Passwd   string `mapstructure:"passwd"`
	Schema   string `mapstructure:"schema" validate:"required"`
	PoolSize int    `mapstructure:"poolsize" validate:"gte=0"`
}

// DSN returns the go-sql-driver DSN for the configured database.
func (m MysqlConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		m.User, m.Passwd, m.Host, m.Port, m.Schema)
}

// RedisConfig configures the shared session cache.
type RedisConfig struct {
	Host   string `mapstructure:"host" validate:"required"`
	Port   int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	Passwd string `mapstructure:"passwd"`
}

// Addr returns the dialable host:port string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerConfig identifies one chat instance.
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// RPCPort carries the peer-notification RPC listener. Defaults to Port+1.
	RPCPort int `mapstructure:"rpcport"`
}

// Addr returns the client-facing host:port string.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RPCAddr returns the peer RPC host:port string.
func (s ServerConfig) RPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.RPCPort)
}

// PeerConfig lists sibling chat servers by ini section name.
type PeerConfig struct {
	// Servers is a comma-separated list of section names.
	Servers string `mapstructure:"servers"`
}

// Names splits the comma-separated server list, dropping empty entries.
func (p PeerConfig) Names() []string {
	var names []string
	for _, n := range strings.Split(p.Servers, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// ChatConfig holds chat-service tuning knobs.
type ChatConfig struct {
	// IOLoops sets the I/O loop pool size. Default: 4.
	IOLoops int `mapstructure:"ioloops" validate:"gte=0"`

	// IdleTimeout closes sessions with no inbound frame for this long.
	// Default: 60s.
	IdleTimeout time.Duration `mapstructure:"idletimeout"`

	// OfflineMessages selects what happens to a text message whose addressee
	// is not reachable: "store" persists it for delivery at next login,
	// "drop" discards it. Default: store.
	OfflineMessages string `mapstructure:"offlinemessages" validate:"omitempty,oneof=store drop"`

	// MaxPendingApplies caps outstanding friend requests per sender.
	// Default: 50.
	MaxPendingApplies int `mapstructure:"maxpendingapplies" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Mysql.PoolSize == 0 {
		c.Mysql.PoolSize = 5
	}
	if c.Status.TokenTTL == 0 {
		c.Status.TokenTTL = 24 * time.Hour
	}
	if c.Chat.IOLoops == 0 {
		c.Chat.IOLoops = 4
	}
	if c.Chat.IdleTimeout == 0 {
		c.Chat.IdleTimeout = 60 * time.Second
	}
	if c.Chat.OfflineMessages == "" {
		c.Chat.OfflineMessages = "store"
	}
	if c.Chat.MaxPendingApplies == 0 {
		c.Chat.MaxPendingApplies = 50
	}
	if c.Self.RPCPort == 0 && c.Self.Port != 0 {
		c.Self.RPCPort = c.Self.Port + 1
	}
	for name, srv := range c.Servers {
		if srv.Name == "" {
			srv.Name = name
		}
		if srv.RPCPort == 0 && srv.Port != 0 {
			srv.RPCPort = srv.Port + 1
		}
		c.Servers[name] = srv
	}
}

// Validate checks the loaded configuration. Sections a service does not use
// may be absent, so only structurally invalid values fail here; per-service
// required sections are enforced by the commands that need them.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := v.Struct(c.Chat); err != nil {
		return fmt.Errorf("chatserver config: %w", err)
	}
	if err := v.Struct(c.Metrics); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

// Load reads config.ini from the given path, or from the working directory
// when path is empty, applies environment overrides, defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("ini")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Named chat server sections are dynamic: resolve them from the peer
	// list plus the local identity.
	cfg.Servers = make(map[string]ServerConfig)
	names := cfg.Peer.Names()
	if cfg.Self.Name != "" {
		names = append(names, cfg.Self.Name)
	}
	for _, name := range names {
		sub := v.Sub(strings.ToLower(name))
		if sub == nil {
			continue
		}
		var srv ServerConfig
		if err := sub.Unmarshal(&srv); err != nil {
			return nil, fmt.Errorf("failed to parse server section %q: %w", name, err)
		}
		if srv.Name == "" {
			srv.Name = name
		}
		cfg.Servers[name] = srv
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
