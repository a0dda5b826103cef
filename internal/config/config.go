package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	JWT      JWTConfig      `yaml:"jwt"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the HTTP listener hosting REST and the robot socket
type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	SocketPath string `yaml:"socket_path"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// MQTTConfig represents the optional MQTT integration sink
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// AuthConfig selects the identity verifier used for robot and operator tokens
type AuthConfig struct {
	Mode          string              `yaml:"mode"` // jwt | static
	VerifyTimeout time.Duration       `yaml:"verify_timeout"`
	AdminRole     string              `yaml:"admin_role"`
	Tokens        []StaticTokenConfig `yaml:"tokens"`
}

// StaticTokenConfig is one entry of the static token table. TokenHash is a
// bcrypt hash of the bearer token. Name is a label for logs. A non-empty
// RobotID binds the token to that robot's socket; leave it empty for
// operator tokens that are not tied to one robot.
type StaticTokenConfig struct {
	Name        string `yaml:"name"`
	TokenHash   string `yaml:"token_hash"`
	PrincipalID int64  `yaml:"principal_id"`
	Role        string `yaml:"role"`
	RobotID     string `yaml:"robot_id"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// SessionConfig holds the server-side session protocol timings
type SessionConfig struct {
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

// AgentConfig holds the device-side reconnector settings
type AgentConfig struct {
	ServerURL            string        `yaml:"server_url"`
	RobotID              string        `yaml:"robot_id"`
	Token                string        `yaml:"token"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	EnableAutoReconnect  *bool         `yaml:"enable_auto_reconnect"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	InsecureSkipVerify   bool          `yaml:"insecure_skip_verify"`
}

// AutoReconnect reports whether reconnection is enabled (default true).
func (a AgentConfig) AutoReconnect() bool {
	return a.EnableAutoReconnect == nil || *a.EnableAutoReconnect
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if robotID := os.Getenv("ROBOT_ID"); robotID != "" {
		c.Agent.RobotID = robotID
	}

	if token := os.Getenv("ROBOT_TOKEN"); token != "" {
		c.Agent.Token = token
	}

	if url := os.Getenv("ROBOT_SERVER_URL"); url != "" {
		c.Agent.ServerURL = url
	}
}

// SetDefaults fills every unset field with its default.
func (c *Config) SetDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "robot-link"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.SocketPath == "" {
		c.API.SocketPath = "/ws/robot"
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "robot"
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "robots"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "robot-link-server"
	}

	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "robot-link"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 24 * time.Hour
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "jwt"
	}
	if c.Auth.VerifyTimeout == 0 {
		c.Auth.VerifyTimeout = 5 * time.Second
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "admin"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	c.Session.setDefaults()
	c.Agent.setDefaults()
}

func (s *SessionConfig) setDefaults() {
	if s.AuthTimeout == 0 {
		s.AuthTimeout = 30 * time.Second
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = 30 * time.Second
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = 2 * s.HeartbeatInterval
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.MaxMessageSize == 0 {
		s.MaxMessageSize = 1 << 20
	}
}

func (a *AgentConfig) setDefaults() {
	if a.HeartbeatInterval == 0 {
		a.HeartbeatInterval = 30 * time.Second
	}
	if a.MaxReconnectAttempts == 0 {
		a.MaxReconnectAttempts = 5
	}
	if a.ReconnectBaseDelay == 0 {
		a.ReconnectBaseDelay = 5 * time.Second
	}
	if a.HandshakeTimeout == 0 {
		a.HandshakeTimeout = 30 * time.Second
	}
}

// Validate checks the timing relationships the session protocol relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.Session.AuthTimeout < 0 || c.Session.HeartbeatInterval < 0 || c.Session.HeartbeatTimeout < 0 {
		errs = append(errs, errors.New("session durations must be positive"))
	}
	if c.Session.HeartbeatTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout (%s) must exceed session.heartbeat_interval (%s)",
			c.Session.HeartbeatTimeout, c.Session.HeartbeatInterval))
	}
	if c.Agent.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("agent.max_reconnect_attempts must not be negative"))
	}
	if c.Agent.ReconnectBaseDelay < 0 || c.Agent.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("agent durations must be positive"))
	}

	switch c.Auth.Mode {
	case "jwt", "static":
	default:
		errs = append(errs, fmt.Errorf("invalid auth mode: %s", c.Auth.Mode))
	}

	return errors.Join(errs...)
}

// PrintConfigSummary prints the effective session settings
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== %s Configuration ===\n", c.Server.Name)
	fmt.Printf("Listen: %s:%d (socket %s)\n", c.API.Host, c.API.Port, c.API.SocketPath)
	fmt.Printf("Auth mode: %s (verify timeout %s)\n", c.Auth.Mode, c.Auth.VerifyTimeout)
	fmt.Printf("Session: auth_timeout=%s heartbeat_interval=%s heartbeat_timeout=%s\n",
		c.Session.AuthTimeout, c.Session.HeartbeatInterval, c.Session.HeartbeatTimeout)
	fmt.Printf("Agent: heartbeat_interval=%s max_reconnect_attempts=%d reconnect_base_delay=%s auto_reconnect=%v\n",
		c.Agent.HeartbeatInterval, c.Agent.MaxReconnectAttempts, c.Agent.ReconnectBaseDelay, c.Agent.AutoReconnect())
	fmt.Printf("NATS: %s  MQTT: %s\n", valueOr(c.NATS.URL, "disabled"), valueOr(c.MQTT.Broker, "disabled"))
	fmt.Printf("==========================================\n")
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
