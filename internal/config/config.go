// Package config provides configuration management for the control plane
// and node agent binaries.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ControlPlaneConfig is the root configuration for the controlplane binary.
type ControlPlaneConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Security  SecurityConfig  `mapstructure:"security"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Quota     QuotaConfig     `mapstructure:"quota"`
}

// IngressServiceConfig is the root configuration for the ingress binary
// (C12): it runs as its own process alongside the control plane and
// node agents, reading the same Postgres read models and an optional
// shared Redis instance.
type IngressServiceConfig struct {
	Ingress  IngressConfig  `mapstructure:"ingress"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
}

// NodeAgentConfig is the root configuration for the nodeagent binary.
type NodeAgentConfig struct {
	Node         NodeIdentityConfig `mapstructure:"node"`
	ControlPlane ControlPlaneClient `mapstructure:"control_plane"`
	Firecracker  FirecrackerConfig  `mapstructure:"firecracker"`
	ImageCache   ImageCacheConfig   `mapstructure:"image_cache"`
	Log          LogConfig          `mapstructure:"log"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Reporter     ReporterConfig     `mapstructure:"reporter"`
	Redis        RedisConfig        `mapstructure:"redis"`
}

// RedisConfig locates the Redis instance used for the reporter's
// dedup-by-change status cache (C11) and the ingress circuit breaker's
// cooldown state (C12). Addr empty means run without Redis, falling back
// to an in-process cache that doesn't survive a restart.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	AllowCredentials      bool     `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool     `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings, shared by the
// event store, idempotency store, projections and River jobs.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	WorkerHost string `mapstructure:"worker_host"`
	WorkerPort int    `mapstructure:"worker_port"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// SchedulerConfig tunes the reconciliation loop (C6).
type SchedulerConfig struct {
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	PlacementTimeout   time.Duration `mapstructure:"placement_timeout"`
	MaxConcurrentMoves int           `mapstructure:"max_concurrent_moves"`
}

// QuotaConfig holds per-org default limits enforced before allocation.
type QuotaConfig struct {
	DefaultMaxInstances int `mapstructure:"default_max_instances"`
	DefaultMaxVCPU      int `mapstructure:"default_max_vcpu"`
	DefaultMaxMemoryMB  int `mapstructure:"default_max_memory_mb"`
}

// IngressConfig tunes the L4 proxy (C12). Each route's actual TCP
// listener binds on BindHost:<routes_view.listen_port> — ListenAddr is
// only the ingress binary's own health/metrics HTTP address, mirroring
// ControlPlaneConfig.Server.Port's role for the other binary.
type IngressConfig struct {
	ListenAddr           string        `mapstructure:"listen_addr"`
	BindHost             string        `mapstructure:"bind_host"`
	RouteRefreshInterval time.Duration `mapstructure:"route_refresh_interval"`
	SnapshotPath         string        `mapstructure:"snapshot_path"`
	SnapshotInterval     time.Duration `mapstructure:"snapshot_interval"`
	CircuitCooldown      time.Duration `mapstructure:"circuit_cooldown"`
	CircuitFailThreshold int           `mapstructure:"circuit_fail_threshold"`
}

// NodeIdentityConfig identifies this node agent to the control plane.
type NodeIdentityConfig struct {
	NodeID   string `mapstructure:"node_id"`
	Region   string `mapstructure:"region"`
	BaseDir  string `mapstructure:"base_dir"`
	VCPUCap  int    `mapstructure:"vcpu_capacity"`
	MemMBCap int    `mapstructure:"memory_mb_capacity"`
}

// ControlPlaneClient configures outbound calls from the node agent to the
// control plane's plan endpoint (C7).
type ControlPlaneClient struct {
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RequestToken string        `mapstructure:"request_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// FirecrackerConfig locates the jailer/firecracker binaries and sockets.
type FirecrackerConfig struct {
	BinaryPath   string `mapstructure:"binary_path"`
	JailerPath   string `mapstructure:"jailer_path"`
	ChrootBase   string `mapstructure:"chroot_base"`
	VsockCIDBase int    `mapstructure:"vsock_cid_base"`
}

// ImageCacheConfig tunes the content-addressed rootdisk cache (C9).
type ImageCacheConfig struct {
	Dir              string `mapstructure:"dir"`
	HighWaterMarkMB  int64  `mapstructure:"high_water_mark_mb"`
	LowWaterMarkMB   int64  `mapstructure:"low_water_mark_mb"`
	RegistryMirror   string `mapstructure:"registry_mirror"`
}

// ReporterConfig tunes heartbeat cadence (C11).
type ReporterConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// SecurityConfig contains security-related settings.
// Secrets missing at boot are auto-generated; see ensureSecrets.
type SecurityConfig struct {
	EncryptionKey       string         `mapstructure:"encryption_key"`
	SessionSecret       string         `mapstructure:"session_secret"`
	JWTVerificationKeys []string       `mapstructure:"jwt_verification_keys"`
	PasswordPolicy      PasswordPolicy `mapstructure:"password_policy"`
}

// PasswordPolicy defines password validation rules for exec-session tokens.
type PasswordPolicy struct {
	Mode             string `mapstructure:"mode"` // "nist" (default) or "legacy"
	RequireUppercase bool   `mapstructure:"require_uppercase"`
	RequireLowercase bool   `mapstructure:"require_lowercase"`
	RequireDigit     bool   `mapstructure:"require_digit"`
	RequireSpecial   bool   `mapstructure:"require_special"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	IOPoolSize      int `mapstructure:"io_pool_size"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ghostplane")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars.
	}
	return nil
}

// LoadControlPlane reads the control plane configuration from file and
// environment variables.
func LoadControlPlane() (*ControlPlaneConfig, error) {
	v := newViper()
	setControlPlaneDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg ControlPlaneConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadNodeAgent reads the node agent configuration from file and
// environment variables.
func LoadNodeAgent() (*NodeAgentConfig, error) {
	v := newViper()
	setNodeAgentDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg NodeAgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadIngress reads the ingress binary's configuration from file and
// environment variables.
func LoadIngress() (*IngressServiceConfig, error) {
	v := newViper()
	setIngressServiceDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg IngressServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical ingress configuration errors.
func (c *IngressServiceConfig) Validate() error {
	if c.Ingress.BindHost == "" {
		return fmt.Errorf("ingress.bind_host must not be empty")
	}
	if c.Ingress.SnapshotPath == "" {
		return fmt.Errorf("ingress.snapshot_path must not be empty")
	}
	return nil
}

// Validate checks for critical configuration errors.
func (c *ControlPlaneConfig) Validate() error {
	if c.Security.SessionSecret == "" {
		return fmt.Errorf("security.session_secret must not be empty")
	}
	if len(c.Security.SessionSecret) < 32 {
		return fmt.Errorf("security.session_secret must be at least 32 characters")
	}
	return nil
}

// Validate checks for critical node agent configuration errors.
func (c *NodeAgentConfig) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id must not be empty")
	}
	if c.ControlPlane.BaseURL == "" {
		return fmt.Errorf("control_plane.base_url must not be empty")
	}
	return nil
}

// ensureSecrets auto-generates missing secrets on first boot, logging a
// warning so an operator can pin them for persistence across restarts.
func (c *ControlPlaneConfig) ensureSecrets() error {
	if c.Security.SessionSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate session secret: %w", err)
		}
		c.Security.SessionSecret = secret
		logBootstrapWarn(
			"auto-generated session_secret; set SECURITY_SESSION_SECRET env var for persistence",
			zap.Int("length", len(secret)),
		)
	}
	if c.Security.EncryptionKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate encryption key: %w", err)
		}
		c.Security.EncryptionKey = key
		logBootstrapWarn(
			"auto-generated encryption_key; set SECURITY_ENCRYPTION_KEY env var for persistence",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setControlPlaneDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ghostplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "ghostplane")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	v.SetDefault("security.session_secret", "")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.password_policy.mode", "nist")
	v.SetDefault("security.jwt_verification_keys", []string{})

	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.io_pool_size", 50)

	v.SetDefault("scheduler.reconcile_interval", "5s")
	v.SetDefault("scheduler.placement_timeout", "10s")
	v.SetDefault("scheduler.max_concurrent_moves", 4)

	v.SetDefault("quota.default_max_instances", 50)
	v.SetDefault("quota.default_max_vcpu", 64)
	v.SetDefault("quota.default_max_memory_mb", 131072)
}

func setNodeAgentDefaults(v *viper.Viper) {
	v.SetDefault("node.node_id", "")
	v.SetDefault("node.base_dir", "/var/lib/ghostplane/node")
	v.SetDefault("node.vcpu_capacity", 16)
	v.SetDefault("node.memory_mb_capacity", 32768)

	v.SetDefault("control_plane.base_url", "")
	v.SetDefault("control_plane.poll_interval", "2s")
	v.SetDefault("control_plane.timeout", "5s")

	v.SetDefault("firecracker.binary_path", "/usr/bin/firecracker")
	v.SetDefault("firecracker.jailer_path", "/usr/bin/jailer")
	v.SetDefault("firecracker.chroot_base", "/srv/jailer")
	v.SetDefault("firecracker.vsock_cid_base", 1000)

	v.SetDefault("image_cache.dir", "/var/lib/ghostplane/images")
	v.SetDefault("image_cache.high_water_mark_mb", 51200)
	v.SetDefault("image_cache.low_water_mark_mb", 40960)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("worker.general_pool_size", 50)
	v.SetDefault("worker.io_pool_size", 20)

	v.SetDefault("reporter.interval", "3s")
	v.SetDefault("reporter.jitter_factor", 0.2)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
}

func setIngressServiceDefaults(v *viper.Viper) {
	v.SetDefault("ingress.listen_addr", ":9090")
	v.SetDefault("ingress.bind_host", "::")
	v.SetDefault("ingress.route_refresh_interval", "1s")
	v.SetDefault("ingress.snapshot_path", "/var/lib/ghostplane/ingress/state.json")
	v.SetDefault("ingress.snapshot_interval", "5s")
	v.SetDefault("ingress.circuit_cooldown", "2s")
	v.SetDefault("ingress.circuit_fail_threshold", 1)

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ghostplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "ghostplane")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
}
