package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "SCRIPTROOM"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "scriptroom.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = LogFormatJSON
	defaultIssuer       = "scriptroom-auth"
	defaultCookieName   = "app_session"
	defaultAdminRole    = "admin"

	defaultReadLimitBytes = 1 << 20
	defaultWriteTimeout   = 10 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	defaultSendBuffer     = 256

	defaultChannelPrefix  = "scriptroom"
	defaultConnectTimeout = 10 * time.Second

	defaultCompactionInterval   = time.Hour
	defaultCompactionMinUpdates = 100
	defaultCompactionAge        = 24 * time.Hour
	defaultCompactionRetention  = 720 * time.Hour
	defaultCompactionBatchSize  = 50
	defaultCompactionMaxDocs    = 500

	defaultSnapshotInterval  = time.Minute
	defaultSnapshotMaxAge    = 5 * time.Minute
	defaultSnapshotBatchSize = 50

	defaultDivergenceInterval  = 10 * time.Minute
	defaultDivergenceBatchSize = 100
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LogFormat     string
	SigningSecret string
	Issuer        string
	CookieName    string
	AdminRole     string
	AutoCreate    bool
	WebSocket     WebSocketConfig
	Fanout        FanoutConfig
	Compaction    CompactionConfig
	Snapshots     SnapshotConfig
	Divergence    DivergenceConfig
}

// WebSocketConfig bounds collaboration sockets.
type WebSocketConfig struct {
	ReadLimitBytes int64
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	SendBuffer     int
}

// FanoutConfig selects the cross-instance broker. An empty RedisURL runs a
// single instance.
type FanoutConfig struct {
	RedisURL       string
	ChannelPrefix  string
	ConnectTimeout time.Duration
}

// CompactionConfig drives the compaction worker.
type CompactionConfig struct {
	Interval             time.Duration
	MinUpdateCount       int
	Age                  time.Duration
	Retention            time.Duration
	BatchSize            int
	MaxDocumentsPerCycle int
}

// SnapshotConfig drives the periodic snapshot refresh.
type SnapshotConfig struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// DivergenceConfig drives the scheduled consistency scan.
type DivergenceConfig struct {
	Interval   time.Duration
	BatchSize  int
	AutoRepair bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.admin_role", defaultAdminRole)
	configViper.SetDefault("documents.auto_create", true)

	configViper.SetDefault("websocket.read_limit_bytes", defaultReadLimitBytes)
	configViper.SetDefault("websocket.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("websocket.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("websocket.send_buffer", defaultSendBuffer)

	configViper.SetDefault("fanout.redis_url", "")
	configViper.SetDefault("fanout.channel_prefix", defaultChannelPrefix)
	configViper.SetDefault("fanout.connect_timeout", defaultConnectTimeout)

	configViper.SetDefault("compaction.interval", defaultCompactionInterval)
	configViper.SetDefault("compaction.min_update_count", defaultCompactionMinUpdates)
	configViper.SetDefault("compaction.age", defaultCompactionAge)
	configViper.SetDefault("compaction.retention", defaultCompactionRetention)
	configViper.SetDefault("compaction.batch_size", defaultCompactionBatchSize)
	configViper.SetDefault("compaction.max_documents_per_cycle", defaultCompactionMaxDocs)

	configViper.SetDefault("snapshots.interval", defaultSnapshotInterval)
	configViper.SetDefault("snapshots.max_age", defaultSnapshotMaxAge)
	configViper.SetDefault("snapshots.batch_size", defaultSnapshotBatchSize)

	configViper.SetDefault("divergence.interval", defaultDivergenceInterval)
	configViper.SetDefault("divergence.batch_size", defaultDivergenceBatchSize)
	configViper.SetDefault("divergence.auto_repair", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		CookieName:    configViper.GetString("auth.cookie_name"),
		AdminRole:     configViper.GetString("auth.admin_role"),
		AutoCreate:    configViper.GetBool("documents.auto_create"),
		WebSocket: WebSocketConfig{
			ReadLimitBytes: configViper.GetInt64("websocket.read_limit_bytes"),
			WriteTimeout:   configViper.GetDuration("websocket.write_timeout"),
			IdleTimeout:    configViper.GetDuration("websocket.idle_timeout"),
			SendBuffer:     configViper.GetInt("websocket.send_buffer"),
		},
		Fanout: FanoutConfig{
			RedisURL:       strings.TrimSpace(configViper.GetString("fanout.redis_url")),
			ChannelPrefix:  configViper.GetString("fanout.channel_prefix"),
			ConnectTimeout: configViper.GetDuration("fanout.connect_timeout"),
		},
		Compaction: CompactionConfig{
			Interval:             configViper.GetDuration("compaction.interval"),
			MinUpdateCount:       configViper.GetInt("compaction.min_update_count"),
			Age:                  configViper.GetDuration("compaction.age"),
			Retention:            configViper.GetDuration("compaction.retention"),
			BatchSize:            configViper.GetInt("compaction.batch_size"),
			MaxDocumentsPerCycle: configViper.GetInt("compaction.max_documents_per_cycle"),
		},
		Snapshots: SnapshotConfig{
			Interval:  configViper.GetDuration("snapshots.interval"),
			MaxAge:    configViper.GetDuration("snapshots.max_age"),
			BatchSize: configViper.GetInt("snapshots.batch_size"),
		},
		Divergence: DivergenceConfig{
			Interval:   configViper.GetDuration("divergence.interval"),
			BatchSize:  configViper.GetInt("divergence.batch_size"),
			AutoRepair: configViper.GetBool("divergence.auto_repair"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AdminRole) == "" {
		return fmt.Errorf("auth.admin_role is required")
	}
	if c.LogFormat != LogFormatJSON && c.LogFormat != LogFormatConsole {
		return fmt.Errorf("log.format must be %q or %q", LogFormatJSON, LogFormatConsole)
	}
	for key, interval := range map[string]time.Duration{
		"compaction.interval": c.Compaction.Interval,
		"snapshots.interval":  c.Snapshots.Interval,
		"divergence.interval": c.Divergence.Interval,
	} {
		if interval <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
