package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Stream      StreamConfig              `json:"stream"`
	Auth        AuthConfig                `json:"auth"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	PublicHost        string `json:"public_host"`
	DemoMode          bool   `json:"demo_mode"`
	LoginPath         string `json:"login_path"`
	DashboardPath     string `json:"dashboard_path"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StreamConfig holds the video provider credentials. AccountID and
// APIToken stay empty in demo deployments; the client refuses to start
// without them unless demo mode is on.
type StreamConfig struct {
	AccountID    string   `json:"account_id"`
	APIToken     string   `json:"api_token"`
	APIBase      string   `json:"api_base"`
	PlaybackBase string   `json:"playback_base"`
	DemoHosts    []string `json:"demo_hosts"`
}

type AuthConfig struct {
	SessionTTLMinutes      int      `json:"session_ttl_minutes"`
	RefreshTTLHours        int      `json:"refresh_ttl_hours"`
	AdminEmails            []string `json:"admin_emails"`
	HealthIntervalSeconds  int      `json:"health_interval_seconds"`
	RecoveryCooldownSecs   int      `json:"recovery_cooldown_seconds"`
	RecoveryMaxAttempts    int      `json:"recovery_max_attempts"`
	RecoveryJitterFraction float64  `json:"recovery_jitter_fraction"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, dbCfg := range cfg.Databases {
		if dbCfg.DSN != "" && !filepath.IsAbs(dbCfg.DSN) && (name == "sqlite" || name == "sqlite3") && dbCfg.DSN != ":memory:" {
			dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
			cfg.Databases[name] = dbCfg
		}
	}

	return &cfg, nil
}
