package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendTables   = "tables"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	StorageBackend   string `yaml:"storageBackend"`
	ConnectionString string `yaml:"connectionString"`
	ColumnsTable     string `yaml:"columnsTable"`
	TasksTable       string `yaml:"tasksTable"`
	ProfilesTable    string `yaml:"profilesTable"`
	CountersTable    string `yaml:"countersTable"`
	ChangeQueue      string `yaml:"changeQueue"`
	DatabaseURL      string `yaml:"databaseUrl"`
	SQLitePath       string `yaml:"sqlitePath"`

	// Redis is optional; without it reads are uncached and in-flight
	// markers stay in process.
	RedisConnectionString string        `yaml:"redisConnectionString"`
	CacheTTL              time.Duration `yaml:"cacheTtl"`
	LockTTL               time.Duration `yaml:"lockTtl"`

	Auth0Domain           string        `yaml:"auth0Domain"`
	Auth0Audience         string        `yaml:"auth0Audience"`
	LocalAuthSharedSecret string        `yaml:"localAuthSharedSecret"`
	RoleClaim             string        `yaml:"roleClaim"`
	JWKSCacheTTL          time.Duration `yaml:"jwksCacheTtl"`

	SettingsPath   string        `yaml:"settingsPath"`
	NoticeInterval time.Duration `yaml:"noticeInterval"`
	Port           string        `yaml:"port"`
	Debug          bool          `yaml:"debug"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		StorageBackend: BackendSQLite,
		ColumnsTable:   "columns",
		TasksTable:     "tasks",
		ProfilesTable:  "profiles",
		CountersTable:  "counters",
		SQLitePath:     "./data/kando.db",
		CacheTTL:       30 * time.Second,
		LockTTL:        30 * time.Second,
		RoleClaim:      "https://kando.app/role",
		JWKSCacheTTL:   15 * time.Minute,
		SettingsPath:   "./data/settings.yaml",
		NoticeInterval: 4 * time.Second,
		Port:           "8080",
	}
}

// Load applies the YAML file at path (if any) over the defaults, then
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"STORAGE_BACKEND":           &c.StorageBackend,
		"STORAGE_CONNECTION_STRING": &c.ConnectionString,
		"COLUMNS_TABLE":             &c.ColumnsTable,
		"TASKS_TABLE":               &c.TasksTable,
		"PROFILES_TABLE":            &c.ProfilesTable,
		"COUNTERS_TABLE":            &c.CountersTable,
		"CHANGE_QUEUE":              &c.ChangeQueue,
		"DATABASE_URL":              &c.DatabaseURL,
		"SQLITE_PATH":               &c.SQLitePath,
		"REDIS_CONNECTION_STRING":   &c.RedisConnectionString,
		"AUTH0_DOMAIN":              &c.Auth0Domain,
		"AUTH0_AUDIENCE":            &c.Auth0Audience,
		"LOCAL_AUTH_SHARED_SECRET":  &c.LocalAuthSharedSecret,
		"ROLE_CLAIM":                &c.RoleClaim,
		"SETTINGS_PATH":             &c.SettingsPath,
		"PORT":                      &c.Port,
	}
	for key, dst := range strs {
		*dst = getenv(key, *dst)
	}

	durations := map[string]*time.Duration{
		"CACHE_TTL":       &c.CacheTTL,
		"LOCK_TTL":        &c.LockTTL,
		"JWKS_CACHE_TTL":  &c.JWKSCacheTTL,
		"NOTICE_INTERVAL": &c.NoticeInterval,
	}
	for key, dst := range durations {
		d, err := getenvDuration(key, *dst)
		if err != nil {
			return err
		}
		*dst = d
	}

	if v := os.Getenv("DEBUG"); v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG: %w", err)
		}
		c.Debug = dbg
	}
	return nil
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendTables:
		if c.ConnectionString == "" || c.ColumnsTable == "" || c.TasksTable == "" || c.CountersTable == "" {
			return errors.New("missing storage config")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("missing DATABASE_URL")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("missing SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.Auth0Domain == "" && c.LocalAuthSharedSecret == "" {
		return errors.New("missing auth config: set AUTH0_DOMAIN or LOCAL_AUTH_SHARED_SECRET")
	}
	if c.Auth0Domain != "" && c.Auth0Audience == "" {
		return errors.New("missing AUTH0_AUDIENCE")
	}
	if c.NoticeInterval <= 0 {
		return errors.New("invalid NOTICE_INTERVAL: must be greater than zero")
	}
	if c.LockTTL <= 0 {
		return errors.New("invalid LOCK_TTL: must be greater than zero")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
