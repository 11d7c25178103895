package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "secret")
	t.Setenv("NOTICE_INTERVAL", "2s")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageBackend != BackendSQLite || cfg.SQLitePath == "" {
		t.Fatalf("unexpected backend defaults: %+v", cfg)
	}
	if cfg.NoticeInterval != 2*time.Second || !cfg.Debug || cfg.LocalAuthSharedSecret != "secret" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unexpected port %q", cfg.Port)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kando.yaml")
	body := strings.Join([]string{
		"storageBackend: postgres",
		"databaseUrl: postgres://file",
		"localAuthSharedSecret: from-file",
		"cacheTtl: 1m",
		"port: \"9000\"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageBackend != BackendPostgres || cfg.DatabaseURL != "postgres://env" {
		t.Fatalf("unexpected storage config: %+v", cfg)
	}
	if cfg.CacheTTL != time.Minute || cfg.Port != "9000" || cfg.LocalAuthSharedSecret != "from-file" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.NoticeInterval != 4*time.Second {
		t.Fatalf("default notice interval lost: %v", cfg.NoticeInterval)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no auth", map[string]string{}, "missing auth config"},
		{"bad duration", map[string]string{"LOCAL_AUTH_SHARED_SECRET": "s", "CACHE_TTL": "soon"}, "invalid CACHE_TTL"},
		{"bad debug", map[string]string{"LOCAL_AUTH_SHARED_SECRET": "s", "DEBUG": "maybe"}, "invalid DEBUG"},
		{"unknown backend", map[string]string{"LOCAL_AUTH_SHARED_SECRET": "s", "STORAGE_BACKEND": "mongo"}, "unsupported STORAGE_BACKEND"},
		{"tables without connection", map[string]string{"LOCAL_AUTH_SHARED_SECRET": "s", "STORAGE_BACKEND": "tables"}, "missing storage config"},
		{"auth0 without audience", map[string]string{"AUTH0_DOMAIN": "tenant.auth0.com"}, "missing AUTH0_AUDIENCE"},
		{"zero notice interval", map[string]string{"LOCAL_AUTH_SHARED_SECRET": "s", "NOTICE_INTERVAL": "0s"}, "invalid NOTICE_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
