package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
source:
  directory: ./exports
remote:
  base_url: https://api.example.com
  api_key: test-key
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Source.Method != MethodFile {
		t.Errorf("default method = %q", cfg.Source.Method)
	}
	if cfg.Source.PatientsFile != "patients.csv" {
		t.Errorf("default patients file = %q", cfg.Source.PatientsFile)
	}
	if !cfg.Sync.ContinueOnError {
		t.Error("continue_on_error should default true")
	}
	if cfg.Sync.MappingFile() != filepath.Join("data", "patient_id_map.json") {
		t.Errorf("MappingFile = %q", cfg.Sync.MappingFile())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing settings file must be fatal")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FMSYNC_REMOTE_API_KEY", "env-key")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Remote.APIKey)
	}
}

func TestLoadEnvOnlySecrets(t *testing.T) {
	// Credentials kept out of the settings file entirely and supplied
	// through the environment must survive Unmarshal and Validate.
	const noSecrets = `
source:
  directory: ./exports
remote:
  base_url: https://api.example.com
`
	t.Run("api key", func(t *testing.T) {
		t.Setenv("FMSYNC_REMOTE_API_KEY", "env-only-key")
		cfg, err := Load(writeConfig(t, noSecrets))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Remote.APIKey != "env-only-key" {
			t.Errorf("APIKey = %q", cfg.Remote.APIKey)
		}
	})

	t.Run("oauth pair", func(t *testing.T) {
		t.Setenv("FMSYNC_REMOTE_CLIENT_ID", "env-id")
		t.Setenv("FMSYNC_REMOTE_CLIENT_SECRET", "env-secret")
		cfg, err := Load(writeConfig(t, noSecrets))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Remote.ClientID != "env-id" || cfg.Remote.ClientSecret != "env-secret" {
			t.Errorf("client pair = %q %q", cfg.Remote.ClientID, cfg.Remote.ClientSecret)
		}
	})

	t.Run("database url", func(t *testing.T) {
		t.Setenv("FMSYNC_REMOTE_API_KEY", "k")
		t.Setenv("FMSYNC_SOURCE_DATABASE_URL", "postgres://localhost/staging")
		const dbMethod = `
source:
  method: db
remote:
  base_url: https://api.example.com
`
		cfg, err := Load(writeConfig(t, dbMethod))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Source.DatabaseURL != "postgres://localhost/staging" {
			t.Errorf("DatabaseURL = %q", cfg.Source.DatabaseURL)
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Source: SourceConfig{Method: MethodFile, Directory: "./exports"},
			Remote: RemoteConfig{BaseURL: "https://api.example.com", APIKey: "k"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid file method", func(c *Config) {}, false},
		{"unknown method", func(c *Config) { c.Source.Method = "odbc" }, true},
		{"db without url", func(c *Config) { c.Source.Method = MethodDB }, true},
		{"db with url", func(c *Config) {
			c.Source.Method = MethodDB
			c.Source.DatabaseURL = "postgres://localhost/staging"
		}, false},
		{"missing base url", func(c *Config) { c.Remote.BaseURL = "" }, true},
		{"no credentials", func(c *Config) { c.Remote.APIKey = "" }, true},
		{"oauth pair instead of key", func(c *Config) {
			c.Remote.APIKey = ""
			c.Remote.ClientID = "id"
			c.Remote.ClientSecret = "secret"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocator(t *testing.T) {
	s := SourceConfig{Method: MethodFile, Directory: "/exports"}
	if got := s.Locator("patients.csv", "patients"); got != filepath.Join("/exports", "patients.csv") {
		t.Errorf("Locator = %q", got)
	}

	s.Method = MethodDB
	if got := s.Locator("patients.csv", "patients"); got != "patients" {
		t.Errorf("db Locator = %q", got)
	}
}
