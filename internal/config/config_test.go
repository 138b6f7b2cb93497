// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, validation, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes content to a temp config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
server:
  addr: ":8080"

upstream:
  url: "https://content.example.com"
  timeout: "15s"

auth:
  session_secret: "test-secret"
  callback_issuer: "sync.example.com"
  allowed_labels:
    - builder
    - patron
  registration_url: "https://example.com/join"
  upgrade_url: "https://example.com/upgrade"

passkey:
  rp_id: "example.com"
  rp_display_name: "Example"
  origin: "https://example.com"

directory:
  url: "https://directory.example.com"
  api_key: "dir-key"

database:
  path: "./test.db"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Upstream.Timeout != 15*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 15s", cfg.Upstream.Timeout)
	}
	if len(cfg.Auth.AllowedLabels) != 2 || cfg.Auth.AllowedLabels[0] != "builder" {
		t.Errorf("AllowedLabels = %v, want [builder patron]", cfg.Auth.AllowedLabels)
	}
	if cfg.Passkey.RPID != "example.com" {
		t.Errorf("Passkey.RPID = %q, want %q", cfg.Passkey.RPID, "example.com")
	}
}

func TestLoad_Defaults(t *testing.T) {
	minimal := strings.Replace(validConfig, `timeout: "15s"`, "", 1)
	minimal = strings.Replace(minimal, `addr: ":8080"`, "", 1)
	path := writeConfig(t, minimal)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default Server.Addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("default Upstream.Timeout = %v, want 30s", cfg.Upstream.Timeout)
	}
	if cfg.Directory.Timeout != 10*time.Second {
		t.Errorf("default Directory.Timeout = %v, want 10s", cfg.Directory.Timeout)
	}
	if cfg.Mail.Mode != "log" {
		t.Errorf("default Mail.Mode = %q, want %q", cfg.Mail.Mode, "log")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "expanded-secret")

	content := strings.Replace(validConfig, `session_secret: "test-secret"`, `session_secret: "${WARDEN_TEST_SECRET}"`, 1)
	path := writeConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.SessionSecret != "expanded-secret" {
		t.Errorf("SessionSecret = %q, want expanded value", cfg.Auth.SessionSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validConfig, `timeout: "15s"`, `timeout: "soon"`, 1)
	path := writeConfig(t, content)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "upstream.timeout") {
		t.Errorf("expected duration parse error, got %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{
			name:    "missing upstream url",
			mutate:  func(s string) string { return strings.Replace(s, `url: "https://content.example.com"`, "", 1) },
			wantErr: "upstream.url",
		},
		{
			name:    "missing session secret",
			mutate:  func(s string) string { return strings.Replace(s, `session_secret: "test-secret"`, "", 1) },
			wantErr: "auth.session_secret",
		},
		{
			name: "empty allowed labels",
			mutate: func(s string) string {
				return strings.Replace(s, "allowed_labels:\n    - builder\n    - patron", "allowed_labels: []", 1)
			},
			wantErr: "auth.allowed_labels",
		},
		{
			name:    "missing rp_id",
			mutate:  func(s string) string { return strings.Replace(s, `rp_id: "example.com"`, "", 1) },
			wantErr: "passkey.rp_id",
		},
		{
			name:    "missing origin",
			mutate:  func(s string) string { return strings.Replace(s, `origin: "https://example.com"`, "", 1) },
			wantErr: "passkey.origin",
		},
		{
			name:    "missing database path",
			mutate:  func(s string) string { return strings.Replace(s, `path: "./test.db"`, "", 1) },
			wantErr: "database.path",
		},
		{
			name:    "smtp without host",
			mutate:  func(s string) string { return s + "\nmail:\n  mode: smtp\n" },
			wantErr: "mail.host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.mutate(validConfig))
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
