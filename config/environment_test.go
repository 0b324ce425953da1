package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":      environmentDevelopment,
		"PROD":  environmentProduction,
		" stag": environmentStaging,
		"qa":    "qa",
	}
	for in, want := range cases {
		t.Setenv(appEnvVar, in)
		if got := AppEnvironment(); got != want {
			t.Errorf("APP_ENV=%q: got %q want %q", in, got, want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv(appEnvVar, "production")

	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("expected default path without env file, got %s", got)
	}

	envFile := filepath.Join("config", "config.production.yml")
	if err := os.WriteFile(envFile, []byte("symbol: BTCUSDT\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if got := ResolvePath(DefaultPath); got != "config/config.production.yml" {
		t.Fatalf("expected env specific path, got %s", got)
	}
	if got := ResolvePath("custom.yml"); got != "custom.yml" {
		t.Fatalf("explicit path must win, got %s", got)
	}
}
