package config

import (
	"os"
	"path/filepath"
	"testing"
)

type testCfg struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_NAME", "expanded")
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("name: ${TEST_NAME}\nport: 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg testCfg
	if err := Load(path, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "expanded" || cfg.Port != 8080 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testCfg
	if err := Load("/nonexistent/cfg.yaml", &cfg); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestLoadOptionalMissingFileKeepsDefaults(t *testing.T) {
	cfg := testCfg{Name: "default", Port: 1}
	if err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "default" || cfg.Port != 1 {
		t.Fatalf("cfg = %+v, defaults must survive", cfg)
	}
}

type validatingCfg struct {
	Port int `yaml:"port"`
}

func (c *validatingCfg) Validate() error {
	if c.Port <= 0 {
		return os.ErrInvalid
	}
	return nil
}

func TestLoadRunsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("port: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var cfg validatingCfg
	if err := Load(path, &cfg); err == nil {
		t.Fatal("validation failure should surface")
	}
}
