package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"p4rpc/rpcerr"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p4rpc.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayers(t *testing.T) {
	path := writeFile(t, `
port = "ssl:edge:1667"
user = "file-user"
client = "ws-file"
charset = "shiftjis"
command_timeout = "30s"
servers = ["edge1:1666", "edge2:1666"]
balancer = "consistent_hash"
`)
	t.Setenv("P4USER", "env-user")
	t.Setenv("P4RPC_COMPRESS", "true")
	t.Setenv("P4RPC_ETCD", "10.0.0.1:2379,10.0.0.2:2379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "ssl:edge:1667" || cfg.Client != "ws-file" || cfg.Charset != "shiftjis" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.User != "env-user" {
		t.Fatalf("environment must override the file, got user %q", cfg.User)
	}
	if !cfg.Compress {
		t.Fatal("expect compression from environment")
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Fatalf("expect 30s command timeout, got %v", cfg.CommandTimeout)
	}
	if len(cfg.Servers) != 2 || len(cfg.Etcd) != 2 || cfg.Balancer != BalancerConsistentHash {
		t.Fatalf("discovery settings not applied: %+v", cfg)
	}
	if cfg.ProgName != "p4rpc" || cfg.DialTimeout != 10*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("P4PORT", "1666")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	addr, err := cfg.Address()
	if err != nil {
		t.Fatal(err)
	}
	if addr.Host != "localhost" || addr.Port != 1666 {
		t.Fatalf("unexpected address %+v", addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = "bogus://x:1" }},
		{"bad charset", func(c *Config) { c.Charset = "klingon" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad balancer", func(c *Config) { c.Balancer = "random" }},
		{"negative retries", func(c *Config) { c.Retries = -1 }},
		{"no server", func(c *Config) { c.Port = "" }},
		{"bad server", func(c *Config) { c.Servers = []string{"host:99999"} }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mod(&cfg)
		if err := cfg.Validate(); !rpcerr.Is(err, rpcerr.Syntax) {
			t.Fatalf("%s: expect syntax error, got %v", tt.name, err)
		}
	}
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := writeFile(t, "port = [")
	if _, err := Load(path); !rpcerr.Is(err, rpcerr.Syntax) {
		t.Fatalf("expect syntax error, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !rpcerr.Is(err, rpcerr.Syntax) {
		t.Fatalf("expect syntax error for a missing file, got %v", err)
	}
}
