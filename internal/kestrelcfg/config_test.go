package kestrelcfg

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestRegisterFlags_Defaults(t *testing.T) {
	var cfg Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, &cfg)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Host != "0.0.0.0" || cfg.Port != 8080 || cfg.MaxConnections != 1024 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CacheBytes != DefaultCacheBytes {
		t.Fatalf("CacheBytes = %d, want %d", cfg.CacheBytes, DefaultCacheBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRegisterFlags_ParsesOverrides(t *testing.T) {
	var cfg Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, &cfg)
	err := fs.Parse([]string{"--port=9090", "--cache", "--blacklist=/tmp/bl.txt"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 9090 || !cfg.CacheEnabled || cfg.BlacklistPath != "/tmp/bl.txt" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := Config{Port: 0, MaxConnections: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for port 0")
	}
}

func TestValidate_RejectsBadCacheBytes(t *testing.T) {
	cfg := Config{Port: 8080, MaxConnections: 1, CacheEnabled: true, CacheBytes: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero cache bytes")
	}
}
