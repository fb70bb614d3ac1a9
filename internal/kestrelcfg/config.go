// Package kestrelcfg defines the CLI flag surface of spec.md §6 and binds
// it with github.com/spf13/pflag, the flag library the wider example pack
// (caddy, moat) reaches for — the teacher itself is env-var configured and
// has no flag parsing to imitate directly.
package kestrelcfg

import (
	"fmt"

	"github.com/spf13/pflag"
)

// DefaultCacheBytes is --cache-bytes' default (spec.md §6: "64 MiB").
const DefaultCacheBytes = 64 * 1024 * 1024

// Exit codes per spec.md §6.
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitBindFailure = 2
)

// Config is the bound CLI flag surface.
type Config struct {
	Host           string
	Port           int
	BlacklistPath  string
	AuthFilePath   string
	CacheEnabled   bool
	CacheBytes     int64
	LogDir         string
	MaxConnections int
}

// RegisterFlags binds fs to cfg's fields with spec.md §6's exact flag
// names.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", "0.0.0.0", "bind address")
	fs.IntVar(&cfg.Port, "port", 8080, "listen port")
	fs.StringVar(&cfg.BlacklistPath, "blacklist", "", "path to ACL blacklist file")
	fs.StringVar(&cfg.AuthFilePath, "auth-file", "", "path to credential file (optional)")
	fs.BoolVar(&cfg.CacheEnabled, "cache", false, "enable the response cache")
	fs.Int64Var(&cfg.CacheBytes, "cache-bytes", DefaultCacheBytes, "cache capacity in bytes")
	fs.StringVar(&cfg.LogDir, "log-dir", "", "directory for log files (stderr if empty)")
	fs.IntVar(&cfg.MaxConnections, "max-connections", 1024, "maximum concurrent connections")
}

// Validate reports a fatal config error (spec.md §6 exit code 1).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid --port: %d", c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("invalid --max-connections: %d", c.MaxConnections)
	}
	if c.CacheEnabled && c.CacheBytes <= 0 {
		return fmt.Errorf("invalid --cache-bytes: %d", c.CacheBytes)
	}
	return nil
}
