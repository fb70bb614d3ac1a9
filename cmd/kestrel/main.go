package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelproxy/kestrel/internal/acl"
	"github.com/kestrelproxy/kestrel/internal/authgate"
	"github.com/kestrelproxy/kestrel/internal/cache"
	"github.com/kestrelproxy/kestrel/internal/connstats"
	"github.com/kestrelproxy/kestrel/internal/kestrelcfg"
	"github.com/kestrelproxy/kestrel/internal/proxyserver"
	"github.com/kestrelproxy/kestrel/internal/statslog"
)

// maxEntryFraction caps a single cache entry at 1/8 of the overall budget,
// since spec.md's CLI surface only exposes one size knob (--cache-bytes).
const maxEntryFraction = 8

func main() {
	cfg := &kestrelcfg.Config{}
	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Kestrel forward HTTP/1.1 proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	kestrelcfg.RegisterFlags(root.Flags(), cfg)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(kestrelcfg.ExitConfigError)
	}
}

func run(cfg *kestrelcfg.Config) error {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(kestrelcfg.ExitConfigError)
	}

	// Phase 1: gating rules.
	var aclRules []acl.Rule
	if cfg.BlacklistPath != "" {
		f, err := os.Open(cfg.BlacklistPath)
		if err != nil {
			fatalConfig("open blacklist: %v", err)
		}
		aclRules, err = acl.Load(f)
		f.Close()
		if err != nil {
			fatalConfig("load blacklist: %v", err)
		}
	}
	aclSet := acl.New(aclRules)
	log.Printf("ACL loaded: %d rules", len(aclRules))

	// Phase 2: auth gate.
	var gate *authgate.Gate
	if cfg.AuthFilePath != "" {
		f, err := os.Open(cfg.AuthFilePath)
		if err != nil {
			fatalConfig("open auth file: %v", err)
		}
		creds, err := authgate.Load(f)
		f.Close()
		if err != nil {
			fatalConfig("load auth file: %v", err)
		}
		gate = authgate.New(creds)
		log.Printf("Auth gate loaded: %d credentials", len(creds))
	}

	// Phase 3: cache.
	var c *cache.Cache
	if cfg.CacheEnabled {
		maxEntry := cfg.CacheBytes / maxEntryFraction
		if maxEntry <= 0 {
			maxEntry = cfg.CacheBytes
		}
		c = cache.New(cfg.CacheBytes, maxEntry)
		log.Printf("Cache enabled: capacity=%d bytes max_entry=%d bytes", cfg.CacheBytes, maxEntry)
	}

	// Phase 4: stats logger.
	logger, closeLogger, err := newLogger(cfg.LogDir)
	if err != nil {
		fatalConfig("open log dir: %v", err)
	}
	defer closeLogger()

	// Phase 5: handler + listener.
	stats := &connstats.Stats{}
	handler := proxyserver.NewHandler(aclSet, gate, c, logger, stats)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: listen %s: %v\n", addr, err)
		os.Exit(kestrelcfg.ExitBindFailure)
	}
	log.Printf("Kestrel listening on %s", addr)

	listener := proxyserver.NewListener(ln, handler, int64(cfg.MaxConnections))

	serveCtx, cancelServe := context.WithCancel(context.Background())
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- listener.Serve(serveCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
	case err := <-serveErrCh:
		cancelServe()
		if err != nil {
			log.Printf("Accept loop stopped: %v", err)
			return err
		}
	}

	cancelServe()
	if err := listener.Close(); err != nil {
		log.Printf("Listener close error: %v", err)
	}
	<-serveErrCh
	log.Printf("Shutdown complete: accepted=%d allowed=%d blocked=%d auth_fails=%d errors=%d",
		stats.Accepted.Load(), stats.Allowed.Load(), stats.Blocked.Load(),
		stats.AuthFails.Load(), stats.Errors.Load())
	return nil
}

// newLogger opens the StatsLogger sink: a file under logDir, or stderr if
// logDir is empty.
func newLogger(logDir string) (statslog.Logger, func(), error) {
	if logDir == "" {
		return statslog.New(os.Stderr), func() {}, nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(logDir, fmt.Sprintf("kestrel-%s.log", time.Now().UTC().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return statslog.New(f), func() { f.Close() }, nil
}

func fatalConfig(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(kestrelcfg.ExitConfigError)
}
