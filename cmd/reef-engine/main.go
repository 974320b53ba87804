package main

// Reef is a rolling firmware update engine for Redfish BMC fleets.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"reef/internal/bmc"
	"reef/internal/engine"
	"reef/internal/hypervisor"
	"reef/internal/logging"
	"reef/internal/metrics"
	"reef/internal/store"
	"reef/internal/throttle"
	"reef/pkg/crypto"
	"reef/pkg/models"
)

// Config holds runtime configuration for the engine. Values come from
// environment variables; flags override them.
type Config struct {
	HTTPAddr       string        // REEF_HTTP_ADDR
	DBPath         string        // REEF_DB_PATH
	CredPassphrase string        // REEF_CRED_PASSPHRASE (do not log value)
	BackupDir      string        // REEF_BACKUP_DIR
	PollInterval   time.Duration // REEF_POLL_INTERVAL
	MaxConcurrent  int           // REEF_MAX_CONCURRENT_BMC
	RequestDelay   time.Duration // REEF_REQUEST_DELAY
	InsecureTLS    bool          // REEF_INSECURE_TLS
	HypervisorMode string        // REEF_HYPERVISOR_MODE: noop
	LogLevel       string        // REEF_LOG_LEVEL: info|debug
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:       ":8090",
		DBPath:         "./reef.db",
		BackupDir:      "./backups",
		PollInterval:   engine.DefaultPollInterval,
		MaxConcurrent:  throttle.DefaultMaxConcurrent,
		RequestDelay:   throttle.DefaultRequestDelay,
		InsecureTLS:    true, // BMCs almost universally run self-signed certs
		HypervisorMode: "noop",
		LogLevel:       "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:       getenv("REEF_HTTP_ADDR", def.HTTPAddr),
		DBPath:         getenv("REEF_DB_PATH", def.DBPath),
		CredPassphrase: os.Getenv("REEF_CRED_PASSPHRASE"),
		BackupDir:      getenv("REEF_BACKUP_DIR", def.BackupDir),
		PollInterval:   getenvDuration("REEF_POLL_INTERVAL", def.PollInterval),
		MaxConcurrent:  getenvInt("REEF_MAX_CONCURRENT_BMC", def.MaxConcurrent),
		RequestDelay:   getenvDuration("REEF_REQUEST_DELAY", def.RequestDelay),
		InsecureTLS:    getenvBool("REEF_INSECURE_TLS", def.InsecureTLS),
		HypervisorMode: getenv("REEF_HYPERVISOR_MODE", def.HypervisorMode),
		LogLevel:       getenv("REEF_LOG_LEVEL", def.LogLevel),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env REEF_HTTP_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env REEF_DB_PATH)")
	flag.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "SCP backup directory (env REEF_BACKUP_DIR)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Job poll interval (env REEF_POLL_INTERVAL)")
	flag.IntVar(&cfg.MaxConcurrent, "max-concurrent-bmc", cfg.MaxConcurrent, "Global concurrent BMC request cap (env REEF_MAX_CONCURRENT_BMC)")
	flag.DurationVar(&cfg.RequestDelay, "request-delay", cfg.RequestDelay, "Minimum spacing between requests to one BMC (env REEF_REQUEST_DELAY)")
	flag.BoolVar(&cfg.InsecureTLS, "insecure-tls", cfg.InsecureTLS, "Skip BMC certificate verification (env REEF_INSECURE_TLS)")
	flag.StringVar(&cfg.HypervisorMode, "hypervisor-mode", cfg.HypervisorMode, "Hypervisor backend: noop (env REEF_HYPERVISOR_MODE)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env REEF_LOG_LEVEL)")

	flag.Parse()
	return cfg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newMux(st *store.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func main() {
	cfg := parseConfig()
	logger := logging.New(cfg.LogLevel)

	logger.Info("reef-engine starting",
		"addr", cfg.HTTPAddr,
		"db", cfg.DBPath,
		"backup_dir", cfg.BackupDir,
		"poll_interval", cfg.PollInterval,
		"max_concurrent_bmc", cfg.MaxConcurrent,
		"request_delay", cfg.RequestDelay,
		"insecure_tls", cfg.InsecureTLS,
		"hypervisor_mode", cfg.HypervisorMode,
		"cred_passphrase", crypto.RedactSecret(cfg.CredPassphrase),
	)

	var enc *crypto.Encryptor
	if cfg.CredPassphrase != "" {
		var err error
		enc, err = crypto.NewEncryptor(cfg.CredPassphrase)
		if err != nil {
			logger.Error("credential encryptor init failed", "err", err.Error())
			os.Exit(1)
		}
	} else {
		logger.Warn("REEF_CRED_PASSPHRASE not set; BMC credentials will be stored in the clear")
	}

	st, err := store.Open(context.Background(), cfg.DBPath, enc)
	if err != nil {
		logger.Error("open store failed", "err", err.Error())
		os.Exit(1)
	}
	defer st.Close()

	settings := throttle.DefaultSettings()
	settings.MaxConcurrent = cfg.MaxConcurrent
	settings.RequestDelay = cfg.RequestDelay
	thr := throttle.New(settings, cfg.InsecureTLS, logger)

	var hyp hypervisor.Client
	switch cfg.HypervisorMode {
	default:
		hyp = hypervisor.NewNoopClient(logger, 100*time.Millisecond)
	}

	newBMC := func(ep models.BMCEndpoint) engine.BMC {
		return bmc.New(ep, thr, logger)
	}
	poller := engine.NewPoller(st, hyp, newBMC, logger, cfg.PollInterval, cfg.BackupDir)

	pollCtx, pollCancel := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(pollCtx)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(st),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal; shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "err", err.Error())
	}

	pollCancel()
	<-pollerDone

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err.Error())
	} else {
		logger.Info("server stopped")
	}
}
