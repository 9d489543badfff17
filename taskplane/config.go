package main

import (
	"fmt"
	"os"
	"time"
)

// Config is the process configuration read from the environment.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	RedisAddr      string
	BackupDir      string
	DispatchTick   time.Duration
	TimeoutSeconds int
	MaxConcurrent  int
}

func loadConfig() Config {
	cfg := Config{
		ListenAddr:     ":8080",
		BackupDir:      "./backups",
		DispatchTick:   1 * time.Second,
		TimeoutSeconds: 300,
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if v := os.Getenv("BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("DISPATCH_TICK_MS"); v != "" {
		var ms int
		fmt.Sscanf(v, "%d", &ms)
		if ms > 0 {
			cfg.DispatchTick = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DEFAULT_TIMEOUT_SECONDS"); v != "" {
		var s int
		fmt.Sscanf(v, "%d", &s)
		if s > 0 {
			cfg.TimeoutSeconds = s
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			cfg.MaxConcurrent = n
		}
	}
	return cfg
}
