// Package config loads runtime settings from environment variables, with an
// optional YAML file overlay, following the env-var-first pattern the
// teacher's pkg/config uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envListenAddr             = "UWSPROXY_LISTEN_ADDR"
	envConfigFile             = "UWSPROXY_CONFIG_FILE"
	envBackendHost            = "UWSPROXY_BACKEND_HOST"
	envBackendPort            = "UWSPROXY_BACKEND_PORT"
	envBackendTLS             = "UWSPROXY_BACKEND_TLS"
	envBackendInsecure        = "UWSPROXY_BACKEND_INSECURE_SKIP_VERIFY"
	envBackendServerName      = "UWSPROXY_BACKEND_SERVER_NAME"
	envMaxConnectionsByHost   = "UWSPROXY_MAX_CONNECTIONS_BY_HOST"
	envMaxStackedBuffers      = "UWSPROXY_MAX_STACKED_BUFFERS"
	envRequestTimeout         = "UWSPROXY_REQUEST_TIMEOUT"
	envConnectionTimeout      = "UWSPROXY_CONNECTION_TIMEOUT"
	envReconnectionAttempts   = "UWSPROXY_RECONNECTION_ATTEMPTS"
	envReconnectionDelay      = "UWSPROXY_RECONNECTION_DELAY"
	envConnectionWatcherEvery = "UWSPROXY_CONNECTION_WATCHER_INTERVAL"
	envKeepAlive              = "UWSPROXY_KEEP_ALIVE"
	envMaxPipelinedRequests   = "UWSPROXY_MAX_PIPELINED_REQUESTS"
	envMaxConcurrentDials     = "UWSPROXY_MAX_CONCURRENT_DIALS"
	envLogLevel               = "UWSPROXY_LOG_LEVEL"
	envMetricsAddr            = "UWSPROXY_METRICS_ADDR"
	envGracefulShutdown       = "UWSPROXY_GRACEFUL_SHUTDOWN"

	defaultListenAddr    = "0.0.0.0:8080"
	defaultMetricsAddr   = "127.0.0.1:9090"
	defaultLogLevel      = "info"
	defaultGracefulShutdown = 10 * time.Second
)

// Config is the fully resolved runtime configuration for cmd/uwsproxyd.
type Config struct {
	ListenAddr              string
	MetricsAddr             string
	LogLevel                string
	GracefulShutdownTimeout time.Duration

	BackendHost               string
	BackendPort               int
	BackendTLS                bool
	BackendInsecureSkipVerify bool
	BackendServerName         string

	MaxConnectionsByHost             int
	MaxStackedBuffers                int
	MaxPipelinedRequestsByConnection int
	MaxConcurrentDials               int64
	RequestTimeout                   time.Duration
	ConnectionTimeout                time.Duration
	ReconnectionAttempts             int
	ReconnectionDelay                time.Duration
	ConnectionWatcherInterval        time.Duration
	KeepAlive                        time.Duration
}

// fileOverlay is the subset of Config a YAML file may override; fields left
// zero-valued in the file do not override an environment-derived value.
type fileOverlay struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	Backend     struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		TLS                bool   `yaml:"tls"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		ServerName         string `yaml:"server_name"`
	} `yaml:"backend"`
}

// Load reads configuration from environment variables, applying a YAML
// overlay from UWSPROXY_CONFIG_FILE if set, and validates required values.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:                        getString(envListenAddr, defaultListenAddr),
		MetricsAddr:                       getString(envMetricsAddr, defaultMetricsAddr),
		LogLevel:                          strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		GracefulShutdownTimeout:           getDuration(envGracefulShutdown, defaultGracefulShutdown),
		BackendHost:                       getString(envBackendHost, "127.0.0.1"),
		BackendPort:                       getInt(envBackendPort, 0),
		BackendTLS:                        getBool(envBackendTLS, false),
		BackendInsecureSkipVerify:         getBool(envBackendInsecure, false),
		BackendServerName:                 strings.TrimSpace(os.Getenv(envBackendServerName)),
		MaxConnectionsByHost:              getInt(envMaxConnectionsByHost, 10),
		MaxStackedBuffers:                 getInt(envMaxStackedBuffers, 4096),
		MaxPipelinedRequestsByConnection:  getInt(envMaxPipelinedRequests, 100000),
		MaxConcurrentDials:                int64(getInt(envMaxConcurrentDials, 64)),
		RequestTimeout:                    getDuration(envRequestTimeout, 300000*time.Millisecond),
		ConnectionTimeout:                 getDuration(envConnectionTimeout, 5000*time.Millisecond),
		ReconnectionAttempts:              getInt(envReconnectionAttempts, 3),
		ReconnectionDelay:                 getDuration(envReconnectionDelay, 1000*time.Millisecond),
		ConnectionWatcherInterval:         getDuration(envConnectionWatcherEvery, 1000*time.Millisecond),
		KeepAlive:                         getDuration(envKeepAlive, 5000*time.Millisecond),
	}

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if cfg.BackendPort == 0 {
		return Config{}, errors.New("backend port is required (UWSPROXY_BACKEND_PORT or config file backend.port)")
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if overlay.ListenAddr != "" {
		cfg.ListenAddr = overlay.ListenAddr
	}
	if overlay.MetricsAddr != "" {
		cfg.MetricsAddr = overlay.MetricsAddr
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(overlay.LogLevel)
	}
	if overlay.Backend.Host != "" {
		cfg.BackendHost = overlay.Backend.Host
	}
	if overlay.Backend.Port != 0 {
		cfg.BackendPort = overlay.Backend.Port
	}
	if overlay.Backend.TLS {
		cfg.BackendTLS = true
	}
	if overlay.Backend.InsecureSkipVerify {
		cfg.BackendInsecureSkipVerify = true
	}
	if overlay.Backend.ServerName != "" {
		cfg.BackendServerName = overlay.Backend.ServerName
	}

	return nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
