// Package config loads vfsd configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfs"
)

// Config holds all vfsd configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database, optional; enables junction persistence
	DatabaseURL string

	// File object cache
	CachePolicy       string
	CacheLRUSize      int
	CachePollInterval time.Duration

	// Replicas of non-local container files
	ReplicaDir     string
	ReplicaMaxSize int64

	// Local file names: posix or windows
	LocalPathStyle string

	// S3 storage
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	// Mounts, optional
	WebDAVRoot     string
	FUSEMountpoint string
	FUSERoot       string

	// Change monitor, optional; comma separated URIs
	MonitorURIs      []string
	MonitorInterval  time.Duration
	MonitorRecursive bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		CachePolicy:       envOr("CACHE_POLICY", vfs.PolicyStrong),
		CacheLRUSize:      envInt("CACHE_LRU_SIZE", 100),
		CachePollInterval: envDuration("CACHE_POLL_INTERVAL", time.Second),
		ReplicaDir:        envOr("REPLICA_DIR", ""),
		ReplicaMaxSize:    envInt64("REPLICA_MAX_SIZE", 1<<30), // 1GB default
		LocalPathStyle:    envOr("LOCAL_PATH_STYLE", "posix"),
		S3Endpoint:        envOr("S3_ENDPOINT", ""),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3AccessKey:       envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:       envOr("S3_SECRET_KEY", ""),
		S3UseSSL:          envBool("S3_USE_SSL", true),
		WebDAVRoot:        envOr("WEBDAV_ROOT", ""),
		FUSEMountpoint:    envOr("FUSE_MOUNTPOINT", ""),
		FUSERoot:          envOr("FUSE_ROOT", ""),
		MonitorURIs:       envList("MONITOR_URIS"),
		MonitorInterval:   envDuration("MONITOR_INTERVAL", vfs.DefaultMonitorInterval),
		MonitorRecursive:  envBool("MONITOR_RECURSIVE", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	var errs []error
	switch c.CachePolicy {
	case vfs.PolicyStrong, vfs.PolicyReclaimable, vfs.PolicyLRU:
	default:
		errs = append(errs, fmt.Errorf("CACHE_POLICY %q: want strong, soft or lru", c.CachePolicy))
	}
	if c.CacheLRUSize < 1 {
		errs = append(errs, fmt.Errorf("CACHE_LRU_SIZE %d: must be positive", c.CacheLRUSize))
	}
	if c.CachePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_POLL_INTERVAL %s: must be positive", c.CachePollInterval))
	}
	if _, ok := name.ParseLocalStyle(c.LocalPathStyle); !ok {
		errs = append(errs, fmt.Errorf("LOCAL_PATH_STYLE %q: want posix or windows", c.LocalPathStyle))
	}
	if c.ReplicaDir != "" && c.ReplicaMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("REPLICA_MAX_SIZE %d: must be positive", c.ReplicaMaxSize))
	}
	if len(c.MonitorURIs) > 0 && c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("MONITOR_INTERVAL %s: must be positive", c.MonitorInterval))
	}
	if c.FUSEMountpoint != "" && c.FUSERoot == "" {
		errs = append(errs, errors.New("FUSE_MOUNTPOINT needs FUSE_ROOT"))
	}
	return errors.Join(errs...)
}

// LocalStyle returns the parsed LocalPathStyle.
func (c *Config) LocalStyle() name.LocalStyle {
	style, _ := name.ParseLocalStyle(c.LocalPathStyle)
	return style
}

// S3EndpointURL returns S3Endpoint with a scheme chosen by S3UseSSL when
// it has none. An empty endpoint means AWS.
func (c *Config) S3EndpointURL() string {
	if c.S3Endpoint == "" || strings.Contains(c.S3Endpoint, "://") {
		return c.S3Endpoint
	}
	if c.S3UseSSL {
		return "https://" + c.S3Endpoint
	}
	return "http://" + c.S3Endpoint
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
