/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabaseNone     DatabaseBackend = "none"
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Engine selects how media pipelines are executed.
type Engine string

const (
	EngineProcess Engine = "process"
	EngineNative  Engine = "native"
)

// EventBackend selects where channel events are forwarded.
type EventBackend string

const (
	EventBackendNone  EventBackend = "none"
	EventBackendRedis EventBackend = "redis"
	EventBackendNATS  EventBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment  string
	LogLevel     string
	HTTPBind     string
	HTTPPort     int
	MetricsBind  string
	ChannelsFile string
	PlaylistRoot string
	InstanceID   string

	// Media pipelines
	Engine       Engine
	GStreamerBin string
	ChunkSize    int

	// Channel state persistence
	DBBackend DatabaseBackend
	DBDSN     string

	// Playlist documents stored in S3-compatible object storage (s3://bucket/key)
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Endpoint        string
	S3UsePathStyle    bool

	// RTMP push defaults, used for channels without an explicit push URI
	PushServer   string
	PushPort     int
	PushApp      string
	PushUsername string
	PushPassword string

	// Event forwarding
	EventBackend  EventBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	// LeaderElection holds RTMP pushes back until this relay wins the
	// Redis (RedisAddr) push lease.
	LeaderElection bool

	// Playlist documents are cached in Redis (RedisAddr) when the TTL is set.
	DocumentCacheTTL time.Duration

	// Control API credentials. With neither set the API is open.
	JWTSecret string
	APIKeys   []string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Defaults applied to every channel before the channels file overrides them.
	Defaults ChannelOptions

	Channels []ChannelConfig
}

// Load reads environment variables (after an optional .env file), applies
// defaults, loads the channels file and validates the result.
func Load() (*Config, error) {
	if path := getEnv("GRIMNIR_RELAY_ENV_FILE", ".env"); path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	defaults := DefaultChannelOptions()
	defaults.NoVideoTimeout = time.Duration(getEnvInt("GRIMNIR_RELAY_NO_VIDEO_TIMEOUT_SECONDS", int(defaults.NoVideoTimeout/time.Second))) * time.Second
	defaults.ConnectOnDemandTimeout = time.Duration(getEnvInt("GRIMNIR_RELAY_CONNECT_ON_DEMAND_TIMEOUT_SECONDS", int(defaults.ConnectOnDemandTimeout/time.Second))) * time.Second
	defaults.DefaultBitrate = getEnvInt("GRIMNIR_RELAY_DEFAULT_BITRATE", defaults.DefaultBitrate)
	defaults.DefaultWidth = getEnvInt("GRIMNIR_RELAY_DEFAULT_WIDTH", defaults.DefaultWidth)
	defaults.DefaultHeight = getEnvInt("GRIMNIR_RELAY_DEFAULT_HEIGHT", defaults.DefaultHeight)
	defaults.EnablePrechunking = getEnvBool("GRIMNIR_RELAY_ENABLE_PRECHUNKING", defaults.EnablePrechunking)
	defaults.SendMetadata = getEnvBool("GRIMNIR_RELAY_SEND_METADATA", defaults.SendMetadata)
	defaults.MinPlaylistDuration = time.Duration(getEnvInt("GRIMNIR_RELAY_MIN_PLAYLIST_DURATION_SECONDS", int(defaults.MinPlaylistDuration/time.Second))) * time.Second

	cfg := &Config{
		Environment:  getEnv("GRIMNIR_RELAY_ENV", "development"),
		LogLevel:     getEnv("GRIMNIR_RELAY_LOG_LEVEL", ""),
		HTTPBind:     getEnv("GRIMNIR_RELAY_HTTP_BIND", "0.0.0.0"),
		HTTPPort:     getEnvInt("GRIMNIR_RELAY_HTTP_PORT", 8090),
		MetricsBind:  getEnv("GRIMNIR_RELAY_METRICS_BIND", ""),
		ChannelsFile: getEnv("GRIMNIR_RELAY_CHANNELS_FILE", ""),
		PlaylistRoot: getEnv("GRIMNIR_RELAY_PLAYLIST_ROOT", ""),
		InstanceID:   getEnv("GRIMNIR_RELAY_INSTANCE_ID", ""),

		Engine:       Engine(getEnv("GRIMNIR_RELAY_ENGINE", string(EngineProcess))),
		GStreamerBin: getEnv("GRIMNIR_RELAY_GSTREAMER_BIN", "gst-launch-1.0"),
		ChunkSize:    getEnvInt("GRIMNIR_RELAY_CHUNK_SIZE", 128),

		DBBackend: DatabaseBackend(getEnv("GRIMNIR_RELAY_DB_BACKEND", string(DatabaseNone))),
		DBDSN:     getEnv("GRIMNIR_RELAY_DB_DSN", ""),

		S3AccessKeyID:     getEnvAny([]string{"GRIMNIR_RELAY_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"GRIMNIR_RELAY_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"GRIMNIR_RELAY_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Endpoint:        getEnvAny([]string{"GRIMNIR_RELAY_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBool("GRIMNIR_RELAY_S3_USE_PATH_STYLE", false),

		PushServer:   getEnv("GRIMNIR_RELAY_PUSH_SERVER", ""),
		PushPort:     getEnvInt("GRIMNIR_RELAY_PUSH_PORT", 1935),
		PushApp:      getEnv("GRIMNIR_RELAY_PUSH_APP", "live"),
		PushUsername: getEnv("GRIMNIR_RELAY_PUSH_USERNAME", ""),
		PushPassword: getEnv("GRIMNIR_RELAY_PUSH_PASSWORD", ""),

		EventBackend:  EventBackend(getEnv("GRIMNIR_RELAY_EVENT_BACKEND", string(EventBackendNone))),
		RedisAddr:     getEnv("GRIMNIR_RELAY_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("GRIMNIR_RELAY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("GRIMNIR_RELAY_REDIS_DB", 0),
		NATSURL:       getEnv("GRIMNIR_RELAY_NATS_URL", "nats://localhost:4222"),

		LeaderElection:   getEnvBool("GRIMNIR_RELAY_LEADER_ELECTION", false),
		DocumentCacheTTL: time.Duration(getEnvInt("GRIMNIR_RELAY_DOCUMENT_CACHE_TTL_SECONDS", 0)) * time.Second,

		JWTSecret: getEnv("GRIMNIR_RELAY_JWT_SECRET", ""),
		APIKeys:   splitList(getEnv("GRIMNIR_RELAY_API_KEYS", "")),

		TracingEnabled:    getEnvBool("GRIMNIR_RELAY_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("GRIMNIR_RELAY_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("GRIMNIR_RELAY_TRACING_SAMPLE_RATE", 1.0),

		Defaults: defaults,
	}

	switch cfg.DBBackend {
	case DatabaseNone:
	case DatabasePostgres, DatabaseMySQL, DatabaseSQLite:
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("GRIMNIR_RELAY_DB_DSN must be provided for database backend %q", cfg.DBBackend)
		}
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.Engine != EngineProcess && cfg.Engine != EngineNative {
		return nil, fmt.Errorf("unsupported engine %q", cfg.Engine)
	}

	switch cfg.EventBackend {
	case EventBackendNone, EventBackendRedis, EventBackendNATS:
	default:
		return nil, fmt.Errorf("unsupported event backend %q", cfg.EventBackend)
	}

	if cfg.ChunkSize < 1 || cfg.ChunkSize > 0xffffff {
		return nil, fmt.Errorf("chunk size %d out of range", cfg.ChunkSize)
	}

	if cfg.ChannelsFile != "" {
		channels, err := LoadChannels(cfg.ChannelsFile, cfg.Defaults)
		if err != nil {
			return nil, err
		}
		cfg.Channels = channels
	}

	return cfg, nil
}

// PushURI returns the default RTMP push target for a channel, or "" when no
// push server is configured.
func (c *Config) PushURI(channel string) string {
	if c.PushServer == "" {
		return ""
	}

	host := c.PushServer
	if c.PushPort != 0 && c.PushPort != 1935 {
		host = fmt.Sprintf("%s:%d", c.PushServer, c.PushPort)
	}

	userinfo := ""
	if c.PushUsername != "" {
		userinfo = c.PushUsername
		if c.PushPassword != "" {
			userinfo += ":" + c.PushPassword
		}
		userinfo += "@"
	}

	return fmt.Sprintf("rtmp://%s%s/%s/%s", userinfo, host, strings.Trim(c.PushApp, "/"), channel)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	return getEnvBoolAny([]string{key}, def)
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}
