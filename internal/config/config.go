// Package config loads streamvaultd settings from the environment. Call
// LoadEnvFile(".env") before Load() to seed the process environment from
// a dotenv-style file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds remote-store credentials, cache sizing, and HTTP bind settings.
type Config struct {
	// Remote object-store credentials (C1's backing client).
	RemoteAPIID     string
	RemoteAPIHash   string
	RemoteSession   string
	RemoteChannelID int64

	// Chunked range-streaming pipeline (C1/C2).
	ChunkSize    int64 // bytes; must be a power of two, default 1 MiB
	MaxCacheSize int64 // chunk cache byte bound, default 100 MiB

	// External metadata enrichment (C9).
	MetadataAPIKey string

	// HTTP bind.
	Port         int
	InternalPort int
	MetricsAddr  string

	// Admin auth (collaborator; this repo only reads the values).
	JWTSecret      string
	AdminUser      string
	AdminPassword  string

	// Filesystem layout.
	DataDir string

	// External tool locations (C4 probe, C5/C6 transcode/subtitle).
	FFmpegPath  string
	FFprobePath string
}

// Load reads Config from the environment. Defaults match spec §6.
func Load() *Config {
	c := &Config{
		RemoteAPIID:     os.Getenv("STREAMVAULT_REMOTE_API_ID"),
		RemoteAPIHash:   os.Getenv("STREAMVAULT_REMOTE_API_HASH"),
		RemoteSession:   os.Getenv("STREAMVAULT_REMOTE_SESSION"),
		RemoteChannelID: getEnvInt64("STREAMVAULT_REMOTE_CHANNEL_ID", 0),

		ChunkSize:    getEnvInt64("STREAMVAULT_CHUNK_SIZE", 1<<20),
		MaxCacheSize: getEnvInt64("STREAMVAULT_MAX_CACHE_SIZE", 100<<20),

		MetadataAPIKey: os.Getenv("STREAMVAULT_METADATA_API_KEY"),

		Port:         getEnvInt("STREAMVAULT_PORT", 8080),
		InternalPort: getEnvInt("STREAMVAULT_INTERNAL_PORT", 8081),
		MetricsAddr:  getEnv("STREAMVAULT_METRICS_ADDR", ""),

		JWTSecret:     os.Getenv("STREAMVAULT_JWT_SECRET"),
		AdminUser:     os.Getenv("STREAMVAULT_ADMIN_USER"),
		AdminPassword: os.Getenv("STREAMVAULT_ADMIN_PASSWORD"),

		DataDir: getEnv("STREAMVAULT_DATA_DIR", "./data"),

		FFmpegPath:  getEnv("STREAMVAULT_FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("STREAMVAULT_FFPROBE_PATH", "ffprobe"),
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1 << 20
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = 100 << 20
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":" + strconv.Itoa(c.InternalPort)
	}
	return c
}

// MetadataDir, TVCacheDir, PostersDir, BackdropsDir, ListCachePath are the
// fixed sub-paths of DataDir described in spec §6.
func (c *Config) MetadataDir() string  { return c.DataDir + "/metadata" }
func (c *Config) TVCacheDir() string   { return c.DataDir + "/tv_cache" }
func (c *Config) PostersDir() string   { return c.DataDir + "/posters" }
func (c *Config) BackdropsDir() string { return c.DataDir + "/backdrops" }
func (c *Config) ListCachePath() string { return c.DataDir + "/list_caches.json" }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
