package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Port              int
	DataDir           string
	Projection        string
	TileSize          int
	VolatileCacheKB   int64
	StoreType         string
	StoreMemoryTiles  int
	StoreFileDir      string
	WarmupLevels      int
	LoadWorkers       int
	LoadTimeout       time.Duration
	TextureCacheTiles int
	VipsMaxCacheMB    int
	VipsConcurrency   int
	LogLevel          string
	LogFormat         string
	AllowedOrigin     string
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:              getEnvInt("PORT", 8080),
		DataDir:           dataDir,
		Projection:        getEnv("PROJECTION", "equirectangular"),
		TileSize:          getEnvInt("TILE_SIZE", 256),
		VolatileCacheKB:   getEnvInt64("VOLATILE_CACHE_KB", 20000),
		StoreType:         getEnv("STORE", "file"),
		StoreMemoryTiles:  getEnvInt("STORE_MEMORY_TILES", 2000),
		StoreFileDir:      getEnv("STORE_FILE_DIR", filepath.Join(dataDir, ".stacked")),
		WarmupLevels:      getEnvInt("WARMUP_LEVELS", 1),
		LoadWorkers:       getEnvInt("LOAD_WORKERS", 4),
		LoadTimeout:       time.Duration(getEnvInt("LOAD_TIMEOUT_MS", 5000)) * time.Millisecond,
		TextureCacheTiles: getEnvInt("TEXTURE_CACHE_TILES", 256),
		VipsMaxCacheMB:    getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:   getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// VolatileCacheBytes is the loader's cache limit in bytes.
func (c *Config) VolatileCacheBytes() int64 {
	return c.VolatileCacheKB * 1024
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
