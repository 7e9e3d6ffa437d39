package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of a FloorBoard process. Values come from the
// environment; anything unset falls back to the defaults below.
type Config struct {
	RoomID string

	Board struct {
		PanelWidth  float32 // canvas width in canvas units
		PanelHeight float32
		GridSize    int // cells per side of the square room grid
	}

	Guide struct {
		DetectionThreshold float32
		ActiveThreshold    float32
		SnapOffset         float32
		RecomputeInterval  time.Duration
	}

	Net struct {
		Port           int
		HostAddr       string // host:port of the authority; empty means discover via mDNS
		UseMDNS        bool
		RequestTimeout time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.RoomID = getEnv("FLOOR_ROOM_ID", "main")

	if cfg.Board.PanelWidth, err = getEnvFloat("FLOOR_PANEL_WIDTH", 1000); err != nil {
		return nil, err
	}
	if cfg.Board.PanelHeight, err = getEnvFloat("FLOOR_PANEL_HEIGHT", 1000); err != nil {
		return nil, err
	}
	if cfg.Board.GridSize, err = getEnvInt("FLOOR_GRID_SIZE", 10); err != nil {
		return nil, err
	}

	if cfg.Guide.DetectionThreshold, err = getEnvFloat("GUIDE_DETECTION_THRESHOLD", 50); err != nil {
		return nil, err
	}
	if cfg.Guide.ActiveThreshold, err = getEnvFloat("GUIDE_ACTIVE_THRESHOLD", 20); err != nil {
		return nil, err
	}
	if cfg.Guide.SnapOffset, err = getEnvFloat("GUIDE_SNAP_OFFSET", 30); err != nil {
		return nil, err
	}
	if cfg.Guide.RecomputeInterval, err = getEnvDuration("GUIDE_RECOMPUTE_INTERVAL", 50*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.Net.Port, err = getEnvInt("FLOOR_PORT", 8888); err != nil {
		return nil, err
	}
	cfg.Net.HostAddr = getEnv("FLOOR_HOST_ADDR", "")
	cfg.Net.UseMDNS = getEnv("FLOOR_MDNS", "true") == "true"
	if cfg.Net.RequestTimeout, err = getEnvDuration("FLOOR_REQUEST_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the layout engine cannot run with.
func (c *Config) Validate() error {
	if c.Board.GridSize <= 0 {
		return fmt.Errorf("FLOOR_GRID_SIZE must be positive, got %d", c.Board.GridSize)
	}
	if c.Board.PanelWidth <= 0 || c.Board.PanelHeight <= 0 {
		return fmt.Errorf("panel size must be positive, got %vx%v", c.Board.PanelWidth, c.Board.PanelHeight)
	}
	if c.Guide.ActiveThreshold > c.Guide.DetectionThreshold {
		return fmt.Errorf("active threshold %v exceeds detection threshold %v",
			c.Guide.ActiveThreshold, c.Guide.DetectionThreshold)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float32) (float32, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return float32(f), nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
