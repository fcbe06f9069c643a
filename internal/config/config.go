package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/wsmine/internal/protocol/frame"
	"github.com/danmuck/wsmine/internal/search"
	"github.com/danmuck/wsmine/internal/server"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// ServerConfig is the wsmined config file. Durations are Go duration
// strings.
type ServerConfig struct {
	ListenAddr      string   `toml:"listen_addr"`
	AdminAddr       string   `toml:"admin_addr"`
	MaxConcurrent   int64    `toml:"max_concurrent"`
	ReadTimeout     string   `toml:"read_timeout"`
	WriteTimeout    string   `toml:"write_timeout"`
	WatchDisconnect bool     `toml:"watch_disconnect"`
	CheckInterval   int      `toml:"check_interval"`
	MaxLineBytes    int      `toml:"max_line_bytes"`
	MaxHeaders      int      `toml:"max_headers"`
	MaxBodyBytes    uint64   `toml:"max_body_bytes"`
	MaxBufferBytes  uint64   `toml:"max_buffer_bytes"`
	CorsOrigins     []string `toml:"cors_origins"`
}

func DefaultServerConfig() ServerConfig {
	svc := server.DefaultConfig()
	return ServerConfig{
		ListenAddr:      svc.ListenAddr,
		AdminAddr:       "",
		MaxConcurrent:   svc.MaxConcurrent,
		ReadTimeout:     svc.ReadTimeout.String(),
		WriteTimeout:    svc.WriteTimeout.String(),
		WatchDisconnect: svc.WatchDisconnect,
		CheckInterval:   svc.CheckInterval,
		MaxLineBytes:    svc.Limits.MaxLineBytes,
		MaxHeaders:      svc.Limits.MaxHeaders,
		MaxBodyBytes:    svc.Limits.MaxBodyBytes,
		MaxBufferBytes:  svc.Limits.MaxBufferBytes,
	}
}

// LoadServerConfig decodes path over the defaults, so keys absent from the
// file keep their default values.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}
	if cfg.AdminAddr != "" && strings.TrimSpace(cfg.AdminAddr) == strings.TrimSpace(cfg.ListenAddr) {
		return fmt.Errorf("%w: admin_addr must differ from listen_addr", ErrInvalidConfig)
	}
	if cfg.MaxConcurrent < 0 {
		return fmt.Errorf("%w: max_concurrent must be >= 0", ErrInvalidConfig)
	}
	if cfg.CheckInterval < 0 {
		return fmt.Errorf("%w: check_interval must be >= 0", ErrInvalidConfig)
	}
	if cfg.MaxLineBytes < 0 || cfg.MaxHeaders < 0 {
		return fmt.Errorf("%w: max_line_bytes and max_headers must be >= 0", ErrInvalidConfig)
	}
	for key, raw := range map[string]string{"read_timeout": cfg.ReadTimeout, "write_timeout": cfg.WriteTimeout} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
	}
	return nil
}

// ToServerConfig converts a validated file config into the search service
// config.
func (c ServerConfig) ToServerConfig() (server.Config, error) {
	if err := ValidateServerConfig(c); err != nil {
		return server.Config{}, err
	}
	readTimeout, _ := parseDuration(c.ReadTimeout)
	writeTimeout, _ := parseDuration(c.WriteTimeout)
	checkInterval := c.CheckInterval
	if checkInterval == 0 {
		checkInterval = search.DefaultCheckInterval
	}
	return server.Config{
		ListenAddr:      strings.TrimSpace(c.ListenAddr),
		MaxConcurrent:   c.MaxConcurrent,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		WatchDisconnect: c.WatchDisconnect,
		CheckInterval:   checkInterval,
		Limits: frame.Limits{
			MaxLineBytes:   c.MaxLineBytes,
			MaxHeaders:     c.MaxHeaders,
			MaxBodyBytes:   c.MaxBodyBytes,
			MaxBufferBytes: c.MaxBufferBytes,
		},
	}, nil
}

// parseDuration accepts an empty string as zero, which disables the
// matching deadline.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
