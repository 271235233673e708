// Package config loads server settings from defaults, an optional config
// file, and QQCHAT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

const appName = "qqchat"

type Config struct {
	Host           string
	Port           int
	DataDir        string
	HistoryDB      string
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration // 0 disables the read deadline
	OutboundBuffer int
	MaxRecordBytes int
	BcryptCost     int
	ImageOfferTTL  time.Duration
	MetricsAddr    string // empty disables the metrics listener
	ControlSocket  string
	LogLevel       string
	LogFormat      string
}

// New returns a viper instance with defaults and environment bindings set.
// A non-empty file is read and must exist; otherwise qqchat.toml in the xdg
// config dir is used when present.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(appName)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigName(appName)
	v.SetConfigType("toml")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(xdg.DataHome, appName)

	v.SetDefault("host", "")
	v.SetDefault("port", 8888)
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("history_db", "")
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("idle_timeout", time.Duration(0))
	v.SetDefault("outbound_buffer", 64)
	v.SetDefault("max_record_bytes", 8<<20)
	v.SetDefault("bcrypt_cost", bcrypt.DefaultCost)
	v.SetDefault("image_offer_ttl", 5*time.Minute)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("control_socket", "/tmp/qqchat.sock")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		DataDir:        v.GetString("data_dir"),
		HistoryDB:      v.GetString("history_db"),
		WriteTimeout:   v.GetDuration("write_timeout"),
		IdleTimeout:    v.GetDuration("idle_timeout"),
		OutboundBuffer: v.GetInt("outbound_buffer"),
		MaxRecordBytes: v.GetInt("max_record_bytes"),
		BcryptCost:     v.GetInt("bcrypt_cost"),
		ImageOfferTTL:  v.GetDuration("image_offer_ttl"),
		MetricsAddr:    v.GetString("metrics_addr"),
		ControlSocket:  v.GetString("control_socket"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(cfg.DataDir, "history.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("outbound_buffer must be positive, got %d", c.OutboundBuffer)
	}
	if c.MaxRecordBytes < 1024 {
		return fmt.Errorf("max_record_bytes too small: %d", c.MaxRecordBytes)
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt_cost out of range: %d", c.BcryptCost)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Addr is the chat listener address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewLogger builds the process logger described by the log settings.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
	return level, nil
}
