package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshlink/internal/bridge"
	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/transport"
)

const (
	storageMemory   = "memory"
	storageBadger   = "badger"
	storagePostgres = "postgres"
)

type serviceConfig struct {
	Device         string
	ListenAddr     string
	CORSOrigins    []string
	ProfilesPath   string
	AutoConnect    bool
	MessageHistory int

	AuthToken string
	JWTSecret string

	Log logging.Config

	StorageBackend string
	StoragePath    string
	StorageDSN     string

	NATS bridge.Options

	Client client.Config

	TCP        transport.TCPOpener
	SerialBaud int
	BLEScan    time.Duration
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Device:         "base",
		ListenAddr:     "127.0.0.1:8088",
		CORSOrigins:    []string{"http://localhost:5173"},
		ProfilesPath:   "profiles.toml",
		AutoConnect:    true,
		MessageHistory: 500,
		Log:            logging.DefaultConfig(logging.ProfileRuntime),
		StorageBackend: storageBadger,
		StoragePath:    "data/meshlink",
		NATS: bridge.Options{
			ReconnectInterval: 2 * time.Second,
			MaxReconnects:     60,
		},
		Client:     client.DefaultConfig(),
		TCP:        transport.TCPOpener{ConnectTimeout: 10 * time.Second, HandshakeTimeout: 10 * time.Second},
		SerialBaud: transport.DefaultBaudRate,
		BLEScan:    5 * time.Second,
	}
}

type fileConfig struct {
	Device         string   `toml:"device"`
	ListenAddr     string   `toml:"listen_addr"`
	CORSOrigins    []string `toml:"cors_origins"`
	ProfilesPath   string   `toml:"profiles_path"`
	AutoConnect    bool     `toml:"auto_connect"`
	MessageHistory int      `toml:"message_history"`

	Auth struct {
		Token     string `toml:"token"`
		JWTSecret string `toml:"jwt_secret"`
	} `toml:"auth"`

	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`

	Storage struct {
		Backend string `toml:"backend"`
		Path    string `toml:"path"`
		DSN     string `toml:"dsn"`
	} `toml:"storage"`

	NATS struct {
		URL               string `toml:"url"`
		Username          string `toml:"username"`
		Password          string `toml:"password"`
		MaxReconnects     int    `toml:"max_reconnects"`
		ReconnectInterval string `toml:"reconnect_interval"`
	} `toml:"nats"`

	Session struct {
		ConfigureTimeout string   `toml:"configure_timeout"`
		AckTimeout       string   `toml:"ack_timeout"`
		ReconnectKinds   []string `toml:"reconnect_kinds"`
		MaxAttempts      int      `toml:"max_attempts"`
	} `toml:"session"`

	Transport struct {
		TCPConnectTimeout     string `toml:"tcp_connect_timeout"`
		TLSCAFile             string `toml:"tls_ca_file"`
		TLSServerName         string `toml:"tls_server_name"`
		TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
		SerialBaud            int    `toml:"serial_baud"`
		BLEScanTimeout        string `toml:"ble_scan_timeout"`
	} `toml:"transport"`
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load meshctl config: %w", err)
	}

	if meta.IsDefined("device") {
		if v := strings.TrimSpace(raw.Device); v != "" {
			cfg.Device = v
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("profiles_path") {
		cfg.ProfilesPath = strings.TrimSpace(raw.ProfilesPath)
	}
	if meta.IsDefined("auto_connect") {
		cfg.AutoConnect = raw.AutoConnect
	}
	if meta.IsDefined("message_history") {
		cfg.MessageHistory = raw.MessageHistory
	}

	if meta.IsDefined("auth", "token") {
		cfg.AuthToken = strings.TrimSpace(raw.Auth.Token)
	}
	if meta.IsDefined("auth", "jwt_secret") {
		cfg.JWTSecret = strings.TrimSpace(raw.Auth.JWTSecret)
	}

	if meta.IsDefined("log", "level") {
		level, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return serviceConfig{}, fmt.Errorf("parse log.level: unknown level %q", raw.Log.Level)
		}
		cfg.Log.Level = level
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File.Path = strings.TrimSpace(raw.Log.File)
	}

	if meta.IsDefined("storage", "backend") {
		cfg.StorageBackend = strings.ToLower(strings.TrimSpace(raw.Storage.Backend))
	}
	if meta.IsDefined("storage", "path") {
		cfg.StoragePath = strings.TrimSpace(raw.Storage.Path)
	}
	if meta.IsDefined("storage", "dsn") {
		cfg.StorageDSN = strings.TrimSpace(raw.Storage.DSN)
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "username") {
		cfg.NATS.Username = raw.NATS.Username
	}
	if meta.IsDefined("nats", "password") {
		cfg.NATS.Password = raw.NATS.Password
	}
	if meta.IsDefined("nats", "max_reconnects") {
		cfg.NATS.MaxReconnects = raw.NATS.MaxReconnects
	}
	if err := overrideDuration(meta, &cfg.NATS.ReconnectInterval, raw.NATS.ReconnectInterval, "nats", "reconnect_interval"); err != nil {
		return serviceConfig{}, err
	}

	if err := overrideDuration(meta, &cfg.Client.Session.ConfigureTimeout, raw.Session.ConfigureTimeout, "session", "configure_timeout"); err != nil {
		return serviceConfig{}, err
	}
	if err := overrideDuration(meta, &cfg.Client.AckTimeout, raw.Session.AckTimeout, "session", "ack_timeout"); err != nil {
		return serviceConfig{}, err
	}
	if meta.IsDefined("session", "reconnect_kinds") {
		kinds := make([]transport.Kind, 0, len(raw.Session.ReconnectKinds))
		for _, k := range raw.Session.ReconnectKinds {
			kind, err := transport.ParseKind(k)
			if err != nil {
				return serviceConfig{}, fmt.Errorf("parse session.reconnect_kinds: %w", err)
			}
			kinds = append(kinds, kind)
		}
		cfg.Client.ReconnectKinds = kinds
	}
	if meta.IsDefined("session", "max_attempts") {
		cfg.Client.Reconnect.MaxAttempts = raw.Session.MaxAttempts
	}

	if err := overrideDuration(meta, &cfg.TCP.ConnectTimeout, raw.Transport.TCPConnectTimeout, "transport", "tcp_connect_timeout"); err != nil {
		return serviceConfig{}, err
	}
	if meta.IsDefined("transport", "tls_ca_file") {
		cfg.TCP.TLS.CAFile = strings.TrimSpace(raw.Transport.TLSCAFile)
	}
	if meta.IsDefined("transport", "tls_server_name") {
		cfg.TCP.TLS.ServerName = strings.TrimSpace(raw.Transport.TLSServerName)
	}
	if meta.IsDefined("transport", "tls_insecure_skip_verify") {
		cfg.TCP.TLS.InsecureSkipVerify = raw.Transport.TLSInsecureSkipVerify
	}
	if meta.IsDefined("transport", "serial_baud") {
		cfg.SerialBaud = raw.Transport.SerialBaud
	}
	if err := overrideDuration(meta, &cfg.BLEScan, raw.Transport.BLEScanTimeout, "transport", "ble_scan_timeout"); err != nil {
		return serviceConfig{}, err
	}

	if err := validateServiceConfig(cfg); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func overrideDuration(meta toml.MetaData, dst *time.Duration, raw string, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	*dst = d
	return nil
}

func validateServiceConfig(cfg serviceConfig) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch cfg.StorageBackend {
	case storageMemory, storageBadger:
	case storagePostgres:
		if cfg.StorageDSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", cfg.StorageBackend)
	}
	if cfg.Client.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("session.max_attempts must not be negative")
	}
	return nil
}
