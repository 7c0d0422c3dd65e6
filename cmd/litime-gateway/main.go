package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"litime-gateway/internal/bms"
	"litime-gateway/internal/console"
	"litime-gateway/internal/gateway"
	"litime-gateway/internal/link"
	"litime-gateway/internal/store"
	"litime-gateway/internal/web"
	"litime-gateway/internal/wifi"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	DeviceName   string        `yaml:"device_name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Web          struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Backend string `yaml:"backend"` // "bolt" or "redis"
		Path    string `yaml:"path"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`
	WiFi struct {
		Interface    string `yaml:"interface"`
		Hostname     string `yaml:"hostname"`
		APPrefix     string `yaml:"ap_prefix"`
		APPassphrase string `yaml:"ap_passphrase"`
		APAddress    string `yaml:"ap_address"`
	} `yaml:"wifi"`
	BLE struct {
		Adapter     string        `yaml:"adapter"`
		Retry       string        `yaml:"retry"` // "constant" or "exponential"
		RetryMax    time.Duration `yaml:"retry_max"`
		ConnectWait time.Duration `yaml:"connect_wait"`
	} `yaml:"ble"`
	NTP struct {
		Server string `yaml:"server"`
	} `yaml:"ntp"`
	Console struct {
		Port string `yaml:"port"` // empty writes to stdout
		Baud int    `yaml:"baud"`
	} `yaml:"console"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   *bool  `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	switch c.Store.Backend {
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be bolt or redis, got %q", c.Store.Backend)
	}
	if n := len(c.WiFi.APPassphrase); n < 8 || n > 63 {
		return fmt.Errorf("wifi.ap_passphrase must be 8-63 characters, got %d", n)
	}
	if _, _, err := net.ParseCIDR(c.WiFi.APAddress); err != nil {
		return fmt.Errorf("wifi.ap_address: %w", err)
	}
	if _, err := httpPort(c.Web.Listen); err != nil {
		return fmt.Errorf("web.listen: %w", err)
	}
	switch c.BLE.Retry {
	case "constant", "exponential":
	default:
		return fmt.Errorf("ble.retry must be constant or exponential, got %q", c.BLE.Retry)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("litime-gateway starting", "version", version, "device", cfg.DeviceName)

	err = run(cfg, logger)
	if errors.Is(err, gateway.ErrRestart) {
		logger.Info("re-executing")
		if err := reexec(); err != nil {
			logger.Error("re-exec failed", "err", err)
			os.Exit(1)
		}
	}
	if err != nil {
		logger.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

// run owns every resource for one process lifetime. It returns
// gateway.ErrRestart when the gateway asked to be restarted; deferred
// cleanups release the store, radio and ports before the re-exec.
func run(cfg *Config, logger *slog.Logger) error {
	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	adapter, err := openAdapter(cfg.BLE.Adapter)
	if err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	echo, err := console.Open(cfg.Console.Port, cfg.Console.Baud)
	if err != nil {
		logger.Warn("console unavailable, echo goes to stdout", "err", err)
		echo = nopWriteCloser{os.Stdout}
	}
	defer echo.Close()

	port, _ := httpPort(cfg.Web.Listen)
	announcer := wifi.NewMDNSAnnouncer(logger)
	defer announcer.Shutdown()

	g := gateway.New(gateway.Config{
		DeviceName:   cfg.DeviceName,
		TickInterval: cfg.TickInterval,
		NTPServer:    cfg.NTP.Server,
		WiFi: wifi.Config{
			Hostname:     cfg.WiFi.Hostname,
			HTTPPort:     port,
			APPrefix:     cfg.WiFi.APPrefix,
			APPassphrase: cfg.WiFi.APPassphrase,
			APAddress:    cfg.WiFi.APAddress,
		},
	},
		kv,
		wifi.NewNMCLIRadio(cfg.WiFi.Interface, logger),
		announcer,
		func(deviceID string) bms.Client {
			return bms.NewLiTimeClient(adapter, deviceID, logger)
		},
		clock.RealClock{},
		logger,
		gateway.WithConsole(echo),
		gateway.WithLinkOptions(link.WithRetryPolicy(retryPolicy(cfg))),
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Blocking start-up: up to 30 s joining the saved network.
	g.Boot(sigCtx)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer, err := web.NewServer(g, logger, webOpts...)
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- g.Run(sigCtx)
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(g, cfg, logger)

	err = <-runErr
	if err == nil {
		logger.Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return err
}

func openStore(cfg *Config) (store.KV, error) {
	switch cfg.Store.Backend {
	case "redis":
		r := cfg.Store.Redis
		kv, err := store.NewRedisStore(r.Addr, r.Password, r.DB, r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return kv, nil
	default:
		kv, err := store.NewBoltStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return kv, nil
	}
}

func retryPolicy(cfg *Config) backoff.BackOff {
	if cfg.BLE.Retry != "exponential" {
		return backoff.NewConstantBackOff(cfg.BLE.ConnectWait)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BLE.ConnectWait
	b.MaxInterval = cfg.BLE.RetryMax
	b.Reset()
	return b
}

// httpPort extracts the numeric port from a listen address.
func httpPort(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "LiTime Battery"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "0.0.0.0:8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "bolt"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "litime-gateway.db"
	}
	if cfg.Store.Redis.Prefix == "" {
		cfg.Store.Redis.Prefix = "litime"
	}
	if cfg.WiFi.Interface == "" {
		cfg.WiFi.Interface = "wlan0"
	}
	if cfg.WiFi.Hostname == "" {
		cfg.WiFi.Hostname = "litime-gateway"
	}
	if cfg.WiFi.APPrefix == "" {
		cfg.WiFi.APPrefix = "LiTime"
	}
	if cfg.WiFi.APPassphrase == "" {
		cfg.WiFi.APPassphrase = "litime1234"
	}
	if cfg.WiFi.APAddress == "" {
		cfg.WiFi.APAddress = "192.168.4.1/24"
	}
	if cfg.BLE.Retry == "" {
		cfg.BLE.Retry = "constant"
	}
	if cfg.BLE.ConnectWait == 0 {
		cfg.BLE.ConnectWait = link.DefaultRetryInterval
	}
	if cfg.BLE.RetryMax == 0 {
		cfg.BLE.RetryMax = 10 * time.Minute
	}
	if cfg.NTP.Server == "" {
		cfg.NTP.Server = "pool.ntp.org"
	}
	if cfg.Console.Baud == 0 {
		cfg.Console.Baud = 115200
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "litime"
	}
	if cfg.MQTT.Discovery == nil {
		on := true
		cfg.MQTT.Discovery = &on
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
