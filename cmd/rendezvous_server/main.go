package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sharedflight/common/rendezvous"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const defaultPort = 5555

var (
	configPath = pflag.StringP("config", "c", "", "config file path, written with defaults if missing")
	port       = pflag.Uint16P("port", "p", 0, "UDP port to listen on, overrides the config file")
	ipv6       = pflag.Bool("ipv6", false, "listen on IPv6, overrides the config file")
	logLevel   = pflag.String("log", "info", "log level: trace, debug, info, warn or error")

	programLevel = new(slog.LevelVar)
)

type Config struct {
	Port uint16 `yaml:"port"`
	IPv6 bool   `yaml:"ipv6"`

	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Exempt holds prefixes or single addresses that are never rate limited.
	Exempt []string `yaml:"exempt"`

	// AnnounceKey is hex; hosters must be configured with the same key.
	AnnounceKey   string        `yaml:"announce_key"`
	HosterTimeout time.Duration `yaml:"hoster_timeout"`

	// Policy is one of "default", "relay" or "direct".
	Policy string `yaml:"policy"`
}

func main() {
	pflag.Parse()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	if err := setLevel(*logLevel); err != nil {
		log.Fatalf("rendezvous: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := loadConfig()
	if pflag.CommandLine.Changed("port") {
		cfg.Port = *port
	}
	if pflag.CommandLine.Changed("ipv6") {
		cfg.IPv6 = *ipv6
	}

	rcfg, err := cfg.server()
	if err != nil {
		log.Fatalf("rendezvous: config: %v", err)
	}

	conn, err := transport.Listen(ctx, transport.BindConfig{Port: cfg.Port, IPv6: cfg.IPv6})
	if err != nil {
		log.Fatalf("rendezvous: %v", err)
	}

	srv := rendezvous.NewServer(transport.New(ctx, conn, transport.Config{}), rcfg)

	slog.Info("rendezvous: serving", "addr", srv.LocalAddr(), "policy", cfg.Policy, "relaying", rcfg.AnnounceKey != nil)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("rendezvous: error %s", err)
	}

	st := srv.Stats()
	slog.Info("rendezvous: stopped", "sessions", st.Sessions, "hosters", st.Hosters, "limited", st.Limited)
}

func setLevel(name string) error {
	switch name {
	case "trace":
		programLevel.Set(types.LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "info":
		programLevel.Set(slog.LevelInfo)
	case "warn":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

func (c Config) server() (rendezvous.Config, error) {
	rcfg := rendezvous.Config{
		RateLimit:     c.RateLimit,
		RateWindow:    c.RateWindow,
		SweepInterval: c.SweepInterval,
		HosterTimeout: c.HosterTimeout,
	}

	if len(c.Exempt) > 0 {
		set, err := rendezvous.ExemptSet(c.Exempt)
		if err != nil {
			return rcfg, err
		}
		rcfg.Exempt = set
	}

	if c.AnnounceKey != "" {
		key, err := msgwire.ParseAnnounceKey(c.AnnounceKey)
		if err != nil {
			return rcfg, err
		}
		rcfg.AnnounceKey = key
	}

	switch c.Policy {
	case "", "default":
		rcfg.Policy = rendezvous.DefaultPolicy
	case "relay":
		rcfg.Policy = rendezvous.ForceRelay
	case "direct":
		rcfg.Policy = rendezvous.DirectOnly
	default:
		return rcfg, fmt.Errorf("unknown policy %q", c.Policy)
	}

	return rcfg, nil
}

func loadConfig() Config {
	if *configPath == "" {
		if os.Getuid() == 0 {
			*configPath = "/var/lib/flightshare/rendezvous.yaml"
		} else {
			log.Fatalf("rendezvous: -c <config path> not specified")
		}
		slog.Info("no config path specified", "path", *configPath)
	}

	b, err := os.ReadFile(*configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return writeNewConfig()
	case err != nil:
		log.Fatal(err)
		panic("unreachable")
	default:
		cfg := newConfig()
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			log.Fatalf("rendezvous: config: %v", err)
		}
		return cfg
	}
}

func writeNewConfig() Config {
	if err := os.MkdirAll(filepath.Dir(*configPath), 0o777); err != nil {
		log.Fatal(err)
	}

	cfg := newConfig()

	cfg.AnnounceKey = msgwire.NewAnnounceKey().String()

	b, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*configPath, b, 0o600); err != nil {
		log.Fatal(err)
	}

	slog.Info("wrote new config", "path", *configPath)

	return cfg
}

func newConfig() Config {
	return Config{
		Port:          defaultPort,
		RateLimit:     rendezvous.DefaultRateLimit,
		RateWindow:    rendezvous.DefaultRateWindow,
		SweepInterval: rendezvous.DefaultSweepInterval,
		HosterTimeout: rendezvous.DefaultHosterTimeout,
		Policy:        "default",
	}
}
