package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sharedflight/common/server"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 5556
	defaultRendezvousPort = 5555
)

var (
	configPath = pflag.StringP("config", "c", "", "config file path, written with defaults if missing")
	verbose    = pflag.CountP("verbose", "v", "more logging, repeat for packet traces")

	programLevel = new(slog.LevelVar)
)

type Config struct {
	// ID identifies this hoster to the rendezvous across restarts.
	ID uuid.UUID `yaml:"id"`

	Port uint16 `yaml:"port"`
	IPv6 bool   `yaml:"ipv6"`

	RendezvousHost string `yaml:"rendezvous_host"`
	RendezvousPort uint16 `yaml:"rendezvous_port"`
	AnnounceKey    string `yaml:"announce_key"`

	Capacity int    `yaml:"capacity"`
	Version  string `yaml:"version"`
	// RejectFeedback tells clients when a control transfer was refused.
	RejectFeedback bool `yaml:"reject_feedback"`

	AnnounceInterval time.Duration `yaml:"announce_interval"`
	InactiveTimeout  time.Duration `yaml:"inactive_timeout"`
}

func main() {
	pflag.Parse()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))

	switch {
	case *verbose >= 2:
		programLevel.Set(types.LevelTrace)
	case *verbose == 1:
		programLevel.Set(slog.LevelDebug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := loadConfig()

	if cfg.RendezvousHost == "" {
		log.Fatalf("hoster: rendezvous_host is required in %s", *configPath)
	}

	key, err := msgwire.ParseAnnounceKey(cfg.AnnounceKey)
	if err != nil {
		log.Fatalf("hoster: config: %v", err)
	}

	rv, err := transport.ResolveRendezvous(ctx, net.DefaultResolver, cfg.RendezvousHost, cfg.RendezvousPort, cfg.IPv6)
	if err != nil {
		log.Fatalf("hoster: %v", err)
	}

	conn, err := transport.Listen(ctx, transport.BindConfig{Port: cfg.Port, IPv6: cfg.IPv6})
	if err != nil {
		log.Fatalf("hoster: %v", err)
	}

	hoster := server.NewHoster(transport.New(ctx, conn, transport.Config{}), server.HosterConfig{
		Session: server.Options{
			Version:        cfg.Version,
			RejectFeedback: cfg.RejectFeedback,
		},
		ID:               cfg.ID,
		Capacity:         cfg.Capacity,
		Rendezvous:       rv,
		AnnounceKey:      key,
		AnnounceInterval: cfg.AnnounceInterval,
		InactiveTimeout:  cfg.InactiveTimeout,
	})

	slog.Info("hoster: serving", "id", hoster.ID(), "addr", hoster.LocalAddr(), "rendezvous", rv, "capacity", cfg.Capacity)

	if err := hoster.Run(ctx); err != nil {
		log.Fatalf("hoster: error %s", err)
	}

	st := hoster.Stats()
	slog.Info("hoster: stopped", "sessions", st.Sessions, "clients", st.Clients)
}

func loadConfig() Config {
	if *configPath == "" {
		if os.Getuid() == 0 {
			*configPath = "/var/lib/flightshare/hoster.yaml"
		} else {
			log.Fatalf("hoster: -c <config path> not specified")
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
			log.Fatalf("hoster: config: %v", err)
		}
		return cfg
	}
}

func writeNewConfig() Config {
	if err := os.MkdirAll(filepath.Dir(*configPath), 0o777); err != nil {
		log.Fatal(err)
	}

	cfg := newConfig()
	cfg.ID = uuid.New()

	b, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*configPath, b, 0o600); err != nil {
		log.Fatal(err)
	}

	slog.Warn("wrote new config, fill in the rendezvous host and announce key", "path", *configPath)

	return cfg
}

func newConfig() Config {
	return Config{
		Port:             defaultPort,
		RendezvousPort:   defaultRendezvousPort,
		Capacity:         server.DefaultCapacity,
		AnnounceInterval: server.DefaultAnnounceInterval,
		InactiveTimeout:  server.DefaultInactiveTimeout,
	}
}
