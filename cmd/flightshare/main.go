package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/abiosoft/ishell/v2"
	"github.com/sharedflight/common/client"
	"github.com/sharedflight/common/portmap"
	"github.com/sharedflight/common/server"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/surface"
	"github.com/spf13/pflag"
)

const (
	version = "1.0.0"

	eventPollInterval = 50 * time.Millisecond
)

var (
	profileFlag = pflag.StringP("profile", "p", "", "profile path (default in the user config dir)")

	programLevel = new(slog.LevelVar)

	profile     Profile
	profileFile string

	mu     sync.Mutex
	cl     *client.Client
	hosted *server.Server
)

var errNoSession = errors.New("not in a session, use host, join, connect or cloud first")

func main() {
	pflag.Parse()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	slog.SetDefault(slog.New(h))
	programLevel.Set(slog.LevelWarn)

	profileFile = *profileFlag
	if profileFile == "" {
		profileFile = profilePath()
	}

	var err error
	if profile, err = loadProfile(profileFile); err != nil {
		slog.Error("could not load profile", "path", profileFile, "err", err)
		os.Exit(1)
	}

	shell := ishell.New()
	shell.SetHomeHistoryPath(".flightshare_history")
	shell.Println("FlightShare Interactive Shell")

	shell.AddCmd(&ishell.Cmd{Name: "trace", Help: "set log level to trace", Func: func(c *ishell.Context) {
		programLevel.Set(types.LevelTrace)
	}})
	shell.AddCmd(&ishell.Cmd{Name: "debug", Help: "set log level to debug", Func: func(c *ishell.Context) {
		programLevel.Set(slog.LevelDebug)
	}})
	shell.AddCmd(&ishell.Cmd{Name: "info", Help: "set log level to info", Func: func(c *ishell.Context) {
		programLevel.Set(slog.LevelInfo)
	}})

	shell.AddCmd(profileCmd())
	shell.AddCmd(hostCmd())
	shell.AddCmd(joinCmd())
	shell.AddCmd(connectCmd())
	shell.AddCmd(cloudCmd())
	shell.AddCmd(leaveCmd())
	shell.AddCmd(rosterCmd())
	shell.AddCmd(controlCmd())
	shell.AddCmd(observeCmd())
	shell.AddCmd(sendCmd())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpEvents(ctx, shell)

	shell.Run()

	leave("quit")
}

func profileCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "profile",
		Help: "show and edit the saved profile",
		Func: func(c *ishell.Context) {
			c.Println("name:", profile.Name)
			c.Println("rendezvous:", net.JoinHostPort(profile.RendezvousHost, strconv.Itoa(int(profile.rendezvousPort()))))
			if profile.LocalPort.Valid {
				c.Println("local port:", profile.LocalPort.Val)
			} else {
				c.Println("local port: any")
			}
			c.Println("ipv6:", profile.IPv6)
			c.Println("upnp:", profile.upnp())
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "name",
		Help: "set the name other pilots see",
		Func: func(c *ishell.Context) {
			var line string
			if len(c.Args) == 0 {
				c.Println("enter your name")
				line = c.ReadLine()
			} else {
				line = strings.Join(c.Args, " ")
			}

			if _, err := ident.NormaliseName(line); err != nil {
				c.Err(err)
				return
			}
			profile.Name = line
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "rendezvous",
		Help: "set the rendezvous: <host> [port]",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(errors.New("usage: profile rendezvous <host> [port]"))
				return
			}
			profile.RendezvousHost = c.Args[0]

			if len(c.Args) < 2 {
				profile.RendezvousPort = gonull.Nullable[uint16]{}
				return
			}
			port, err := strconv.ParseUint(c.Args[1], 10, 16)
			if err != nil {
				c.Err(err)
				return
			}
			profile.RendezvousPort = gonull.NewNullable(uint16(port))
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "port",
		Help: "set the local port: <port> or any",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 || c.Args[0] == "any" {
				profile.LocalPort = gonull.Nullable[uint16]{}
				return
			}
			port, err := strconv.ParseUint(c.Args[0], 10, 16)
			if err != nil {
				c.Err(err)
				return
			}
			profile.LocalPort = gonull.NewNullable(uint16(port))
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "ipv6",
		Help: "use ipv6: on or off",
		Func: func(c *ishell.Context) {
			profile.IPv6 = len(c.Args) > 0 && c.Args[0] == "on"
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "upnp",
		Help: "forward the hosting port through the gateway: on or off",
		Func: func(c *ishell.Context) {
			profile.UPnP = gonull.NewNullable(len(c.Args) == 0 || c.Args[0] != "off")
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "save",
		Help: "write the profile to disk",
		Func: func(c *ishell.Context) {
			if err := saveProfile(profileFile, profile); err != nil {
				c.Err(err)
				return
			}
			c.Println("saved to", profileFile)
		},
	})

	return c
}

func resolveRendezvous(ctx context.Context) (netip.AddrPort, error) {
	if profile.RendezvousHost == "" {
		return netip.AddrPort{}, nil
	}
	return transport.ResolveRendezvous(ctx, net.DefaultResolver, profile.RendezvousHost, profile.rendezvousPort(), profile.IPv6)
}

func newClient(rv netip.AddrPort, port uint16) *client.Client {
	return client.New(client.Config{
		Name:       profile.Name,
		Version:    version,
		Port:       port,
		IPv6:       profile.IPv6,
		Rendezvous: rv,
	})
}

func hostCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "host",
		Help: "host a session on this machine, registered with the rendezvous when one is set",
		Func: func(c *ishell.Context) {
			mu.Lock()
			defer mu.Unlock()

			if cl != nil {
				c.Err(client.ErrAlreadyConnected)
				return
			}

			ctx := context.Background()

			rv, err := resolveRendezvous(ctx)
			if err != nil {
				c.Err(err)
				return
			}

			cfg := server.Config{
				Session:    server.Options{Version: version, AllowDirect: true},
				Port:       profile.localPort(),
				IPv6:       profile.IPv6,
				Rendezvous: rv,
			}
			if profile.upnp() {
				cfg.PortMapper = portmap.NewUPnP()
			}

			s := server.New(cfg)
			if err := s.Start(ctx); err != nil {
				c.Err(err)
				return
			}

			snap := s.Snapshot()
			if snap.SessionID != "" {
				c.Println("session code:", snap.SessionID)
			}
			if snap.Mapping != nil {
				c.Println("forwarded", snap.Mapping.External, "to", snap.Mapping.Internal)
			}

			loopback := netip.AddrFrom4([4]byte{127, 0, 0, 1})
			if profile.IPv6 {
				loopback = netip.IPv6Loopback()
			}

			local := newClient(netip.AddrPort{}, 0)
			if err := local.Connect(ctx, client.Target{Mode: client.ModeDirect, Addr: netip.AddrPortFrom(loopback, snap.Addr.Port())}); err != nil {
				s.Stop()
				c.Err(err)
				return
			}

			hosted = s
			cl = local
		},
	}
}

func connectWith(c *ishell.Context, rv netip.AddrPort, target client.Target) {
	mu.Lock()
	defer mu.Unlock()

	if cl != nil {
		c.Err(client.ErrAlreadyConnected)
		return
	}

	next := newClient(rv, profile.localPort())
	if err := next.Connect(context.Background(), target); err != nil {
		c.Err(err)
		return
	}
	cl = next
}

func joinCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "join",
		Help: "join a session by code: <code>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: join <code>"))
				return
			}

			id, err := ident.ParseSessionID(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			rv, err := resolveRendezvous(context.Background())
			if err != nil {
				c.Err(err)
				return
			}

			connectWith(c, rv, client.Target{Mode: client.ModePunchthrough, SessionID: id})
		},
	}
}

func connectCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "connect",
		Help: "connect to a host by address: <ip:port> [code]",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(errors.New("usage: connect <ip:port> [code]"))
				return
			}

			addr, err := netip.ParseAddrPort(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			target := client.Target{Mode: client.ModeDirect, Addr: addr}
			if len(c.Args) > 1 {
				if target.SessionID, err = ident.ParseSessionID(c.Args[1]); err != nil {
					c.Err(err)
					return
				}
			}

			connectWith(c, netip.AddrPort{}, target)
		},
	}
}

func cloudCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "cloud",
		Help: "open a session on a hoster through the rendezvous",
		Func: func(c *ishell.Context) {
			rv, err := resolveRendezvous(context.Background())
			if err != nil {
				c.Err(err)
				return
			}

			connectWith(c, rv, client.Target{Mode: client.ModeCloudHost})
		},
	}
}

func leave(reason string) {
	mu.Lock()
	defer mu.Unlock()

	if cl != nil {
		cl.Disconnect(reason)
		cl = nil
	}
	if hosted != nil {
		hosted.Stop()
		hosted = nil
	}
}

func leaveCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "leave",
		Help: "leave the session, and stop hosting it",
		Func: func(c *ishell.Context) {
			leave(strings.Join(c.Args, " "))
		},
	}
}

func current() (*client.Client, error) {
	mu.Lock()
	defer mu.Unlock()

	if cl == nil {
		return nil, errNoSession
	}
	return cl, nil
}

func rosterCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "roster",
		Help: "list the pilots in the session",
		Func: func(c *ishell.Context) {
			cc, err := current()
			if err != nil {
				c.Err(err)
				return
			}

			snap := cc.Snapshot()
			c.Printf("session %s via %s, connected: %v\n", snap.SessionID, snap.Server, snap.Connected)
			for _, p := range snap.Roster {
				var tags []string
				if p.ID == snap.ClientID {
					tags = append(tags, "you")
				}
				if p.IsHost {
					tags = append(tags, "host")
				}
				if p.IsObserver {
					tags = append(tags, "observer")
				}
				c.Printf("%3d %s %v\n", p.ID, p.Name, tags)
			}
			c.Printf("rtt %s, resent %d\n", snap.Metrics.RTT, snap.Metrics.Resent)
		},
	}
}

func controlCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "control",
		Help: "show who controls each surface",
		Func: func(c *ishell.Context) {
			cc, err := current()
			if err != nil {
				c.Err(err)
				return
			}

			d := cc.Snapshot().Delegations
			for _, s := range surface.All() {
				if owner, ok := d.Owner(s); ok {
					c.Printf("%-14s %d\n", s, owner)
				} else {
					c.Printf("%-14s -\n", s)
				}
			}
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "give",
		Help: "hand a surface you hold to another pilot: <surface> <id>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 2 {
				c.Err(errors.New("usage: control give <surface> <id>"))
				return
			}

			s, err := surface.Parse(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			to, err := strconv.ParseUint(c.Args[1], 10, 16)
			if err != nil {
				c.Err(err)
				return
			}

			cc, err := current()
			if err != nil {
				c.Err(err)
				return
			}
			if err := cc.TransferControl(s, ident.ClientID(to)); err != nil {
				c.Err(err)
			}
		},
	})

	return c
}

func observeCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "observe",
		Help: "mark a pilot as observer: <id> [off]",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(errors.New("usage: observe <id> [off]"))
				return
			}

			id, err := strconv.ParseUint(c.Args[0], 10, 16)
			if err != nil {
				c.Err(err)
				return
			}

			cc, err := current()
			if err != nil {
				c.Err(err)
				return
			}
			if err := cc.SetObserver(ident.ClientID(id), len(c.Args) < 2 || c.Args[1] != "off"); err != nil {
				c.Err(err)
			}
		},
	}
}

func sendCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "send",
		Help: "send data to the session",
	}

	c.AddCmd(&ishell.Cmd{
		Name: "update",
		Help: "relay a reliable update: <text>",
		Func: func(c *ishell.Context) {
			cc, err := current()
			if err != nil {
				c.Err(err)
				return
			}
			if err := cc.SendUpdate([]byte(strings.Join(c.Args, " ")), true); err != nil {
				c.Err(err)
			}
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "definition",
		Help: "share an aircraft definition file: <path>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: send definition <path>"))
				return
			}

			b, err := os.ReadFile(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			cc, err := current()
			if err != nil {
				c.Err(err)
				return
			}
			if err := cc.SendDefinition(b); err != nil {
				c.Err(err)
			}
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "sync",
		Help: "ask the host for a full sync",
		Func: func(c *ishell.Context) {
			cc, err := current()
			if err != nil {
				c.Err(err)
				return
			}
			if err := cc.RequestSync(); err != nil {
				c.Err(err)
			}
		},
	})

	return c
}

func pumpEvents(ctx context.Context, shell *ishell.Shell) {
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mu.Lock()
		cc, s := cl, hosted
		mu.Unlock()

		if s != nil {
			for {
				ev, ok := s.NextEvent()
				if !ok {
					break
				}
				shell.Println(describeServerEvent(ev))
			}
		}

		if cc != nil {
			for {
				ev, ok := cc.NextEvent()
				if !ok {
					break
				}
				if ev.Kind == client.LinkMetrics {
					continue
				}
				shell.Println(describeEvent(ev))
			}
		}
	}
}

func describeServerEvent(ev server.Event) string {
	switch ev.Kind {
	case server.EventClientJoined, server.EventClientLeft:
		return fmt.Sprintf("[host] %s: %s (%d) from %s", ev.Kind, ev.Client.Name, ev.Client.ID, ev.Addr)
	case server.EventPunchthroughFailed:
		return fmt.Sprintf("[host] could not reach %s, they may need to connect by address", ev.Addr)
	default:
		return "[host] " + ev.Kind.String()
	}
}

func describeEvent(ev client.Event) string {
	switch ev.Kind {
	case client.ConnectionEstablished:
		return fmt.Sprintf("joined %s as %s (%d)", ev.Peer, ev.Name, ev.ClientID)
	case client.ConnectFailed, client.ConnectionLost:
		return fmt.Sprintf("%s: %s", ev.Kind, ev.Reason)
	case client.SessionAssigned:
		return fmt.Sprintf("session code: %s", ev.SessionID)
	case client.PeerJoined, client.PeerLeft:
		return fmt.Sprintf("%s: %s (%d)", ev.Kind, ev.Name, ev.ClientID)
	case client.HostChanged:
		if ev.IsHost {
			return "you are now the host"
		}
		return fmt.Sprintf("%d is now the host", ev.ClientID)
	case client.ControlRejected:
		return fmt.Sprintf("could not hand over %s, it is held by %d", ev.Surface, ev.Holder)
	case client.ObserverChanged:
		return fmt.Sprintf("%d observer: %v", ev.ClientID, ev.IsObserver)
	case client.UpdateReceived:
		return fmt.Sprintf("update from %d at %.2fs: %q", ev.ClientID, ev.Time, ev.Data)
	case client.DefinitionReceived:
		return fmt.Sprintf("received aircraft definition, %d bytes", len(ev.Data))
	case client.SyncRequested:
		return fmt.Sprintf("%d asks for a sync", ev.ClientID)
	default:
		return ev.Kind.String()
	}
}
