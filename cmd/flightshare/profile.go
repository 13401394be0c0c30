package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/LukaGiorgadze/gonull"
)

const defaultRendezvousPort = 5555

// Profile is what the shell remembers between runs.
type Profile struct {
	Name string

	RendezvousHost string

	// Optional rendezvous port override. (Default 5555)
	RendezvousPort gonull.Nullable[uint16]

	// Optional fixed local port, for hosts that forward a port by hand.
	LocalPort gonull.Nullable[uint16]

	IPv6 bool

	// Whether to ask the gateway for a port forward when hosting. (Default on)
	UPnP gonull.Nullable[bool]
}

func (p Profile) rendezvousPort() uint16 {
	if p.RendezvousPort.Valid {
		return p.RendezvousPort.Val
	}
	return defaultRendezvousPort
}

func (p Profile) localPort() uint16 {
	if p.LocalPort.Valid {
		return p.LocalPort.Val
	}
	return 0
}

func (p Profile) upnp() bool {
	return !p.UPnP.Valid || p.UPnP.Val
}

func profilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "flightshare.json"
	}
	return filepath.Join(dir, "flightshare", "profile.json")
}

func loadProfile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Profile{}, nil
	} else if err != nil {
		return Profile{}, err
	}

	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func saveProfile(path string, p Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(p, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
