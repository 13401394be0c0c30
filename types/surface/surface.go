// Package surface enumerates the independently delegable aircraft subsystems,
// and the table that maps each of them to the client currently controlling it.
package surface

import (
	"fmt"
	"strings"

	"github.com/sharedflight/common/types/ident"
)

type Surface uint8

const (
	Yoke Surface = iota
	Rudder
	Throttle
	Mixture
	Propeller
	Flaps
	Trim
	Brakes
	LandingGear
	Autopilot
	Radios
	Lights
	Engines
	Doors

	numSurfaces
)

var names = [numSurfaces]string{
	Yoke:        "yoke",
	Rudder:      "rudder",
	Throttle:    "throttle",
	Mixture:     "mixture",
	Propeller:   "propeller",
	Flaps:       "flaps",
	Trim:        "trim",
	Brakes:      "brakes",
	LandingGear: "landing_gear",
	Autopilot:   "autopilot",
	Radios:      "radios",
	Lights:      "lights",
	Engines:     "engines",
	Doors:       "doors",
}

// All returns every surface, in declaration order.
func All() []Surface {
	all := make([]Surface, numSurfaces)
	for i := range all {
		all[i] = Surface(i)
	}
	return all
}

func (s Surface) Valid() bool {
	return s < numSurfaces
}

func (s Surface) String() string {
	if !s.Valid() {
		return fmt.Sprintf("surface(%d)", uint8(s))
	}
	return names[s]
}

func Parse(name string) (Surface, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range names {
		if n == name {
			return Surface(i), nil
		}
	}
	return 0, fmt.Errorf("unknown control surface %q", name)
}

// Delegations maps each surface to the client holding it.
type Delegations map[Surface]ident.ClientID

func (d Delegations) Delegate(s Surface, to ident.ClientID) {
	d[s] = to
}

func (d Delegations) Owner(s Surface) (ident.ClientID, bool) {
	id, ok := d[s]
	return id, ok
}

// FillEmpty assigns every surface without an owner to id, and reports whether anything changed.
func (d Delegations) FillEmpty(id ident.ClientID) bool {
	changed := false
	for _, s := range All() {
		if _, ok := d[s]; !ok {
			d[s] = id
			changed = true
		}
	}
	return changed
}

// RemoveOwner drops every delegation held by id, and returns the surfaces it held.
func (d Delegations) RemoveOwner(id ident.ClientID) []Surface {
	var held []Surface
	for _, s := range All() {
		if owner, ok := d[s]; ok && owner == id {
			delete(d, s)
			held = append(held, s)
		}
	}
	return held
}

// HeldBy returns the surfaces held by id, in declaration order.
func (d Delegations) HeldBy(id ident.ClientID) []Surface {
	var held []Surface
	for _, s := range All() {
		if owner, ok := d[s]; ok && owner == id {
			held = append(held, s)
		}
	}
	return held
}

// Complete reports whether every surface has an owner.
func (d Delegations) Complete() bool {
	for _, s := range All() {
		if _, ok := d[s]; !ok {
			return false
		}
	}
	return true
}

func (d Delegations) Clone() Delegations {
	c := make(Delegations, len(d))
	for s, id := range d {
		c[s] = id
	}
	return c
}

func (d Delegations) Equal(o Delegations) bool {
	if len(d) != len(o) {
		return false
	}
	for s, id := range d {
		if oid, ok := o[s]; !ok || oid != id {
			return false
		}
	}
	return true
}
