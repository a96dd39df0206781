package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/loop"
	"taskpilot/pkg/logx"
)

const (
	UnitsCheckName    = "systemd-units"
	EventUnitInactive = "unit-inactive"

	unitProbeTimeout = time.Second
)

var ErrUnsupported = errors.New("systemd units: unsupported OS (linux only)")

// UnitState is the systemd view of one unit.
type UnitState struct {
	Unit        string `json:"unit"`
	Active      string `json:"active"` // active, inactive, failed, ...
	Sub         string `json:"sub"`    // running, dead, ...
	Load        string `json:"load"`   // loaded, not-found, ...
	Description string `json:"description,omitempty"`
}

// UnitProber reads unit state. NewSystemdProber talks to systemd over D-Bus.
type UnitProber interface {
	UnitState(ctx context.Context, unit string) (UnitState, error)
	Close() error
}

// UnitChecker reports configured units that are not active.
type UnitChecker struct {
	units []string
	probe UnitProber
	bus   *eventbus.Bus
	log   logx.Logger
}

func NewUnitChecker(units []string, probe UnitProber, bus *eventbus.Bus, log logx.Logger) *UnitChecker {
	norm := make([]string, 0, len(units))
	for _, u := range units {
		if u = unitName(u); u != "" {
			norm = append(norm, u)
		}
	}
	return &UnitChecker{units: norm, probe: probe, bus: bus, log: log}
}

func unitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

func (c *UnitChecker) Units() []string { return append([]string(nil), c.units...) }

// Check probes every unit. Inactive units are published; probe failures make
// the check fail.
func (c *UnitChecker) Check(ctx context.Context) error {
	var errs []error
	for _, u := range c.units {
		pctx, cancel := context.WithTimeout(ctx, unitProbeTimeout)
		st, err := c.probe.UnitState(pctx, u)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		if st.Active == "active" {
			continue
		}
		c.log.Warn("unit not active",
			logx.String("unit", u),
			logx.String("active", st.Active),
			logx.String("sub", st.Sub),
			logx.String("load", st.Load),
		)
		if c.bus != nil {
			c.bus.PublishFrom(EventUnitInactive, st, UnitsCheckName)
		}
	}
	return errors.Join(errs...)
}

func (c *UnitChecker) Register(l *loop.Loop) error {
	return l.RegisterCheck(UnitsCheckName, c.Check)
}

func (c *UnitChecker) Close() error { return c.probe.Close() }
