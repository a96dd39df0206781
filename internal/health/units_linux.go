//go:build linux

package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

type systemdProber struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// NewSystemdProber connects to the system bus.
func NewSystemdProber(ctx context.Context) (UnitProber, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &systemdProber{conn: conn}, nil
}

func (p *systemdProber) UnitState(ctx context.Context, unit string) (UnitState, error) {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return UnitState{}, errors.New("systemd connection is closed")
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return UnitState{Unit: unit, Active: "unknown", Sub: "not-found", Load: "not-found"}, nil
		}
		return UnitState{}, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	st := UnitState{
		Unit:        unit,
		Active:      stringProp(props, "ActiveState"),
		Sub:         stringProp(props, "SubState"),
		Load:        stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
	}
	if st.Load == "not-found" {
		st.Active, st.Sub = "unknown", "not-found"
	}
	return st, nil
}

func (p *systemdProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func isNoSuchUnitErr(err error) bool {
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	msg := err.Error()
	return strings.Contains(msg, "NoSuchUnit") || strings.Contains(msg, "not-found")
}
