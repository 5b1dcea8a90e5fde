package netio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

// -------------------------------------------------------------------------
// DbusInterfaceMonitor — org.freedesktop.network1 (systemd-networkd) backed
// implementation of InterfaceMonitor
// -------------------------------------------------------------------------

const (
	networkdBusName        = "org.freedesktop.network1"
	networkdManagerPath    = dbus.ObjectPath("/org/freedesktop/network1")
	networkdManagerIface   = "org.freedesktop.network1.Manager"
	networkdLinkIface      = "org.freedesktop.network1.Link"
	propertiesChangedIface = "org.freedesktop.DBus.Properties"
)

// DbusInterfaceMonitor watches systemd-networkd's org.freedesktop.network1
// bus for per-link OperationalState changes and translates them into
// InterfaceEvent values. This replaces StubInterfaceMonitor with a real
// facility the Neighbor Binder can use to tear a session down immediately
// on link failure instead of waiting out the detection timer.
//
// "Up" is defined as OperationalState being "routable", "degraded", or
// "carrier" -- the networkd states that imply the link can at least
// attempt to carry a BFD packet. Any other state (e.g. "off", "no-carrier",
// "dormant") reports Up=false.
type DbusInterfaceMonitor struct {
	conn   *dbus.Conn
	events chan InterfaceEvent
	logger *slog.Logger

	linkNames map[dbus.ObjectPath]string
	linkIndex map[dbus.ObjectPath]int
}

// upOperationalStates lists the networkd OperationalState values treated
// as "up" for BFD purposes.
var upOperationalStates = map[string]bool{
	"routable": true,
	"degraded": true,
	"carrier":  true,
}

// NewDbusInterfaceMonitor connects to the system bus and prepares to watch
// org.freedesktop.network1. The connection is established eagerly so
// construction failures (no systemd-networkd, no system bus) surface
// before Run is called.
func NewDbusInterfaceMonitor(logger *slog.Logger) (*DbusInterfaceMonitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	return &DbusInterfaceMonitor{
		conn:      conn,
		events:    make(chan InterfaceEvent, 16),
		logger:    logger.With(slog.String("component", "ifmon.dbus")),
		linkNames: make(map[dbus.ObjectPath]string),
		linkIndex: make(map[dbus.ObjectPath]int),
	}, nil
}

// Run subscribes to PropertiesChanged signals for every link networkd
// currently knows about and blocks translating them into InterfaceEvent
// values until ctx is cancelled.
func (m *DbusInterfaceMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	if err := m.loadLinks(); err != nil {
		return fmt.Errorf("load networkd links: %w", err)
	}

	matchRule := fmt.Sprintf(
		"type='signal',interface='%s',member='PropertiesChanged'",
		propertiesChangedIface,
	)
	if err := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		return fmt.Errorf("add dbus match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	m.conn.Signal(signals)
	defer m.conn.RemoveSignal(signals)

	m.logger.Info("networkd interface monitor started", slog.Int("links", len(m.linkNames)))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("networkd interface monitor stopped")
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			m.handleSignal(sig)
		}
	}
}

// loadLinks calls ListLinks once to learn every link's object path, index,
// and name, so later PropertiesChanged signals (which arrive scoped to an
// object path, not a name) can be translated back to an interface name.
func (m *DbusInterfaceMonitor) loadLinks() error {
	obj := m.conn.Object(networkdBusName, networkdManagerPath)

	var links []struct {
		Index int
		Name  string
		Path  dbus.ObjectPath
	}
	if err := obj.Call(networkdManagerIface+".ListLinks", 0).Store(&links); err != nil {
		return fmt.Errorf("ListLinks: %w", err)
	}

	for _, l := range links {
		m.linkNames[l.Path] = l.Name
		m.linkIndex[l.Path] = l.Index
	}
	return nil
}

// handleSignal converts one PropertiesChanged signal into an InterfaceEvent
// if it names OperationalState and corresponds to a known link; signals for
// properties the monitor doesn't care about are ignored.
func (m *DbusInterfaceMonitor) handleSignal(sig *dbus.Signal) {
	name, ok := m.linkNames[sig.Path]
	if !ok {
		return
	}
	if len(sig.Body) < 2 {
		return
	}

	ifaceName, ok := sig.Body[0].(string)
	if !ok || ifaceName != networkdLinkIface {
		return
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	opState, ok := changed["OperationalState"]
	if !ok {
		return
	}

	stateStr, ok := opState.Value().(string)
	if !ok {
		return
	}

	ev := InterfaceEvent{
		IfName:  name,
		IfIndex: m.linkIndex[sig.Path],
		Up:      upOperationalStates[strings.ToLower(stateStr)],
	}

	select {
	case m.events <- ev:
	default:
		m.logger.Warn("interface event dropped, consumer too slow", slog.String("interface", name))
	}
}

// Events implements InterfaceMonitor.
func (m *DbusInterfaceMonitor) Events() <-chan InterfaceEvent {
	return m.events
}

// Close implements InterfaceMonitor.
func (m *DbusInterfaceMonitor) Close() error {
	return m.conn.Close()
}
