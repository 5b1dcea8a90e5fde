package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Interface Manager — refcounted (local_addr, iface) socket bindings
// -------------------------------------------------------------------------

// BindKey identifies one shared receive socket. In strict-bind mode every
// (local address, interface, hop mode) triple gets its own socket; in the
// default shared mode the Interface field is always empty and sessions on
// different interfaces demultiplex off one of the four per-(family,
// hop-mode) wildcard sockets instead, matching RFC 5880 implementations
// that don't want one open file descriptor per peer.
type BindKey struct {
	LocalAddr netip.Addr
	Interface string
	Multihop  bool
}

func (k BindKey) String() string {
	if k.Interface == "" {
		return fmt.Sprintf("%s/multihop=%v", k.LocalAddr, k.Multihop)
	}
	return fmt.Sprintf("%s%%%s/multihop=%v", k.LocalAddr, k.Interface, k.Multihop)
}

type binding struct {
	conn PacketConn
	refs int
}

// InterfaceManager owns the engine's receive sockets and hands out
// refcounted references to them. Two modes, both named by the Engine
// Configuration table's strict_bind option:
//
//   - strict_bind = false (default): one shared RX socket per (address
//     family, hop mode) -- four sockets total, bound to the wildcard
//     address, regardless of how many interfaces or local addresses have
//     sessions on them.
//   - strict_bind = true: one RX socket per (local address, interface,
//     hop mode), matching the teacher's original per-session socket model.
//     Costs one file descriptor per binding but isolates sessions whose
//     interfaces may be in different network namespaces or VRFs.
//
// Acquire is idempotent per key: the second caller for the same key gets
// the existing socket and bumps its refcount; Release decrements it and
// closes the socket once no session references it.
type InterfaceManager struct {
	mu         sync.Mutex
	strictBind bool
	bindings   map[BindKey]*binding
	logger     *slog.Logger
	connFactory func(ctx context.Context, key BindKey) (PacketConn, error)
}

// InterfaceManagerOption configures optional InterfaceManager parameters.
type InterfaceManagerOption func(*InterfaceManager)

// WithConnFactory overrides how a binding's socket is created. Tests use
// this to substitute MockPacketConn for the real raw-socket listeners,
// which require CAP_NET_RAW and a real network stack.
func WithConnFactory(factory func(ctx context.Context, key BindKey) (PacketConn, error)) InterfaceManagerOption {
	return func(im *InterfaceManager) {
		if factory != nil {
			im.connFactory = factory
		}
	}
}

// NewInterfaceManager creates an InterfaceManager. strictBind selects the
// per-binding socket model over the four shared wildcard sockets.
func NewInterfaceManager(strictBind bool, logger *slog.Logger, opts ...InterfaceManagerOption) *InterfaceManager {
	if logger == nil {
		logger = slog.Default()
	}
	im := &InterfaceManager{
		strictBind: strictBind,
		bindings:   make(map[BindKey]*binding),
		logger:     logger.With(slog.String("component", "netio.ifmanager")),
	}
	im.connFactory = im.create
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// keyFor computes the binding key for a request, collapsing interface and
// local address to nothing when shared sockets are in effect so that every
// session on the same (family, hop mode) maps to the same key.
func (im *InterfaceManager) keyFor(localAddr netip.Addr, ifName string, multihop bool) BindKey {
	if im.strictBind {
		return BindKey{LocalAddr: localAddr, Interface: ifName, Multihop: multihop}
	}

	wildcard := netip.IPv4Unspecified()
	if localAddr.Is6() && !localAddr.Is4In6() {
		wildcard = netip.IPv6Unspecified()
	}
	return BindKey{LocalAddr: wildcard, Multihop: multihop}
}

// Acquire returns the PacketConn backing the given (local address,
// interface, hop mode) binding, creating it if this is the first caller.
func (im *InterfaceManager) Acquire(ctx context.Context, localAddr netip.Addr, ifName string, multihop bool) (PacketConn, error) {
	key := im.keyFor(localAddr, ifName, multihop)

	im.mu.Lock()
	defer im.mu.Unlock()

	if b, ok := im.bindings[key]; ok {
		b.refs++
		return b.conn, nil
	}

	conn, err := im.connFactory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire binding %s: %w", key, err)
	}

	im.bindings[key] = &binding{conn: conn, refs: 1}
	im.logger.Debug("binding created", slog.String("key", key.String()))
	return conn, nil
}

// create opens the socket for a binding key. Strict-bind bindings pass the
// interface through to SO_BINDTODEVICE; shared bindings bind the wildcard
// address with no interface restriction, relying on IP_PKTINFO/IPV6_PKTINFO
// ancillary data (already parsed into PacketMeta) for per-session demux.
func (im *InterfaceManager) create(ctx context.Context, key BindKey) (PacketConn, error) {
	ifName := key.Interface
	if key.Multihop {
		return NewMultiHopListener(ctx, key.LocalAddr)
	}
	return NewSingleHopListener(ctx, key.LocalAddr, ifName)
}

// Release drops one reference to the binding for (local address,
// interface, hop mode), closing its socket once the last reference is
// gone. Releasing an unknown binding is a no-op -- callers that already
// raced a shutdown shouldn't have to special-case it.
func (im *InterfaceManager) Release(localAddr netip.Addr, ifName string, multihop bool) error {
	key := im.keyFor(localAddr, ifName, multihop)

	im.mu.Lock()
	defer im.mu.Unlock()

	b, ok := im.bindings[key]
	if !ok {
		return nil
	}

	b.refs--
	if b.refs > 0 {
		return nil
	}

	delete(im.bindings, key)
	im.logger.Debug("binding released", slog.String("key", key.String()))
	return b.conn.Close()
}

// BindingCount reports the number of live bindings, for diagnostics and
// tests.
func (im *InterfaceManager) BindingCount() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.bindings)
}

// Close tears down every remaining binding, regardless of refcount. Used
// during engine shutdown after all sessions have already stopped.
func (im *InterfaceManager) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()

	var firstErr error
	for key, b := range im.bindings {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close binding %s: %w", key, err)
		}
		delete(im.bindings, key)
	}
	return firstErr
}
