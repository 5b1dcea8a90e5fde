package bfd

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Neighbor Binder — declarative neighbor list reconciliation
// -------------------------------------------------------------------------

// NeighborRequester is the subset of the Request Broker's API the Neighbor
// Binder needs. Defined here (rather than importing internal/broker
// directly) to avoid a bfd -> broker -> bfd import cycle; internal/broker's
// NeighborRequester adapts a *broker.Broker to this interface, and
// cmd/gobfd wires broker.NewNeighborRequester(brk) in.
type NeighborRequester interface {
	RequestSession(ctx context.Context, key NeighborKey, opts NeighborRequestOptions, cb func(NeighborNotification)) (uint64, error)
	UpdateRequest(handle uint64, opts NeighborRequestOptions) error
	Release(ctx context.Context, handle uint64) error
}

// NeighborKey mirrors broker.BindingKey's fields without importing the
// broker package; the two stay in lockstep by construction in
// cmd/gobfd's wiring.
type NeighborKey struct {
	PeerAddr  netip.Addr
	LocalAddr netip.Addr
	Interface string
	Multihop  bool
}

// NeighborRequestOptions mirrors broker.RequestOptions for the same reason.
// Pointer fields are overrides: nil means "defer to the interface config,
// then the engine default", same as broker.RequestOptions.
type NeighborRequestOptions struct {
	VRF      string
	Multihop bool

	DesiredMinTx  *time.Duration
	RequiredMinRx *time.Duration
	DetectMult    *uint32
	Passive       *bool
}

// NeighborNotification mirrors broker.Notification for the same reason.
type NeighborNotification struct {
	State    State
	OldState State
	Diag     Diag
	Down     bool
}

// NeighborConfig is the Neighbor Binder's view of one declarative neighbor
// entry -- a narrowed copy of config.NeighborConfig so this package doesn't
// need to import internal/config.
type NeighborConfig struct {
	Peer      netip.Addr
	Local     netip.Addr
	Interface string
	Multihop  bool
	VRF       string

	DesiredMinTx  *time.Duration
	RequiredMinRx *time.Duration
	DetectMult    *uint32
	Passive       *bool
}

// Key returns the (peer, local, interface, multihop) identity BIRD calls
// bfd_same_neighbor -- the identity a reconfigured neighbor list entry is
// matched against to decide "same neighbor, re-merge options" versus
// "different neighbor, tear down and recreate".
func (nc NeighborConfig) Key() NeighborKey {
	return NeighborKey{
		PeerAddr:  nc.Peer,
		LocalAddr: nc.Local,
		Interface: nc.Interface,
		Multihop:  nc.Multihop,
	}
}

// NeighborBinder owns the live set of broker requests backing a
// declaratively configured neighbor list, and reconciles that set against
// a new list on SIGHUP reload.
//
// Grounded on BIRD's bfd_start_neighbor (submit a request for a configured
// neighbor), bfd_stop_neighbor (release it), and bfd_reconfigure_neighbors
// (diff the old and new neighbor lists by bfd_same_neighbor identity,
// re-merging options in place for survivors instead of tearing them down).
type NeighborBinder struct {
	broker NeighborRequester
	logger *slog.Logger

	mu       sync.Mutex
	active   map[NeighborKey]uint64       // identity -> broker handle
	configs  map[NeighborKey]NeighborConfig // identity -> config, for interface-down restart
	onChange func(NeighborKey, NeighborNotification)
}

// NewNeighborBinder creates a NeighborBinder backed by broker.
func NewNeighborBinder(broker NeighborRequester, logger *slog.Logger) *NeighborBinder {
	if logger == nil {
		logger = slog.Default()
	}
	return &NeighborBinder{
		broker:  broker,
		logger:  logger.With(slog.String("component", "bfd.neighborbinder")),
		active:  make(map[NeighborKey]uint64),
		configs: make(map[NeighborKey]NeighborConfig),
	}
}

// Reconcile applies the desired neighbor list: neighbors present in desired
// but not yet active are started (bfd_start_neighbor), neighbors active but
// absent from desired are stopped (bfd_stop_neighbor), and neighbors
// present in both keep their existing request untouched, so a reload that
// only touches engine-default or interface config doesn't bounce every
// session. Reconcile does not push changed per-neighbor options to a
// surviving request.
func (nb *NeighborBinder) Reconcile(ctx context.Context, desired []NeighborConfig, onChange func(NeighborKey, NeighborNotification)) error {
	desiredKeys := make(map[NeighborKey]struct{}, len(desired))
	for _, nc := range desired {
		desiredKeys[nc.Key()] = struct{}{}
	}

	nb.mu.Lock()
	nb.onChange = onChange
	var toStop []NeighborKey
	for key := range nb.active {
		if _, keep := desiredKeys[key]; !keep {
			toStop = append(toStop, key)
		}
	}
	nb.mu.Unlock()

	var firstErr error
	for _, key := range toStop {
		if err := nb.stop(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop neighbor %s: %w", key, err)
		}
	}

	for _, nc := range desired {
		key := nc.Key()

		nb.mu.Lock()
		_, already := nb.active[key]
		nb.mu.Unlock()
		if already {
			continue
		}

		if err := nb.start(ctx, nc, onChange); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("start neighbor %s: %w", key, err)
		}
	}

	return firstErr
}

func (nb *NeighborBinder) start(ctx context.Context, nc NeighborConfig, onChange func(NeighborKey, NeighborNotification)) error {
	key := nc.Key()

	cb := func(n NeighborNotification) {
		if onChange != nil {
			onChange(key, n)
		}
	}

	opts := NeighborRequestOptions{
		VRF:           nc.VRF,
		Multihop:      nc.Multihop,
		DesiredMinTx:  nc.DesiredMinTx,
		RequiredMinRx: nc.RequiredMinRx,
		DetectMult:    nc.DetectMult,
		Passive:       nc.Passive,
	}
	handle, err := nb.broker.RequestSession(ctx, key, opts, cb)
	if err != nil {
		return err
	}

	nb.mu.Lock()
	nb.active[key] = handle
	nb.configs[key] = nc
	nb.mu.Unlock()

	nb.logger.Info("neighbor started",
		slog.String("peer", nc.Peer.String()),
		slog.String("interface", nc.Interface),
		slog.Bool("multihop", nc.Multihop),
	)
	return nil
}

func (nb *NeighborBinder) stop(ctx context.Context, key NeighborKey) error {
	nb.mu.Lock()
	handle, ok := nb.active[key]
	if ok {
		delete(nb.active, key)
		delete(nb.configs, key)
	}
	nb.mu.Unlock()

	if !ok {
		return nil
	}

	if err := nb.broker.Release(ctx, handle); err != nil {
		return err
	}

	nb.logger.Info("neighbor stopped", slog.String("peer", key.PeerAddr.String()))
	return nil
}

// Active reports the number of currently bound neighbors.
func (nb *NeighborBinder) Active() int {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	return len(nb.active)
}

// HandleInterfaceDown reacts to ifName transitioning down by releasing and
// immediately re-requesting every active neighbor bound to that interface,
// instead of waiting for the peer's detection timer to expire. The fresh
// request sits in Down until the interface (and the peer) are reachable
// again; it is not removed from the active set the way stop() removes a
// neighbor dropped from the declarative list, so a later Reconcile with the
// same desired list leaves it alone.
//
// Grounded in the link-failure fast path the interface monitor exists for:
// a session restricted to waiting out RequiredMinRxInterval*DetectMultiplier
// on a physically severed link reports failure far slower than the kernel
// already knows it has.
func (nb *NeighborBinder) HandleInterfaceDown(ctx context.Context, ifName string) {
	nb.mu.Lock()
	var affected []NeighborConfig
	for key, nc := range nb.configs {
		if key.Interface == ifName {
			affected = append(affected, nc)
		}
	}
	onChange := nb.onChange
	nb.mu.Unlock()

	for _, nc := range affected {
		key := nc.Key()

		nb.mu.Lock()
		handle, ok := nb.active[key]
		if ok {
			delete(nb.active, key)
		}
		nb.mu.Unlock()

		if ok {
			if err := nb.broker.Release(ctx, handle); err != nil {
				nb.logger.Warn("release on interface down failed",
					slog.String("peer", key.PeerAddr.String()),
					slog.String("interface", ifName),
					slog.String("error", err.Error()),
				)
			}
		}

		if err := nb.start(ctx, nc, onChange); err != nil {
			nb.logger.Warn("restart after interface down failed",
				slog.String("peer", key.PeerAddr.String()),
				slog.String("interface", ifName),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(affected) > 0 {
		nb.logger.Info("neighbors bounced: interface down",
			slog.String("interface", ifName),
			slog.Int("count", len(affected)),
		)
	}
}
