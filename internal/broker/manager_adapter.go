package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/config"
)

// SenderFactory produces the PacketSender a new session should use for a
// given binding. Typically backed by the Interface Manager's per-(local
// addr, interface) bound socket.
type SenderFactory func(BindingKey) (bfd.PacketSender, error)

// ManagerInstance adapts a *bfd.Manager (plus its engine-wide and
// per-interface configuration) to the EngineInstance interface the broker
// submits requests to. One ManagerInstance per VRF; a deployment with no
// VRF awareness registers exactly one with vrf == "".
type ManagerInstance struct {
	name    string
	vrf     string
	manager *bfd.Manager
	sender  SenderFactory

	mu         sync.RWMutex
	engineCfg  config.BFDConfig
	interfaces map[string]config.InterfaceConfig
}

// NewManagerInstance wraps manager with the engine-wide defaults engineCfg
// and an initial set of per-interface overrides.
func NewManagerInstance(name, vrf string, manager *bfd.Manager, sender SenderFactory, engineCfg config.BFDConfig, interfaces []config.InterfaceConfig) *ManagerInstance {
	mi := &ManagerInstance{
		name:       name,
		vrf:        vrf,
		manager:    manager,
		sender:     sender,
		engineCfg:  engineCfg,
		interfaces: make(map[string]config.InterfaceConfig, len(interfaces)),
	}
	for _, ic := range interfaces {
		mi.interfaces[ic.Name] = ic
	}
	return mi
}

// Name implements EngineInstance.
func (mi *ManagerInstance) Name() string { return mi.name }

// Accepts implements EngineInstance, gating on VRF, address family, and hop
// mode -- the three fields the Engine Configuration table names as
// request-attach-time acceptance criteria.
func (mi *ManagerInstance) Accepts(opts RequestOptions) bool {
	if opts.VRF != "" && opts.VRF != mi.vrf {
		return false
	}

	mi.mu.RLock()
	defer mi.mu.RUnlock()

	if opts.Multihop && !mi.engineCfg.AcceptMultihop {
		return false
	}
	if !opts.Multihop && !mi.engineCfg.AcceptDirect {
		return false
	}
	return true
}

// Config implements EngineInstance.
func (mi *ManagerInstance) Config() (config.BFDConfig, func(string) *config.InterfaceConfig) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	engineCfg := mi.engineCfg
	return engineCfg, func(name string) *config.InterfaceConfig {
		mi.mu.RLock()
		defer mi.mu.RUnlock()
		if ic, ok := mi.interfaces[name]; ok {
			return &ic
		}
		return nil
	}
}

// SetInterfaceConfig installs or replaces the override for one interface,
// used when SIGHUP reload changes an interface's entry.
func (mi *ManagerInstance) SetInterfaceConfig(ic config.InterfaceConfig) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.interfaces[ic.Name] = ic
}

// SetEngineConfig replaces the engine-wide defaults, used on SIGHUP reload
// for options that don't require a restart (config.BFDConfig.RestartRequired
// names the ones that do).
func (mi *ManagerInstance) SetEngineConfig(cfg config.BFDConfig) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.engineCfg = cfg
}

// Attach implements EngineInstance by creating a bfd.Session through the
// wrapped Manager.
func (mi *ManagerInstance) Attach(ctx context.Context, key BindingKey, params MergedParams, opts RequestOptions) (*bfd.Session, error) {
	sender, err := mi.sender(key)
	if err != nil {
		return nil, fmt.Errorf("acquire sender for %s: %w", key, err)
	}

	role := bfd.RoleActive
	if params.Passive {
		role = bfd.RolePassive
	}

	sessionType := bfd.SessionTypeSingleHop
	if key.Multihop {
		sessionType = bfd.SessionTypeMultiHop
	}

	cfg := bfd.SessionConfig{
		PeerAddr:              key.PeerAddr,
		LocalAddr:             key.LocalAddr,
		Interface:             key.Interface,
		Type:                  sessionType,
		Role:                  role,
		DesiredMinTxInterval:  params.DesiredMinTx,
		RequiredMinRxInterval: params.RequiredMinRx,
		DetectMultiplier:      uint8(params.DetectMult),
		Auth:                  opts.Auth,
		AuthKeys:              opts.AuthKeys,
	}

	return mi.manager.CreateSession(ctx, cfg, sender)
}

// Detach implements EngineInstance.
func (mi *ManagerInstance) Detach(ctx context.Context, localDiscr uint32) error {
	return mi.manager.DestroySession(ctx, localDiscr)
}

// Reconfigure implements EngineInstance. Only the TX/RX intervals flow
// through Session.Reconfigure's Poll Sequence; detect multiplier and
// authentication changes take effect on the next session recreation, since
// RFC 5880 attaches no Poll Sequence semantics to either.
func (mi *ManagerInstance) Reconfigure(localDiscr uint32, params MergedParams) error {
	sess, ok := mi.manager.LookupByDiscriminator(localDiscr)
	if !ok {
		return fmt.Errorf("reconfigure discriminator %d: %w", localDiscr, bfd.ErrSessionNotFound)
	}
	sess.Reconfigure(params.DesiredMinTx, params.RequiredMinRx)
	return nil
}

// StateChanges implements EngineInstance.
func (mi *ManagerInstance) StateChanges() <-chan bfd.StateChange {
	return mi.manager.StateChanges()
}
