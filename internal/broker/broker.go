package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/config"
)

// Sentinel errors returned by the broker's public API.
var (
	// ErrNoEngineInstance indicates no registered engine instance accepted
	// the request (wrong VRF, address family, or hop mode). The request is
	// parked on the wait list and retried as instances are added.
	ErrNoEngineInstance = errors.New("no engine instance accepts this request")

	// ErrRequestNotFound indicates the handle does not name a live request.
	ErrRequestNotFound = errors.New("request not found")
)

// Notification is delivered to a request's callback whenever the session
// backing it changes state, exactly once per FSM transition. Down reports
// whether the transition crossed from Up into any non-Up state -- the
// single boolean most subscribers actually want, so they don't have to
// reimplement the state comparison themselves.
type Notification struct {
	State    bfd.State
	OldState bfd.State
	Diag     bfd.Diag
	Down     bool
}

// Callback receives notifications for one request. Invoked from the
// broker's own dispatch goroutine; callbacks must not block.
type Callback func(Notification)

// Handle identifies one outstanding request_session call.
type Handle uint64

// EngineInstance is one engine the broker can submit requests to. A
// deployment with VRF-scoped engines registers one EngineInstance per VRF;
// a single-VRF deployment registers exactly one.
type EngineInstance interface {
	// Name identifies the instance for logging (e.g. a VRF name).
	Name() string
	// Accepts reports whether this instance's configuration allows the
	// requested address family, hop mode, and VRF.
	Accepts(opts RequestOptions) bool
	// Config returns the instance's current engine-wide defaults and the
	// interface override for the named interface, if any.
	Config() (engineDefaults config.BFDConfig, ifaceCfg func(name string) *config.InterfaceConfig)
	// Attach creates (or returns the existing) session for the given key
	// and merged parameters, incrementing nothing -- refcounting is the
	// broker's job, not the engine's.
	Attach(ctx context.Context, key BindingKey, params MergedParams, opts RequestOptions) (*bfd.Session, error)
	// Detach tears down the session identified by localDiscr.
	Detach(ctx context.Context, localDiscr uint32) error
	// Reconfigure pushes new merged parameters into a live session without
	// tearing it down, triggering a Poll Sequence if required.
	Reconfigure(localDiscr uint32, params MergedParams) error
	// StateChanges returns the instance's fan-out channel of session state
	// transitions, keyed by local discriminator via StateChange.LocalDiscr.
	StateChanges() <-chan bfd.StateChange
}

// BindingKey identifies one underlying session shared by any number of
// requests. Mirrors BIRD's bfd_same_neighbor identity.
type BindingKey struct {
	PeerAddr  netip.Addr
	LocalAddr netip.Addr
	Interface string
	Multihop  bool
}

func (k BindingKey) String() string {
	return fmt.Sprintf("%s|%s|%s|multihop=%v", k.PeerAddr, k.LocalAddr, k.Interface, k.Multihop)
}

type binding struct {
	key       BindingKey
	instance  EngineInstance
	discr     uint32
	headOpts  RequestOptions // options of the request that created the binding; re-merged on reconfigure
	requests  map[Handle]*request
	lastState bfd.State
	lastDiag  bfd.Diag
}

type request struct {
	handle   Handle
	key      BindingKey
	opts     RequestOptions
	callback Callback
	binding  *binding // nil while parked on the wait list
}

// Broker is the process-wide Request Broker. One Broker instance typically
// backs one daemon; it owns the wait list and fans state changes out to
// every request attached to a binding.
type Broker struct {
	logger *slog.Logger

	mu         sync.Mutex
	instances  []EngineInstance
	bindings   map[BindingKey]*binding
	bindingsByDiscr map[uint32]*binding
	requests   map[Handle]*request
	waitList   []*request

	nextHandle atomic.Uint64
}

// New creates an empty Broker. Engine instances are added with
// AddEngineInstance before any request_session calls are expected to
// succeed.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:          logger,
		bindings:        make(map[BindingKey]*binding),
		bindingsByDiscr: make(map[uint32]*binding),
		requests:        make(map[Handle]*request),
	}
}

// AddEngineInstance registers an engine instance and retries every request
// currently parked on the wait list against it, in FIFO order -- mirroring
// BIRD's behavior of walking the global neighbor list whenever a new BFD
// protocol instance starts.
func (b *Broker) AddEngineInstance(ctx context.Context, inst EngineInstance) {
	b.mu.Lock()
	b.instances = append(b.instances, inst)
	pending := b.waitList
	b.waitList = nil
	b.mu.Unlock()

	for _, req := range pending {
		if err := b.attachKeyed(ctx, req, req.key); err != nil {
			b.mu.Lock()
			b.waitList = append(b.waitList, req)
			b.mu.Unlock()
		}
	}
}

// RequestSession submits a new request. If an engine instance accepts it,
// the request attaches to that instance's session immediately (creating it
// if no other request already shares the same binding key); otherwise the
// request parks on the wait list and is retried on every AddEngineInstance
// call.
func (b *Broker) RequestSession(ctx context.Context, key BindingKey, opts RequestOptions, cb Callback) (Handle, error) {
	h := Handle(b.nextHandle.Add(1))
	opts.Multihop = key.Multihop // keep VRF/AF gating consistent with the binding identity
	req := &request{handle: h, key: key, opts: opts, callback: cb}

	b.mu.Lock()
	b.requests[h] = req
	b.mu.Unlock()

	if err := b.attachKeyed(ctx, req, key); err != nil {
		b.mu.Lock()
		b.waitList = append(b.waitList, req)
		b.mu.Unlock()
		b.logger.Info("request parked on wait list", slog.String("key", key.String()), slog.String("reason", err.Error()))
		return h, nil
	}

	return h, nil
}

// attachKeyed is attach() with the binding key threaded through explicitly,
// used by RequestSession before the request has a binding to read a key
// from.
func (b *Broker) attachKeyed(ctx context.Context, req *request, key BindingKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bnd, ok := b.bindings[key]; ok {
		bnd.requests[req.handle] = req
		req.binding = bnd
		return nil
	}

	for _, inst := range b.instances {
		if !inst.Accepts(req.opts) {
			continue
		}

		engineDefaults, ifaceCfgFunc := inst.Config()
		var ifaceCfg *config.InterfaceConfig
		if ifaceCfgFunc != nil {
			ifaceCfg = ifaceCfgFunc(key.Interface)
		}
		params := MergeOptions(engineDefaults, ifaceCfg, &req.opts)

		sess, err := inst.Attach(ctx, key, params, req.opts)
		if err != nil {
			return fmt.Errorf("attach to instance %s: %w", inst.Name(), err)
		}

		bnd := &binding{
			key:      key,
			instance: inst,
			discr:    sess.LocalDiscriminator(),
			headOpts: req.opts,
			requests: map[Handle]*request{req.handle: req},
		}
		b.bindings[key] = bnd
		b.bindingsByDiscr[bnd.discr] = bnd
		req.binding = bnd
		return nil
	}

	return ErrNoEngineInstance
}

// UpdateRequest changes the options for a live or parked request. If the
// request is attached and the new options change the merged parameters,
// the binding is re-merged from its head-of-list request and pushed into
// the session via Reconfigure, which may trigger a Poll Sequence.
func (b *Broker) UpdateRequest(handle Handle, opts RequestOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[handle]
	if !ok {
		return ErrRequestNotFound
	}
	req.opts = opts

	bnd := req.binding
	if bnd == nil {
		return nil // still parked; next retry will pick up the new options
	}

	// Re-merge from whichever request is "head of list" -- BIRD re-derives
	// options from bfd_merge_options across the whole request list on
	// every change, so take the most recently updated occupant deterministically.
	bnd.headOpts = req.opts

	engineDefaults, ifaceCfgFunc := bnd.instance.Config()
	var ifaceCfg *config.InterfaceConfig
	if ifaceCfgFunc != nil {
		ifaceCfg = ifaceCfgFunc(bnd.key.Interface)
	}
	params := MergeOptions(engineDefaults, ifaceCfg, &bnd.headOpts)

	return bnd.instance.Reconfigure(bnd.discr, params)
}

// Release detaches a request. The underlying session is torn down once its
// last request releases.
func (b *Broker) Release(ctx context.Context, handle Handle) error {
	b.mu.Lock()
	req, ok := b.requests[handle]
	if !ok {
		b.mu.Unlock()
		return ErrRequestNotFound
	}
	delete(b.requests, handle)

	bnd := req.binding
	if bnd == nil {
		b.removeFromWaitList(handle)
		b.mu.Unlock()
		return nil
	}

	delete(bnd.requests, handle)
	empty := len(bnd.requests) == 0
	if empty {
		delete(b.bindings, bnd.key)
		delete(b.bindingsByDiscr, bnd.discr)
	}
	b.mu.Unlock()

	if empty {
		return bnd.instance.Detach(ctx, bnd.discr)
	}
	return nil
}

func (b *Broker) removeFromWaitList(handle Handle) {
	for i, req := range b.waitList {
		if req.handle == handle {
			b.waitList = append(b.waitList[:i], b.waitList[i+1:]...)
			return
		}
	}
}

// RunNotifications consumes inst's StateChanges channel until ctx is done,
// fanning each transition out to every request attached to the
// corresponding binding. Callers start one of these per registered engine
// instance.
func (b *Broker) RunNotifications(ctx context.Context, inst EngineInstance) {
	ch := inst.StateChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(sc)
		}
	}
}

func (b *Broker) dispatch(sc bfd.StateChange) {
	b.mu.Lock()
	bnd, ok := b.bindingsByDiscr[sc.LocalDiscr]
	if !ok {
		b.mu.Unlock()
		return
	}

	// down reports a genuine failure, not an administrative or
	// orderly teardown: the session must have been Up, it must have
	// transitioned to Down (not Init or AdminDown), and the peer must
	// not itself have signaled AdminDown -- a peer-initiated AdminDown
	// is a deliberate shutdown, not a detected failure.
	down := bnd.lastState == bfd.StateUp &&
		sc.NewState == bfd.StateDown &&
		sc.RemoteState != bfd.StateAdminDown
	bnd.lastState = sc.NewState
	bnd.lastDiag = sc.Diag

	callbacks := make([]Callback, 0, len(bnd.requests))
	for _, req := range bnd.requests {
		if req.callback != nil {
			callbacks = append(callbacks, req.callback)
		}
	}
	b.mu.Unlock()

	n := Notification{
		State:    sc.NewState,
		OldState: sc.OldState,
		Diag:     sc.Diag,
		Down:     down,
	}
	for _, cb := range callbacks {
		cb(n)
	}
}

// PendingWaitList reports the number of requests currently parked on the
// wait list, for diagnostics.
func (b *Broker) PendingWaitList() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waitList)
}

// DiscriminatorForHandle reports the local discriminator of the session
// backing handle, or false if the request is still parked on the wait list
// (no engine instance has accepted it yet) or the handle is unknown.
func (b *Broker) DiscriminatorForHandle(handle Handle) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[handle]
	if !ok || req.binding == nil {
		return 0, false
	}
	return req.binding.discr, true
}
