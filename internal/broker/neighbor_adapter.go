package broker

import (
	"context"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// NeighborRequester adapts a *Broker to bfd.NeighborRequester, translating
// between the Neighbor Binder's narrow, import-cycle-avoiding types and the
// broker's own BindingKey/RequestOptions/Notification/Handle types. The
// bfd package can't import broker directly (broker already imports bfd for
// session types), so the Neighbor Binder depends on the small interface
// and this adapter bridges it at the wiring root (cmd/gobfd).
type NeighborRequester struct {
	broker *Broker
}

// NewNeighborRequester wraps broker for use as a bfd.NeighborRequester.
func NewNeighborRequester(broker *Broker) *NeighborRequester {
	return &NeighborRequester{broker: broker}
}

// RequestSession implements bfd.NeighborRequester.
func (r *NeighborRequester) RequestSession(
	ctx context.Context,
	key bfd.NeighborKey,
	opts bfd.NeighborRequestOptions,
	cb func(bfd.NeighborNotification),
) (uint64, error) {
	h, err := r.broker.RequestSession(ctx, bindingKeyFromNeighbor(key), RequestOptions{
		VRF:           opts.VRF,
		Multihop:      opts.Multihop,
		DesiredMinTx:  opts.DesiredMinTx,
		RequiredMinRx: opts.RequiredMinRx,
		DetectMult:    opts.DetectMult,
		Passive:       opts.Passive,
	}, func(n Notification) {
		if cb != nil {
			cb(bfd.NeighborNotification{
				State:    n.State,
				OldState: n.OldState,
				Diag:     n.Diag,
				Down:     n.Down,
			})
		}
	})
	return uint64(h), err
}

// UpdateRequest implements bfd.NeighborRequester.
func (r *NeighborRequester) UpdateRequest(handle uint64, opts bfd.NeighborRequestOptions) error {
	return r.broker.UpdateRequest(Handle(handle), RequestOptions{
		VRF:           opts.VRF,
		Multihop:      opts.Multihop,
		DesiredMinTx:  opts.DesiredMinTx,
		RequiredMinRx: opts.RequiredMinRx,
		DetectMult:    opts.DetectMult,
		Passive:       opts.Passive,
	})
}

// Release implements bfd.NeighborRequester.
func (r *NeighborRequester) Release(ctx context.Context, handle uint64) error {
	return r.broker.Release(ctx, Handle(handle))
}

func bindingKeyFromNeighbor(key bfd.NeighborKey) BindingKey {
	return BindingKey{
		PeerAddr:  key.PeerAddr,
		LocalAddr: key.LocalAddr,
		Interface: key.Interface,
		Multihop:  key.Multihop,
	}
}
