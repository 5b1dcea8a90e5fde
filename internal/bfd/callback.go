package bfd

// StateCallback reacts to a BFD session state transition -- e.g. GoBGP
// withdrawing routes on an Up->Down change, or an OSPF adjacency reset.
//
// Callbacks run synchronously on the consumer goroutine that drains
// Manager.StateChanges(); keep them non-blocking and offload anything
// slow. Routing a StateChange through a plain function value here, rather
// than a bfd-package-specific interface, keeps internal/bfd free of import
// cycles with its protocol-specific consumers (internal/gobgp and similar):
//
//	go func() {
//	    for change := range mgr.StateChanges() {
//	        for _, cb := range callbacks {
//	            cb(change)
//	        }
//	    }
//	}()
//
// RFC 5882 Section 3.2 flap dampening expects the consumer, not this
// package, to apply exponential backoff before propagating rapid
// Down->Up->Down oscillations up to routing protocols.
type StateCallback func(change StateChange)
