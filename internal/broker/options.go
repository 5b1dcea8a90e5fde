// Package broker implements the Request Broker: the client-facing API that
// turns independent "I want a BFD session to this peer" requests into a
// shared set of underlying sessions, each backed by exactly one engine
// instance. Multiple requests for the same (peer, local, interface,
// multihop) identity multiplex onto the same session; each still gets its
// own notification stream and its own release.
//
// Grounded on BIRD's bfd_request_session/bfd_submit_request/bfd_merge_options
// (proto/bfd/bfd.c): a request node links onto a neighbor's request list,
// option values are merged request > interface > engine-default, and a
// request that cannot attach (no matching engine instance yet) parks on a
// process-wide wait list until one appears.
package broker

import (
	"time"

	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/config"
)

// RequestOptions describes what a caller asked for when requesting a
// session. Pointer fields are overrides: nil means "defer to the
// interface config, then the engine default."
type RequestOptions struct {
	Type     bfd.SessionType
	Role     bfd.SessionRole
	VRF      string
	Multihop bool

	DesiredMinTx  *time.Duration
	RequiredMinRx *time.Duration
	DetectMult    *uint32
	Passive       *bool

	AuthType  string
	Passwords map[uint8]string

	Auth     bfd.Authenticator
	AuthKeys bfd.AuthKeyStore
}

// MergedParams holds the fully resolved session parameters after applying
// the three-tier override order.
type MergedParams struct {
	DesiredMinTx  time.Duration
	RequiredMinRx time.Duration
	DetectMult    uint32
	Passive       bool
	AuthType      string
	Passwords     map[uint8]string
}

// MergeOptions resolves req's parameters against ifaceCfg (may be nil, when
// the request's interface has no override entry) and engineDefaults,
// applying the BIRD bfd_merge_options order: per-request overrides
// per-interface overrides per-engine-default, field by field. A zero
// duration or nil pointer at a given tier means "unset"; the next tier is
// consulted.
func MergeOptions(engineDefaults config.BFDConfig, ifaceCfg *config.InterfaceConfig, req *RequestOptions) MergedParams {
	m := MergedParams{
		DesiredMinTx:  engineDefaults.DefaultDesiredMinTx,
		RequiredMinRx: engineDefaults.DefaultRequiredMinRx,
		DetectMult:    engineDefaults.DefaultDetectMultiplier,
		Passive:       engineDefaults.Passive,
		AuthType:      engineDefaults.AuthType,
		Passwords:     engineDefaults.Passwords,
	}

	if ifaceCfg != nil {
		if ifaceCfg.DesiredMinTx != nil && *ifaceCfg.DesiredMinTx != 0 {
			m.DesiredMinTx = *ifaceCfg.DesiredMinTx
		}
		if ifaceCfg.RequiredMinRx != nil && *ifaceCfg.RequiredMinRx != 0 {
			m.RequiredMinRx = *ifaceCfg.RequiredMinRx
		}
		if ifaceCfg.DetectMult != nil && *ifaceCfg.DetectMult != 0 {
			m.DetectMult = *ifaceCfg.DetectMult
		}
		if ifaceCfg.Passive != nil {
			m.Passive = *ifaceCfg.Passive
		}
		if ifaceCfg.AuthType != "" {
			m.AuthType = ifaceCfg.AuthType
		}
		if len(ifaceCfg.Passwords) > 0 {
			m.Passwords = ifaceCfg.Passwords
		}
	}

	if req != nil {
		if req.DesiredMinTx != nil && *req.DesiredMinTx != 0 {
			m.DesiredMinTx = *req.DesiredMinTx
		}
		if req.RequiredMinRx != nil && *req.RequiredMinRx != 0 {
			m.RequiredMinRx = *req.RequiredMinRx
		}
		if req.DetectMult != nil && *req.DetectMult != 0 {
			m.DetectMult = *req.DetectMult
		}
		if req.Passive != nil {
			m.Passive = *req.Passive
		}
		if req.AuthType != "" {
			m.AuthType = req.AuthType
		}
		if len(req.Passwords) > 0 {
			m.Passwords = req.Passwords
		}
	}

	return m
}
