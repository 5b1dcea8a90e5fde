package bfd

import (
	"crypto/md5" //nolint:gosec // G501: MD5 required by RFC 5880 Section 6.7.3
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // G505: SHA1 required by RFC 5880 Section 6.7.4
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors for authentication failures, corresponding to the
// validation steps of RFC 5880 Sections 6.7.2-6.7.4.
var (
	ErrAuthKeyNotFound      = errors.New("auth key not found")
	ErrAuthTypeMismatch     = errors.New("auth type mismatch")
	ErrAuthDigestMismatch   = errors.New("auth digest mismatch")
	ErrAuthPasswordMismatch = errors.New("auth password mismatch")
	ErrAuthSeqOutOfWindow   = errors.New("auth sequence number out of window")
	ErrAuthMissingSection   = errors.New("auth section missing")
	ErrAuthLenMismatch      = errors.New("auth len mismatch")
)

// AuthKey is one authentication key configured for a session.
type AuthKey struct {
	// ID is the Auth Key ID; multiple keys may be active at once to allow
	// hitless rotation.
	ID uint8

	Type AuthType

	// Secret is the key material: 1-16 bytes for Simple Password and MD5,
	// 1-20 bytes for SHA1 (RFC 5880 Sections 4.2-4.4).
	Secret []byte //nolint:gosec // G117: field name matches RFC terminology for auth key material
}

// AuthKeyStore resolves authentication keys for a session, supporting
// multiple simultaneously active keys for hitless rotation.
type AuthKeyStore interface {
	LookupKey(id uint8) (AuthKey, error)
	CurrentKey() AuthKey
}

// AuthState is the per-session authentication state of RFC 5880
// Section 6.8.1 (bfd.AuthType / bfd.RcvAuthSeq / bfd.XmitAuthSeq /
// bfd.AuthSeqKnown).
type AuthState struct {
	Type AuthType

	// RcvAuthSeq is the last accepted received sequence number.
	RcvAuthSeq uint32

	// XmitAuthSeq is the next sequence number to transmit. Section 6.8.1
	// requires this be seeded from a random 32-bit value.
	XmitAuthSeq uint32

	// AuthSeqKnown reports whether RcvAuthSeq reflects a real prior
	// packet. Starts false; Section 6.8.1 also requires resetting it to
	// false after 2x Detection Time elapses with nothing received.
	AuthSeqKnown bool
}

// NewAuthState seeds XmitAuthSeq from crypto/rand, per RFC 5880
// Section 6.8.1.
func NewAuthState(authType AuthType) (*AuthState, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("initialize auth state: %w", err)
	}

	return &AuthState{
		Type:        authType,
		XmitAuthSeq: binary.BigEndian.Uint32(buf[:]),
	}, nil
}

// Authenticator signs and verifies BFD Control packets. One implementation
// per RFC 5880 auth type (Sections 6.7.2-6.7.4).
type Authenticator interface {
	// Sign populates pkt.Auth and writes the computed digest, if any,
	// into buf[:n] (the already-marshaled packet).
	Sign(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error

	// Verify checks a received packet's authentication. buf[:n] is the
	// raw packet bytes as received.
	Verify(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error
}

// SeqInWindow reports whether seq falls in the circular uint32 range
// [lo, hi], used by the MD5/SHA1 authenticators (RFC 5880 Sections 6.7.3,
// 6.7.4). Wrap-around works because subtraction on uint32 already wraps:
// seq is in range exactly when (seq-lo) <= (hi-lo).
func SeqInWindow(seq, lo, hi uint32) bool {
	return seq-lo <= hi-lo
}

// SimplePasswordAuth implements Simple Password authentication (RFC 5880
// Section 6.7.2). Auth Len is len(password)+3.
type SimplePasswordAuth struct{}

func (a SimplePasswordAuth) Sign(_ *AuthState, keys AuthKeyStore, pkt *ControlPacket, _ []byte, _ int) error {
	key := keys.CurrentKey()
	pkt.Auth = &AuthSection{
		Type: AuthTypeSimplePassword,
		Len: uint8( //nolint:gosec // G115: password max 16 bytes per RFC 5880 Section 4.2, sum fits uint8.
			authSimpleHeaderSize + len(key.Secret),
		),
		KeyID:    key.ID,
		AuthData: key.Secret,
	}
	pkt.AuthPresent = true

	return nil
}

func (a SimplePasswordAuth) Verify(_ *AuthState, keys AuthKeyStore, pkt *ControlPacket, _ []byte, _ int) error {
	if err := requireAuthSection(pkt); err != nil {
		return err
	}
	if pkt.Auth.Type != AuthTypeSimplePassword {
		return fmt.Errorf("simple password: got type %d: %w", pkt.Auth.Type, ErrAuthTypeMismatch)
	}

	key, err := keys.LookupKey(pkt.Auth.KeyID)
	if err != nil {
		return fmt.Errorf("simple password key %d: %w", pkt.Auth.KeyID, ErrAuthKeyNotFound)
	}

	expectedLen := uint8( //nolint:gosec // G115: password max 16 bytes per RFC 5880 Section 4.2, sum fits uint8.
		authSimpleHeaderSize + len(key.Secret),
	)
	if pkt.Auth.Len != expectedLen {
		return fmt.Errorf("simple password: auth len %d, expected %d: %w",
			pkt.Auth.Len, expectedLen, ErrAuthLenMismatch)
	}
	if subtle.ConstantTimeCompare(pkt.Auth.AuthData, key.Secret) != 1 {
		return fmt.Errorf("simple password: %w", ErrAuthPasswordMismatch)
	}

	return nil
}

// KeyedMD5Auth implements Keyed MD5 (RFC 5880 Section 6.7.3, Type=2). As
// with every hash variant here, signHash advances the sequence number on
// each transmitted packet.
type KeyedMD5Auth struct{}

func (a KeyedMD5Auth) Sign(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	return signHash(state, keys, pkt, buf, n, hashParamsMD5())
}

func (a KeyedMD5Auth) Verify(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	return verifyHash(state, keys, pkt, buf, n, hashParamsMD5())
}

// MeticulousKeyedMD5Auth implements Meticulous Keyed MD5 (RFC 5880
// Section 6.7.3, Type=3): the sequence number MUST advance on every
// transmitted packet.
type MeticulousKeyedMD5Auth struct{}

func (a MeticulousKeyedMD5Auth) Sign(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	p := hashParamsMD5()
	p.meticulous, p.authType = true, AuthTypeMeticulousKeyedMD5
	return signHash(state, keys, pkt, buf, n, p)
}

func (a MeticulousKeyedMD5Auth) Verify(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	p := hashParamsMD5()
	p.meticulous, p.authType = true, AuthTypeMeticulousKeyedMD5
	return verifyHash(state, keys, pkt, buf, n, p)
}

// KeyedSHA1Auth implements Keyed SHA1 (RFC 5880 Section 6.7.4, Type=4),
// the variant every conformant implementation MUST support.
type KeyedSHA1Auth struct{}

func (a KeyedSHA1Auth) Sign(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	return signHash(state, keys, pkt, buf, n, hashParamsSHA1())
}

func (a KeyedSHA1Auth) Verify(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	return verifyHash(state, keys, pkt, buf, n, hashParamsSHA1())
}

// MeticulousKeyedSHA1Auth implements Meticulous Keyed SHA1 (RFC 5880
// Section 6.7.4, Type=5): the sequence number MUST advance on every
// transmitted packet.
type MeticulousKeyedSHA1Auth struct{}

func (a MeticulousKeyedSHA1Auth) Sign(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	p := hashParamsSHA1()
	p.meticulous, p.authType = true, AuthTypeMeticulousKeyedSHA1
	return signHash(state, keys, pkt, buf, n, p)
}

func (a MeticulousKeyedSHA1Auth) Verify(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int) error {
	p := hashParamsSHA1()
	p.meticulous, p.authType = true, AuthTypeMeticulousKeyedSHA1
	return verifyHash(state, keys, pkt, buf, n, p)
}

// hashParams is what differs between the four hash-based authenticators:
// MD5 vs SHA1, and meticulous vs non-meticulous sequencing.
type hashParams struct {
	authType   AuthType
	authLen    uint8
	digestSize int
	meticulous bool
}

func hashParamsMD5() hashParams {
	return hashParams{authType: AuthTypeKeyedMD5, authLen: authLenMD5, digestSize: md5DigestSize}
}

func hashParamsSHA1() hashParams {
	return hashParams{authType: AuthTypeKeyedSHA1, authLen: authLenSHA1, digestSize: sha1DigestSize}
}

// digestOffset is where the digest/hash begins within the packet: the
// mandatory header followed by Auth Type(1) + Auth Len(1) + Key ID(1) +
// Reserved(1) + Seq Num(4) of the auth section.
const digestOffset = HeaderSize + 8

// signHash runs the common MD5/SHA1 signing procedure (RFC 5880
// Sections 6.7.3, 6.7.4):
//  1. Advance the transmit sequence number.
//  2. Build the auth section with the key placed in the digest slot.
//  3. Marshal the packet so the hash can be computed over the real bytes.
//  4. Compute the hash over the marshaled buffer and patch it into both
//     buf and pkt.Auth.Digest.
func signHash(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, _ int, p hashParams) error {
	key := keys.CurrentKey()

	// Non-meticulous variants are only required to advance on a state
	// change, but advancing unconditionally here is still RFC-conformant
	// (the requirement is a SHOULD ceiling, not a floor) and keeps Sign
	// simple for both families.
	state.XmitAuthSeq++

	digest := make([]byte, p.digestSize)
	copy(digest, key.Secret) // Section 6.7.3/6.7.4: digest slot holds the key itself pre-hash.

	pkt.Auth = &AuthSection{
		Type:           p.authType,
		Len:            p.authLen,
		KeyID:          key.ID,
		SequenceNumber: state.XmitAuthSeq,
		Digest:         digest,
	}
	pkt.AuthPresent = true

	n, err := MarshalControlPacket(pkt, buf)
	if err != nil {
		return fmt.Errorf("sign hash: marshal: %w", err)
	}

	sum := computeDigest(buf[:n], p)
	copy(buf[digestOffset:], sum)

	final := make([]byte, p.digestSize)
	copy(final, buf[digestOffset:digestOffset+p.digestSize])
	pkt.Auth.Digest = final

	return nil
}

func computeDigest(data []byte, p hashParams) []byte {
	if p.digestSize == md5DigestSize {
		sum := md5.Sum(data) //nolint:gosec // G401: MD5 required by RFC 5880 Section 6.7.3
		return sum[:]
	}
	sum := sha1.Sum(data) //nolint:gosec // G401: SHA1 required by RFC 5880 Section 6.7.4
	return sum[:]
}

// verifyHash runs the common MD5/SHA1 verification procedure (RFC 5880
// Sections 6.7.3, 6.7.4):
//  1. Confirm the auth section is present with the expected type/length.
//  2. Resolve the key by Auth Key ID.
//  3. Check the sequence number against the acceptance window.
//  4. Swap the received digest for the key material, recompute the hash,
//     and compare in constant time.
//  5. On success, advance RcvAuthSeq.
func verifyHash(state *AuthState, keys AuthKeyStore, pkt *ControlPacket, buf []byte, n int, p hashParams) error {
	if err := requireAuthSection(pkt); err != nil {
		return err
	}
	if pkt.Auth.Type != p.authType {
		return fmt.Errorf("hash auth: got type %d, expected %d: %w", pkt.Auth.Type, p.authType, ErrAuthTypeMismatch)
	}
	if pkt.Auth.Len != p.authLen {
		return fmt.Errorf("hash auth: auth len %d, expected %d: %w", pkt.Auth.Len, p.authLen, ErrAuthLenMismatch)
	}

	key, err := keys.LookupKey(pkt.Auth.KeyID)
	if err != nil {
		return fmt.Errorf("hash auth key %d: %w", pkt.Auth.KeyID, ErrAuthKeyNotFound)
	}

	if err := checkSeqWindow(state, pkt); err != nil {
		return err
	}

	savedDigest := make([]byte, p.digestSize)
	copy(savedDigest, pkt.Auth.Digest)

	for i := range p.digestSize {
		buf[digestOffset+i] = 0
	}
	copy(buf[digestOffset:], key.Secret)

	computed := computeDigest(buf[:n], p)
	if subtle.ConstantTimeCompare(savedDigest, computed) != 1 {
		return fmt.Errorf("hash auth: %w", ErrAuthDigestMismatch)
	}

	state.RcvAuthSeq = pkt.Auth.SequenceNumber
	state.AuthSeqKnown = true

	return nil
}

// checkSeqWindow validates the received sequence number against the
// acceptance window (RFC 5880 Sections 6.7.3, 6.7.4).
//
// The window is wrap-safe and spans nearly the entire uint32 space:
// [RcvAuthSeq+dMin, RcvAuthSeq+2^31-1]. dMin is 1 for meticulous variants
// (strictly monotonic) and 0 for non-meticulous ones, where the same
// sequence number may repeat across packets sent before it advanced. A
// dwell-limited window (bounding hi to a few multiples of the TX interval)
// is a valid, narrower policy an implementation may layer on top, but it
// is not part of the RFC acceptance rule itself.
func checkSeqWindow(state *AuthState, pkt *ControlPacket) error {
	if !state.AuthSeqKnown {
		return nil // First packet: accept and latch whatever sequence arrives.
	}

	const maxWindow = 1<<31 - 1

	dMin := uint32(0)
	if pkt.Auth.Type == AuthTypeMeticulousKeyedMD5 || pkt.Auth.Type == AuthTypeMeticulousKeyedSHA1 {
		dMin = 1
	}

	lo := state.RcvAuthSeq + dMin
	hi := state.RcvAuthSeq + maxWindow

	if !SeqInWindow(pkt.Auth.SequenceNumber, lo, hi) {
		return fmt.Errorf("hash auth: seq %d outside window [%d, %d]: %w",
			pkt.Auth.SequenceNumber, lo, hi, ErrAuthSeqOutOfWindow)
	}

	return nil
}

func requireAuthSection(pkt *ControlPacket) error {
	if pkt.Auth == nil {
		return fmt.Errorf("verify auth: %w", ErrAuthMissingSection)
	}
	return nil
}
