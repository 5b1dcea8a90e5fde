// Package bfd implements the core BFD protocol (RFC 5880).
//
// This includes the FSM (Section 6.8), session management, packet codec,
// authentication mechanisms, and discriminator allocation.
package bfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Wire-format sizes, RFC 5880 Section 4.1.
const (
	// Version is the only BFD protocol version this document defines.
	Version uint8 = 1

	// HeaderSize is the mandatory Control packet header: six 32-bit words.
	HeaderSize = 24

	// MaxPacketSize bounds a Control packet: HeaderSize plus the largest
	// defined auth section (28 bytes for SHA1), padded to 64 for alignment
	// and headroom for future auth types.
	MaxPacketSize = 64

	// MinPacketSizeNoAuth is the minimum valid Length when the A bit is
	// clear (RFC 5880 Section 6.8.6: "24 if the A bit is clear").
	MinPacketSizeNoAuth = 24

	// MinPacketSizeWithAuth is the minimum valid Length when the A bit is
	// set (RFC 5880 Section 6.8.6: "26 if the A bit is set"): header plus
	// a 2-byte Auth Type/Auth Len pair at minimum.
	MinPacketSizeWithAuth = 26
)

// Auth section fixed sizes, RFC 5880 Sections 4.2-4.4.
const (
	authLenMD5            = 24 // Keyed / Meticulous Keyed MD5 (Section 4.3).
	authLenSHA1           = 28 // Keyed / Meticulous Keyed SHA1 (Section 4.4).
	md5DigestSize         = 16
	sha1DigestSize        = 20
	simplePasswordMinLen  = 1  // Section 4.2: password is 1-16 bytes.
	simplePasswordMaxLen  = 16
	authSimpleHeaderSize  = 3 // Auth Type(1) + Auth Len(1) + Key ID(1).
)

const (
	unknownStr = "Unknown"
	unknownFmt = "Unknown(%d)"
)

// Diag is the BFD Diagnostic code, a 5-bit field (RFC 5880 Section 4.1).
// Values 0-8 are defined; 9-31 are reserved.
type Diag uint8

const (
	DiagNone                  Diag = 0 // No diagnostic.
	DiagControlTimeExpired    Diag = 1 // Control Detection Time Expired.
	DiagEchoFailed            Diag = 2 // Echo Function Failed.
	DiagNeighborDown          Diag = 3 // Neighbor Signaled Session Down.
	DiagForwardingPlaneReset  Diag = 4 // Forwarding Plane Reset.
	DiagPathDown              Diag = 5
	DiagConcatPathDown        Diag = 6 // Concatenated Path Down.
	DiagAdminDown             Diag = 7
	DiagReverseConcatPathDown Diag = 8 // Reverse Concatenated Path Down.
)

var diagNames = [9]string{
	"None",
	"Control Detection Time Expired",
	"Echo Function Failed",
	"Neighbor Signaled Session Down",
	"Forwarding Plane Reset",
	"Path Down",
	"Concatenated Path Down",
	"Administratively Down",
	"Reverse Concatenated Path Down",
}

// String returns the human-readable diagnostic name.
func (d Diag) String() string {
	if int(d) < len(diagNames) {
		return diagNames[d]
	}
	return fmt.Sprintf(unknownFmt, d)
}

// State is the BFD session state, a 2-bit wire field (RFC 5880 Section 4.1,
// Section 6.2).
type State uint8

const (
	StateAdminDown State = 0 // Administratively down.
	StateDown      State = 1 // Down, or just created.
	StateInit      State = 2 // Remote is down, local is up.
	StateUp        State = 3 // Fully established.
)

var stateNames = [4]string{"AdminDown", "Down", "Init", "Up"}

// String returns the human-readable state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, s)
}

// AuthType identifies the authentication mechanism in use (RFC 5880
// Section 4.1).
type AuthType uint8

const (
	AuthTypeNone                AuthType = 0
	AuthTypeSimplePassword      AuthType = 1 // Section 4.2.
	AuthTypeKeyedMD5            AuthType = 2 // Section 4.3.
	AuthTypeMeticulousKeyedMD5  AuthType = 3 // Section 4.3.
	AuthTypeKeyedSHA1           AuthType = 4 // Section 4.4.
	AuthTypeMeticulousKeyedSHA1 AuthType = 5 // Section 4.4.
)

var authTypeNames = [6]string{
	"None",
	"Simple Password",
	"Keyed MD5",
	"Meticulous Keyed MD5",
	"Keyed SHA1",
	"Meticulous Keyed SHA1",
}

// String returns the human-readable auth type name.
func (a AuthType) String() string {
	if int(a) < len(authTypeNames) {
		return authTypeNames[a]
	}
	return fmt.Sprintf(unknownFmt, a)
}

// ControlPacket is a decoded BFD Control packet (RFC 5880 Section 4.1).
//
// Field names match RFC terminology. Interval fields are in microseconds,
// the wire unit; callers convert to time.Duration at the boundary:
//
//	interval := time.Duration(pkt.DesiredMinTxInterval) * time.Microsecond
type ControlPacket struct {
	Version uint8 // 3 bits; MUST be 1.
	Diag    Diag  // 5 bits; reason for the last state change.
	State   State // 2 bits.

	Poll                    bool // P bit: requesting verification or a parameter change.
	Final                   bool // F bit: responding to a received Poll.
	ControlPlaneIndependent bool // C bit: BFD does not share fate with the control plane.
	AuthPresent             bool // A bit: Authentication Section follows the header.
	Demand                  bool // D bit: Demand mode active.
	Multipoint              bool // M bit: reserved, MUST be zero.

	DetectMult uint8 // Detection Time = negotiated TX interval * DetectMult.
	Length     uint8 // Total packet length in bytes.

	MyDiscriminator           uint32 // Nonzero, chosen by the transmitter. Bytes 4-7.
	YourDiscriminator         uint32 // Echoes the peer's MyDiscriminator, or 0. Bytes 8-11.
	DesiredMinTxInterval      uint32 // Microseconds; 0 is reserved. Bytes 12-15.
	RequiredMinRxInterval     uint32 // Microseconds; 0 means "send me nothing". Bytes 16-19.
	RequiredMinEchoRxInterval uint32 // Microseconds; 0 means no Echo support. Bytes 20-23.

	// Auth is the decoded authentication section, nil when AuthPresent is
	// false.
	Auth *AuthSection
}

// AuthSection is the optional BFD authentication section. Its wire layout
// depends on Type:
//
//   - Simple Password (Type=1, Section 4.2):
//     Type(1) + Len(1) + KeyID(1) + Password(1-16); Len = len(password)+3.
//   - Keyed/Meticulous MD5 (Type=2,3, Section 4.3):
//     Type(1) + Len(1) + KeyID(1) + Reserved(1) + SeqNum(4) + Digest(16); Len=24.
//   - Keyed/Meticulous SHA1 (Type=4,5, Section 4.4):
//     same layout with a 20-byte Hash; Len=28.
type AuthSection struct {
	Type AuthType
	Len  uint8
	// KeyID lets multiple keys be active at once (Sections 4.2-4.4).
	KeyID uint8

	// AuthData holds the Simple Password bytes when Type=1.
	AuthData []byte

	// SequenceNumber provides replay protection for MD5/SHA1 types; unused
	// for Simple Password.
	SequenceNumber uint32

	// Digest holds the 16-byte MD5 digest (Type=2,3) or 20-byte SHA1 hash
	// (Type=4,5). After UnmarshalControlPacket this aliases the input
	// buffer (zero-copy) -- copy it before returning the buffer to
	// PacketPool if it must outlive the call.
	Digest []byte
}

// Sentinel errors for packet validation, corresponding to the numbered
// steps of RFC 5880 Section 6.8.6.
var (
	ErrInvalidVersion        = errors.New("invalid BFD version")
	ErrPacketTooShort        = errors.New("packet too short")
	ErrInvalidLength         = errors.New("invalid length field")
	ErrLengthExceedsPayload  = errors.New("length exceeds payload")
	ErrZeroDetectMult        = errors.New("detect multiplier is zero")
	ErrMultipointSet         = errors.New("multipoint bit is set")
	ErrZeroMyDiscriminator   = errors.New("my discriminator is zero")
	ErrZeroYourDiscriminator = errors.New("your discriminator is zero in non-Down state")
	ErrAuthMismatch          = errors.New("auth present bit and auth section mismatch")
	ErrBufTooSmall           = errors.New("buffer too small for BFD control packet")
	ErrInvalidAuthType       = errors.New("invalid auth type")
	ErrAuthSectionTruncated  = errors.New("auth section truncated")
)

const unmarshalErrPrefix = "unmarshal control packet"

// MarshalControlPacket serializes pkt into buf and returns the number of
// bytes written.
//
// buf must be at least HeaderSize bytes, or HeaderSize plus the auth
// section length when pkt carries authentication. Callers typically supply
// a MaxPacketSize buffer from PacketPool.
//
// Wire layout (RFC 5880 Section 4.1):
//
//	Byte 0:      Version(3 bits) | Diag(5 bits)
//	Byte 1:      State(2 bits) | P | F | C | A | D | M
//	Byte 2:      Detect Mult
//	Byte 3:      Length
//	Bytes 4-7:   My Discriminator (big-endian)
//	Bytes 8-11:  Your Discriminator (big-endian)
//	Bytes 12-15: Desired Min TX Interval (big-endian, microseconds)
//	Bytes 16-19: Required Min RX Interval (big-endian, microseconds)
//	Bytes 20-23: Required Min Echo RX Interval (big-endian, microseconds)
//	Bytes 24+:   Authentication Section (optional)
func MarshalControlPacket(pkt *ControlPacket, buf []byte) (int, error) {
	totalLen := HeaderSize
	if pkt.AuthPresent && pkt.Auth != nil {
		totalLen += int(pkt.Auth.Len)
	}
	if len(buf) < totalLen {
		return 0, fmt.Errorf("marshal control packet: need %d bytes, got %d: %w",
			totalLen, len(buf), ErrBufTooSmall)
	}

	buf[0] = (pkt.Version << 5) | (uint8(pkt.Diag) & 0x1F)
	buf[1] = encodeFlags(pkt)
	buf[2] = pkt.DetectMult
	buf[3] = uint8(totalLen)

	binary.BigEndian.PutUint32(buf[4:8], pkt.MyDiscriminator)
	binary.BigEndian.PutUint32(buf[8:12], pkt.YourDiscriminator)
	binary.BigEndian.PutUint32(buf[12:16], pkt.DesiredMinTxInterval)
	binary.BigEndian.PutUint32(buf[16:20], pkt.RequiredMinRxInterval)
	binary.BigEndian.PutUint32(buf[20:24], pkt.RequiredMinEchoRxInterval)

	if pkt.AuthPresent && pkt.Auth != nil {
		if err := marshalAuthSection(pkt.Auth, buf[HeaderSize:]); err != nil {
			return 0, fmt.Errorf("marshal auth section: %w", err)
		}
	}

	return totalLen, nil
}

// encodeFlags packs State and the six single-bit flags into byte 1.
func encodeFlags(pkt *ControlPacket) uint8 {
	flags := uint8(pkt.State) << 6
	if pkt.Poll {
		flags |= 1 << 5
	}
	if pkt.Final {
		flags |= 1 << 4
	}
	if pkt.ControlPlaneIndependent {
		flags |= 1 << 3
	}
	if pkt.AuthPresent {
		flags |= 1 << 2
	}
	if pkt.Demand {
		flags |= 1 << 1
	}
	if pkt.Multipoint {
		flags |= 1 << 0
	}
	return flags
}

// marshalAuthSection writes the auth section to buf, which the caller has
// already verified is at least auth.Len bytes.
func marshalAuthSection(auth *AuthSection, buf []byte) error {
	if int(auth.Len) > len(buf) {
		return fmt.Errorf("auth section needs %d bytes, buffer has %d: %w",
			auth.Len, len(buf), ErrBufTooSmall)
	}

	buf[0] = uint8(auth.Type)
	buf[1] = auth.Len

	switch auth.Type {
	case AuthTypeSimplePassword:
		buf[2] = auth.KeyID
		copy(buf[3:], auth.AuthData)

	case AuthTypeKeyedMD5, AuthTypeMeticulousKeyedMD5,
		AuthTypeKeyedSHA1, AuthTypeMeticulousKeyedSHA1:
		// MD5 (Section 4.3) and SHA1 (Section 4.4) share this layout;
		// only the digest length (encoded in auth.Len) differs.
		buf[2] = auth.KeyID
		buf[3] = 0 // Reserved: MUST be zero on transmit.
		binary.BigEndian.PutUint32(buf[4:8], auth.SequenceNumber)
		copy(buf[8:], auth.Digest)

	default:
		return fmt.Errorf("auth type %d: %w", auth.Type, ErrInvalidAuthType)
	}

	return nil
}

// UnmarshalControlPacket decodes a BFD Control packet from buf into pkt.
// buf must hold at least MinPacketSizeNoAuth bytes.
//
// pkt is filled in place; Auth.Digest and Auth.AuthData alias buf rather
// than copying it. Copy them before buf returns to PacketPool if the
// packet must outlive the current call.
//
// Performs RFC 5880 Section 6.8.6 validation steps 1-7 (version, length,
// detect multiplier, multipoint bit, discriminators). Steps 8-18 --
// authentication verification and the resulting FSM transitions -- are the
// session layer's responsibility, not the codec's.
func UnmarshalControlPacket(buf []byte, pkt *ControlPacket) error {
	if len(buf) < MinPacketSizeNoAuth {
		return fmt.Errorf("%s: received %d bytes, minimum %d: %w",
			unmarshalErrPrefix, len(buf), MinPacketSizeNoAuth, ErrPacketTooShort)
	}

	decodeFixedHeader(buf, pkt)

	if err := checkHeaderFields(buf, pkt); err != nil {
		return err
	}

	decodeDiscriminatorsAndIntervals(buf, pkt)

	if err := checkDiscriminators(pkt); err != nil {
		return err
	}

	pkt.Auth = nil
	if pkt.AuthPresent {
		auth := &AuthSection{}
		if err := decodeAuthSection(buf[HeaderSize:pkt.Length], auth); err != nil {
			return fmt.Errorf("%s: %w", unmarshalErrPrefix, err)
		}
		pkt.Auth = auth
	}

	return nil
}

// decodeFixedHeader reads the first 4 bytes (version/diag, state/flags,
// detect mult, length) into pkt.
func decodeFixedHeader(buf []byte, pkt *ControlPacket) {
	pkt.Version = buf[0] >> 5
	pkt.Diag = Diag(buf[0] & 0x1F)

	flags := buf[1]
	pkt.State = State(flags >> 6)
	pkt.Poll = flags&(1<<5) != 0
	pkt.Final = flags&(1<<4) != 0
	pkt.ControlPlaneIndependent = flags&(1<<3) != 0
	pkt.AuthPresent = flags&(1<<2) != 0
	pkt.Demand = flags&(1<<1) != 0
	pkt.Multipoint = flags&(1<<0) != 0

	pkt.DetectMult = buf[2]
	pkt.Length = buf[3]
}

// checkHeaderFields validates RFC 5880 Section 6.8.6 steps 1-5.
func checkHeaderFields(buf []byte, pkt *ControlPacket) error {
	if pkt.Version != Version {
		return fmt.Errorf("%s: version %d: %w",
			unmarshalErrPrefix, pkt.Version, ErrInvalidVersion)
	}

	minLen := uint8(MinPacketSizeNoAuth)
	if pkt.AuthPresent {
		minLen = MinPacketSizeWithAuth
	}
	if pkt.Length < minLen {
		return fmt.Errorf("%s: length field %d below minimum %d (auth=%t): %w",
			unmarshalErrPrefix, pkt.Length, minLen, pkt.AuthPresent, ErrInvalidLength)
	}

	if int(pkt.Length) > len(buf) {
		return fmt.Errorf("%s: length field %d exceeds payload %d: %w",
			unmarshalErrPrefix, pkt.Length, len(buf), ErrLengthExceedsPayload)
	}

	if pkt.DetectMult == 0 {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrZeroDetectMult)
	}

	if pkt.Multipoint {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrMultipointSet)
	}

	return nil
}

// decodeDiscriminatorsAndIntervals reads the 20-byte body following the
// fixed header.
func decodeDiscriminatorsAndIntervals(buf []byte, pkt *ControlPacket) {
	pkt.MyDiscriminator = binary.BigEndian.Uint32(buf[4:8])
	pkt.YourDiscriminator = binary.BigEndian.Uint32(buf[8:12])
	pkt.DesiredMinTxInterval = binary.BigEndian.Uint32(buf[12:16])
	pkt.RequiredMinRxInterval = binary.BigEndian.Uint32(buf[16:20])
	pkt.RequiredMinEchoRxInterval = binary.BigEndian.Uint32(buf[20:24])
}

// checkDiscriminators validates RFC 5880 Section 6.8.6 steps 6-7.
func checkDiscriminators(pkt *ControlPacket) error {
	if pkt.MyDiscriminator == 0 {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrZeroMyDiscriminator)
	}

	if pkt.YourDiscriminator == 0 && pkt.State != StateDown && pkt.State != StateAdminDown {
		return fmt.Errorf("%s: state %s with zero your discriminator: %w",
			unmarshalErrPrefix, pkt.State, ErrZeroYourDiscriminator)
	}

	return nil
}

// decodeAuthSection decodes the authentication section. buf holds only the
// auth bytes; the fixed header has already been stripped.
func decodeAuthSection(buf []byte, auth *AuthSection) error {
	if len(buf) < 2 {
		return fmt.Errorf("auth section: need at least 2 bytes, got %d: %w",
			len(buf), ErrAuthSectionTruncated)
	}

	auth.Type = AuthType(buf[0])
	auth.Len = buf[1]

	if int(auth.Len) > len(buf)+HeaderSize {
		return fmt.Errorf("auth section: len field %d exceeds available data %d: %w",
			auth.Len, len(buf), ErrAuthSectionTruncated)
	}

	switch auth.Type {
	case AuthTypeSimplePassword:
		return decodeSimplePassword(buf, auth)
	case AuthTypeKeyedMD5, AuthTypeMeticulousKeyedMD5:
		return decodeHashAuth(buf, auth, authLenMD5, md5DigestSize, "MD5")
	case AuthTypeKeyedSHA1, AuthTypeMeticulousKeyedSHA1:
		return decodeHashAuth(buf, auth, authLenSHA1, sha1DigestSize, "SHA1")
	default:
		return fmt.Errorf("auth section: type %d: %w", auth.Type, ErrInvalidAuthType)
	}
}

// decodeSimplePassword decodes Simple Password auth (RFC 5880 Section 4.2).
func decodeSimplePassword(buf []byte, auth *AuthSection) error {
	if auth.Len < uint8(authSimpleHeaderSize+simplePasswordMinLen) {
		return fmt.Errorf("auth section: simple password len %d too short: %w",
			auth.Len, ErrAuthSectionTruncated)
	}
	if len(buf) < int(auth.Len) {
		return fmt.Errorf("auth section: simple password needs %d bytes, got %d: %w",
			auth.Len, len(buf), ErrAuthSectionTruncated)
	}

	auth.KeyID = buf[2]
	pwLen := int(auth.Len) - authSimpleHeaderSize
	if pwLen < simplePasswordMinLen || pwLen > simplePasswordMaxLen {
		return fmt.Errorf("auth section: simple password length %d out of range [%d, %d]: %w",
			pwLen, simplePasswordMinLen, simplePasswordMaxLen, ErrAuthSectionTruncated)
	}
	auth.AuthData = buf[3 : 3+pwLen]

	return nil
}

// decodeHashAuth decodes MD5 or SHA1 auth (RFC 5880 Sections 4.3, 4.4),
// which share a layout differing only in digest size.
func decodeHashAuth(buf []byte, auth *AuthSection, expectedLen uint8, digestSize int, name string) error {
	if auth.Len != expectedLen {
		return fmt.Errorf("auth section: %s auth len %d, expected %d: %w",
			name, auth.Len, expectedLen, ErrInvalidLength)
	}
	if len(buf) < int(expectedLen) {
		return fmt.Errorf("auth section: %s needs %d bytes, got %d: %w",
			name, expectedLen, len(buf), ErrAuthSectionTruncated)
	}

	auth.KeyID = buf[2]
	// buf[3] is Reserved; ignored on receipt per RFC.
	auth.SequenceNumber = binary.BigEndian.Uint32(buf[4:8])
	auth.Digest = buf[8 : 8+digestSize]

	return nil
}

// PacketPool recycles Control packet I/O buffers to avoid per-packet
// allocation. Callers Get() a *[]byte before receiving and Put() it back
// once processing (including any auth digest copy) is complete.
//
//	bufp := PacketPool.Get().(*[]byte)
//	defer PacketPool.Put(bufp)
//	n, meta, err := conn.ReadPacket(*bufp)
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}
