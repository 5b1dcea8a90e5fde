// Package config manages GoBFD daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gobfd configuration.
type Config struct {
	API        APIConfig         `koanf:"api"`
	Metrics    MetricsConfig     `koanf:"metrics"`
	Log        LogConfig         `koanf:"log"`
	BFD        BFDConfig         `koanf:"bfd"`
	Interfaces []InterfaceConfig `koanf:"interfaces"`
	Sessions   []SessionConfig   `koanf:"sessions"`
	Neighbors  []NeighborConfig  `koanf:"neighbors"`
	GoBGP      GoBGPConfig       `koanf:"gobgp"`
}

// GoBGPConfig configures the RFC 5882 Section 4.3 BFD->BGP integration: a
// gRPC connection to a running GoBGP instance and the policy applied when a
// subscribed BFD session transitions.
type GoBGPConfig struct {
	// Enabled turns the integration on. When false, no GoBGP client is
	// created and no BFD session is requested on BGP's behalf.
	Enabled bool `koanf:"enabled"`

	// Addr is the GoBGP gRPC API address (e.g., "127.0.0.1:50051").
	Addr string `koanf:"addr"`

	// Strategy selects the BGP action taken on BFD state change:
	// "disable-peer" or "withdraw-routes" (see gobgp.Strategy).
	Strategy string `koanf:"strategy"`

	// Dampening configures RFC 5882 Section 3.2 flap suppression applied
	// before any BGP action is taken.
	Dampening DampeningConfig `koanf:"dampening"`
}

// DampeningConfig mirrors gobgp.DampeningConfig for the same reason
// NeighborConfig mirrors broker.RequestOptions: internal/config stays free
// of a dependency on internal/gobgp.
type DampeningConfig struct {
	Enabled           bool          `koanf:"enabled"`
	SuppressThreshold float64       `koanf:"suppress_threshold"`
	ReuseThreshold    float64       `koanf:"reuse_threshold"`
	MaxSuppressTime   time.Duration `koanf:"max_suppress_time"`
	HalfLife          time.Duration `koanf:"half_life"`
}

// InterfaceConfig overrides the engine defaults for requests attached to a
// specific interface. Unset fields (nil pointers, zero durations) fall
// through to the engine default in the merge order enforced by
// broker.MergeOptions: per-request overrides per-interface overrides
// per-engine-default.
type InterfaceConfig struct {
	// Name is the interface name this override applies to (e.g. "eth0").
	Name string `koanf:"name"`

	DesiredMinTx  *time.Duration `koanf:"desired_min_tx"`
	RequiredMinRx *time.Duration `koanf:"required_min_rx"`
	DetectMult    *uint32        `koanf:"detect_mult"`
	Passive       *bool          `koanf:"passive"`

	AuthType  string           `koanf:"auth_type"`
	Passwords map[uint8]string `koanf:"passwords"`
}

// NeighborConfig describes a statically configured BFD neighbor, the
// declarative counterpart to a Request Broker `request_session` call made
// at startup and re-evaluated on SIGHUP reload.
type NeighborConfig struct {
	Peer      string `koanf:"peer"`
	Local     string `koanf:"local"`
	Interface string `koanf:"interface"`
	Multihop  bool   `koanf:"multihop"`
	VRF       string `koanf:"vrf"`

	DesiredMinTx  *time.Duration `koanf:"desired_min_tx"`
	RequiredMinRx *time.Duration `koanf:"required_min_rx"`
	DetectMult    *uint32        `koanf:"detect_mult"`
	Passive       *bool          `koanf:"passive"`
}

// Key returns the (peer, local, interface, multihop) identity BIRD calls
// bfd_same_neighbor -- used to match a reconfigured neighbor list entry
// against the live binding it should update in place rather than tear down
// and recreate.
func (nc NeighborConfig) Key() string {
	mh := "0"
	if nc.Multihop {
		mh = "1"
	}
	return nc.Peer + "|" + nc.Local + "|" + nc.Interface + "|" + mh
}

// APIConfig holds the control-plane JSON API server configuration.
type APIConfig struct {
	// Addr is the HTTP listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// BFDConfig holds the engine-wide defaults and gating options recognized
// by the engine (the "Engine configuration recognized options" table).
// Per-request and per-interface overrides layer on top of these via
// MergeOptions; these are the last tier in that merge order.
type BFDConfig struct {
	// DefaultDesiredMinTx is the default desired minimum TX interval.
	// RFC 5880 Section 6.8.1: used as the initial bfd.DesiredMinTxInterval.
	DefaultDesiredMinTx time.Duration `koanf:"default_desired_min_tx"`

	// DefaultRequiredMinRx is the default required minimum RX interval.
	// RFC 5880 Section 6.8.1: used as the initial bfd.RequiredMinRxInterval.
	DefaultRequiredMinRx time.Duration `koanf:"default_required_min_rx"`

	// IdleTxInterval is the slow TX rate used below the Up state
	// (`idle_tx_int`). Typically 1s; see RFC 5880 Section 6.8.3.
	IdleTxInterval time.Duration `koanf:"idle_tx_int"`

	// DefaultDetectMultiplier is the default detection time multiplier.
	// RFC 5880 Section 6.8.1: MUST be nonzero.
	DefaultDetectMultiplier uint32 `koanf:"default_detect_multiplier"`

	// Passive suppresses initial transmission until the peer is heard
	// (`passive`). Per-request/per-interface settings can override this.
	Passive bool `koanf:"passive"`

	// AcceptIPv4/AcceptIPv6 gate address families at request-attach time
	// (`accept_ipv4`/`accept_ipv6`).
	AcceptIPv4 bool `koanf:"accept_ipv4"`
	AcceptIPv6 bool `koanf:"accept_ipv6"`

	// AcceptDirect/AcceptMultihop gate single-hop/multihop modes at
	// request-attach time (`accept_direct`/`accept_multihop`).
	AcceptDirect   bool `koanf:"accept_direct"`
	AcceptMultihop bool `koanf:"accept_multihop"`

	// StrictBind selects per-interface RX sockets instead of the four
	// shared RX sockets (`strict_bind`). Changing this at reconfigure
	// time is structurally incompatible and forces an engine restart.
	StrictBind bool `koanf:"strict_bind"`

	// ZeroUDP6ChecksumRX accepts IPv6 packets with a zero UDP checksum
	// (`zero_udp6_checksum_rx`). Also restart-only on change.
	ZeroUDP6ChecksumRX bool `koanf:"zero_udp6_checksum_rx"`

	// AuthType names the default authentication type for sessions that
	// don't override it: "none", "simple", "keyed-md5",
	// "meticulous-keyed-md5", "keyed-sha1", "meticulous-keyed-sha1".
	AuthType string `koanf:"auth_type"`

	// Passwords holds the default keyed-auth key material, keyed by
	// Auth Key ID (`passwords`). Secret storage-at-rest is outside this
	// engine's scope; the daemon is responsible for how this map reaches
	// the process (file permissions, secret store, etc).
	Passwords map[uint8]string `koanf:"passwords"`
}

// RestartRequired reports whether changing from old to new requires an
// engine restart rather than an in-place reconfigure. Per the Engine
// Configuration table: "Changing any accept_*, strict_bind, or
// zero_udp6_checksum_rx requires an engine restart (reconfigure returns
// 'incompatible')."
func (n BFDConfig) RestartRequired(old BFDConfig) bool {
	return n.AcceptIPv4 != old.AcceptIPv4 ||
		n.AcceptIPv6 != old.AcceptIPv6 ||
		n.AcceptDirect != old.AcceptDirect ||
		n.AcceptMultihop != old.AcceptMultihop ||
		n.StrictBind != old.StrictBind ||
		n.ZeroUDP6ChecksumRX != old.ZeroUDP6ChecksumRX
}

// SessionConfig describes a declarative BFD session from the configuration file.
// Each entry creates a BFD session on daemon startup and SIGHUP reload.
type SessionConfig struct {
	// Peer is the remote system's IP address.
	Peer string `koanf:"peer"`

	// Local is the local system's IP address.
	Local string `koanf:"local"`

	// Interface is the network interface for SO_BINDTODEVICE (optional).
	Interface string `koanf:"interface"`

	// Type is the session type: "single_hop" or "multi_hop".
	Type string `koanf:"type"`

	// DesiredMinTx is the desired minimum TX interval (e.g., "100ms").
	DesiredMinTx time.Duration `koanf:"desired_min_tx"`

	// RequiredMinRx is the required minimum RX interval (e.g., "100ms").
	RequiredMinRx time.Duration `koanf:"required_min_rx"`

	// DetectMult is the detection multiplier (0 means the engine default).
	DetectMult uint32 `koanf:"detect_mult"`
}

// SessionKey returns a unique identifier for the session based on
// (peer, local, interface). Used for diffing sessions on SIGHUP reload.
func (sc SessionConfig) SessionKey() string {
	return sc.Peer + "|" + sc.Local + "|" + sc.Interface
}

// PeerAddr parses the Peer string as a netip.Addr.
func (sc SessionConfig) PeerAddr() (netip.Addr, error) {
	if sc.Peer == "" {
		return netip.Addr{}, fmt.Errorf("session peer: %w", ErrInvalidSessionPeer)
	}
	addr, err := netip.ParseAddr(sc.Peer)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse session peer %q: %w", sc.Peer, err)
	}
	return addr, nil
}

// LocalAddr parses the Local string as a netip.Addr.
func (sc SessionConfig) LocalAddr() (netip.Addr, error) {
	if sc.Local == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(sc.Local)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse session local %q: %w", sc.Local, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// BFD defaults follow RFC 5880 Section 6.8.3: "When bfd.SessionState is not
// Up, the system MUST set bfd.DesiredMinTxInterval to a value of not less
// than one second (1,000,000 microseconds)." The default of 1s is the
// conservative starting point for production deployments.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BFD: BFDConfig{
			DefaultDesiredMinTx:     1 * time.Second,
			DefaultRequiredMinRx:    1 * time.Second,
			IdleTxInterval:          1 * time.Second,
			DefaultDetectMultiplier: 3,
			AcceptIPv4:              true,
			AcceptIPv6:              true,
			AcceptDirect:            true,
			AuthType:                "none",
		},
		GoBGP: GoBGPConfig{
			Strategy: "disable-peer",
			Dampening: DampeningConfig{
				SuppressThreshold: 3,
				ReuseThreshold:    2,
				MaxSuppressTime:   60 * time.Second,
				HalfLife:          30 * time.Second,
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for GoBFD configuration.
// Variables are named GOBFD_<section>_<key>, e.g., GOBFD_API_ADDR.
const envPrefix = "GOBFD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOBFD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOBFD_API_ADDR      -> api.addr
//	GOBFD_METRICS_ADDR  -> metrics.addr
//	GOBFD_METRICS_PATH  -> metrics.path
//	GOBFD_LOG_LEVEL     -> log.level
//	GOBFD_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GOBFD_API_ADDR -> api.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOBFD_API_ADDR -> api.addr.
// Strips the GOBFD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"api.addr":                      defaults.API.Addr,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"bfd.default_desired_min_tx":    defaults.BFD.DefaultDesiredMinTx.String(),
		"bfd.default_required_min_rx":   defaults.BFD.DefaultRequiredMinRx.String(),
		"bfd.idle_tx_int":               defaults.BFD.IdleTxInterval.String(),
		"bfd.default_detect_multiplier": defaults.BFD.DefaultDetectMultiplier,
		"bfd.passive":                   defaults.BFD.Passive,
		"bfd.accept_ipv4":               defaults.BFD.AcceptIPv4,
		"bfd.accept_ipv6":               defaults.BFD.AcceptIPv6,
		"bfd.accept_direct":             defaults.BFD.AcceptDirect,
		"bfd.accept_multihop":           defaults.BFD.AcceptMultihop,
		"bfd.strict_bind":               defaults.BFD.StrictBind,
		"bfd.zero_udp6_checksum_rx":     defaults.BFD.ZeroUDP6ChecksumRX,
		"bfd.auth_type":                 defaults.BFD.AuthType,
		"gobgp.enabled":                 defaults.GoBGP.Enabled,
		"gobgp.strategy":                defaults.GoBGP.Strategy,
		"gobgp.dampening.enabled":       defaults.GoBGP.Dampening.Enabled,
		"gobgp.dampening.suppress_threshold": defaults.GoBGP.Dampening.SuppressThreshold,
		"gobgp.dampening.reuse_threshold":    defaults.GoBGP.Dampening.ReuseThreshold,
		"gobgp.dampening.max_suppress_time":  defaults.GoBGP.Dampening.MaxSuppressTime.String(),
		"gobgp.dampening.half_life":          defaults.GoBGP.Dampening.HalfLife.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAPIAddr indicates the control-plane API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidDetectMultiplier indicates the detect multiplier is zero.
	ErrInvalidDetectMultiplier = errors.New("bfd.default_detect_multiplier must be >= 1")

	// ErrInvalidDesiredMinTx indicates the desired min TX interval is invalid.
	ErrInvalidDesiredMinTx = errors.New("bfd.default_desired_min_tx must be > 0")

	// ErrInvalidRequiredMinRx indicates the required min RX interval is invalid.
	ErrInvalidRequiredMinRx = errors.New("bfd.default_required_min_rx must be > 0")

	// ErrInvalidSessionPeer indicates a session has an invalid peer address.
	ErrInvalidSessionPeer = errors.New("session peer address is invalid")

	// ErrInvalidSessionType indicates a session has an unrecognized type.
	ErrInvalidSessionType = errors.New("session type must be single_hop or multi_hop")

	// ErrInvalidSessionDetectMult indicates a session detect multiplier is zero.
	ErrInvalidSessionDetectMult = errors.New("session detect_mult must be >= 1")

	// ErrDuplicateSessionKey indicates two sessions share the same (peer, local, interface) key.
	ErrDuplicateSessionKey = errors.New("duplicate session key")

	// ErrInvalidNeighborPeer indicates a neighbor entry has an invalid peer address.
	ErrInvalidNeighborPeer = errors.New("neighbor peer address is invalid")

	// ErrDuplicateNeighborKey indicates two neighbor entries share the same identity.
	ErrDuplicateNeighborKey = errors.New("duplicate neighbor key")

	// ErrInvalidAuthType indicates an unrecognized auth_type string.
	ErrInvalidAuthType = errors.New("auth_type not recognized")

	// ErrEmptyGoBGPAddr indicates gobgp.enabled is true but gobgp.addr is empty.
	ErrEmptyGoBGPAddr = errors.New("gobgp.addr must not be empty when gobgp.enabled is true")

	// ErrInvalidGoBGPStrategy indicates an unrecognized gobgp.strategy string.
	ErrInvalidGoBGPStrategy = errors.New("gobgp.strategy not recognized")
)

// ValidGoBGPStrategies lists the recognized gobgp.strategy strings (mirrors
// gobgp.ValidStrategies; kept separate so this package doesn't import
// internal/gobgp).
var ValidGoBGPStrategies = map[string]bool{
	"disable-peer":    true,
	"withdraw-routes": true,
}

// ValidAuthTypes lists the recognized auth_type strings (RFC 5880 Section
// 4.1 Auth Type field plus "none").
var ValidAuthTypes = map[string]bool{
	"none":                  true,
	"simple":                true,
	"keyed-md5":             true,
	"meticulous-keyed-md5":  true,
	"keyed-sha1":            true,
	"meticulous-keyed-sha1": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if cfg.BFD.DefaultDetectMultiplier < 1 {
		return ErrInvalidDetectMultiplier
	}

	if cfg.BFD.DefaultDesiredMinTx <= 0 {
		return ErrInvalidDesiredMinTx
	}

	if cfg.BFD.DefaultRequiredMinRx <= 0 {
		return ErrInvalidRequiredMinRx
	}

	if cfg.BFD.AuthType != "" && !ValidAuthTypes[cfg.BFD.AuthType] {
		return fmt.Errorf("bfd.auth_type %q: %w", cfg.BFD.AuthType, ErrInvalidAuthType)
	}

	if err := validateSessions(cfg.Sessions); err != nil {
		return err
	}

	if err := validateNeighbors(cfg.Neighbors); err != nil {
		return err
	}

	if cfg.GoBGP.Enabled {
		if cfg.GoBGP.Addr == "" {
			return ErrEmptyGoBGPAddr
		}
		if cfg.GoBGP.Strategy != "" && !ValidGoBGPStrategies[cfg.GoBGP.Strategy] {
			return fmt.Errorf("gobgp.strategy %q: %w", cfg.GoBGP.Strategy, ErrInvalidGoBGPStrategy)
		}
	}

	return nil
}

// validateNeighbors checks each declarative neighbor entry for correctness
// and rejects duplicate (peer, local, interface, multihop) identities.
func validateNeighbors(neighbors []NeighborConfig) error {
	seen := make(map[string]struct{}, len(neighbors))

	for i, nc := range neighbors {
		if nc.Peer == "" {
			return fmt.Errorf("neighbors[%d]: %w", i, ErrInvalidNeighborPeer)
		}
		if _, err := netip.ParseAddr(nc.Peer); err != nil {
			return fmt.Errorf("neighbors[%d]: %w: %w", i, ErrInvalidNeighborPeer, err)
		}

		key := nc.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("neighbors[%d] key %q: %w", i, key, ErrDuplicateNeighborKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// ValidSessionTypes lists the recognized session type strings.
var ValidSessionTypes = map[string]bool{
	"single_hop": true,
	"multi_hop":  true,
}

// validateSessions checks each declarative session entry for correctness.
func validateSessions(sessions []SessionConfig) error {
	seen := make(map[string]struct{}, len(sessions))

	for i, sc := range sessions {
		if _, err := sc.PeerAddr(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionPeer, err)
		}

		if sc.Type != "" && !ValidSessionTypes[sc.Type] {
			return fmt.Errorf("sessions[%d] type %q: %w", i, sc.Type, ErrInvalidSessionType)
		}

		if sc.DetectMult != 0 && sc.DetectMult < 1 {
			return fmt.Errorf("sessions[%d]: %w", i, ErrInvalidSessionDetectMult)
		}

		key := sc.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateSessionKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
