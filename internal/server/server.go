// Package server implements the HTTP control-plane API for the BFD daemon.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/broker"
)

// Sentinel errors for the server package.
var (
	// ErrMissingIdentifier indicates no identifier was provided in a GetSession request.
	ErrMissingIdentifier = errors.New("identifier must be a discriminator path parameter or a peer query parameter")

	// ErrInvalidSessionType indicates an unrecognized session type in the request.
	ErrInvalidSessionType = errors.New("invalid session type")

	// ErrDetectMultZero indicates a zero detect multiplier in the request.
	ErrDetectMultZero = errors.New("detect multiplier must be >= 1")

	// ErrDetectMultOverflow indicates the detect multiplier exceeds uint8 range.
	ErrDetectMultOverflow = errors.New("detect multiplier exceeds maximum 255")

	// ErrInvalidDiscriminator indicates a non-numeric discriminator path parameter.
	ErrInvalidDiscriminator = errors.New("discriminator must be a uint32")
)

// AddSessionRequest is the JSON body accepted by POST /v1/sessions.
type AddSessionRequest struct {
	PeerAddress           string `json:"peer_address"`
	LocalAddress          string `json:"local_address,omitempty"`
	InterfaceName         string `json:"interface_name,omitempty"`
	Type                  string `json:"type"`
	DesiredMinTxInterval  string `json:"desired_min_tx_interval,omitempty"`
	RequiredMinRxInterval string `json:"required_min_rx_interval,omitempty"`
	DetectMultiplier      uint32 `json:"detect_multiplier"`
}

// SessionView is the JSON representation of a BFD session returned by every
// endpoint that surfaces session state.
type SessionView struct {
	PeerAddress           string `json:"peer_address"`
	LocalAddress          string `json:"local_address"`
	InterfaceName         string `json:"interface_name"`
	Type                  string `json:"type"`
	LocalState            string `json:"local_state"`
	RemoteState           string `json:"remote_state"`
	LocalDiagnostic       string `json:"local_diagnostic"`
	LocalDiscriminator    uint32 `json:"local_discriminator"`
	RemoteDiscriminator   uint32 `json:"remote_discriminator"`
	DesiredMinTxInterval  string `json:"desired_min_tx_interval"`
	RequiredMinRxInterval string `json:"required_min_rx_interval"`
	DetectMultiplier      uint32 `json:"detect_multiplier"`
}

// StateChangeEvent is one line of the newline-delimited JSON stream served
// by GET /v1/sessions/watch.
type StateChangeEvent struct {
	PeerAddress        string    `json:"peer_address"`
	LocalDiscriminator uint32    `json:"local_discriminator"`
	PreviousState      string    `json:"previous_state"`
	State              string    `json:"state"`
	Diagnostic         string    `json:"diagnostic"`
	Timestamp          time.Time `json:"timestamp"`
}

// errorBody is the JSON shape returned for every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

// BFDServer is the HTTP control-plane API for a bfd.Manager.
//
// List/Get/Watch read directly off the Manager, since the broker has no
// query API of its own -- it only mediates attach/detach. Add/Delete
// instead submit through the Request Broker, so a session created over
// the API shares binding/refcounting with any declaratively configured
// neighbor for the same (peer, local, interface, multihop) identity
// instead of bypassing the broker entirely.
type BFDServer struct {
	manager *bfd.Manager
	broker  *broker.Broker
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[uint32]apiRequest        // discriminator -> broker request, for Delete
	byKey   map[broker.BindingKey]uint32 // binding identity -> discriminator, to reject duplicate adds
}

// apiRequest tracks the broker request backing one API-created session, so
// handleDeleteSession can release it and remove its binding-key index entry.
type apiRequest struct {
	handle broker.Handle
	key    broker.BindingKey
}

// New builds a BFDServer backed by mgr and brk and returns an http.Handler
// with all routes registered, ready to be mounted under any prefix by the
// caller.
func New(mgr *bfd.Manager, brk *broker.Broker, logger *slog.Logger, middleware ...mux.MiddlewareFunc) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &BFDServer{
		manager: mgr,
		broker:  brk,
		logger:  logger.With(slog.String("component", "server")),
		handles: make(map[uint32]apiRequest),
		byKey:   make(map[broker.BindingKey]uint32),
	}

	r := mux.NewRouter()
	for _, mw := range middleware {
		r.Use(mw)
	}

	r.HandleFunc("/v1/sessions", srv.handleAddSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions", srv.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/watch", srv.handleWatchSessionEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{discriminator}", srv.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{discriminator}", srv.handleDeleteSession).Methods(http.MethodDelete)

	return r
}

// handleAddSession creates a new BFD session with the given parameters.
func (s *BFDServer) handleAddSession(w http.ResponseWriter, r *http.Request) {
	var req AddSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	s.logger.InfoContext(r.Context(), "add session requested",
		slog.String("peer", req.PeerAddress),
		slog.String("local", req.LocalAddress),
	)

	cfg, err := sessionConfigFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := broker.BindingKey{
		PeerAddr:  cfg.PeerAddr,
		LocalAddr: cfg.LocalAddr,
		Interface: cfg.Interface,
		Multihop:  cfg.Type == bfd.SessionTypeMultiHop,
	}
	desiredMinTx := cfg.DesiredMinTxInterval
	requiredMinRx := cfg.RequiredMinRxInterval
	detectMult := uint32(cfg.DetectMultiplier)
	opts := broker.RequestOptions{
		Type:          cfg.Type,
		Multihop:      key.Multihop,
		DesiredMinTx:  &desiredMinTx,
		RequiredMinRx: &requiredMinRx,
		DetectMult:    &detectMult,
	}

	s.mu.Lock()
	if _, exists := s.byKey[key]; exists {
		s.mu.Unlock()
		writeManagerError(w, bfd.ErrDuplicateSession, "add session")
		return
	}
	s.mu.Unlock()

	handle, err := s.broker.RequestSession(r.Context(), key, opts, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("add session: %w", err))
		return
	}

	discr, ok := s.broker.DiscriminatorForHandle(handle)
	if !ok {
		_ = s.broker.Release(r.Context(), handle)
		writeError(w, http.StatusServiceUnavailable,
			fmt.Errorf("add session: %w", broker.ErrNoEngineInstance))
		return
	}

	s.mu.Lock()
	if _, exists := s.byKey[key]; exists {
		// Lost a race against a concurrent add for the same identity; the
		// broker already multiplexed us onto its binding, so release our
		// request and report the conflict like any other duplicate.
		s.mu.Unlock()
		_ = s.broker.Release(r.Context(), handle)
		writeManagerError(w, bfd.ErrDuplicateSession, "add session")
		return
	}
	s.handles[discr] = apiRequest{handle: handle, key: key}
	s.byKey[key] = discr
	s.mu.Unlock()

	sess, ok := s.manager.LookupByDiscriminator(discr)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("add session: %w", bfd.ErrSessionNotFound))
		return
	}

	writeJSON(w, http.StatusCreated, snapshotToView(snapshotFromSession(sess, cfg)))
}

// handleDeleteSession removes a BFD session by its local discriminator,
// releasing the broker request that created it. If the session's binding
// has no other requests attached, the broker tears down the underlying
// session.
func (s *BFDServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	discr, err := discriminatorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.InfoContext(r.Context(), "delete session requested", slog.Uint64("discriminator", uint64(discr)))

	s.mu.Lock()
	req, ok := s.handles[discr]
	if ok {
		delete(s.handles, discr)
		delete(s.byKey, req.key)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound,
			fmt.Errorf("delete session: discriminator %d: %w", discr, bfd.ErrSessionNotFound))
		return
	}

	if err := s.broker.Release(r.Context(), req.handle); err != nil {
		writeManagerError(w, err, "delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListSessions returns all active BFD sessions.
func (s *BFDServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "list sessions requested")

	snapshots := s.manager.Sessions()
	views := make([]SessionView, 0, len(snapshots))
	for _, snap := range snapshots {
		views = append(views, snapshotToView(snap))
	}

	writeJSON(w, http.StatusOK, views)
}

// handleGetSession returns a single session by discriminator, or by peer
// address when ?peer= is given instead of a numeric discriminator.
func (s *BFDServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "get session requested")

	if peer := r.URL.Query().Get("peer"); peer != "" {
		s.getSessionByPeerAddress(w, peer)
		return
	}

	discr, err := discriminatorFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.getSessionByDiscriminator(w, discr)
}

// handleWatchSessionEvents streams BFD session state changes as
// newline-delimited JSON until the client disconnects or the manager's
// aggregated channel closes.
func (s *BFDServer) handleWatchSessionEvents(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "watch session events requested",
		slog.Bool("include_current", r.URL.Query().Get("include_current") == "true"),
	)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	if r.URL.Query().Get("include_current") == "true" {
		for _, snap := range s.manager.Sessions() {
			if err := enc.Encode(snapshotToEvent(snap)); err != nil {
				return
			}
		}
		flusher.Flush()
	}

	ch := s.manager.StateChanges()
	for {
		select {
		case <-r.Context().Done():
			return
		case sc, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(stateChangeToEvent(sc)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// -------------------------------------------------------------------------
// Internal helpers
// -------------------------------------------------------------------------

// getSessionByDiscriminator looks up a session by its local discriminator
// and writes it as a SessionView, or a 404 error if unknown.
func (s *BFDServer) getSessionByDiscriminator(w http.ResponseWriter, discr uint32) {
	sess, ok := s.manager.LookupByDiscriminator(discr)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session with discriminator %d: %w", discr, bfd.ErrSessionNotFound))
		return
	}

	snap := bfd.SessionSnapshot{
		LocalDiscr:       sess.LocalDiscriminator(),
		RemoteDiscr:      sess.RemoteDiscriminator(),
		PeerAddr:         sess.PeerAddr(),
		LocalAddr:        sess.LocalAddr(),
		Interface:        sess.Interface(),
		Type:             sess.Type(),
		State:            sess.State(),
		RemoteState:      sess.RemoteState(),
		LocalDiag:        sess.LocalDiag(),
		DesiredMinTx:     sess.DesiredMinTxInterval(),
		RequiredMinRx:    sess.RequiredMinRxInterval(),
		DetectMultiplier: sess.DetectMultiplier(),
	}

	writeJSON(w, http.StatusOK, snapshotToView(snap))
}

// getSessionByPeerAddress iterates all sessions to find one matching the
// given peer address string.
func (s *BFDServer) getSessionByPeerAddress(w http.ResponseWriter, peerAddrStr string) {
	addr, err := netip.ParseAddr(peerAddrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse peer address %q: %w", peerAddrStr, err))
		return
	}

	for _, snap := range s.manager.Sessions() {
		if snap.PeerAddr == addr {
			writeJSON(w, http.StatusOK, snapshotToView(snap))
			return
		}
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("session with peer address %s: %w", addr, bfd.ErrSessionNotFound))
}

// discriminatorFromRequest parses the {discriminator} path variable as a uint32.
func discriminatorFromRequest(r *http.Request) (uint32, error) {
	raw := mux.Vars(r)["discriminator"]
	var discr uint32
	if _, err := fmt.Sscanf(raw, "%d", &discr); err != nil {
		return 0, fmt.Errorf("%q: %w", raw, ErrInvalidDiscriminator)
	}
	return discr, nil
}

// sessionConfigFromRequest converts an AddSessionRequest into a bfd.SessionConfig.
func sessionConfigFromRequest(req AddSessionRequest) (bfd.SessionConfig, error) {
	peerAddr, err := netip.ParseAddr(req.PeerAddress)
	if err != nil {
		return bfd.SessionConfig{}, fmt.Errorf("parse peer address %q: %w", req.PeerAddress, err)
	}

	var localAddr netip.Addr
	if req.LocalAddress != "" {
		localAddr, err = netip.ParseAddr(req.LocalAddress)
		if err != nil {
			return bfd.SessionConfig{}, fmt.Errorf("parse local address %q: %w", req.LocalAddress, err)
		}
	}

	sessType, err := sessionTypeFromString(req.Type)
	if err != nil {
		return bfd.SessionConfig{}, err
	}

	desiredMinTx, err := durationFromString(req.DesiredMinTxInterval)
	if err != nil {
		return bfd.SessionConfig{}, fmt.Errorf("parse desired_min_tx_interval: %w", err)
	}
	requiredMinRx, err := durationFromString(req.RequiredMinRxInterval)
	if err != nil {
		return bfd.SessionConfig{}, fmt.Errorf("parse required_min_rx_interval: %w", err)
	}

	if req.DetectMultiplier == 0 {
		return bfd.SessionConfig{}, ErrDetectMultZero
	}
	if req.DetectMultiplier > 255 {
		return bfd.SessionConfig{}, fmt.Errorf("value %d: %w", req.DetectMultiplier, ErrDetectMultOverflow)
	}

	return bfd.SessionConfig{
		PeerAddr:              peerAddr,
		LocalAddr:             localAddr,
		Interface:             req.InterfaceName,
		Type:                  sessType,
		Role:                  bfd.RoleActive, // Default to active; passive requires explicit config.
		DesiredMinTxInterval:  desiredMinTx,
		RequiredMinRxInterval: requiredMinRx,
		DetectMultiplier:      uint8(req.DetectMultiplier),
	}, nil
}

// sessionTypeFromString converts a wire session type string to bfd.SessionType.
func sessionTypeFromString(s string) (bfd.SessionType, error) {
	switch s {
	case "single_hop", "":
		return bfd.SessionTypeSingleHop, nil
	case "multi_hop":
		return bfd.SessionTypeMultiHop, nil
	default:
		return 0, fmt.Errorf("%s: %w", s, ErrInvalidSessionType)
	}
}

// durationFromString parses a Go duration string, defaulting to 1 second
// when empty per RFC 5880 Section 6.8.1's suggested default.
func durationFromString(s string) (time.Duration, error) {
	if s == "" {
		return time.Second, nil
	}
	return time.ParseDuration(s)
}

// snapshotFromSession creates a SessionSnapshot from a live Session and its config.
func snapshotFromSession(sess *bfd.Session, cfg bfd.SessionConfig) bfd.SessionSnapshot {
	return bfd.SessionSnapshot{
		LocalDiscr:       sess.LocalDiscriminator(),
		RemoteDiscr:      sess.RemoteDiscriminator(),
		PeerAddr:         sess.PeerAddr(),
		LocalAddr:        sess.LocalAddr(),
		Interface:        sess.Interface(),
		Type:             cfg.Type,
		State:            sess.State(),
		RemoteState:      sess.RemoteState(),
		LocalDiag:        sess.LocalDiag(),
		DesiredMinTx:     cfg.DesiredMinTxInterval,
		RequiredMinRx:    cfg.RequiredMinRxInterval,
		DetectMultiplier: cfg.DetectMultiplier,
	}
}

// snapshotToView converts an internal SessionSnapshot to its wire representation.
func snapshotToView(snap bfd.SessionSnapshot) SessionView {
	return SessionView{
		PeerAddress:           snap.PeerAddr.String(),
		LocalAddress:          snap.LocalAddr.String(),
		InterfaceName:         snap.Interface,
		Type:                  sessionTypeToString(snap.Type),
		LocalState:            stateToString(snap.State),
		RemoteState:           stateToString(snap.RemoteState),
		LocalDiagnostic:       diagToString(snap.LocalDiag),
		LocalDiscriminator:    snap.LocalDiscr,
		RemoteDiscriminator:   snap.RemoteDiscr,
		DesiredMinTxInterval:  snap.DesiredMinTx.String(),
		RequiredMinRxInterval: snap.RequiredMinRx.String(),
		DetectMultiplier:      uint32(snap.DetectMultiplier),
	}
}

// snapshotToEvent converts a current SessionSnapshot into a StateChangeEvent
// shaped identically to a real transition, so the watch stream never mixes
// wire shapes between its initial burst and its live updates.
func snapshotToEvent(snap bfd.SessionSnapshot) StateChangeEvent {
	state := stateToString(snap.State)
	return StateChangeEvent{
		PeerAddress:        snap.PeerAddr.String(),
		LocalDiscriminator: snap.LocalDiscr,
		PreviousState:      state,
		State:              state,
		Diagnostic:         diagToString(snap.LocalDiag),
		Timestamp:          time.Now(),
	}
}

// stateChangeToEvent converts an internal StateChange to its wire representation.
func stateChangeToEvent(sc bfd.StateChange) StateChangeEvent {
	return StateChangeEvent{
		PeerAddress:        sc.PeerAddr.String(),
		LocalDiscriminator: sc.LocalDiscr,
		PreviousState:      stateToString(sc.OldState),
		State:              stateToString(sc.NewState),
		Diagnostic:         diagToString(sc.Diag),
		Timestamp:          sc.Timestamp,
	}
}

// stateToString maps an internal bfd.State to its wire string.
func stateToString(s bfd.State) string {
	switch s {
	case bfd.StateAdminDown:
		return "admin_down"
	case bfd.StateDown:
		return "down"
	case bfd.StateInit:
		return "init"
	case bfd.StateUp:
		return "up"
	default:
		return "unspecified"
	}
}

// diagToString maps an internal bfd.Diag to its wire string.
func diagToString(d bfd.Diag) string {
	switch d {
	case bfd.DiagNone:
		return "none"
	case bfd.DiagControlTimeExpired:
		return "control_time_expired"
	case bfd.DiagEchoFailed:
		return "echo_failed"
	case bfd.DiagNeighborDown:
		return "neighbor_signaled_down"
	case bfd.DiagForwardingPlaneReset:
		return "forwarding_plane_reset"
	case bfd.DiagPathDown:
		return "path_down"
	case bfd.DiagConcatPathDown:
		return "concatenated_path_down"
	case bfd.DiagAdminDown:
		return "admin_down"
	case bfd.DiagReverseConcatPathDown:
		return "reverse_concatenated_path_down"
	default:
		return "unspecified"
	}
}

// sessionTypeToString maps an internal bfd.SessionType to its wire string.
func sessionTypeToString(st bfd.SessionType) string {
	switch st {
	case bfd.SessionTypeSingleHop:
		return "single_hop"
	case bfd.SessionTypeMultiHop:
		return "multi_hop"
	default:
		return "unspecified"
	}
}

// writeManagerError translates bfd.Manager errors into appropriate HTTP status codes.
func writeManagerError(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.Is(err, bfd.ErrDuplicateSession):
		writeError(w, http.StatusConflict, fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, bfd.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("%s: %w", operation, err))
	case errors.Is(err, bfd.ErrInvalidPeerAddr),
		errors.Is(err, bfd.ErrInvalidDetectMult),
		errors.Is(err, bfd.ErrInvalidTxInterval),
		errors.Is(err, bfd.ErrInvalidSessionType),
		errors.Is(err, bfd.ErrInvalidSessionRole):
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s: %w", operation, err))
	default:
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%s: %w", operation, err))
	}
}

// writeJSON encodes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError encodes err as a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
