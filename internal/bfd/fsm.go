package bfd

// BFD finite state machine, RFC 5880 Section 6.2 and Section 6.8.6.
//
// ApplyEvent is a pure function: given a current state and an event it
// returns the next state plus the side effects the caller must carry out.
// No Session state is read or written here, which keeps the transition
// logic independently testable against the RFC pseudocode.
//
// State diagram (RFC 5880 Section 6.2):
//
//                          +--+
//                          |  | ADMIN DOWN, TIMER
//                          |  V
//                  DOWN  +------+  INIT, UP
//           +------------|      |------------+
//           |            | DOWN |            |
//           |  +-------->|      |<--------+  |
//           |  |         +------+         |  |
//           |  |                          |  |
//           |  |               ADMIN DOWN,|  |
//           |  |ADMIN DOWN,          DOWN,|  |
//           |  |TIMER                TIMER|  |
//           V  |                          |  V
//         +------+                      +------+
//    +----|      |                      |      |----+
// DOWN    | INIT |--------------------->|  UP  |    INIT, UP
//    +--->|      | INIT, UP             |      |<---+
//         +------+                      +------+

// Event is a BFD FSM input (RFC 5880 Section 6.2, Section 6.8.6).
type Event uint8

const (
	// EventRecvAdminDown fires on receipt of a Control packet with State = AdminDown.
	EventRecvAdminDown Event = iota
	// EventRecvDown fires on receipt of a Control packet with State = Down.
	EventRecvDown
	// EventRecvInit fires on receipt of a Control packet with State = Init.
	EventRecvInit
	// EventRecvUp fires on receipt of a Control packet with State = Up.
	EventRecvUp
	// EventTimerExpired fires when the Detection Time elapses with no valid
	// packet received (RFC 5880 Section 6.8.4).
	EventTimerExpired
	// EventAdminDown fires on a local administrative disable (Section 6.8.16).
	EventAdminDown
	// EventAdminUp fires on a local administrative re-enable (Section 6.8.16).
	EventAdminUp
)

var eventNames = [...]string{
	EventRecvAdminDown: "RecvAdminDown",
	EventRecvDown:      "RecvDown",
	EventRecvInit:      "RecvInit",
	EventRecvUp:        "RecvUp",
	EventTimerExpired:  "TimerExpired",
	EventAdminDown:     "AdminDown",
	EventAdminUp:       "AdminUp",
}

// String returns the human-readable event name.
func (e Event) String() string {
	if int(e) < len(eventNames) && eventNames[e] != "" {
		return eventNames[e]
	}
	return "Unknown"
}

// Action is a side effect the caller must execute after a transition.
// The FSM only describes which actions apply; Session.executeFSMActions
// performs them.
type Action uint8

const (
	// ActionSendControl requests immediate transmission of a Control packet
	// (RFC 5880 Section 6.8.7).
	ActionSendControl Action = iota + 1
	// ActionNotifyUp signals that the session reached Up.
	ActionNotifyUp
	// ActionNotifyDown signals that the session left Up.
	ActionNotifyDown
	// ActionSetDiagTimeExpired sets bfd.LocalDiag to 1, Control Detection
	// Time Expired (RFC 5880 Section 6.8.4).
	ActionSetDiagTimeExpired
	// ActionSetDiagNeighborDown sets bfd.LocalDiag to 3, Neighbor Signaled
	// Session Down (RFC 5880 Section 6.8.6).
	ActionSetDiagNeighborDown
	// ActionSetDiagAdminDown sets bfd.LocalDiag to 7, Administratively Down
	// (RFC 5880 Section 6.8.16).
	ActionSetDiagAdminDown
)

var actionNames = [...]string{
	ActionSendControl:         "SendControl",
	ActionNotifyUp:            "NotifyUp",
	ActionNotifyDown:          "NotifyDown",
	ActionSetDiagTimeExpired:  "SetDiagTimeExpired",
	ActionSetDiagNeighborDown: "SetDiagNeighborDown",
	ActionSetDiagAdminDown:    "SetDiagAdminDown",
}

// String returns the human-readable action name.
func (a Action) String() string {
	if int(a) < len(actionNames) && actionNames[a] != "" {
		return actionNames[a]
	}
	return "Unknown"
}

// FSMResult is the outcome of applying one event to the FSM.
type FSMResult struct {
	// OldState is the state before the event.
	OldState State
	// NewState is the state after the event; equals OldState for a
	// self-loop or an event with no transition in the current state.
	NewState State
	// Actions are the side effects the caller must carry out. Empty when
	// the event was ignored.
	Actions []Action
	// Changed reports whether NewState differs from OldState.
	Changed bool
}

func unchanged(state State) FSMResult {
	return FSMResult{OldState: state, NewState: state, Changed: false}
}

func moved(from, to State, actions ...Action) FSMResult {
	return FSMResult{OldState: from, NewState: to, Actions: actions, Changed: from != to}
}

// ApplyEvent computes the next state and the actions the caller must run.
//
// Transitions are grouped below by current state, following RFC 5880
// Section 6.8.6 (packet-reception transitions), Section 6.8.4 (detection
// timer expiry), and Section 6.8.16 (administrative control). Any
// (state, event) pair not listed is a no-op: the event is dropped and
// FSMResult.Changed is false.
func ApplyEvent(currentState State, event Event) FSMResult {
	switch currentState {
	case StateAdminDown:
		return applyFromAdminDown(event)
	case StateDown:
		return applyFromDown(event)
	case StateInit:
		return applyFromInit(event)
	case StateUp:
		return applyFromUp(event)
	default:
		return unchanged(currentState)
	}
}

// applyFromAdminDown handles the AdminDown state. RFC 5880 Section 6.8.6:
// "If bfd.SessionState is AdminDown, discard the packet" -- no received
// packet produces a transition here. Only a local re-enable leaves the
// state.
func applyFromAdminDown(event Event) FSMResult {
	if event == EventAdminUp {
		// Section 6.8.16: "Set bfd.SessionState to Down".
		return moved(StateAdminDown, StateDown)
	}
	return unchanged(StateAdminDown)
}

// applyFromDown handles the Down state (RFC 5880 Section 6.8.6):
//
//	recv Down -> Init
//	recv Init or Up -> Up
//
// recv AdminDown is not listed for this state and self-loops; so does
// timer expiry (Down is the protocol's initial/rest state).
func applyFromDown(event Event) FSMResult {
	switch event {
	case EventRecvDown:
		return moved(StateDown, StateInit, ActionSendControl)
	case EventRecvInit, EventRecvUp:
		return moved(StateDown, StateUp, ActionSendControl, ActionNotifyUp)
	case EventAdminDown:
		return moved(StateDown, StateAdminDown, ActionSetDiagAdminDown)
	default:
		return unchanged(StateDown)
	}
}

// applyFromInit handles the Init state (RFC 5880 Section 6.8.6):
//
//	recv AdminDown -> Down, Diag=NeighborSignaledDown
//	recv Init or Up -> Up
//
// recv Down self-loops (diagram's "DOWN" arc on Init); so does nothing
// listed for any other unhandled event.
func applyFromInit(event Event) FSMResult {
	switch event {
	case EventRecvAdminDown:
		return moved(StateInit, StateDown, ActionSetDiagNeighborDown, ActionNotifyDown)
	case EventRecvDown:
		return unchanged(StateInit)
	case EventRecvInit, EventRecvUp:
		return moved(StateInit, StateUp, ActionSendControl, ActionNotifyUp)
	case EventTimerExpired:
		// Section 6.8.4: "if bfd.SessionState is Init or Up" -> Down, Diag=1.
		return moved(StateInit, StateDown, ActionSetDiagTimeExpired, ActionNotifyDown)
	case EventAdminDown:
		return moved(StateInit, StateAdminDown, ActionSetDiagAdminDown)
	default:
		return unchanged(StateInit)
	}
}

// applyFromUp handles the Up state (RFC 5880 Section 6.8.6):
//
//	recv AdminDown -> Down, Diag=NeighborSignaledDown
//	recv Down -> Down, Diag=NeighborSignaledDown
//	recv Init or Up -> Up (self-loop, normal keepalive path)
//
// Section 6.8.4: timer expiry -> Down, Diag=TimeExpired.
func applyFromUp(event Event) FSMResult {
	switch event {
	case EventRecvAdminDown, EventRecvDown:
		return moved(StateUp, StateDown, ActionSetDiagNeighborDown, ActionNotifyDown)
	case EventRecvInit, EventRecvUp:
		return unchanged(StateUp)
	case EventTimerExpired:
		return moved(StateUp, StateDown, ActionSetDiagTimeExpired, ActionNotifyDown)
	case EventAdminDown:
		return moved(StateUp, StateAdminDown, ActionSetDiagAdminDown)
	default:
		return unchanged(StateUp)
	}
}

// RecvStateToEvent maps the State field of a received BFD Control packet
// to the FSM event it triggers, for use by Session.handleRecvPacket.
func RecvStateToEvent(remoteState State) Event {
	switch remoteState {
	case StateAdminDown:
		return EventRecvAdminDown
	case StateDown:
		return EventRecvDown
	case StateInit:
		return EventRecvInit
	case StateUp:
		return EventRecvUp
	default:
		// RFC 5880 Section 4.1 defines only 4 state values (0-3); an
		// out-of-range value cannot occur from a parsed packet, but treat
		// it as Down defensively.
		return EventRecvDown
	}
}
