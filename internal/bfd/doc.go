// Package bfd implements the core BFD protocol (RFC 5880).
//
// This includes the FSM (Section 6.8), session management, packet codec,
// authentication mechanisms, and discriminator allocation.
package bfd
