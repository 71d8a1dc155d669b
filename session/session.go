package session

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/opd-ai/obexd/limits"
	"github.com/opd-ai/obexd/obex"
	"github.com/sirupsen/logrus"
)

// ErrIllegalTransition indicates a state change the table does not allow.
var ErrIllegalTransition = errors.New("illegal session state transition")

// Role distinguishes the initiating side of a session.
type Role uint8

const (
	// RoleClient sends requests.
	RoleClient Role = iota
	// RoleServer answers requests.
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// State is the OBEX session state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTransferring
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateTransferring:
		return "transferring"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// transitions lists the legal successors of each state. Staying in the
// current state is always allowed.
var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnecting, StateDisconnected},
	StateConnected:     {StateTransferring, StateDisconnecting, StateDisconnected},
	StateTransferring:  {StateConnected, StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FileInfo describes the object currently being transferred.
type FileInfo struct {
	Name        string
	ContentType string
	Length      uint64
}

var generations atomic.Uint64

// Session is one OBEX connection. It is owned by the control loop and
// must not be shared across goroutines.
type Session struct {
	Role                  Role
	Address               string
	RemoteMaxPacketLength int
	LastRequestOpcode     obex.Opcode
	Reassembler           *obex.Reassembler
	File                  FileInfo
	SentLength            uint64
	ReceivedLength        uint64
	AbortRequested        bool

	state      State
	generation uint64
	closed     bool
}

// New creates a session in the Disconnected state. maxPacket bounds the
// packets the peer may send us.
func New(role Role, address string, maxPacket int) *Session {
	s := &Session{
		Role:                  role,
		Address:               address,
		RemoteMaxPacketLength: limits.MinPacketLength,
		Reassembler:           obex.NewReassembler(maxPacket),
		generation:            generations.Add(1),
	}
	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"role":       role,
		"address":    address,
		"generation": s.generation,
	}).Debug("Session created")
	return s
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Is reports whether the session is in state st.
func (s *Session) Is(st State) bool { return s.state == st }

// Transition moves the session to state to.
func (s *Session) Transition(to State) error {
	if s.closed {
		return fmt.Errorf("%w: session %d is closed", ErrIllegalTransition, s.generation)
	}
	if !CanTransition(s.state, to) {
		logrus.WithFields(logrus.Fields{
			"function": "Transition",
			"address":  s.Address,
			"from":     s.state,
			"to":       to,
		}).Warn("Rejected illegal session transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	if s.state != to {
		logrus.WithFields(logrus.Fields{
			"function": "Transition",
			"address":  s.Address,
			"role":     s.Role,
			"from":     s.state,
			"to":       to,
		}).Debug("Session state changed")
	}
	s.state = to
	return nil
}

// ResetTransfer clears per-object fields and invalidates outstanding tokens.
func (s *Session) ResetTransfer() {
	s.File = FileInfo{}
	s.SentLength = 0
	s.ReceivedLength = 0
	s.AbortRequested = false
	s.Reassembler.Reset()
	s.generation = generations.Add(1)
}

// Close tears the session down. Tokens taken before Close become invalid.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.ResetTransfer()
	s.state = StateDisconnected
	s.closed = true
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"address":  s.Address,
		"role":     s.Role,
	}).Debug("Session closed")
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed }

// Token captures the current generation for a deferred callback.
func (s *Session) Token() Token {
	return Token{session: s, generation: s.generation}
}

// Token identifies a session generation. Deferred work checks Valid before
// touching the session.
type Token struct {
	session    *Session
	generation uint64
}

// Valid reports whether the session is still open and has not been reset
// since the token was taken.
func (t Token) Valid() bool {
	return t.session != nil && !t.session.closed && t.session.generation == t.generation
}

// Session returns the session the token was taken from.
func (t Token) Session() *Session { return t.session }
