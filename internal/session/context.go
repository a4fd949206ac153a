// Package session holds the protocol-independent session identity model
// shared by the FIX and FIXP layers and the gateway registry.
package session

import (
	"fmt"
	"time"
)

// StreamID values for the two carrier directions.
const (
	InboundStreamID  int32 = 1
	OutboundStreamID int32 = 2
)

// Key identifies a session independent of any connection. Implementations
// are comparable and ordered for the registry btree.
type Key interface {
	// Compare orders keys; negative, zero, positive like strings.Compare.
	Compare(other Key) int
	String() string
}

// FixKey is the FIX identification tuple as seen from the acceptor: the
// counterparty's comp ids.
type FixKey struct {
	SenderCompID string // counterparty
	TargetCompID string // us
}

func (k FixKey) Compare(other Key) int {
	o, ok := other.(FixKey)
	if !ok {
		return -1 // FIX keys order before FIXP keys
	}
	if k.SenderCompID != o.SenderCompID {
		if k.SenderCompID < o.SenderCompID {
			return -1
		}
		return 1
	}
	if k.TargetCompID != o.TargetCompID {
		if k.TargetCompID < o.TargetCompID {
			return -1
		}
		return 1
	}
	return 0
}

func (k FixKey) String() string {
	return fmt.Sprintf("fix:%s->%s", k.SenderCompID, k.TargetCompID)
}

// FixPKey is the FIXP session identifier.
type FixPKey struct {
	SessionID int64
}

func (k FixPKey) Compare(other Key) int {
	o, ok := other.(FixPKey)
	if !ok {
		return 1
	}
	switch {
	case k.SessionID < o.SessionID:
		return -1
	case k.SessionID > o.SessionID:
		return 1
	default:
		return 0
	}
}

func (k FixPKey) String() string {
	return fmt.Sprintf("fixp:%d", k.SessionID)
}

// Context is the stable per-session identity assigned on first accepted
// logon or negotiate. It lives in the registry and is never destroyed.
type Context struct {
	Key       Key
	SessionID int64

	// SequenceIndex is monotonically non-decreasing; it bumps only on
	// explicit sequence resets so (SequenceIndex, SequenceNumber) totally
	// orders messages across resets.
	SequenceIndex int32

	LastSequenceResetTime time.Time
	LastLogonTime         time.Time

	// FIXP only
	SessionVerID int64
	Ended        bool

	LogonReceivedSequenceNumber int32

	// OwningLibraryID is 0 while the session is offline.
	OwningLibraryID int32
}

// OnSequenceReset bumps the sequence index revision.
func (c *Context) OnSequenceReset(now time.Time) {
	c.SequenceIndex++
	c.LastSequenceResetTime = now
}

// OnLogon records a successful logon/establish.
func (c *Context) OnLogon(seqNum int32, now time.Time) {
	c.LogonReceivedSequenceNumber = seqNum
	c.LastLogonTime = now
}

// Offline reports whether no library currently owns the session.
func (c *Context) Offline() bool {
	return c.OwningLibraryID == 0
}
