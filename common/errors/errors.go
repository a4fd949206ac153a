// Package errors defines the gateway error taxonomy. Every failure surfaced by
// the engine wraps one of these sentinels so callers can classify with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol indicates the counterparty violated the wire protocol.
	// Recovered locally by disconnect or reject.
	ErrProtocol = errors.New("protocol error")

	// ErrSequence indicates a sequence gap or rewind. Usually recovered via
	// resend/retransmit and only surfaced when unresolvable.
	ErrSequence = errors.New("sequence error")

	// ErrAuthentication indicates an externally rejected logon or negotiate.
	ErrAuthentication = errors.New("authentication failure")

	// ErrBackPressured indicates the carrier stream is full. Callers retry.
	ErrBackPressured = errors.New("back pressured")

	// ErrFileSystemCorruption indicates an index checksum or magic mismatch.
	// Fatal to the engine.
	ErrFileSystemCorruption = errors.New("file system corruption")

	// ErrConfigInvalid indicates an invalid or incompatible configuration.
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrTimeout indicates a reply deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrDuplicateSession indicates the session key is already bound to an
	// active connection owned by another library.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrReplayLimitExceeded indicates too many outstanding retransmits for
	// one session.
	ErrReplayLimitExceeded = errors.New("replay limit exceeded")
)

// Protocolf wraps ErrProtocol with a formatted detail message.
func Protocolf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, prepend(ErrProtocol, args)...)
}

// Sequencef wraps ErrSequence with a formatted detail message.
func Sequencef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, prepend(ErrSequence, args)...)
}

// Corruptionf wraps ErrFileSystemCorruption with a formatted detail message.
func Corruptionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, prepend(ErrFileSystemCorruption, args)...)
}

// Configf wraps ErrConfigInvalid with a formatted detail message.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, prepend(ErrConfigInvalid, args)...)
}

func prepend(err error, args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, err)
	return append(out, args...)
}

// DisconnectReason taxonomises connection teardowns for the control stream
// and the disconnect metric.
type DisconnectReason int

const (
	ReasonRemoteDisconnect DisconnectReason = iota
	ReasonLocalDisconnect
	ReasonLogout
	ReasonNoLogon
	ReasonAuthenticationFailure
	ReasonInvalidBodyLength
	ReasonNegotiateReject
	ReasonEstablishReject
	ReasonKeepAliveTimeout
	ReasonSlowConsumer
	ReasonTerminate
	ReasonLibraryTimeout
	ReasonEngineShutdown
)

var reasonNames = map[DisconnectReason]string{
	ReasonRemoteDisconnect:      "REMOTE_DISCONNECT",
	ReasonLocalDisconnect:       "LOCAL_DISCONNECT",
	ReasonLogout:                "LOGOUT",
	ReasonNoLogon:               "NO_LOGON",
	ReasonAuthenticationFailure: "AUTHENTICATION_FAILURE",
	ReasonInvalidBodyLength:     "INVALID_BODY_LENGTH",
	ReasonNegotiateReject:       "NEGOTIATE_REJECT",
	ReasonEstablishReject:       "ESTABLISH_REJECT",
	ReasonKeepAliveTimeout:      "KEEP_ALIVE_TIMEOUT",
	ReasonSlowConsumer:          "SLOW_CONSUMER",
	ReasonTerminate:             "TERMINATE",
	ReasonLibraryTimeout:        "LIBRARY_TIMEOUT",
	ReasonEngineShutdown:        "ENGINE_SHUTDOWN",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("DisconnectReason(%d)", int(r))
}
