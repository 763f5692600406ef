package lspm

import (
	"errors"
	"fmt"
)

// ErrSensorUnavailable reports that the host cannot deliver battery telemetry
// right now (no battery present, OS reporting error, or a glitched sample).
// The control loop skips the cycle; it never escalates.
var ErrSensorUnavailable = errors.New("battery telemetry unavailable")

// ErrNotConfigured reports that no smart plug configuration has been stored.
var ErrNotConfigured = errors.New("no smart plug configuration found")

// AuthenticationError means the plug rejected the stored credentials. It is
// fatal for a running loop: retrying with the same credentials cannot succeed.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication rejected by smart plug", e.Op)
	}
	return fmt.Sprintf("%s: authentication rejected by smart plug: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectivityError means the plug could not be reached over the network,
// including command timeouts. Retriable with backoff up to the retry ceiling.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: smart plug unreachable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError means the plug answered with something malformed or
// unexpected. Retriable like a connectivity fault, but the session is suspect
// and should be re-established before the next attempt.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected smart plug response: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuthentication reports whether err is credential rejection.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsConnectivity reports whether err is a network-reachability fault.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsProtocol reports whether err is a malformed-response fault.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRetriable reports whether err may succeed on a later attempt.
func IsRetriable(err error) bool {
	return IsConnectivity(err) || IsProtocol(err) || errors.Is(err, ErrSensorUnavailable)
}
