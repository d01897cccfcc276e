package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	ErrResolution       = errors.New("transport: host resolution failed")
	ErrTransport        = errors.New("transport: tcp failure")
	ErrTrust            = errors.New("transport: tls trust failure")
	ErrState            = errors.New("transport: invalid connection state")
	ErrTimeout          = errors.New("transport: read timed out")
	ErrConnectionClosed = errors.New("transport: connection closed")

	ErrTrustAnchorsRequired      = errors.New("transport: trust anchors required")
	ErrClientCertificateRequired = errors.New("transport: client certificate required")
)

// Stage names the step of Connect that failed.
type Stage string

const (
	StageResolution Stage = "resolution"
	StageTransport  Stage = "tcp"
	StageTrust      Stage = "tls"
)

func (s Stage) sentinel() error {
	switch s {
	case StageResolution:
		return ErrResolution
	case StageTransport:
		return ErrTransport
	default:
		return ErrTrust
	}
}

// ConnectError reports which stage of Connect failed. It matches the stage
// sentinel and the underlying cause with errors.Is.
type ConnectError struct {
	Stage Stage
	Host  string
	Port  int
	Err   error
}

func (e *ConnectError) Error() string {
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	return fmt.Sprintf("transport: connect %s failed at %s stage: %v", addr, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{e.Stage.sentinel(), e.Err}
}

// StateError reports a byte or lifecycle operation attempted in the wrong
// state. In StateClosed it also matches ErrConnectionClosed.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("transport: %s invalid in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	if target == ErrState {
		return true
	}
	return target == ErrConnectionClosed && e.State == StateClosed
}
