package connection

import "fmt"

// The NotConnectedError is used when a call is attempted with no live
// session and no reconnect in progress
type NotConnectedError struct{}

func (e *NotConnectedError) Error() string { return "not connected to the guider" }

func (e *NotConnectedError) Unwrap() error { return nil }

// The ConnectionFailedError is used when the dial or handshake with the
// guider fails
type ConnectionFailedError struct {
	Reason string
}

func (e *ConnectionFailedError) Error() string { return fmt.Sprintf("connection failed: %s", e.Reason) }

func (e *ConnectionFailedError) Unwrap() error { return nil }

// The TimeoutError is used when a call's local deadline elapses before the
// guider responds. The transport may still be healthy.
type TimeoutError struct {
	Reason string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.Reason) }

func (e *TimeoutError) Unwrap() error { return nil }

// The RpcError carries an application-level failure reported by the
// guider. It is not a transport problem.
type RpcError struct {
	Code    int
	Message string
}

func (e *RpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func (e *RpcError) Unwrap() error { return nil }

// The ConnectionLostError resolves every call that was outstanding when
// the transport failed
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string { return fmt.Sprintf("connection lost: %s", e.Reason) }

func (e *ConnectionLostError) Unwrap() error { return nil }

// The ReconnectFailedError is used when the retry loop exhausts its
// attempts or is cancelled
type ReconnectFailedError struct {
	Reason string
}

func (e *ReconnectFailedError) Error() string {
	return fmt.Sprintf("reconnection failed: %s", e.Reason)
}

func (e *ReconnectFailedError) Unwrap() error { return nil }
