/*
The connection package defines the surface the rest of the system sees of
the guider session: the lifecycle states owned by the supervisor, the
Connection interface the client implements, and the typed errors calls can
resolve with.
*/
package connection

import (
	"encoding/json"
	"time"

	"github.com/ivonnyssen/rusty-photon/connection/broker"
)

// State is the session lifecycle state. Exactly one holds at any instant
// and only the connection supervisor ever writes it.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Invalid"
	}
}

type Connection interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	Call(method string, params any, timeout time.Duration) (json.RawMessage, error)
	Subscribe() *broker.Subscription

	SetAutoReconnect(enabled bool)
	AutoReconnectEnabled() bool
	IsReconnecting() bool
	StopReconnection()
}
