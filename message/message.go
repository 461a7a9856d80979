// Package message defines the envelope exchanged between the engine client and server.
//
// RPCMessage is encoded by the codec layer and wrapped in a protocol frame for
// transmission over TCP.
package message

import "strings"

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the handler failed.
type RPCMessage struct {
	ServiceMethod string // "Service.Method", e.g. "Echo.Upper"
	Error         string
	Payload       []byte // JSON-encoded args (request) or reply (response)
}

// Split returns the service and method names of m.ServiceMethod.
// ok is false unless the name has exactly one dot with non-empty halves.
func (m *RPCMessage) Split() (service, method string, ok bool) {
	service, method, found := strings.Cut(m.ServiceMethod, ".")
	if !found || service == "" || method == "" || strings.Contains(method, ".") {
		return "", "", false
	}
	return service, method, true
}

// Failed reports whether the message carries a handler error.
func (m *RPCMessage) Failed() bool {
	return m.Error != ""
}
