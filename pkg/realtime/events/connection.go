// connection.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package events

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
)

var connectionStateNames = map[ConnectionState]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateExhausted:    "exhausted",
}

func (s ConnectionState) String() string {
	if name, ok := connectionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

type ConnectionStateChanged struct {
	Previous ConnectionState
	Current  ConnectionState
	Attempts int
	Err      error
}

// ReconnectExhausted is sent once when the client gives up reconnecting.
// No further automatic attempts are made after it.
type ReconnectExhausted struct {
	Attempts int
	LastErr  error
}
