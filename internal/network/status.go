// Package network derives a single connectivity status from transport and
// backend signals.
package network

import "time"

// Status is the connectivity state seen by the rest of the client.
type Status string

const (
	// StatusUnknown is only ever the initial state.
	StatusUnknown      Status = "unknown"
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusReconnecting Status = "reconnecting"
)

func (s Status) String() string {
	return string(s)
}

// Transition is delivered to monitor subscribers on every status change.
type Transition struct {
	From Status
	To   Status
	At   time.Time
	// Reason names the signal that caused the change.
	Reason string
}
