// Package recovery runs the connection state machine and the fast-forward
// path that catches the simulation up after a stall.
package recovery

// ConnectionState is the link state surfaced to the host.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
	StateReconnecting ConnectionState = "reconnecting"
	StateClosed       ConnectionState = "closed"
)

// Transition records one state change.
type Transition struct {
	From   ConnectionState
	To     ConnectionState
	Reason string
}

var allowed = map[ConnectionState]map[ConnectionState]bool{
	StateConnecting:   {StateConnected: true, StateReconnecting: true, StateClosed: true},
	StateConnected:    {StateDegraded: true, StateClosed: true},
	StateDegraded:     {StateConnected: true, StateReconnecting: true, StateClosed: true},
	StateReconnecting: {StateConnected: true, StateClosed: true},
	StateClosed:       {},
}

// CanTransition reports whether the state machine permits the move.
func CanTransition(from, to ConnectionState) bool {
	return allowed[from][to]
}
