package steamdatagram

// ConnectionState is the lifecycle state of a connection. States visible
// through the API are non-negative; internal states are negative and
// collapse to ConnectionStateNone from the application's perspective.
type ConnectionState int

const (
	ConnectionStateNone                   ConnectionState = 0
	ConnectionStateConnecting             ConnectionState = 1
	ConnectionStateFindingRoute           ConnectionState = 2
	ConnectionStateConnected              ConnectionState = 3
	ConnectionStateClosedByPeer           ConnectionState = 4
	ConnectionStateProblemDetectedLocally ConnectionState = 5

	// Internal states, hidden from the API.
	ConnectionStateFinWait ConnectionState = -1
	ConnectionStateLinger  ConnectionState = -2
	ConnectionStateDead    ConnectionState = -3
)

// APIState collapses internal states to the state shown to the
// application.
func (s ConnectionState) APIState() ConnectionState {
	if s < 0 {
		return ConnectionStateNone
	}
	return s
}

// String renders the state for logs.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNone:
		return "None"
	case ConnectionStateConnecting:
		return "Connecting"
	case ConnectionStateFindingRoute:
		return "FindingRoute"
	case ConnectionStateConnected:
		return "Connected"
	case ConnectionStateClosedByPeer:
		return "ClosedByPeer"
	case ConnectionStateProblemDetectedLocally:
		return "ProblemDetectedLocally"
	case ConnectionStateFinWait:
		return "FinWait"
	case ConnectionStateLinger:
		return "Linger"
	case ConnectionStateDead:
		return "Dead"
	}
	return "Unknown"
}
