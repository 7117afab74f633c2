package steamdatagram

// Result is the outcome of a public API call.
type Result int

const (
	ResultOK Result = iota
	ResultFail
	ResultNoConnection
	ResultInvalidParam
	ResultInvalidState
	ResultIgnored
	ResultLimitExceeded
)

// String renders the result for logs.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultFail:
		return "Fail"
	case ResultNoConnection:
		return "NoConnection"
	case ResultInvalidParam:
		return "InvalidParam"
	case ResultInvalidState:
		return "InvalidState"
	case ResultIgnored:
		return "Ignored"
	case ResultLimitExceeded:
		return "LimitExceeded"
	}
	return "Unknown"
}

// SendFlags control how a message is delivered.
const (
	// SendUnreliable delivers the message at most once, with no
	// retransmission.
	SendUnreliable = 0

	// SendNoNagle bypasses Nagle batching for this message.
	SendNoNagle = 1

	// SendNoDelay drops the message instead of queueing if it cannot be
	// sent immediately.
	SendNoDelay = 4

	// SendReliable retransmits until acknowledged.
	SendReliable = 8
)

// EndReason is the enumerated code recorded when a connection ends. The
// first reason to latch is the one reported; later errors never
// overwrite it, except that a problem detected while lingering replaces
// the application's close reason.
type EndReason int32

const (
	EndInvalid EndReason = 0

	// Application-supplied codes.
	EndAppMin          EndReason = 1000
	EndAppGeneric      EndReason = 1000
	EndAppMax          EndReason = 1999
	EndAppExceptionMin EndReason = 2000
	EndAppExceptionMax EndReason = 2999

	// Problems anchored on our end.
	EndLocalMin EndReason = 3000
	EndLocalMax EndReason = 3999

	// Problems attributed to the remote host.
	EndRemoteMin                EndReason = 4000
	EndRemoteTimeout            EndReason = 4001
	EndRemoteBadCrypt           EndReason = 4002
	EndRemoteBadCert            EndReason = 4003
	EndRemoteBadProtocolVersion EndReason = 4006
	EndRemoteMax                EndReason = 4999

	// Miscellaneous.
	EndMiscMin           EndReason = 5000
	EndMiscGeneric       EndReason = 5001
	EndMiscInternalError EndReason = 5002
	EndMiscTimeout       EndReason = 5003
	EndMiscMax           EndReason = 5999
)
