package model

// CallDirection distinguishes who placed a 1:1 call.
type CallDirection int

const (
	DirectionOutgoing CallDirection = iota
	DirectionIncoming
)

func (d CallDirection) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// ConnectionState is the 1:1 connection FSM state (spec.md §3, §4.2).
type ConnectionState int

const (
	ConnNotYetStarted ConnectionState = iota
	ConnStarting
	ConnIceGathering
	ConnConnectingBeforeAccepted
	ConnConnectedBeforeAccepted
	ConnConnectingAfterAccepted
	ConnConnectedAndAccepted
	ConnReconnectingAfterAccepted
	ConnTerminating
	ConnTerminated
)

func (s ConnectionState) String() string {
	switch s {
	case ConnNotYetStarted:
		return "NotYetStarted"
	case ConnStarting:
		return "Starting"
	case ConnIceGathering:
		return "IceGathering"
	case ConnConnectingBeforeAccepted:
		return "ConnectingBeforeAccepted"
	case ConnConnectedBeforeAccepted:
		return "ConnectedBeforeAccepted"
	case ConnConnectingAfterAccepted:
		return "ConnectingAfterAccepted"
	case ConnConnectedAndAccepted:
		return "ConnectedAndAccepted"
	case ConnReconnectingAfterAccepted:
		return "ReconnectingAfterAccepted"
	case ConnTerminating:
		return "Terminating"
	case ConnTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// IsAcceptedOrBeyond reports whether s is one of the post-accept states
// (ConnectingAfterAccepted, ConnectedAndAccepted, ReconnectingAfterAccepted)
// that count as "accepted" for timeout/failure-routing purposes.
func (s ConnectionState) IsAcceptedOrBeyond() bool {
	switch s {
	case ConnConnectingAfterAccepted, ConnConnectedAndAccepted, ConnReconnectingAfterAccepted:
		return true
	default:
		return false
	}
}

// IsConnectedOrReconnecting reports whether s is one of the "Connected*" or
// "Reconnecting*" states the signaling queue's ICE-failure swallow rule
// checks (spec.md §4.1).
func (s ConnectionState) IsConnectedOrReconnecting() bool {
	switch s {
	case ConnConnectedBeforeAccepted, ConnConnectedAndAccepted, ConnReconnectingAfterAccepted:
		return true
	default:
		return false
	}
}

// GroupConnectionState is the group call's media-transport connection state.
type GroupConnectionState int

const (
	GroupNotConnected GroupConnectionState = iota
	GroupConnecting
	GroupConnected
	GroupReconnecting
)

func (s GroupConnectionState) String() string {
	switch s {
	case GroupNotConnected:
		return "NotConnected"
	case GroupConnecting:
		return "Connecting"
	case GroupConnected:
		return "Connected"
	case GroupReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// GroupJoinKind discriminates the GroupJoinState sum type below.
type GroupJoinKind int

const (
	JoinNotJoined GroupJoinKind = iota
	JoinJoining
	JoinJoined
)

// GroupJoinState is {NotJoined(ring?), Joining, Joined(DemuxId)} (spec.md §3).
type GroupJoinState struct {
	Kind    GroupJoinKind
	Ring    RingId  // valid only when Kind == JoinNotJoined and a ring was received
	DemuxId DemuxId // valid only when Kind == JoinJoined
}

func NotJoined(ring RingId) GroupJoinState { return GroupJoinState{Kind: JoinNotJoined, Ring: ring} }
func Joining() GroupJoinState              { return GroupJoinState{Kind: JoinJoining} }
func Joined(id DemuxId) GroupJoinState     { return GroupJoinState{Kind: JoinJoined, DemuxId: id} }

func (s GroupJoinState) String() string {
	switch s.Kind {
	case JoinNotJoined:
		if s.Ring.Valid() {
			return "NotJoined(ring)"
		}
		return "NotJoined"
	case JoinJoining:
		return "Joining"
	case JoinJoined:
		return "Joined"
	default:
		return "Unknown"
	}
}

// EndReason enumerates why a 1:1 connection or group call ended. Carried in
// full per SPEC_FULL.md §C ("Reason enum parity"), not just the subset
// spec.md's worked examples name.
type EndReason int

const (
	EndedLocalHangup EndReason = iota
	EndedRemoteHangup
	EndedRemoteHangupNeedPermission
	EndedRemoteHangupAccepted
	EndedRemoteHangupBusy
	EndedRemoteHangupDeclined
	EndedRemoteBusy
	EndedRemoteGlare
	EndedRemoteReCall
	EndedReceivedOfferExpired
	EndedReceivedOfferWhileActive
	EndedIgnoreCallsFromNonSealedSender
	EndedSignalingFailure
	EndedGlareHandlingFailure
	EndedTimeout
	EndedInternalFailure
	EndedConnectionFailure
	EndedAppInitiated
	EndedDeviceExplicitlyDisconnected
	EndedServerExplicitlyDisconnected
	EndedCallManagerIsBusy
	EndedSfuClientFailedToJoin
	EndedFailedToCreatePeerConnectionFactory
	EndedFailedToNegotiateSrtpKeys
	EndedFailedToCreatePeerConnection
	EndedFailedToStartPeerConnection
	EndedFailedToUpdatePeerConnection
	EndedFailedToSetMaxSendBitrate
	EndedIceFailedWhileConnecting
	EndedIceFailedAfterConnected
	EndedServerChangedDemuxId
	EndedHasMaxDevices
)

func (r EndReason) String() string {
	switch r {
	case EndedLocalHangup:
		return "LocalHangup"
	case EndedRemoteHangup:
		return "RemoteHangup"
	case EndedRemoteHangupNeedPermission:
		return "RemoteHangupNeedPermission"
	case EndedRemoteHangupAccepted:
		return "RemoteHangupAccepted"
	case EndedRemoteHangupBusy:
		return "RemoteHangupBusy"
	case EndedRemoteHangupDeclined:
		return "RemoteHangupDeclined"
	case EndedRemoteBusy:
		return "RemoteBusy"
	case EndedRemoteGlare:
		return "RemoteGlare"
	case EndedRemoteReCall:
		return "RemoteReCall"
	case EndedReceivedOfferExpired:
		return "ReceivedOfferExpired"
	case EndedReceivedOfferWhileActive:
		return "ReceivedOfferWhileActive"
	case EndedIgnoreCallsFromNonSealedSender:
		return "IgnoreCallsFromNonSealedSender"
	case EndedSignalingFailure:
		return "SignalingFailure"
	case EndedGlareHandlingFailure:
		return "GlareHandlingFailure"
	case EndedTimeout:
		return "Timeout"
	case EndedInternalFailure:
		return "InternalFailure"
	case EndedConnectionFailure:
		return "ConnectionFailure"
	case EndedAppInitiated:
		return "AppInitiated"
	case EndedDeviceExplicitlyDisconnected:
		return "DeviceExplicitlyDisconnected"
	case EndedServerExplicitlyDisconnected:
		return "ServerExplicitlyDisconnected"
	case EndedCallManagerIsBusy:
		return "CallManagerIsBusy"
	case EndedSfuClientFailedToJoin:
		return "SfuClientFailedToJoin"
	case EndedFailedToCreatePeerConnectionFactory:
		return "FailedToCreatePeerConnectionFactory"
	case EndedFailedToNegotiateSrtpKeys:
		return "FailedToNegotiateSrtpKeys"
	case EndedFailedToCreatePeerConnection:
		return "FailedToCreatePeerConnection"
	case EndedFailedToStartPeerConnection:
		return "FailedToStartPeerConnection"
	case EndedFailedToUpdatePeerConnection:
		return "FailedToUpdatePeerConnection"
	case EndedFailedToSetMaxSendBitrate:
		return "FailedToSetMaxSendBitrate"
	case EndedIceFailedWhileConnecting:
		return "IceFailedWhileConnecting"
	case EndedIceFailedAfterConnected:
		return "IceFailedAfterConnected"
	case EndedServerChangedDemuxId:
		return "ServerChangedDemuxId"
	case EndedHasMaxDevices:
		return "HasMaxDevices"
	default:
		return "Unknown"
	}
}
