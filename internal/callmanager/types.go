// Package callmanager implements the top-level coordinator spec.md §4.5
// describes: single-active-1:1-call policy (busy), outbound signaling
// backpressure, glare resolution, HTTP-response routing, and call-id/
// group-id dispatch toward the application layer.
//
// Grounded on internal/call/manager.go's dispatch-by-map-lookup style
// (sessions keyed by id, a Signaler capability decoupling routing from
// transport) and internal/app/run.go's explicit, no-DI-framework component
// wiring; rust core/call_manager.rs supplies the exact busy/glare/routing
// semantics.
package callmanager

import (
	"github.com/ringcore/callcore/internal/connection"
	"github.com/ringcore/callcore/internal/groupcall"
	"github.com/ringcore/callcore/internal/model"
)

// offerExpiryAge is the 120s age bound spec.md §4.5/§7 names for a received
// offer; older offers are rejected without an Answer.
const offerExpiryAge = 120 // seconds, compared against the caller-supplied age

// MediaFactory is the capability interface for constructing the concrete
// MediaEndpoint a new Connection needs, keeping this package decoupled from
// any specific WebRTC stack the same way connection.MediaEndpoint does.
type MediaFactory interface {
	NewConnectionMedia(callId model.CallId, role connection.Role) (connection.MediaEndpoint, error)
}

// GroupMediaFactory constructs the MediaTransport a new group call client needs.
type GroupMediaFactory interface {
	NewGroupMedia(groupId model.GroupId) (groupcall.MediaTransport, error)
}

// Observer is the application-facing notification surface. CallManager
// receives connection.Observer and groupcall.Observer callbacks through its
// connObserverAdapter and groupObserverAdapter types, doing its own
// bookkeeping (busy release, active-call clearing, queue trim) before
// forwarding to this interface.
type Observer interface {
	OnIncomingCall(callId model.CallId, remoteUser model.UserId, remoteDevice model.DeviceId)
	OnCallStateChanged(callId model.CallId, state model.ConnectionState)
	OnCallEnded(callId model.CallId, reason model.EndReason)
	OnReceivedOfferWithGlare(callId model.CallId)
	OnAudioLevels(callId model.CallId, capturedLevel, receivedLevel uint16)
	OnNetworkRouteChanged(callId model.CallId, route model.NetworkRoute)
	OnIncomingVideoTrack(callId model.CallId)

	OnGroupConnectionStateChanged(groupId model.GroupId, state model.GroupConnectionState)
	OnGroupJoinStateChanged(groupId model.GroupId, join model.GroupJoinState)
	OnGroupRemoteDevicesChanged(groupId model.GroupId, reason groupcall.RemoteDevicesChangeReason)
	OnGroupPeekChanged(groupId model.GroupId, info groupcall.PeekInfo)
	OnGroupSendRatesChanged(groupId model.GroupId, rates groupcall.SendRates)
	OnGroupEnded(groupId model.GroupId, reason model.EndReason)
}

// activeCall wraps one 1:1 call's bookkeeping the Connection FSM itself
// does not model: the WaitingToProceed pre-state (spec.md §4.5's worked
// scenario) and the pinned device used for glare resolution.
type activeCall struct {
	callId        model.CallId
	direction     model.CallDirection
	remoteUser    model.UserId
	remoteDevice  model.DeviceId
	localDevice   model.DeviceId
	waiting       bool // WaitingToProceed; false once proceed() runs
	pinnedDevice  *model.DeviceId
	conn          *connection.Connection
}
