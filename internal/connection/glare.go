package connection

import "github.com/ringcore/callcore/internal/model"

// GlareOutcome is the result of resolving simultaneous offers from the same
// remote peer (spec.md §4.2).
type GlareOutcome int

const (
	GlareWinner GlareOutcome = iota
	GlareLoser
	GlareDoubleLoser
	GlareBusy
)

// ResolveGlare decides the outcome of receiving an offer for incomingCallId
// while activeCallId is already in progress with the same remote peer.
// activeDevicePinned/incomingDevicePinned are the device id the active call
// has pinned (if any); samePeerDifferentDevice is true when a second
// device of the same user is calling while the first is active.
func ResolveGlare(activeCallId, incomingCallId model.CallId, activeDevicePinned, incomingDevicePinned *model.DeviceId, samePeerDifferentDevice bool) GlareOutcome {
	if samePeerDifferentDevice && !devicesMatchOrUnpinned(activeDevicePinned, incomingDevicePinned) {
		return GlareBusy
	}
	switch {
	case uint64(activeCallId) > uint64(incomingCallId):
		return GlareWinner
	case uint64(activeCallId) < uint64(incomingCallId):
		return GlareLoser
	default:
		return GlareDoubleLoser
	}
}

// devicesMatchOrUnpinned reports whether there is no pinned device on
// either side, or the pinned devices match (spec.md §4.2: "No active device
// pinned on either side, OR pinned device matches: GLARE").
func devicesMatchOrUnpinned(active, incoming *model.DeviceId) bool {
	if active == nil || incoming == nil {
		return true
	}
	return *active == *incoming
}
