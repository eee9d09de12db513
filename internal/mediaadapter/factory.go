package mediaadapter

import (
	"github.com/ringcore/callcore/internal/connection"
	"github.com/ringcore/callcore/internal/model"
)

// Factory implements callmanager.MediaFactory, constructing one Endpoint per
// Connection. Kept in this package (rather than callmanager, which only
// depends on the capability interface) so callmanager never imports
// pion/webrtc directly.
type Factory struct{}

// NewConnectionMedia builds a fresh Endpoint. role determines which side of
// the 1:1 negotiation this Connection plays; RoleIncoming is whichever side
// did not send the Offer.
func (Factory) NewConnectionMedia(callId model.CallId, role connection.Role) (connection.MediaEndpoint, error) {
	isCaller := role == connection.RoleOutgoingParent || role == connection.RoleOutgoingChild
	return New(callId, isCaller)
}

// BindControlReceiver is the optional capability connection.MediaEndpoint
// implementations may satisfy so the caller can wire inbound RTP-data
// frames back into the Connection that owns them (see Endpoint.BindControlReceiver).
type BindControlReceiver interface {
	BindControlReceiver(fn func(rtpTimestamp uint32, payload []byte))
}
